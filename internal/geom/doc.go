// Package geom holds the shared geometry used by the pose engine, the
// calibration gate and the publisher: 3x3 rotations, 4x4 rigid transforms in
// the same row-major [16]float64 layout the rest of the code base uses, the
// camera projection model, and the two axis-convention conversions between
// the vision engine's camera frame and the robot's field frame.
//
// Camera convention: X right, Y down, Z forward (image rows grow with Y).
// Field convention: X forward, Y left, Z up.
package geom
