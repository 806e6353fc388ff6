package geom

import "gonum.org/v1/gonum/spatial/r3"

// cameraToField is the matrix form of CameraToField.
var cameraToField = Mat3{
	{0, 0, 1},
	{-1, 0, 0},
	{0, -1, 0},
}

// CameraToField remaps a vector from camera convention (X right, Y down,
// Z forward) to field convention (X forward, Y left, Z up):
// new_x = old_z, new_y = -old_x, new_z = -old_y.
func CameraToField(v r3.Vec) r3.Vec {
	return r3.Vec{X: v.Z, Y: -v.X, Z: -v.Y}
}

// FieldToCamera is the inverse of CameraToField.
func FieldToCamera(v r3.Vec) r3.Vec {
	return r3.Vec{X: -v.Y, Y: -v.Z, Z: v.X}
}

// CameraFrameToField takes a transform whose source frame uses camera
// convention and returns the transform from the same frame with field
// convention axes: T * A^T. Applied to a field-from-camera transform it
// yields the camera's field pose.
func CameraFrameToField(T Transform) Transform {
	return T.Compose(NewTransform(cameraToField.T(), r3.Vec{}))
}

// FieldFrameToCamera is the inverse of CameraFrameToField: T * A.
func FieldFrameToCamera(T Transform) Transform {
	return T.Compose(NewTransform(cameraToField, r3.Vec{}))
}
