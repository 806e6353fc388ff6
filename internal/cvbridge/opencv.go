//go:build gocv

package cvbridge

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/calibration"
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/tags"
)

// Available reports whether OpenCV support is compiled in.
func Available() bool { return true }

// videoSource reads frames from a V4L2 device.
type videoSource struct {
	device string

	mu     sync.Mutex
	cap    *gocv.VideoCapture
	frame  gocv.Mat
	closed bool
}

// OpenCamera opens device (a /dev/video path) at res. A non-empty
// pixelFormat is applied as the capture FOURCC. Auto exposure is disabled.
func OpenCamera(device string, res image.Point, pixelFormat string) (camera.Source, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(device, gocv.VideoCaptureV4L2)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open %s: device not available", device)
	}
	if pixelFormat != "" {
		vc.Set(gocv.VideoCaptureFOURCC, vc.ToCodec(pixelFormat))
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(res.X))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(res.Y))
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	vc.Set(gocv.VideoCaptureAutoExposure, 1)

	got := image.Pt(int(vc.Get(gocv.VideoCaptureFrameWidth)), int(vc.Get(gocv.VideoCaptureFrameHeight)))
	if got != res {
		logf("%s: requested %dx%d, driver chose %dx%d", device, res.X, res.Y, got.X, got.Y)
	}
	return &videoSource{device: device, cap: vc, frame: gocv.NewMat()}, nil
}

func (s *videoSource) Read(ctx context.Context) (image.Image, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, time.Time{}, camera.ErrSourceClosed
	}
	if ok := s.cap.Read(&s.frame); !ok || s.frame.Empty() {
		return nil, time.Time{}, fmt.Errorf("read %s: no frame", s.device)
	}
	at := time.Now()
	img, err := s.frame.ToImage()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read %s: %w", s.device, err)
	}
	return img, at, nil
}

func (s *videoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.frame.Close()
	return s.cap.Close()
}

// cornerRefineSubpix is OpenCV's aruco::CORNER_REFINE_SUBPIX.
const cornerRefineSubpix = 1

// arucoDetector wraps OpenCV's ArUco detector configured for an AprilTag
// dictionary.
type arucoDetector struct {
	mu       sync.Mutex
	detector gocv.ArucoDetector
}

func NewDetector(family string) (tags.Detector, error) {
	if err := checkFamily(family); err != nil {
		return nil, err
	}
	code := gocv.ArucoDictAprilTag_16h5
	if family == Family36h11 {
		code = gocv.ArucoDictAprilTag_36h11
	}
	params := gocv.NewArucoDetectorParameters()
	params.SetCornerRefinementMethod(cornerRefineSubpix)
	dict := gocv.GetPredefinedDictionary(code)
	return &arucoDetector{detector: gocv.NewArucoDetectorWithParams(dict, params)}, nil
}

func (d *arucoDetector) Detect(gray *image.Gray) ([]tags.Observation, error) {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	d.mu.Lock()
	corners, ids, _ := d.detector.DetectMarkers(mat)
	d.mu.Unlock()

	obs := make([]tags.Observation, 0, len(ids))
	for i, id := range ids {
		if len(corners[i]) != 4 {
			continue
		}
		o := tags.Observation{ID: id}
		for k, c := range corners[i] {
			o.Corners[k] = geom.Point2{X: float64(c.X), Y: float64(c.Y)}
		}
		obs = append(obs, o)
	}
	return obs, nil
}

type chessboardFinder struct{}

// NewBoardFinder returns a finder for boardType. Only chessboards are
// supported through gocv.
func NewBoardFinder(boardType string) (calibration.BoardFinder, error) {
	switch boardType {
	case config.BoardChessboard:
		return chessboardFinder{}, nil
	case config.BoardCircleGrid:
		return nil, fmt.Errorf("board type %q is not supported by the opencv bridge", boardType)
	}
	return nil, fmt.Errorf("unknown board type %q", boardType)
}

func (chessboardFinder) FindBoard(gray *image.Gray, cols, rows int) (bool, []geom.Point2, error) {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return false, nil, err
	}
	defer mat.Close()
	corners := gocv.NewMat()
	defer corners.Close()

	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage | gocv.CalibCBFastCheck
	if !gocv.FindChessboardCorners(mat, image.Pt(cols, rows), &corners, flags) {
		return false, nil, nil
	}
	pts, err := matToPoints(corners)
	if err != nil {
		return false, nil, err
	}
	return true, pts, nil
}

type subPixRefiner struct{}

func NewRefiner() (calibration.CornerRefiner, error) { return subPixRefiner{}, nil }

func (subPixRefiner) Refine(gray *image.Gray, corners []geom.Point2) ([]geom.Point2, error) {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	pts := pointsToMat(corners)
	defer pts.Close()

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, refineIterations, refineEpsilon)
	if err := gocv.CornerSubPix(mat, &pts, image.Pt(refineWindow, refineWindow), image.Pt(-1, -1), criteria); err != nil {
		logf("cornerSubPix on %d corners: %v", len(corners), err)
		return nil, err
	}
	return matToPoints(pts)
}

type cameraCalibrator struct{}

func NewCalibrator() (calibration.Calibrator, error) { return cameraCalibrator{}, nil }

func (cameraCalibrator) Calibrate(object [][]r3.Vec, img [][]geom.Point2, size image.Point) (calibration.Solution, error) {
	if len(object) == 0 || len(object) != len(img) {
		return calibration.Solution{}, fmt.Errorf("calibrate: %d object views but %d image views", len(object), len(img))
	}
	obj := gocv.NewPoints3fVector()
	defer obj.Close()
	ipts := gocv.NewPoints2fVector()
	defer ipts.Close()
	for i := range object {
		o := make([]gocv.Point3f, len(object[i]))
		for k, p := range object[i] {
			o[k] = gocv.Point3f{X: float32(p.X), Y: float32(p.Y), Z: float32(p.Z)}
		}
		ov := gocv.NewPoint3fVectorFromPoints(o)
		obj.Append(ov)
		ov.Close()

		q := make([]gocv.Point2f, len(img[i]))
		for k, p := range img[i] {
			q[k] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
		iv := gocv.NewPoint2fVectorFromPoints(q)
		ipts.Append(iv)
		iv.Close()
	}

	k, dist, rvecs, tvecs := gocv.NewMat(), gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
	defer k.Close()
	defer dist.Close()
	defer rvecs.Close()
	defer tvecs.Close()
	rms := gocv.CalibrateCamera(obj, ipts, size, &k, &dist, &rvecs, &tvecs, 0)

	var sol calibration.Solution
	sol.RMS = rms
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			sol.K[r][c] = k.GetDoubleAt(r, c)
		}
	}
	d, err := dist.DataPtrFloat64()
	if err != nil {
		return calibration.Solution{}, fmt.Errorf("calibrate: distortion: %w", err)
	}
	sol.Dist = append([]float64(nil), d...)

	if sol.Rotations, err = matToVecs(rvecs, len(object)); err != nil {
		return calibration.Solution{}, fmt.Errorf("calibrate: rotations: %w", err)
	}
	if sol.Translations, err = matToVecs(tvecs, len(object)); err != nil {
		return calibration.Solution{}, fmt.Errorf("calibrate: translations: %w", err)
	}
	return sol, nil
}

// matToPoints reads an N-point CV_32FC2 matrix.
func matToPoints(m gocv.Mat) ([]geom.Point2, error) {
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	pts := make([]geom.Point2, len(data)/2)
	for i := range pts {
		pts[i] = geom.Point2{X: float64(data[2*i]), Y: float64(data[2*i+1])}
	}
	return pts, nil
}

func pointsToMat(pts []geom.Point2) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 1, gocv.MatTypeCV32FC2)
	data, _ := m.DataPtrFloat32()
	for i, p := range pts {
		data[2*i] = float32(p.X)
		data[2*i+1] = float32(p.Y)
	}
	return m
}

// matToVecs reads n three-vectors of doubles.
func matToVecs(m gocv.Mat, n int) ([]r3.Vec, error) {
	data, err := m.DataPtrFloat64()
	if err != nil {
		return nil, err
	}
	if len(data) != 3*n {
		return nil, errors.New("unexpected extrinsics layout")
	}
	out := make([]r3.Vec, n)
	for i := range out {
		out[i] = r3.Vec{X: data[3*i], Y: data[3*i+1], Z: data[3*i+2]}
	}
	return out, nil
}
