package calibration

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/annotate"
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/timeutil"
)

var logf = monitoring.Component("calibration")

// Motion thresholds as fractions of the frame width.
const (
	stabilityDivisor = 200 // px/s a tracked corner may move and still count as still
	noveltyDivisor   = 50  // px a tracked corner must move from the last accepted view
	overlayAlpha     = 0.5
)

// BoardFinder locates a calibration board's points in a grayscale frame.
type BoardFinder interface {
	FindBoard(gray *image.Gray, cols, rows int) (found bool, corners []geom.Point2, err error)
}

// CornerRefiner improves corner locations to sub-pixel accuracy.
type CornerRefiner interface {
	Refine(gray *image.Gray, corners []geom.Point2) ([]geom.Point2, error)
}

// Solution is what a Calibrator estimates from a session's evidence.
type Solution struct {
	K            [3][3]float64
	Dist         []float64
	Rotations    []r3.Vec
	Translations []r3.Vec
	RMS          float64
}

// Calibrator estimates intrinsics and per-view extrinsics.
type Calibrator interface {
	Calibrate(object [][]r3.Vec, image [][]geom.Point2, size image.Point) (Solution, error)
}

// GateConfig fixes one calibration session.
type GateConfig struct {
	CameraID            string
	Resolution          image.Point
	BoardType           string
	Cols, Rows          int
	SquareSize          float64
	Delay               time.Duration
	RequiredReadyCounts int
	ImageDir            string
}

// Outcome is the result of processing one frame.
type Outcome struct {
	Annotated *image.RGBA
	Accepted  bool
	SavedPath string // empty unless Accepted
}

// Gate decides, frame by frame, whether the board in view is still enough
// and far enough from the last accepted view to be used as evidence.
type Gate struct {
	cfg     GateConfig
	finder  BoardFinder
	refiner CornerRefiner
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	rng     *rand.Rand

	sessionID string
	started   time.Time
	reference []r3.Vec
	set       CorrespondenceSet
	saved     []string

	lastAccepted                time.Time
	acceptedFirst, acceptedLast geom.Point2
	prevFirst, prevLast         geom.Point2
	prevTime                    time.Time
	readyCount                  int
	lastStable                  bool
	overlay                     *image.RGBA
}

// NewGate starts a session. The image directory is emptied.
func NewGate(cfg GateConfig, finder BoardFinder, refiner CornerRefiner, fs fsutil.FileSystem, clock timeutil.Clock) (*Gate, error) {
	if cfg.RequiredReadyCounts < 1 {
		cfg.RequiredReadyCounts = 1
	}
	if cfg.Resolution.X <= 0 || cfg.Resolution.Y <= 0 {
		return nil, fmt.Errorf("calibration resolution must be positive, got %v", cfg.Resolution)
	}
	if cfg.ImageDir == "" {
		return nil, fmt.Errorf("calibration image dir must be set")
	}
	ref, err := ReferenceGrid(cfg.BoardType, cfg.Cols, cfg.Rows, cfg.SquareSize)
	if err != nil {
		return nil, err
	}
	if err := fs.RemoveAll(cfg.ImageDir); err != nil {
		return nil, fmt.Errorf("clear calibration image dir: %w", err)
	}
	if err := fs.MkdirAll(cfg.ImageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create calibration image dir: %w", err)
	}
	now := clock.Now()
	g := &Gate{
		cfg:       cfg,
		finder:    finder,
		refiner:   refiner,
		fs:        fs,
		clock:     clock,
		rng:       rand.New(rand.NewSource(now.UnixNano())),
		sessionID: uuid.New().String(),
		started:   now,
		reference: ref,
		prevTime:  now,
		overlay:   image.NewRGBA(image.Rect(0, 0, cfg.Resolution.X, cfg.Resolution.Y)),
	}
	logf("session %s started for %s at %dx%d (%s %dx%d)", g.sessionID, cfg.CameraID,
		cfg.Resolution.X, cfg.Resolution.Y, cfg.BoardType, cfg.Cols, cfg.Rows)
	return g, nil
}

// SessionID identifies this session in the store.
func (g *Gate) SessionID() string { return g.sessionID }

// CameraID returns the camera under calibration.
func (g *Gate) CameraID() string { return g.cfg.CameraID }

// Resolution returns the session resolution.
func (g *Gate) Resolution() image.Point { return g.cfg.Resolution }

// Accepted returns how many views have been accepted.
func (g *Gate) Accepted() int { return g.set.Len() }

// Correspondences exposes the accumulated evidence.
func (g *Gate) Correspondences() *CorrespondenceSet { return &g.set }

// SavedPaths lists the images saved so far.
func (g *Gate) SavedPaths() []string { return append([]string(nil), g.saved...) }

// ProcessFrame runs the admission decision on one frame and returns an
// annotated copy for the operator.
func (g *Gate) ProcessFrame(img image.Image) (Outcome, error) {
	gray := camera.ToGray(img)
	found, corners, err := g.finder.FindBoard(gray, g.cfg.Cols, g.cfg.Rows)
	if err != nil {
		return Outcome{}, fmt.Errorf("find board: %w", err)
	}
	if found && len(corners) != len(g.reference) {
		logf("board finder returned %d points, expected %d", len(corners), len(g.reference))
		found = false
	}

	var out Outcome
	now := g.clock.Now()
	if found && now.Sub(g.lastAccepted) > g.cfg.Delay && g.ready(corners, now) {
		path, err := g.accept(gray, corners, now)
		if err != nil {
			return Outcome{}, err
		}
		out.Accepted = true
		out.SavedPath = path
	}
	out.Annotated = g.annotate(img, found, corners, out.Accepted)
	return out, nil
}

// ready updates the motion bookkeeping and reports whether the board has
// passed both checks on enough consecutive calls.
func (g *Gate) ready(corners []geom.Point2, now time.Time) bool {
	first, last := corners[0], corners[len(corners)-1]
	width := float64(g.cfg.Resolution.X)

	dt := now.Sub(g.prevTime).Seconds()
	var stable bool
	if dt > 0 {
		limit := width / stabilityDivisor
		stable = first.Dist(g.prevFirst)/dt < limit && last.Dist(g.prevLast)/dt < limit
	} else {
		stable = first == g.prevFirst && last == g.prevLast
	}
	g.prevFirst, g.prevLast, g.prevTime = first, last, now

	minMove := width / noveltyDivisor
	novel := first.Dist(g.acceptedFirst) > minMove && last.Dist(g.acceptedLast) > minMove

	g.lastStable = stable
	if stable && novel {
		g.readyCount++
	} else {
		g.readyCount = 0
	}
	return g.readyCount >= g.cfg.RequiredReadyCounts
}

func (g *Gate) accept(gray *image.Gray, corners []geom.Point2, now time.Time) (string, error) {
	refined, err := g.refiner.Refine(gray, corners)
	if err != nil {
		return "", fmt.Errorf("refine corners: %w", err)
	}
	if len(refined) != len(corners) {
		return "", fmt.Errorf("refiner returned %d points for %d corners", len(refined), len(corners))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return "", fmt.Errorf("encode calibration image: %w", err)
	}
	path := filepath.Join(g.cfg.ImageDir, fmt.Sprintf("%d.png", now.UnixNano()))
	if err := g.fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("save calibration image: %w", err)
	}

	g.set.Append(g.reference, refined)
	g.saved = append(g.saved, path)
	g.paintFootprint(corners)

	g.lastAccepted = now
	g.acceptedFirst, g.acceptedLast = corners[0], corners[len(corners)-1]
	g.readyCount = 0
	logf("accepted view %d for %s, saved %s", g.set.Len(), g.cfg.CameraID, path)
	return path, nil
}

// paintFootprint fills the board's outer quad on the overlay in a new color.
func (g *Gate) paintFootprint(corners []geom.Point2) {
	cols := g.cfg.Cols
	quad := []geom.Point2{
		corners[0],
		corners[cols-1],
		corners[len(corners)-1],
		corners[len(corners)-cols],
	}
	c := color.RGBA{
		R: uint8(1 + g.rng.Intn(255)),
		G: uint8(1 + g.rng.Intn(255)),
		B: uint8(1 + g.rng.Intn(255)),
		A: 255,
	}
	annotate.Wrap(g.overlay).FillPolygon(quad, c)
}

func (g *Gate) annotate(img image.Image, found bool, corners []geom.Point2, accepted bool) *image.RGBA {
	canvas := annotate.NewCanvas(img)
	annotate.Blend(canvas.Image(), g.overlay, overlayAlpha)

	if len(corners) > 0 {
		col := annotate.Red
		if found {
			col = annotate.Green
		}
		for i := 1; i < len(corners); i++ {
			canvas.Line(corners[i-1], corners[i], col, 1)
		}
		for _, p := range corners {
			canvas.Dot(p, 3, col)
		}
	}

	h := float64(canvas.Image().Bounds().Dy())
	if found {
		if g.lastStable {
			canvas.Text("Stable", 5, h-50, annotate.Blue)
		} else {
			canvas.Text("Not stable", 5, h-50, annotate.Red)
		}
	}
	countColor := annotate.Red
	if accepted {
		countColor = annotate.Blue
	}
	canvas.Text(fmt.Sprintf("Imgs taken: %d", g.set.Len()), 5, h-100, countColor)
	return canvas.Image()
}

// LoadSavedImages rebuilds evidence from previously saved frames. Images in
// which no board is found are skipped; it returns how many were added.
func (g *Gate) LoadSavedImages(paths []string) (int, error) {
	added := 0
	for _, path := range paths {
		data, err := g.fs.ReadFile(path)
		if err != nil {
			return added, fmt.Errorf("read %s: %w", path, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return added, fmt.Errorf("decode %s: %w", path, err)
		}
		gray := camera.ToGray(img)
		found, corners, err := g.finder.FindBoard(gray, g.cfg.Cols, g.cfg.Rows)
		if err != nil {
			return added, fmt.Errorf("find board in %s: %w", path, err)
		}
		if !found || len(corners) != len(g.reference) {
			logf("no board in %s, skipping", path)
			continue
		}
		refined, err := g.refiner.Refine(gray, corners)
		if err != nil {
			return added, fmt.Errorf("refine %s: %w", path, err)
		}
		g.set.Append(g.reference, refined)
		g.saved = append(g.saved, path)
		added++
	}
	return added, nil
}

// Generate runs the calibrator over the session's evidence and returns the
// immutable result.
func (g *Gate) Generate(cal Calibrator) (*Result, error) {
	if g.set.Len() == 0 {
		logf("calibration of %s failed: no image data", g.cfg.CameraID)
		return nil, ErrNoCorrespondences
	}
	obj, img := g.set.Split()
	sol, err := cal.Calibrate(obj, img, g.cfg.Resolution)
	if err != nil {
		return nil, fmt.Errorf("calibrate %s: %w", g.cfg.CameraID, err)
	}
	in, err := geom.NewIntrinsics(sol.K, sol.Dist)
	if err != nil {
		return nil, fmt.Errorf("calibrator output: %w", err)
	}
	mean, views, err := MeanReprojectionError(&g.set, in, sol.Rotations, sol.Translations)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return nil, fmt.Errorf("calibrate %s: board points project behind the camera in %d of %d views", g.cfg.CameraID, countNonFinite(views), len(views))
	}

	res := &Result{
		CameraID:    g.cfg.CameraID,
		K:           sol.K,
		Dist:        append(Vector(nil), sol.Dist...),
		Resolution:  [2]int{g.cfg.Resolution.X, g.cfg.Resolution.Y},
		ReprojError: mean,
		Timestamp:   g.clock.Now().UTC().Format(time.RFC3339),
		ViewErrors:  views,
	}
	for i := range sol.Rotations {
		res.Rotations = append(res.Rotations, FromR3(sol.Rotations[i]))
		res.Translations = append(res.Translations, FromR3(sol.Translations[i]))
	}
	logf("calibration of %s generated from %d views, reprojection error %.4f", g.cfg.CameraID, g.set.Len(), mean)
	return res, nil
}

func countNonFinite(v []float64) int {
	n := 0
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			n++
		}
	}
	return n
}
