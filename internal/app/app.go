// Package app drives the coprocessor: it owns the state machine, applies
// operator commands on the foreground loop, and routes each camera's frames
// to calibration or to pose processing and the publisher.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/walleye/internal/calibration"
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/capture"
	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/pose"
	"github.com/banshee-data/walleye/internal/publisher"
	"github.com/banshee-data/walleye/internal/store"
	"github.com/banshee-data/walleye/internal/tags"
	"github.com/banshee-data/walleye/internal/timeutil"
)

var logf = monitoring.Component("app")

const (
	commandQueue = 16
	traceLength  = 300
)

// ErrCalibrationUnavailable is returned for calibration commands when no
// board finder or calibrator is configured.
var ErrCalibrationUnavailable = errors.New("calibration is not available in this build")

// Store is the persistence the loop writes through. *store.Store satisfies it.
type Store interface {
	RecordState(state, detail string) error
	SaveCameraSettings(cs store.CameraSettings) error
	RecordCalibration(rec store.CalibrationRecord) (int64, error)
	SaveSystemConfig(cfg *config.Config) error
}

// Options wires an App. Config, Pipeline, Engine, Detector and Publisher are
// required.
type Options struct {
	Config     *config.Config
	Pipeline   *capture.Pipeline
	Health     *capture.HealthMonitor
	Engine     *pose.Engine
	Detector   tags.Detector
	Publisher  publisher.Publisher
	Store      Store
	FS         fsutil.FileSystem
	Clock      timeutil.Clock
	Finder     calibration.BoardFinder
	Refiner    calibration.CornerRefiner
	Calibrator calibration.Calibrator
	// Annotate draws detections onto pose-mode previews.
	Annotate bool
}

// App is the driving state machine. Run must be called from one goroutine;
// Submit, Status and the preview accessors may be called from any.
type App struct {
	cfg        *config.Config
	pipeline   *capture.Pipeline
	health     *capture.HealthMonitor
	engine     *pose.Engine
	detector   tags.Detector
	pub        publisher.Publisher
	store      Store
	fs         fsutil.FileSystem
	clock      timeutil.Clock
	finder     calibration.BoardFinder
	refiner    calibration.CornerRefiner
	calibrator calibration.Calibrator
	annotate   bool

	commands chan request
	seq      *publisher.Sequencer
	modes    map[camera.Mode]modeHandler
	trace    *Trace

	// foreground loop only
	gate     *calibration.Gate
	lastLoop time.Time

	mu            sync.RWMutex
	state         State
	status        string
	table         string
	validTags     []int
	loopTime      time.Duration
	generation    uint64
	calCamera     string
	calImages     int
	reprojError   *float64
	published     uint64
	publishErrors uint64
	estimates     map[string]pose.Estimate
	previews      map[string]image.Image
}

// New returns an App in the PROCESSING state.
func New(opts Options) (*App, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("app: config is required")
	case opts.Pipeline == nil:
		return nil, errors.New("app: pipeline is required")
	case opts.Engine == nil:
		return nil, errors.New("app: pose engine is required")
	case opts.Detector == nil:
		return nil, errors.New("app: tag detector is required")
	case opts.Publisher == nil:
		return nil, errors.New("app: publisher is required")
	}
	if opts.Health == nil {
		opts.Health = capture.NewHealthMonitor(opts.Config.GetCameraFailureThreshold())
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	a := &App{
		cfg:        opts.Config,
		pipeline:   opts.Pipeline,
		health:     opts.Health,
		engine:     opts.Engine,
		detector:   opts.Detector,
		pub:        opts.Publisher,
		store:      opts.Store,
		fs:         opts.FS,
		clock:      opts.Clock,
		finder:     opts.Finder,
		refiner:    opts.Refiner,
		calibrator: opts.Calibrator,
		annotate:   opts.Annotate,
		commands:   make(chan request, commandQueue),
		seq:        publisher.NewSequencer(),
		trace:      NewTrace(traceLength),
		state:      StateProcessing,
		status:     "Running",
		table:      opts.Config.GetTableName(),
		validTags:  opts.Config.GetValidTags(),
		estimates:  make(map[string]pose.Estimate),
		previews:   make(map[string]image.Image),
	}
	a.modes = a.modeTable()
	return a, nil
}

// State returns the current state.
func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Trace returns the published pose history.
func (a *App) Trace() *Trace { return a.trace }

// Preview returns the latest frame shown for a camera: annotated while it is
// being calibrated or processed with annotation on, raw otherwise.
func (a *App) Preview(cameraID string) (image.Image, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	img, ok := a.previews[cameraID]
	return img, ok && img != nil
}

func (a *App) setPreview(cameraID string, img image.Image) {
	a.mu.Lock()
	a.previews[cameraID] = img
	a.mu.Unlock()
}

func (a *App) setStatus(msg string) {
	a.mu.Lock()
	a.status = msg
	a.mu.Unlock()
	logf("%s", msg)
}

func (a *App) setState(st State, msg string) {
	a.mu.Lock()
	prev := a.state
	a.state = st
	if msg != "" {
		a.status = msg
	}
	a.mu.Unlock()

	if msg != "" {
		logf("%s -> %s: %s", prev, st, msg)
	} else {
		logf("%s -> %s", prev, st)
	}
	if a.store != nil {
		if err := a.store.RecordState(st.String(), msg); err != nil {
			logf("record state: %v", err)
		}
	}
}

func (a *App) camera(id string) (*camera.Handle, error) {
	h, ok := a.pipeline.Camera(id)
	if !ok {
		return nil, fmt.Errorf("unknown camera %q", id)
	}
	return h, nil
}

func (a *App) index(h *camera.Handle) int {
	for i, c := range a.pipeline.Cameras() {
		if c == h {
			return i
		}
	}
	return -1
}

func (a *App) streamKey(h *camera.Handle, index int) string {
	a.mu.RLock()
	table := a.table
	a.mu.RUnlock()
	return publisher.StreamKey(h.Nickname(), table, index)
}

func (a *App) calibrationDir() string {
	return filepath.Join(a.cfg.GetDataDir(), "calibrations")
}

// Submit queues cmd for the foreground loop and waits for it to be applied.
func (a *App) Submit(ctx context.Context, cmd Command) error {
	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case a.commands <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) drain() {
	for {
		select {
		case req := <-a.commands:
			err := a.apply(req.cmd)
			if err != nil {
				logf("command %s failed: %v", req.cmd.Kind, err)
			}
			req.reply <- err
		default:
			return
		}
	}
}

// LoadCalibrations attaches the stored calibration of every registered
// camera at its current resolution. A camera without one runs uncalibrated;
// a malformed file is an error.
func (a *App) LoadCalibrations() error {
	for _, h := range a.pipeline.Cameras() {
		if err := a.loadCalibration(h); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) loadCalibration(h *camera.Handle) error {
	path := calibration.PathFor(a.calibrationDir(), h.ID(), h.Resolution())
	res, err := calibration.LoadResult(a.fs, path)
	if errors.Is(err, calibration.ErrNotCalibrated) {
		h.SetIntrinsics(nil)
		logf("camera %s has no calibration at %dx%d", h.ID(), h.Resolution().X, h.Resolution().Y)
		return nil
	}
	if err != nil {
		h.SetIntrinsics(nil)
		return err
	}
	in, err := res.Intrinsics()
	if err != nil {
		h.SetIntrinsics(nil)
		return fmt.Errorf("%s: %w", path, err)
	}
	h.SetIntrinsics(in)
	logf("camera %s calibrated from %s (error %.3f px)", h.ID(), path, res.ReprojError)
	return nil
}

// Run executes the loop until ctx is cancelled, a shutdown command arrives,
// or a camera is lost.
func (a *App) Run(ctx context.Context) error {
	logf("starting main loop in %s", a.State())
	for {
		if ctx.Err() != nil {
			return nil
		}
		a.drain()
		if a.State() == StateShutdown {
			logf("shutting down")
			return nil
		}
		if err := a.Step(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Step runs one iteration of the current state.
func (a *App) Step(ctx context.Context) error {
	now := a.clock.Now()
	if !a.lastLoop.IsZero() {
		a.mu.Lock()
		a.loopTime = now.Sub(a.lastLoop)
		a.mu.Unlock()
	}
	a.lastLoop = now

	switch a.State() {
	case StateBeginCalibration:
		a.beginCalibration()
		return nil
	case StateCalibrationCapture:
		return a.captureCalibration(ctx)
	case StateGenerateCalibration:
		a.generateCalibration()
		return nil
	case StateProcessing:
		return a.process(ctx)
	case StateShutdown:
		return nil
	default:
		return a.idle(ctx)
	}
}

// acquire takes the next generation and feeds it to the health monitor.
func (a *App) acquire(ctx context.Context) (capture.FrameSet, error) {
	fs, err := a.pipeline.Latest(ctx)
	if err != nil {
		return capture.FrameSet{}, err
	}
	a.mu.Lock()
	a.generation = fs.Generation
	a.mu.Unlock()
	if err := a.health.Observe(fs); err != nil {
		a.setStatus(err.Error())
		return fs, err
	}
	return fs, nil
}

func (a *App) refreshPreviews(fs capture.FrameSet, skip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range fs.Entries {
		if e.OK && e.CameraID != skip {
			a.previews[e.CameraID] = e.Frame
		}
	}
}

func (a *App) idle(ctx context.Context) error {
	fs, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	a.refreshPreviews(fs, "")
	return nil
}

func (a *App) process(ctx context.Context) error {
	fs, err := a.acquire(ctx)
	if err != nil {
		return err
	}

	results := make([]publisher.Result, 0, len(fs.Entries))
	for i, e := range fs.Entries {
		if !e.OK {
			continue
		}
		h, ok := a.pipeline.Camera(e.CameraID)
		if !ok {
			continue
		}
		mode := h.Mode()
		handler, ok := a.modes[mode]
		if !ok {
			continue
		}
		est, ok := handler(h, e)
		if !ok {
			continue
		}
		stream := a.streamKey(h, i)
		results = append(results, publisher.Result{Stream: stream, Mode: mode, Estimate: est, Captured: e.Timestamp})

		a.mu.Lock()
		a.estimates[h.ID()] = est
		a.mu.Unlock()
		if mode == camera.ModePoseEstimation && !est.Bad() {
			a.trace.Add(stream, est.PoseA, e.Timestamp)
		}
	}

	d := a.seq.Build(results, a.clock.Now())
	if len(d) == 0 {
		return nil
	}
	err = a.pub.Publish(ctx, d)
	a.mu.Lock()
	if err != nil {
		a.publishErrors++
	} else {
		a.published++
	}
	a.mu.Unlock()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (a *App) gateConfig(h *camera.Handle) calibration.GateConfig {
	return calibration.GateConfig{
		CameraID:            h.ID(),
		Resolution:          h.Resolution(),
		BoardType:           a.cfg.GetBoardType(),
		Cols:                a.cfg.GetBoardCols(),
		Rows:                a.cfg.GetBoardRows(),
		SquareSize:          a.cfg.GetSquareSize(),
		Delay:               a.cfg.GetCalibrationDelay(),
		RequiredReadyCounts: a.cfg.GetRequiredReadyCounts(),
		ImageDir:            calibration.ImageDirFor(filepath.Join(a.cfg.GetDataDir(), "calibration_imgs"), h.ID()),
	}
}

func (a *App) beginCalibration() {
	a.mu.RLock()
	id := a.calCamera
	a.mu.RUnlock()

	h, err := a.camera(id)
	if err != nil {
		a.setState(StateIdle, err.Error())
		return
	}
	// A session stopped without generating is resumed.
	if a.gate == nil || a.gate.CameraID() != id || a.gate.Resolution() != h.Resolution() {
		g, err := calibration.NewGate(a.gateConfig(h), a.finder, a.refiner, a.fs, a.clock)
		if err != nil {
			a.setState(StateIdle, "Could not start calibration: "+err.Error())
			return
		}
		a.gate = g
	}
	a.mu.Lock()
	a.calImages = a.gate.Accepted()
	a.mu.Unlock()
	a.setState(StateCalibrationCapture, "")
}

func (a *App) captureCalibration(ctx context.Context) error {
	fs, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	id := a.gate.CameraID()
	a.refreshPreviews(fs, id)

	e, ok := fs.Lookup(id)
	if !ok || !e.OK {
		return nil
	}
	out, err := a.gate.ProcessFrame(e.Frame)
	if err != nil {
		logf("calibration frame from %s: %v", id, err)
		return nil
	}
	a.mu.Lock()
	a.previews[id] = out.Annotated
	a.calImages = a.gate.Accepted()
	a.mu.Unlock()
	if out.Accepted {
		logf("accepted calibration view %d for %s: %s", a.gate.Accepted(), id, out.SavedPath)
	}
	return nil
}

func (a *App) generateCalibration() {
	g := a.gate
	a.gate = nil
	if g == nil {
		a.setState(StateIdle, "No calibration session to generate from")
		return
	}
	res, err := g.Generate(a.calibrator)
	if err != nil {
		logf("generate calibration: %v", err)
		a.setState(StateIdle, "Could not generate calibration")
		return
	}
	path := calibration.PathFor(a.calibrationDir(), g.CameraID(), g.Resolution())
	if err := calibration.SaveResult(a.fs, path, res); err != nil {
		logf("save calibration: %v", err)
		a.setState(StateIdle, "Could not save calibration")
		return
	}
	if err := calibration.WriteReport(a.fs, res, calibration.ReportPath(path)); err != nil {
		logf("calibration report: %v", err)
	}
	if h, ok := a.pipeline.Camera(g.CameraID()); ok && h.Resolution() == g.Resolution() {
		in, err := res.Intrinsics()
		if err == nil {
			h.SetIntrinsics(in)
		}
	}
	if a.store != nil {
		_, err := a.store.RecordCalibration(store.CalibrationRecord{
			SessionID:   g.SessionID(),
			CameraID:    g.CameraID(),
			Resolution:  g.Resolution(),
			Path:        path,
			ReprojError: res.ReprojError,
			Images:      g.Accepted(),
		})
		if err != nil {
			logf("index calibration: %v", err)
		}
	}

	reproj := res.ReprojError
	a.mu.Lock()
	a.reprojError = &reproj
	a.mu.Unlock()
	a.setState(StateIdle, fmt.Sprintf("Calibration generated for %s, reprojection error %.3f px", g.CameraID(), reproj))
}
