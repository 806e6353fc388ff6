// Command walleye runs the vision coprocessor: it captures frames from every
// camera, estimates the robot's field pose from AprilTags, publishes one
// datagram per frame set to the robot and serves the operator status page.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/walleye/internal/api"
	"github.com/banshee-data/walleye/internal/app"
	"github.com/banshee-data/walleye/internal/calibration"
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/capture"
	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/cvbridge"
	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/pose"
	"github.com/banshee-data/walleye/internal/publisher"
	"github.com/banshee-data/walleye/internal/store"
	"github.com/banshee-data/walleye/internal/tags"
	"github.com/banshee-data/walleye/internal/timeutil"
	"github.com/banshee-data/walleye/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the system config JSON")
	devMode     = flag.Bool("dev", false, "Run with synthetic or replayed cameras instead of V4L2 devices")
	listen      = flag.String("listen", "", "Status server listen address (overrides status_listen)")
	dbPath      = flag.String("db", "", "sqlite database path (default <data_dir>/walleye.db)")
	camerasFlag = flag.String("cameras", "", "Comma-separated camera devices (default: every /dev/v4l/by-path entry)")
	resolution  = flag.String("resolution", "1280x720", "Initial capture resolution WxH")
	pixelFormat = flag.String("pixel-format", "MJPG", "Capture FOURCC")
	tagFamily   = flag.String("tag-family", cvbridge.DefaultFamily, "AprilTag family for the detector")
	replay      = flag.String("replay", "", "Glob of image files to replay as each camera (dev mode)")
	detections  = flag.String("detections", "", "JSON fixture of per-frame detections to replay (dev mode)")
	annotate    = flag.Bool("annotate", true, "Draw detections onto pose-mode previews")
	showVersion = flag.Bool("version", false, "Print version and exit")
	inspectPcap = flag.String("inspect-pcap", "", "Print the datagrams in a datagram_pcap capture and exit")
)

const cameraGlob = "/dev/v4l/by-path/*"

// parseResolution parses "WxH".
func parseResolution(s string) (image.Point, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return image.Point{}, fmt.Errorf("resolution %q must look like 1280x720", s)
	}
	x, err := strconv.Atoi(w)
	if err != nil {
		return image.Point{}, fmt.Errorf("resolution %q: bad width: %w", s, err)
	}
	y, err := strconv.Atoi(h)
	if err != nil {
		return image.Point{}, fmt.Errorf("resolution %q: bad height: %w", s, err)
	}
	if x <= 0 || y <= 0 {
		return image.Point{}, fmt.Errorf("resolution %q must be positive", s)
	}
	return image.Pt(x, y), nil
}

// cameraIDs returns the devices to open: the explicit list when given,
// otherwise every match of pattern. Dev mode without devices gets one
// synthetic camera.
func cameraIDs(fs fsutil.FileSystem, list, pattern string, dev bool) ([]string, error) {
	var ids []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}
	if dev {
		return []string{"synthetic0"}, nil
	}
	matches, err := fs.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no cameras found under %s", pattern)
	}
	return matches, nil
}

// loadConfig reads the defaults file and prefers the operator's persisted
// copy when the database has one.
func loadConfig(path string, db *store.Store) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return cfg, nil
	}
	stored, err := db.LoadSystemConfig()
	switch {
	case errors.Is(err, store.ErrNotFound):
		return cfg, db.SaveSystemConfig(cfg)
	case err != nil:
		log.Printf("ignoring stored config: %v", err)
		return cfg, nil
	}
	log.Printf("using persisted system config")
	return stored, nil
}

// applySettings restores the operator's per-camera choices.
func applySettings(h *camera.Handle, cfg *config.Config, db *store.Store) {
	if name := cfg.GetCameraNickname(h.ID()); name != "" {
		h.SetNickname(name)
	}
	if db == nil {
		return
	}
	cs, err := db.CameraSettings(h.ID())
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("camera %s settings: %v", h.ID(), err)
		return
	}
	if cs.Nickname != "" {
		h.SetNickname(cs.Nickname)
	}
	h.SetMode(cs.Mode)
	if cs.Resolution.X > 0 && cs.Resolution.Y > 0 {
		h.SetResolution(cs.Resolution)
	}
}

func openSource(fs fsutil.FileSystem, clock timeutil.Clock, id string, res image.Point) (camera.Source, error) {
	if !*devMode {
		return cvbridge.OpenCamera(id, res, *pixelFormat)
	}
	if *replay != "" {
		return camera.NewReplaySource(fs, *replay, clock)
	}
	return camera.NewSyntheticSource(res.X, res.Y, clock, 33*time.Millisecond), nil
}

func newDetector(fs fsutil.FileSystem) (tags.Detector, error) {
	if *detections != "" {
		return tags.LoadStaticDetector(fs, *detections)
	}
	d, err := cvbridge.NewDetector(*tagFamily)
	if errors.Is(err, cvbridge.ErrUnavailable) && *devMode {
		log.Printf("no tag detector available, dev mode sees no tags")
		return tags.NewStaticDetector(), nil
	}
	return d, err
}

// newPublisher dials the robot over UDP and, for the mqtt transport, mirrors
// every datagram to the broker as well.
func newPublisher(cfg *config.Config, clock timeutil.Clock) (publisher.Publisher, []func() error, error) {
	udp, err := publisher.DialUDP(cfg.GetRobotIP(), cfg.GetRobotPort(), clock)
	if err != nil {
		return nil, nil, err
	}
	var closers []func() error
	if path := cfg.GetDatagramPcap(); path != "" {
		dst, err := net.ResolveUDPAddr("udp4", udp.Address())
		src := udp.LocalAddr()
		if err == nil && src != nil && src.IP.To4() != nil {
			rec, err := publisher.CreatePcap(path, src, dst)
			if err != nil {
				log.Printf("datagram capture disabled: %v", err)
			} else {
				udp.SetTap(rec)
				closers = append(closers, rec.Close)
			}
		} else {
			log.Printf("datagram capture disabled: robot address %s is not IPv4", udp.Address())
		}
	}
	if cfg.GetTransport() != config.TransportMQTT {
		return udp, closers, nil
	}
	client, err := publisher.ConnectMQTT(cfg.GetMQTTBroker(), cfg.GetMQTTClientID())
	if err != nil {
		udp.Close()
		return nil, nil, err
	}
	return publisher.Multi{udp, publisher.NewMQTTPublisher(client, cfg.GetTableName())}, closers, nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *inspectPcap != "" {
		if err := inspectPcapFile(os.Stdout, *inspectPcap); err != nil {
			log.Fatalf("inspect %s: %v", *inspectPcap, err)
		}
		return
	}
	log.Printf("starting %s", version.String())

	res, err := parseResolution(*resolution)
	if err != nil {
		log.Fatal(err)
	}
	fs := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}

	bootCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := os.MkdirAll(bootCfg.GetDataDir(), 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	path := *dbPath
	if path == "" {
		path = filepath.Join(bootCfg.GetDataDir(), "walleye.db")
	}
	db, err := store.Open(path, clock)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cfg, err := loadConfig(*configPath, db)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	addr := cfg.GetStatusListen()
	if *listen != "" {
		addr = *listen
	}

	layout, err := tags.LoadLayout(fs, cfg.GetTagLayoutPath())
	if err != nil {
		log.Fatalf("failed to load tag layout: %v", err)
	}
	engine, err := pose.NewEngine(layout, cfg.GetTagSize(), cfg.GetValidTags())
	if err != nil {
		log.Fatalf("failed to create pose engine: %v", err)
	}
	detector, err := newDetector(fs)
	if err != nil {
		log.Fatalf("failed to create tag detector: %v", err)
	}

	ids, err := cameraIDs(fs, *camerasFlag, cameraGlob, *devMode)
	if err != nil {
		log.Fatal(err)
	}
	pipeline := capture.NewPipeline(clock)
	for _, id := range ids {
		src, err := openSource(fs, clock, id, res)
		if err != nil {
			log.Fatalf("failed to open camera %s: %v", id, err)
		}
		h := camera.NewHandle(id, src, res, *pixelFormat)
		applySettings(h, cfg, db)
		pipeline.Register(h)
		log.Printf("camera %s registered at %dx%d", id, h.Resolution().X, h.Resolution().Y)
	}

	pub, closers, err := newPublisher(cfg, clock)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Printf("publisher close: %v", err)
		}
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("capture close: %v", err)
			}
		}
	}()

	opts := app.Options{
		Config:    cfg,
		Pipeline:  pipeline,
		Health:    capture.NewHealthMonitor(cfg.GetCameraFailureThreshold()),
		Engine:    engine,
		Detector:  detector,
		Publisher: pub,
		Store:     db,
		FS:        fs,
		Clock:     clock,
		Annotate:  *annotate,
	}
	if err := calibrationOracles(&opts, cfg.GetBoardType()); err != nil {
		log.Printf("calibration disabled: %v", err)
	}
	loop, err := app.New(opts)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}
	if err := loop.LoadCalibrations(); err != nil {
		log.Fatalf("failed to load calibrations: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	var wg sync.WaitGroup
	var loopErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("capture pipeline stopped: %v", err)
		}
		log.Print("capture routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		loopErr = loop.Run(ctx)
		log.Print("main loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv := api.NewServer(loop, db)
		srv.SetFilesRoot(cfg.GetDataDir())
		mux := srv.ServeMux()
		if err := db.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes unavailable: %v", err)
		}
		server := &http.Server{
			Addr:    addr,
			Handler: api.LoggingMiddleware(mux),
		}
		go func() {
			log.Printf("status server listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("status server failed: %v", err)
				cancel()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	for _, h := range pipeline.Cameras() {
		if err := h.Close(); err != nil {
			log.Printf("camera %s close: %v", h.ID(), err)
		}
	}

	var lost *capture.CameraLostError
	if errors.As(loopErr, &lost) {
		log.Fatalf("%v", loopErr)
	}
	if loopErr != nil {
		log.Printf("main loop error: %v", loopErr)
	}
	log.Printf("Graceful shutdown complete")
}

// calibrationOracles fills the calibration collaborators of opts. Any missing
// oracle leaves calibration unavailable.
func calibrationOracles(opts *app.Options, boardType string) error {
	finder, err := cvbridge.NewBoardFinder(boardType)
	if err != nil {
		return err
	}
	refiner, err := cvbridge.NewRefiner()
	if err != nil {
		return err
	}
	var cal calibration.Calibrator
	if cal, err = cvbridge.NewCalibrator(); err != nil {
		return err
	}
	opts.Finder, opts.Refiner, opts.Calibrator = finder, refiner, cal
	return nil
}
