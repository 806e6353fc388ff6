// Package api serves the operator surface of the coprocessor: loop status
// and commands as JSON, camera previews, a pose chart and a status
// websocket.
package api

import (
	"bufio"
	"context"
	"errors"
	"image"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/walleye/internal/app"
	"github.com/banshee-data/walleye/internal/httputil"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/store"
)

var logf = monitoring.Component("api")

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultPushInterval  = 250 * time.Millisecond
	defaultSubmitTimeout = 5 * time.Second
	defaultHistoryLimit  = 50
)

// Controller is the part of the loop the server drives. *app.App satisfies it.
type Controller interface {
	Status() app.Status
	Submit(ctx context.Context, cmd app.Command) error
	Preview(cameraID string) (image.Image, bool)
	Trace() *app.Trace
}

// History lists persisted calibrations and state changes. *store.Store
// satisfies it.
type History interface {
	Calibrations(limit int) ([]store.CalibrationRecord, error)
	StateEvents(limit int) ([]store.StateEvent, error)
}

type Server struct {
	ctl      Controller
	history  History
	interval time.Duration
	timeout  time.Duration
	files    string
}

// NewServer returns a server for ctl. history may be nil when the process
// runs without a database.
func NewServer(ctl Controller, history History) *Server {
	return &Server{
		ctl:      ctl,
		history:  history,
		interval: defaultPushInterval,
		timeout:  defaultSubmitTimeout,
	}
}

// SetPushInterval changes how often streaming endpoints send updates.
func (s *Server) SetPushInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// SetFilesRoot serves the files under dir at /files/. An empty dir disables
// the route.
func (s *Server) SetFilesRoot(dir string) { s.files = dir }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration. Streaming
// endpoints are logged when they end.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/command", s.sendCommand)
	mux.HandleFunc("/api/frame", s.showFrame)
	mux.HandleFunc("/api/video_feed", s.streamFrames)
	mux.HandleFunc("/api/calibrations", s.listCalibrations)
	mux.HandleFunc("/api/state_events", s.listStateEvents)
	mux.HandleFunc("/files/", s.serveFile)
	mux.HandleFunc("/charts/poses", s.showPoseChart)
	mux.HandleFunc("/ws/status", s.streamStatus)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.ctl.Status())
}

// submit applies cmd with the server's timeout.
func (s *Server) submit(ctx context.Context, cmd app.Command) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.ctl.Submit(ctx, cmd)
}

// commandStatus maps a command failure to an HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrCalibrationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var cmd app.Command
	if err := httputil.DecodeJSON(w, r, &cmd); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if cmd.Kind == "" {
		httputil.BadRequest(w, "missing command kind")
		return
	}
	if err := s.submit(r.Context(), cmd); err != nil {
		httputil.WriteJSONError(w, commandStatus(err), err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "kind": cmd.Kind})
}

// limitParam reads ?limit=, falling back to defaultHistoryLimit.
func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (s *Server) listCalibrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	recs, err := s.history.Calibrations(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list calibrations: "+err.Error())
		return
	}
	if recs == nil {
		recs = []store.CalibrationRecord{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) listStateEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.history.StateEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list state events: "+err.Error())
		return
	}
	if events == nil {
		events = []store.StateEvent{}
	}
	httputil.WriteJSONOK(w, events)
}
