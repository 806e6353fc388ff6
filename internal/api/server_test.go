package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/app"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/store"
	"github.com/banshee-data/walleye/internal/testutil"
)

var t0 = time.Date(2026, 4, 18, 14, 0, 0, 0, time.UTC)

type fakeController struct {
	mu       sync.Mutex
	status   app.Status
	cmds     []app.Command
	errs     map[string]error
	previews map[string]image.Image
	trace    *app.Trace
}

func newFakeController() *fakeController {
	tr := app.NewTrace(10)
	tr.Add("front", geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: 3.1}, t0)
	tr.Add("front", geom.Pose3{Translation: r3.Vec{X: 3.1, Y: 1.1, Z: 0.5}, Yaw: 3.1}, t0.Add(time.Second))
	return &fakeController{
		status: app.Status{State: "PROCESSING", Status: "Running", TableName: "WallEye", Generation: 42},
		errs: map[string]error{
			"reboot":                 fmt.Errorf("%w: %q", app.ErrUnknownCommand, "reboot"),
			app.CmdToggleCalibration: app.ErrCalibrationUnavailable,
			app.CmdSetMode:           errors.New(`unknown camera mode "fisheye"`),
		},
		previews: map[string]image.Image{
			"/dev/video0": testutil.RGBAFrame(64, 48, color.RGBA{R: 20, G: 200, B: 20, A: 255}),
		},
		trace: tr,
	}
}

func (c *fakeController) Status() app.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) Submit(ctx context.Context, cmd app.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
	if err := c.errs[cmd.Kind]; err != nil {
		return err
	}
	if cmd.Kind == app.CmdTogglePnP {
		c.status.State = "IDLE"
	}
	return nil
}

func (c *fakeController) Preview(id string) (image.Image, bool) {
	img, ok := c.previews[id]
	return img, ok
}

func (c *fakeController) Trace() *app.Trace { return c.trace }

func (c *fakeController) commands() []app.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]app.Command(nil), c.cmds...)
}

type fakeHistory struct {
	cals   []store.CalibrationRecord
	events []store.StateEvent
	err    error
	limit  int
}

func (h *fakeHistory) Calibrations(limit int) ([]store.CalibrationRecord, error) {
	h.limit = limit
	return h.cals, h.err
}

func (h *fakeHistory) StateEvents(limit int) ([]store.StateEvent, error) {
	h.limit = limit
	return h.events, h.err
}

func newTestServer(t *testing.T) (*Server, *fakeController, *fakeHistory) {
	t.Helper()
	testutil.MuteLogs(t)
	ctl := newFakeController()
	hist := &fakeHistory{
		cals:   []store.CalibrationRecord{{ID: 1, CameraID: "/dev/video0", Resolution: image.Pt(1280, 720), ReprojError: 0.3, Images: 12, CreatedAt: t0}},
		events: []store.StateEvent{{ID: 7, State: "IDLE", Detail: "PnP stopped", CreatedAt: t0}},
	}
	s := NewServer(ctl, hist)
	s.SetPushInterval(20 * time.Millisecond)
	return s, ctl, hist
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestShowStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var st app.Status
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, "PROCESSING", st.State)
	assert.Equal(t, uint64(42), st.Generation)

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"applied", app.Command{Kind: app.CmdSetTableName, Value: "Bench"}, http.StatusOK},
		{"missing kind", map[string]string{"value": "x"}, http.StatusBadRequest},
		{"unknown command", app.Command{Kind: "reboot"}, http.StatusBadRequest},
		{"rejected value", app.Command{Kind: app.CmdSetMode, Camera: "/dev/video0", Value: "fisheye"}, http.StatusBadRequest},
		{"calibration unavailable", app.Command{Kind: app.CmdToggleCalibration, Camera: "/dev/video0"}, http.StatusServiceUnavailable},
		{"unknown field", map[string]string{"kind": "toggle_pnp", "camID": "0"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(t)
			rec := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/command", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.want)
		})
	}

	s, ctl, _ := newTestServer(t)
	rec := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/command", app.Command{Kind: app.CmdSetTagSize, Number: 0.165}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var resp map[string]string
	testutil.DecodeJSON(t, rec, &resp)
	assert.Equal(t, "set_tag_size", resp["kind"])
	require.Len(t, ctl.commands(), 1)
	assert.Equal(t, 0.165, ctl.commands()[0].Number)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/command", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestCommandStatus(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, commandStatus(fmt.Errorf("submit: %w", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusServiceUnavailable, commandStatus(context.Canceled))
	assert.Equal(t, http.StatusBadRequest, commandStatus(app.ErrUnknownCommand))
}

func TestShowFrame(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/frame?camera=/dev/video0&quality=90", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	tests := map[string]int{
		"/api/frame":                               http.StatusBadRequest,
		"/api/frame?camera=/dev/video0&quality=hi": http.StatusBadRequest,
		"/api/frame?camera=/dev/video7":            http.StatusNotFound,
	}
	for path, want := range tests {
		rec := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec.Code, want)
	}
}

func TestStreamFrames(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/video_feed?camera=/dev/video0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		img, err := jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
	}

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/video_feed?camera=/dev/video7", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestShowPoseChart(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/charts/poses", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Field Poses")
	assert.Contains(t, body, "front")
	assert.Contains(t, body, "streams=1 points=2")

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/charts/poses?stream=rear", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "streams=1 points=0")
}

func TestHistoryEndpoints(t *testing.T) {
	s, _, hist := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/calibrations?limit=5", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var cals []store.CalibrationRecord
	testutil.DecodeJSON(t, rec, &cals)
	require.Len(t, cals, 1)
	assert.Equal(t, "/dev/video0", cals[0].CameraID)
	assert.Equal(t, 5, hist.limit)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/state_events", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var events []store.StateEvent
	testutil.DecodeJSON(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "IDLE", events[0].State)
	assert.Equal(t, defaultHistoryLimit, hist.limit)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/state_events?limit=-1", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	hist.err = errors.New("database is locked")
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/calibrations", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)

	hist.err, hist.cals = nil, nil
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/calibrations", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "[]\n", rec.Body.String())

	noDB := NewServer(newFakeController(), nil)
	rec = serve(noDB, httptest.NewRequest(http.MethodGet, "/api/calibrations", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
}

// readUntil reads websocket messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestStreamStatus(t *testing.T) {
	s, ctl, _ := newTestServer(t)
	logged := LoggingMiddleware(s.ServeMux())
	// Hijacked connections outlive ts.Close, so wait for the handler to
	// log and return before the muted logger is restored.
	var handlers sync.WaitGroup
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.Add(1)
		defer handlers.Done()
		logged.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		ts.Close()
		handlers.Wait()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUntil(t, conn, msgStatus)
	require.NotNil(t, first.Status)
	assert.Equal(t, "PROCESSING", first.Status.State)

	require.NoError(t, conn.WriteJSON(app.Command{Kind: app.CmdTogglePnP}))
	ack := readUntil(t, conn, msgAck)
	assert.Equal(t, app.CmdTogglePnP, ack.Command)

	next := readUntil(t, conn, msgStatus)
	assert.Equal(t, "IDLE", next.Status.State)

	require.NoError(t, conn.WriteJSON(app.Command{Kind: "reboot"}))
	rejected := readUntil(t, conn, msgError)
	assert.Equal(t, "reboot", rejected.Command)
	assert.Contains(t, rejected.Message, "unknown command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	invalid := readUntil(t, conn, msgError)
	assert.Contains(t, invalid.Message, "invalid command")

	assert.Len(t, ctl.commands(), 2)
}

func TestServeFile(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/files/calibrations/cal.json", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "calibrations"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "calibrations", "cal.json"), []byte(`{"reproj":0.3}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dataDir, "escape")))
	s.SetFilesRoot(dataDir)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/files/calibrations/cal.json", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, `{"reproj":0.3}`, rec.Body.String())

	tests := map[string]int{
		"/files/calibrations/missing.json": http.StatusNotFound,
		"/files/calibrations":              http.StatusNotFound,
		"/files/escape/secret.txt":         http.StatusForbidden,
		"/files/":                          http.StatusBadRequest,
	}
	for path, want := range tests {
		rec := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec.Code, want)
	}

	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/files/calibrations/cal.json", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}
