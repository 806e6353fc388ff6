// Package testutil provides shared test helpers and fixtures for the
// vision packages: a canonical camera model, synthetic frames, HTTP request
// helpers for the status surface and log muting.
package testutil

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/monitoring"
)

// Canonical test camera: 1280x720, 900px focal length, no distortion.
const (
	FrameWidth  = 1280
	FrameHeight = 720
	FocalLength = 900.0
)

// Intrinsics returns the canonical undistorted test camera.
func Intrinsics(t testing.TB) *geom.Intrinsics {
	t.Helper()
	in, err := geom.NewIntrinsics([3][3]float64{
		{FocalLength, 0, FrameWidth / 2},
		{0, FocalLength, FrameHeight / 2},
		{0, 0, 1},
	}, []float64{0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("test intrinsics: %v", err)
	}
	return in
}

// GrayFrame returns a w x h grayscale image filled with v.
func GrayFrame(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// RGBAFrame returns a w x h opaque image filled with c.
func RGBAFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// MuteLogs silences monitoring.Logf for the duration of the test.
func MuteLogs(t testing.TB) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(monitoring.ResetLogger)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewJSONRequest builds a test request whose body is v encoded as JSON.
// A nil v produces an empty body.
func NewJSONRequest(t *testing.T, method, path string, v interface{}) *http.Request {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeJSON decodes a recorded response body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
}
