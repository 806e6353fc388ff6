package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/banshee-data/walleye/internal/httputil"
	"github.com/banshee-data/walleye/internal/security"
)

// serveFile downloads a file from the data directory, such as a calibration
// result or a saved calibration frame.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	if s.files == "" {
		httputil.NotFound(w, "file downloads are disabled")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	if name == "" {
		httputil.BadRequest(w, "missing file path")
		return
	}
	path, err := security.Within(s.files, name)
	if errors.Is(err, security.ErrOutsideRoot) {
		httputil.WriteJSONError(w, http.StatusForbidden, "path is outside the data directory")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		httputil.NotFound(w, "no such file "+name)
		return
	}
	http.ServeFile(w, r, path)
}
