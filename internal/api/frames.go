package api

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/banshee-data/walleye/internal/httputil"
)

const feedBoundary = "frame"

// previewParams reads ?camera= and ?quality=.
func previewParams(r *http.Request) (cameraID string, quality int, err error) {
	q := r.URL.Query()
	cameraID = q.Get("camera")
	if cameraID == "" {
		return "", 0, fmt.Errorf("missing camera parameter")
	}
	quality = httputil.DefaultJPEGQuality
	if v := q.Get("quality"); v != "" {
		quality, err = strconv.Atoi(v)
		if err != nil {
			return "", 0, fmt.Errorf("invalid quality %q", v)
		}
	}
	return cameraID, quality, nil
}

// showFrame returns the latest preview of one camera as a JPEG.
func (s *Server) showFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	id, quality, err := previewParams(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	img, ok := s.ctl.Preview(id)
	if !ok {
		httputil.NotFound(w, "no frame for camera "+id)
		return
	}
	httputil.WriteJPEG(w, img, quality)
}

// streamFrames serves a camera's previews as a multipart MJPEG stream until
// the client goes away.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	id, quality, err := previewParams(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if _, ok := s.ctl.Preview(id); !ok {
		httputil.NotFound(w, "no frame for camera "+id)
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(feedBoundary); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+feedBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if img, ok := s.ctl.Preview(id); ok {
			data, err := httputil.EncodeJPEG(img, quality)
			if err != nil {
				logf("video feed %s: %v", id, err)
				return
			}
			h := textproto.MIMEHeader{}
			h.Set("Content-Type", "image/jpeg")
			h.Set("Content-Length", strconv.Itoa(len(data)))
			part, err := mw.CreatePart(h)
			if err != nil {
				return
			}
			if _, err := part.Write(data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
