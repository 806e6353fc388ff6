package app

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/walleye/internal/geom"
)

// TracePoint is one published field pose.
type TracePoint struct {
	X, Y, Z float64
	Yaw     float64
	At      time.Time
}

// Trace keeps the most recent published poses per stream.
type Trace struct {
	limit int

	mu     sync.Mutex
	points map[string][]TracePoint
}

// NewTrace keeps up to limit points per stream.
func NewTrace(limit int) *Trace {
	if limit < 1 {
		limit = 1
	}
	return &Trace{limit: limit, points: make(map[string][]TracePoint)}
}

// Add appends p for stream, dropping the oldest point when full.
func (t *Trace) Add(stream string, p geom.Pose3, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pts := append(t.points[stream], TracePoint{X: p.Translation.X, Y: p.Translation.Y, Z: p.Translation.Z, Yaw: p.Yaw, At: at})
	if len(pts) > t.limit {
		pts = append(pts[:0:0], pts[len(pts)-t.limit:]...)
	}
	t.points[stream] = pts
}

// Streams returns the streams with at least one point, sorted.
func (t *Trace) Streams() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.points))
	for s := range t.points {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Points returns a copy of the points for stream, oldest first.
func (t *Trace) Points(stream string) []TracePoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TracePoint(nil), t.points[stream]...)
}
