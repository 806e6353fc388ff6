package capture

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/timeutil"
)

var logf = monitoring.Component("capture")

// emptySweepInterval paces the sweep loop while no camera is registered.
const emptySweepInterval = 100 * time.Millisecond

// Pipeline polls every registered camera once per sweep, one read task per
// camera, and publishes each completed sweep as a generation.
type Pipeline struct {
	buf   *GenerationBuffer
	clock timeutil.Clock

	mu       sync.Mutex
	cams     []*camera.Handle
	sweeps   uint64
	failures map[string]uint64
}

// NewPipeline returns a pipeline with no cameras.
func NewPipeline(clock timeutil.Clock) *Pipeline {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Pipeline{
		buf:      NewGenerationBuffer(),
		clock:    clock,
		failures: make(map[string]uint64),
	}
}

// Register adds a camera to the polling set, starting with the next sweep.
func (p *Pipeline) Register(h *camera.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cams = append(p.cams, h)
	logf("registered camera %s", h.ID())
}

// Cameras returns the registered cameras in registration order.
func (p *Pipeline) Cameras() []*camera.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*camera.Handle(nil), p.cams...)
}

// Camera looks a registered camera up by ID.
func (p *Pipeline) Camera(id string) (*camera.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.cams {
		if h.ID() == id {
			return h, true
		}
	}
	return nil, false
}

// Latest returns the most recently completed generation, blocking until the
// next sweep completes if the caller already consumed it.
func (p *Pipeline) Latest(ctx context.Context) (FrameSet, error) {
	return p.buf.Acquire(ctx)
}

// Run sweeps until ctx is cancelled, then closes the buffer so blocked
// readers return ErrClosed.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.buf.Close()
	for {
		if err := p.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Sweep performs one read of every camera and publishes the result. A failed
// read marks that camera's entry unsuccessful and does not affect the others.
func (p *Pipeline) Sweep(ctx context.Context) error {
	cams := p.Cameras()
	if len(cams) == 0 {
		t := time.NewTimer(emptySweepInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	ws := p.buf.BeginWrite(len(cams))
	var g errgroup.Group
	if len(cams) > 0 {
		g.SetLimit(len(cams))
	}
	for i, h := range cams {
		g.Go(func() error {
			ws.Set(i, p.read(ctx, h))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		p.buf.Discard(ws)
		return err
	}

	p.mu.Lock()
	p.sweeps++
	for i := 0; i < ws.Len(); i++ {
		if e := ws.entries[i]; !e.OK {
			p.failures[e.CameraID]++
		}
	}
	p.mu.Unlock()

	p.buf.Publish(ws)
	return nil
}

func (p *Pipeline) read(ctx context.Context, h *camera.Handle) Entry {
	start := p.clock.Now()
	img, ts, err := h.Read(ctx)
	e := Entry{
		CameraID:  h.ID(),
		Timestamp: ts,
		Latency:   p.clock.Since(start),
	}
	if err != nil || img == nil {
		e.Err = err
		return e
	}
	e.OK = true
	e.Frame = img
	return e
}

// Stats summarises the pipeline for telemetry.
type Stats struct {
	Sweeps   uint64            `json:"sweeps"`
	Buffer   BufferStats       `json:"buffer"`
	Failures map[string]uint64 `json:"failures"`
}

// Stats returns the completed sweep count, buffer counters and per-camera
// read failures. The failure map is a copy.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	failures := make(map[string]uint64, len(p.failures))
	for k, v := range p.failures {
		failures[k] = v
	}
	sweeps := p.sweeps
	p.mu.Unlock()
	return Stats{Sweeps: sweeps, Buffer: p.buf.Stats(), Failures: failures}
}
