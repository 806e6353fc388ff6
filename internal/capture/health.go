package capture

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCameraLost marks a camera that stopped producing frames after having
// worked. Recovery is a process restart.
var ErrCameraLost = errors.New("camera lost")

// CameraLostError names the lost camera.
type CameraLostError struct {
	CameraID string
	Failures int
	LastErr  error
}

func (e *CameraLostError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("camera %s lost after %d consecutive failed reads: %v", e.CameraID, e.Failures, e.LastErr)
	}
	return fmt.Sprintf("camera %s lost after %d consecutive failed reads", e.CameraID, e.Failures)
}

func (e *CameraLostError) Unwrap() error { return ErrCameraLost }

type cameraHealth struct {
	everOK      bool
	connected   bool
	consecutive int
}

// HealthMonitor tracks per-camera read outcomes across sweeps. A camera that
// never produced a frame is reported disconnected but never escalated.
type HealthMonitor struct {
	threshold int

	mu    sync.RWMutex
	state map[string]*cameraHealth
}

// NewHealthMonitor escalates after threshold consecutive failed sweeps.
func NewHealthMonitor(threshold int) *HealthMonitor {
	if threshold < 1 {
		threshold = 1
	}
	return &HealthMonitor{threshold: threshold, state: make(map[string]*cameraHealth)}
}

// Observe records one generation. It returns a *CameraLostError for the first
// previously healthy camera whose failure streak reached the threshold.
func (m *HealthMonitor) Observe(fs FrameSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lost error
	for _, e := range fs.Entries {
		h, ok := m.state[e.CameraID]
		if !ok {
			h = &cameraHealth{}
			m.state[e.CameraID] = h
		}
		if e.OK {
			h.everOK = true
			h.connected = true
			h.consecutive = 0
			continue
		}
		h.connected = false
		h.consecutive++
		if lost == nil && h.everOK && h.consecutive >= m.threshold {
			logf("camera %s failed %d consecutive sweeps", e.CameraID, h.consecutive)
			lost = &CameraLostError{CameraID: e.CameraID, Failures: h.consecutive, LastErr: e.Err}
		}
	}
	return lost
}

// Connected reports whether the camera's last read succeeded.
func (m *HealthMonitor) Connected(cameraID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state[cameraID]
	return ok && h.connected
}

// Status returns the connection flag of every camera seen so far.
func (m *HealthMonitor) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.state))
	for id, h := range m.state {
		out[id] = h.connected
	}
	return out
}
