// Package publisher sends per-frame results to the robot.
//
// One Datagram is built per processed frame generation. It maps each
// camera's stream key to a CameraRecord and is sent as a single JSON UDP
// packet, or per camera over MQTT.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/pose"
)

var logf = monitoring.Component("publisher")

// Wire modes understood by the robot.
const (
	WireModePose = 0
	WireModeTags = 1
)

// PoseRecord is a pose on the wire: translation in metres, rotation as roll
// (rX), pitch (rY) and yaw (rZ) in radians.
type PoseRecord struct {
	TX float64 `json:"tX"`
	TY float64 `json:"tY"`
	TZ float64 `json:"tZ"`
	RX float64 `json:"rX"`
	RY float64 `json:"rY"`
	RZ float64 `json:"rZ"`
}

// NewPoseRecord converts a field pose.
func NewPoseRecord(p geom.Pose3) PoseRecord {
	return PoseRecord{
		TX: p.Translation.X, TY: p.Translation.Y, TZ: p.Translation.Z,
		RX: p.Roll, RY: p.Pitch, RZ: p.Yaw,
	}
}

// CameraRecord is one camera's entry in a datagram. Pose fields are only
// set in pose mode.
type CameraRecord struct {
	Mode       int             `json:"Mode"`
	Update     uint64          `json:"Update"`
	Pose1      *PoseRecord     `json:"Pose1,omitempty"`
	Pose2      *PoseRecord     `json:"Pose2,omitempty"`
	Ambig      *float64        `json:"Ambig,omitempty"`
	Timestamp  float64         `json:"Timestamp"` // age of the frame in ms
	Tags       []int           `json:"Tags"`
	TagCorners [][4][2]float64 `json:"TagCorners"`
	TagCenters [][2]float64    `json:"TagCenters,omitempty"`
}

// Datagram maps stream keys to records.
type Datagram map[string]CameraRecord

// Marshal encodes the datagram as sent on the wire.
func (d Datagram) Marshal() ([]byte, error) { return json.Marshal(d) }

// ParseDatagram decodes a wire datagram.
func ParseDatagram(data []byte) (Datagram, error) {
	var d Datagram
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse datagram: %w", err)
	}
	return d, nil
}

// Result is what one camera produced for one generation.
type Result struct {
	Stream   string
	Mode     camera.Mode
	Estimate pose.Estimate
	Captured time.Time
}

// StreamKey names a camera's stream: its nickname, or the table name
// followed by the camera index.
func StreamKey(nickname, table string, index int) string {
	if nickname != "" {
		return nickname
	}
	return fmt.Sprintf("%s%d", table, index)
}

// Sequencer numbers records per stream. Counters only advance for records
// that are actually published.
type Sequencer struct {
	mu      sync.Mutex
	updates map[string]uint64
}

// NewSequencer returns a sequencer with all counters at zero.
func NewSequencer() *Sequencer {
	return &Sequencer{updates: make(map[string]uint64)}
}

// Updates returns the last update number sent on stream.
func (s *Sequencer) Updates(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[stream]
}

// Build turns results into a datagram. Pose results with a bad pose and
// disabled cameras are left out.
func (s *Sequencer) Build(results []Result, now time.Time) Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := make(Datagram, len(results))
	for _, r := range results {
		var rec CameraRecord
		switch r.Mode {
		case camera.ModePoseEstimation:
			if r.Estimate.Bad() {
				continue
			}
			p1, p2 := NewPoseRecord(r.Estimate.PoseA), NewPoseRecord(r.Estimate.PoseB)
			ambig := r.Estimate.Ambiguity
			rec = CameraRecord{Mode: WireModePose, Pose1: &p1, Pose2: &p2, Ambig: &ambig}
		case camera.ModeTagServoing:
			rec = CameraRecord{Mode: WireModeTags}
			for _, c := range r.Estimate.TagCenters {
				rec.TagCenters = append(rec.TagCenters, [2]float64{c.X, c.Y})
			}
		default:
			continue
		}
		rec.Tags = append([]int{}, r.Estimate.Tags...)
		rec.TagCorners = [][4][2]float64{}
		for _, q := range r.Estimate.TagCorners {
			var c [4][2]float64
			for i, p := range q {
				c[i] = [2]float64{p.X, p.Y}
			}
			rec.TagCorners = append(rec.TagCorners, c)
		}
		rec.Timestamp = float64(now.Sub(r.Captured).Microseconds()) / 1000

		s.updates[r.Stream]++
		rec.Update = s.updates[r.Stream]
		d[r.Stream] = rec
	}
	return d
}

// Publisher delivers datagrams to the robot.
type Publisher interface {
	Publish(ctx context.Context, d Datagram) error
	Close() error
}

// Tap observes every encoded datagram that was sent.
type Tap interface {
	Record(payload []byte, at time.Time) error
}

// Multi fans a datagram out to several publishers. Every publisher is tried;
// the first error is returned.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, d Datagram) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, d); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close implements Publisher.
func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
