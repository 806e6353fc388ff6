// Package tags describes AprilTag observations and the field layout the
// tags are mounted in.
package tags

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/geom"
)

// ErrMalformedLayout is returned for any layout file that cannot be used.
var ErrMalformedLayout = errors.New("malformed tag layout")

// maxLayoutBytes bounds the layout file read at start-up.
const maxLayoutBytes = 1 << 20

// Entry is one tag's pose in the field frame.
type Entry struct {
	ID   int
	Pose geom.Transform
}

// Layout is the immutable set of tag poses, keyed by ID.
type Layout struct {
	entries map[int]Entry
	Length  float64 // field length in metres, 0 if not given
	Width   float64
}

// Wire format. Pointers distinguish a missing value from zero.
type layoutFile struct {
	Tags  []tagJSON `json:"tags"`
	Field *struct {
		Length float64 `json:"length"`
		Width  float64 `json:"width"`
	} `json:"field,omitempty"`
}

type tagJSON struct {
	ID   *int `json:"ID"`
	Pose *struct {
		Translation *struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
			Z *float64 `json:"z"`
		} `json:"translation"`
		Rotation *struct {
			Quaternion *struct {
				W *float64 `json:"W"`
				X *float64 `json:"X"`
				Y *float64 `json:"Y"`
				Z *float64 `json:"Z"`
			} `json:"quaternion"`
		} `json:"rotation"`
	} `json:"pose"`
}

// NewLayout builds a layout from entries. Duplicate IDs and invalid poses
// are rejected.
func NewLayout(entries ...Entry) (*Layout, error) {
	l := &Layout{entries: make(map[int]Entry, len(entries))}
	for _, e := range entries {
		if _, dup := l.entries[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tag %d", ErrMalformedLayout, e.ID)
		}
		if !geom.IsValidTransformMatrix(e.Pose) {
			return nil, fmt.Errorf("%w: tag %d pose is not a rigid transform", ErrMalformedLayout, e.ID)
		}
		l.entries[e.ID] = e
	}
	return l, nil
}

// ParseLayout decodes the layout JSON. Any malformed entry fails the whole
// layout.
func ParseLayout(data []byte) (*Layout, error) {
	var f layoutFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLayout, err)
	}
	if len(f.Tags) == 0 {
		return nil, fmt.Errorf("%w: no tags", ErrMalformedLayout)
	}
	entries := make([]Entry, 0, len(f.Tags))
	for i, t := range f.Tags {
		e, err := t.entry()
		if err != nil {
			return nil, fmt.Errorf("%w: tags[%d]: %v", ErrMalformedLayout, i, err)
		}
		entries = append(entries, e)
	}
	l, err := NewLayout(entries...)
	if err != nil {
		return nil, err
	}
	if f.Field != nil {
		l.Length, l.Width = f.Field.Length, f.Field.Width
	}
	return l, nil
}

func (t tagJSON) entry() (Entry, error) {
	if t.ID == nil {
		return Entry{}, errors.New("missing ID")
	}
	p := t.Pose
	if p == nil || p.Translation == nil || p.Rotation == nil || p.Rotation.Quaternion == nil {
		return Entry{}, fmt.Errorf("tag %d: missing pose", *t.ID)
	}
	tr, q := p.Translation, p.Rotation.Quaternion
	for _, v := range []*float64{tr.X, tr.Y, tr.Z, q.W, q.X, q.Y, q.Z} {
		if v == nil {
			return Entry{}, fmt.Errorf("tag %d: incomplete pose", *t.ID)
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return Entry{}, fmt.Errorf("tag %d: non-finite pose", *t.ID)
		}
	}
	rot, ok := geom.RotationFromQuaternion(*q.W, *q.X, *q.Y, *q.Z)
	if !ok {
		return Entry{}, fmt.Errorf("tag %d: zero quaternion", *t.ID)
	}
	return Entry{
		ID:   *t.ID,
		Pose: geom.NewTransform(rot, r3.Vec{X: *tr.X, Y: *tr.Y, Z: *tr.Z}),
	}, nil
}

// LoadLayout reads and parses a layout file.
func LoadLayout(fs fsutil.FileSystem, path string) (*Layout, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tag layout: %w", err)
	}
	if len(data) > maxLayoutBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrMalformedLayout, path, maxLayoutBytes)
	}
	l, err := ParseLayout(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Get returns the entry for id.
func (l *Layout) Get(id int) (Entry, bool) {
	e, ok := l.entries[id]
	return e, ok
}

// Len returns the number of tags.
func (l *Layout) Len() int { return len(l.entries) }

// IDs returns the tag IDs in ascending order.
func (l *Layout) IDs() []int {
	ids := make([]int, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
