// Package capture keeps every registered camera polled in the background and
// hands the foreground loop the freshest complete set of frames.
//
// Frames move through a GenerationBuffer with two slots. The sweep loop is
// the only writer: it claims a slot with BeginWrite, fills one entry per
// camera, then Publish marks the slot fresh and wakes readers. Readers call
// Acquire, which blocks until a fresh slot exists and returns a copy of its
// entries; a slot being written is never visible to a reader.
package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire once the buffer is closed and no fresh
// generation remains.
var ErrClosed = errors.New("capture: pipeline closed")

// Entry is one camera's result for one sweep.
type Entry struct {
	CameraID  string
	OK        bool
	Frame     image.Image // nil when OK is false
	Timestamp time.Time   // device capture time
	Latency   time.Duration
	Err       error
}

// FrameSet is a complete generation: one entry per registered camera, all
// from the same sweep, in registration order.
type FrameSet struct {
	Generation uint64
	Entries    []Entry
}

// Lookup returns the entry for a camera.
func (fs FrameSet) Lookup(cameraID string) (Entry, bool) {
	for _, e := range fs.Entries {
		if e.CameraID == cameraID {
			return e, true
		}
	}
	return Entry{}, false
}

type slotState int

const (
	slotIdle slotState = iota
	slotWriting
	slotFresh
	slotConsumed
)

type slot struct {
	state   slotState
	gen     uint64
	entries []Entry
}

// BufferStats counts generations through the buffer.
type BufferStats struct {
	Published uint64 `json:"published"`
	Consumed  uint64 `json:"consumed"`
	Dropped   uint64 `json:"dropped"` // superseded before any reader took them
}

// GenerationBuffer is a two-slot generation buffer with one writer and any
// number of readers.
type GenerationBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  [2]slot
	seq    uint64
	closed bool
	stats  BufferStats
}

// NewGenerationBuffer returns an empty buffer.
func NewGenerationBuffer() *GenerationBuffer {
	b := &GenerationBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// WriteSlot is exclusive write access to one slot, obtained from BeginWrite.
// Set may be called concurrently for distinct indices.
type WriteSlot struct {
	idx     int
	entries []Entry
}

// Len returns the number of entries in the slot.
func (w *WriteSlot) Len() int { return len(w.entries) }

// Set stores the entry for camera index i.
func (w *WriteSlot) Set(i int, e Entry) { w.entries[i] = e }

// BeginWrite claims the slot that holds no fresh generation and sizes it for
// n cameras. At most one write may be in progress.
func (b *GenerationBuffer) BeginWrite(n int) *WriteSlot {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i := range b.slots {
		switch b.slots[i].state {
		case slotWriting:
			panic("capture: BeginWrite while another write is in progress")
		case slotIdle, slotConsumed:
			if idx < 0 {
				idx = i
			}
		}
	}
	// At most one slot is ever fresh, so a free slot always exists.
	s := &b.slots[idx]
	s.state = slotWriting
	if cap(s.entries) >= n {
		s.entries = s.entries[:n]
		clear(s.entries)
	} else {
		s.entries = make([]Entry, n)
	}
	return &WriteSlot{idx: idx, entries: s.entries}
}

// Publish makes a written slot the newest generation and wakes readers. A
// fresh generation nobody consumed yet is superseded and counted as dropped.
func (b *GenerationBuffer) Publish(w *WriteSlot) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[w.idx]
	if s.state != slotWriting {
		panic("capture: Publish of a slot that is not being written")
	}
	other := &b.slots[1-w.idx]
	if other.state == slotFresh {
		other.state = slotConsumed
		b.stats.Dropped++
	}
	b.seq++
	s.gen = b.seq
	s.state = slotFresh
	b.stats.Published++
	b.cond.Broadcast()
	return s.gen
}

// Discard abandons a write without publishing it.
func (b *GenerationBuffer) Discard(w *WriteSlot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := &b.slots[w.idx]; s.state == slotWriting {
		clear(s.entries)
		s.state = slotIdle
	}
}

// Acquire returns the newest fresh generation, waiting for the next Publish
// when the caller has already consumed everything ready. Generations
// returned by successive calls are strictly increasing.
func (b *GenerationBuffer) Acquire(ctx context.Context) (FrameSet, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for i := range b.slots {
			s := &b.slots[i]
			if s.state != slotFresh {
				continue
			}
			s.state = slotConsumed
			b.stats.Consumed++
			return FrameSet{
				Generation: s.gen,
				Entries:    append([]Entry(nil), s.entries...),
			}, nil
		}
		if b.closed {
			return FrameSet{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return FrameSet{}, err
		}
		b.cond.Wait()
	}
}

// Close wakes every waiting reader. A generation published before Close is
// still delivered; after that Acquire returns ErrClosed.
func (b *GenerationBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Stats returns a copy of the buffer counters.
func (b *GenerationBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
