package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // replayed frames may be JPEG
	_ "image/png"
	"sync"
	"time"

	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/timeutil"
)

// ErrSourceClosed is returned by Read after Close.
var ErrSourceClosed = errors.New("camera source closed")

// SyntheticSource produces a moving gray gradient. It stands in for real
// hardware in dev mode and in tests.
type SyntheticSource struct {
	width, height int
	clock         timeutil.Clock
	delay         time.Duration

	mu     sync.Mutex
	seq    int
	closed bool
}

// NewSyntheticSource returns a source of w x h frames; each Read waits delay
// to model exposure and transfer time.
func NewSyntheticSource(w, h int, clock timeutil.Clock, delay time.Duration) *SyntheticSource {
	return &SyntheticSource{width: w, height: h, clock: clock, delay: delay}
}

func (s *SyntheticSource) Read(ctx context.Context) (image.Image, time.Time, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, time.Time{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, time.Time{}, ErrSourceClosed
	}
	s.seq++
	shift := s.seq
	s.mu.Unlock()

	img := image.NewGray(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+s.width]
		for x := range row {
			row[x] = uint8((x + y + shift) & 0xff)
		}
	}
	return img, s.clock.Now(), nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ReplaySource cycles through image files matching a glob pattern, such as
// the frames saved by a calibration session.
type ReplaySource struct {
	fs    fsutil.FileSystem
	paths []string
	clock timeutil.Clock

	mu     sync.Mutex
	next   int
	closed bool
}

// NewReplaySource lists pattern up front; it fails when nothing matches.
func NewReplaySource(fs fsutil.FileSystem, pattern string, clock timeutil.Clock) (*ReplaySource, error) {
	paths, err := fs.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("replay glob %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("replay glob %q matched no files", pattern)
	}
	return &ReplaySource{fs: fs, paths: paths, clock: clock}, nil
}

func (s *ReplaySource) Read(ctx context.Context) (image.Image, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, time.Time{}, ErrSourceClosed
	}
	path := s.paths[s.next]
	s.next = (s.next + 1) % len(s.paths)
	s.mu.Unlock()

	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read %s: %w", path, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, s.clock.Now(), nil
}

func (s *ReplaySource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ToGray converts any image to 8-bit grayscale, returning img itself when it
// already is one.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}
