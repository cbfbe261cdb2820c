// Package window splits a long timeline into overlapping windows and
// stitches their decoded segments back into one continuous sequence.
package window

import (
	"fmt"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/tensor"
)

// Window is a half-open frame range [Start, End) on the output timeline.
type Window struct {
	Index int    `json:"index"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Seed  uint64 `json:"seed"`
	// Context is the number of leading frames shared with the previous
	// window. It is 0 for the first window.
	Context int `json:"context"`
}

// Len is the window length in frames.
func (w Window) Len() int { return w.End - w.Start }

func (w Window) String() string { return fmt.Sprintf("#%d[%d,%d)", w.Index, w.Start, w.End) }

// PlanConfig describes a request timeline.
type PlanConfig struct {
	TotalFrames   int
	WindowFrames  int
	OverlapFrames int
	Seed          uint64
}

// Plan returns the ordered windows covering [0, TotalFrames). Consecutive
// windows overlap by OverlapFrames; the last window ends at TotalFrames and
// may be shorter than WindowFrames. A timeline no longer than one window
// yields a single window.
func Plan(c PlanConfig) ([]Window, error) {
	switch {
	case c.TotalFrames <= 0:
		return nil, errdefs.ErrInvalidRequest("frames", "must be positive")
	case c.WindowFrames <= 0:
		return nil, errdefs.ErrInvalidRequest("window_frames", "must be positive")
	case c.OverlapFrames < 0 || c.OverlapFrames >= c.WindowFrames:
		return nil, errdefs.ErrInvalidRequest("overlap_frames",
			fmt.Sprintf("must be in [0, %d), got %d", c.WindowFrames, c.OverlapFrames))
	}
	stride := c.WindowFrames - c.OverlapFrames
	var out []Window
	for start := 0; ; start += stride {
		end := min(start+c.WindowFrames, c.TotalFrames)
		w := Window{Index: len(out), Start: start, End: end, Seed: Seed(c.Seed, len(out))}
		if w.Index > 0 {
			w.Context = c.OverlapFrames
		}
		out = append(out, w)
		if end == c.TotalFrames {
			break
		}
	}
	return out, nil
}

// Seed derives the noise seed of window i with one splitmix64 round.
func Seed(base uint64, i int) uint64 {
	z := base + uint64(i+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// TrailingContext returns a copy of the last n frames of decoded.
func TrailingContext(decoded tensor.Tensor, n int) (tensor.Tensor, error) {
	f := decoded.Frames()
	if n <= 0 || n > f {
		return tensor.Tensor{}, fmt.Errorf("context of %d frames from a %d frame segment", n, f)
	}
	return decoded.SliceFrames(f-n, f)
}

// Segment is the decoded output of one window.
type Segment struct {
	Window Window
	Frames tensor.Tensor
}

// Stitch concatenates segments in window order, dropping each later
// segment's leading context frames so every timeline frame appears once,
// taken from its first occurrence.
func Stitch(segs []Segment) (tensor.Tensor, error) {
	if len(segs) == 0 {
		return tensor.Tensor{}, fmt.Errorf("stitch: no segments")
	}
	parts := make([]tensor.Tensor, 0, len(segs))
	next := 0
	for i, s := range segs {
		w := s.Window
		if w.Index != i {
			return tensor.Tensor{}, fmt.Errorf("stitch: segment %d carries window %s", i, w)
		}
		if s.Frames.Frames() != w.Len() {
			return tensor.Tensor{}, fmt.Errorf("stitch: window %s decoded %d frames", w, s.Frames.Frames())
		}
		if w.Start+w.Context != next {
			return tensor.Tensor{}, fmt.Errorf("stitch: window %s leaves a gap or duplicate at frame %d", w, next)
		}
		p, err := s.Frames.SliceFrames(w.Context, w.Len())
		if err != nil {
			return tensor.Tensor{}, err
		}
		parts = append(parts, p)
		next = w.End
	}
	return tensor.ConcatFrames(parts...)
}
