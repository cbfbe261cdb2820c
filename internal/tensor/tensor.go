// Package tensor provides the dense frame-major buffers the generation core
// passes between the scheduler, the window orchestrator and model backends.
//
// Dimension 0 is always the temporal (frame) axis; the remaining dimensions
// describe one frame and are treated as a flat feature vector by most
// operations.
package tensor

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Tensor is a dense float64 buffer with a row-major shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New returns a zero tensor of the given shape.
func New(shape ...int) Tensor {
	n := numel(shape)
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// FromData wraps data with shape. The slice is not copied.
func FromData(data []float64, shape ...int) (Tensor, error) {
	if n := numel(shape); n != len(data) {
		return Tensor{}, fmt.Errorf("tensor: shape %v wants %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Len is the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// IsZero reports whether t holds no data.
func (t Tensor) IsZero() bool { return len(t.Data) == 0 }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Frames returns the size of the temporal axis.
func (t Tensor) Frames() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// FrameSize returns the number of elements in one frame.
func (t Tensor) FrameSize() int {
	if len(t.Shape) < 2 {
		if len(t.Shape) == 1 {
			return 1
		}
		return 0
	}
	return numel(t.Shape[1:])
}

// Frame returns a view of frame i. Writes go through to t.
func (t Tensor) Frame(i int) []float64 {
	fs := t.FrameSize()
	return t.Data[i*fs : (i+1)*fs]
}

// SliceFrames copies frames [start, end) into a new tensor.
func (t Tensor) SliceFrames(start, end int) (Tensor, error) {
	if start < 0 || end > t.Frames() || start > end {
		return Tensor{}, fmt.Errorf("tensor: frame range [%d,%d) out of bounds for %d frames", start, end, t.Frames())
	}
	fs := t.FrameSize()
	shape := append([]int{end - start}, t.Shape[1:]...)
	return Tensor{Shape: shape, Data: append([]float64(nil), t.Data[start*fs:end*fs]...)}, nil
}

// ConcatFrames joins tensors along the frame axis. All inputs must share the
// per-frame shape.
func ConcatFrames(parts ...Tensor) (Tensor, error) {
	if len(parts) == 0 {
		return Tensor{}, nil
	}
	inner := parts[0].Shape[1:]
	frames := 0
	size := 0
	for i, p := range parts {
		if !sameShape(p.Shape[1:], inner) {
			return Tensor{}, fmt.Errorf("tensor: part %d frame shape %v, want %v", i, p.Shape[1:], inner)
		}
		frames += p.Frames()
		size += len(p.Data)
	}
	out := Tensor{Shape: append([]int{frames}, inner...), Data: make([]float64, 0, size)}
	for _, p := range parts {
		out.Data = append(out.Data, p.Data...)
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b Tensor) bool { return sameShape(a.Shape, b.Shape) }

// AddScaled sets t = t + alpha*s in place.
func (t Tensor) AddScaled(alpha float64, s Tensor) error {
	if len(s.Data) != len(t.Data) {
		return fmt.Errorf("tensor: add %v to %v", s.Shape, t.Shape)
	}
	floats.AddScaled(t.Data, alpha, s.Data)
	return nil
}

// Scale multiplies t by c in place.
func (t Tensor) Scale(c float64) { floats.Scale(c, t.Data) }

// Sub returns a - b as a new tensor.
func Sub(a, b Tensor) (Tensor, error) {
	if len(a.Data) != len(b.Data) {
		return Tensor{}, fmt.Errorf("tensor: sub %v and %v", a.Shape, b.Shape)
	}
	out := Tensor{Shape: append([]int(nil), a.Shape...), Data: make([]float64, len(a.Data))}
	floats.SubTo(out.Data, a.Data, b.Data)
	return out, nil
}

// L1 is the sum of absolute values.
func (t Tensor) L1() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return floats.Norm(t.Data, 1)
}

// MeanAbs is the mean absolute value, 0 for an empty tensor.
func (t Tensor) MeanAbs() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return t.L1() / float64(len(t.Data))
}

// FirstNonFinite returns the index of the first NaN or Inf value, or -1.
func (t Tensor) FirstNonFinite() int {
	for i, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// Equal reports bitwise equality of shape and data.
func Equal(a, b Tensor) bool {
	if !sameShape(a.Shape, b.Shape) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if math.Float64bits(a.Data[i]) != math.Float64bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// Noise returns standard normal samples for shape, fully determined by seed.
func Noise(seed uint64, shape ...int) Tensor {
	t := New(shape...)
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	for i := range t.Data {
		t.Data[i] = n.Rand()
	}
	return t
}
