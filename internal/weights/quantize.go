package weights

import (
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
)

// Quantize returns a copy of t whose values are representable at precision
// p, so computation reflects the precision a submodule is resident at.
// int8 uses one symmetric scale per tensor.
func Quantize(t tensor.Tensor, p registry.Precision) tensor.Tensor {
	out := t.Clone()
	switch p {
	case registry.FP16:
		for i, v := range out.Data {
			out.Data[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case registry.BF16:
		f32s := make([]float32, len(out.Data))
		for i, v := range out.Data {
			f32s[i] = float32(v)
		}
		for i, v := range bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(f32s)) {
			out.Data[i] = float64(v)
		}
	case registry.INT8:
		amax := 0.0
		for _, v := range out.Data {
			amax = math.Max(amax, math.Abs(v))
		}
		if amax == 0 {
			return out
		}
		scale := amax / 127
		for i, v := range out.Data {
			out.Data[i] = math.Round(v/scale) * scale
		}
	default:
		for i, v := range out.Data {
			out.Data[i] = float64(float32(v))
		}
	}
	return out
}
