package latentmix

import (
	"fmt"
	"hash/fnv"
	"math"

	"gonum.org/v1/gonum/mat"

	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
)

// Synthesize returns deterministic weights for every submodule of d. The
// decoder's encode matrix is the exact left inverse of decode, so latents
// survive a decode/encode round trip.
func Synthesize(d registry.Descriptor) (map[registry.SubmoduleKind]map[string]tensor.Tensor, error) {
	dm := DimsOf(d)
	if dm.Pixel < dm.Latent {
		return nil, fmt.Errorf("latentmix: pixel_dim %d must be >= latent_channels %d", dm.Pixel, dm.Latent)
	}
	out := make(map[registry.SubmoduleKind]map[string]tensor.Tensor)
	for _, s := range d.Submodules {
		switch s.Kind {
		case registry.TextEncoder:
			out[s.Kind] = map[string]tensor.Tensor{
				"embed": gaussian(d.ID, "embed", 1, dm.Vocab, dm.Text),
				"proj":  gaussian(d.ID, "proj", 1/math.Sqrt(float64(dm.Text)), dm.Text, dm.Text),
			}
		case registry.Denoiser:
			out[s.Kind] = map[string]tensor.Tensor{
				"in":   gaussian(d.ID, "in", 1/math.Sqrt(float64(dm.Latent)), dm.Hidden, dm.Latent),
				"cond": gaussian(d.ID, "cond", 0.5/math.Sqrt(float64(dm.Text)), dm.Hidden, dm.Text),
				"time": gaussian(d.ID, "time", 0.5, dm.Hidden, 1),
				"out":  gaussian(d.ID, "out", 0.5/math.Sqrt(float64(dm.Hidden)), dm.Latent, dm.Hidden),
			}
		case registry.Decoder:
			dec, enc := orthonormalPair(d.ID, dm.Pixel, dm.Latent)
			out[s.Kind] = map[string]tensor.Tensor{"decode": dec, "encode": enc}
		}
	}
	return out, nil
}

func gaussian(model, name string, scale float64, rows, cols int) tensor.Tensor {
	t := tensor.Noise(seedOf(model, name), rows, cols)
	t.Scale(scale)
	return t
}

// orthonormalPair returns decode (p×c) with orthonormal columns and its
// transpose as encode (c×p).
func orthonormalPair(model string, p, c int) (tensor.Tensor, tensor.Tensor) {
	a := tensor.Noise(seedOf(model, "decode"), p, c)
	var qr mat.QR
	qr.Factorize(mat.NewDense(p, c, a.Data))
	var q mat.Dense
	qr.QTo(&q)
	qc := q.Slice(0, p, 0, c)

	dec := tensor.New(p, c)
	enc := tensor.New(c, p)
	for i := 0; i < p; i++ {
		for j := 0; j < c; j++ {
			v := qc.At(i, j)
			dec.Data[i*c+j] = v
			enc.Data[j*p+i] = v
		}
	}
	return dec, enc
}

func seedOf(model, name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(model + "/" + name))
	return h.Sum64()
}
