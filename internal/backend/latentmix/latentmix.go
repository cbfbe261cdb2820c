// Package latentmix is a small deterministic reference model family. Each
// frame is a latent vector; the denoiser is two dense blocks with temporal
// smoothing between them and control hooks after each block. It exercises
// the full generation path without an accelerator.
package latentmix

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"diffusiond/internal/backend"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
)

// Family is the registry family name.
const Family = "latentmix"

// Control hook layers, in forward order. Both carry hidden-width activations.
const (
	LayerBlock0 = "blocks.0"
	LayerBlock1 = "blocks.1"
)

// Layers lists the hook points.
var Layers = []string{LayerBlock0, LayerBlock1}

// Dims are the family parameters read from a descriptor.
type Dims struct {
	Latent int // latent_channels
	Hidden int // hidden
	Text   int // text_dim
	Vocab  int // vocab
	Pixel  int // pixel_dim
}

// DimsOf reads dimensions from d.Params with defaults.
func DimsOf(d registry.Descriptor) Dims {
	return Dims{
		Latent: d.Param("latent_channels", 4),
		Hidden: d.Param("hidden", 16),
		Text:   d.Param("text_dim", 8),
		Vocab:  d.Param("vocab", 64),
		Pixel:  d.Param("pixel_dim", 12),
	}
}

var required = map[registry.SubmoduleKind][]string{
	registry.TextEncoder: {"embed", "proj"},
	registry.Denoiser:    {"in", "cond", "time", "out"},
	registry.Decoder:     {"decode", "encode"},
}

// Backend implements backend.Backend and backend.Previewer.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (*Backend) Family() string { return Family }

func (*Backend) Load(d registry.Descriptor, kind registry.SubmoduleKind, blob *weights.Blob) error {
	names, ok := required[kind]
	if !ok {
		return fmt.Errorf("latentmix: unsupported submodule %s", kind)
	}
	if err := backend.RequireTensors(blob, names...); err != nil {
		return err
	}
	dm := DimsOf(d)
	want := shapes(dm)[kind]
	for name, shape := range want {
		t, _ := blob.Tensor(name)
		if len(t.Shape) != 2 || t.Shape[0] != shape[0] || t.Shape[1] != shape[1] {
			return fmt.Errorf("latentmix: %s/%s has shape %v, want %v", blob.Ref, name, t.Shape, shape)
		}
	}
	return nil
}

func shapes(dm Dims) map[registry.SubmoduleKind]map[string][2]int {
	return map[registry.SubmoduleKind]map[string][2]int{
		registry.TextEncoder: {"embed": {dm.Vocab, dm.Text}, "proj": {dm.Text, dm.Text}},
		registry.Denoiser: {
			"in":   {dm.Hidden, dm.Latent},
			"cond": {dm.Hidden, dm.Text},
			"time": {dm.Hidden, 1},
			"out":  {dm.Latent, dm.Hidden},
		},
		registry.Decoder: {"decode": {dm.Pixel, dm.Latent}, "encode": {dm.Latent, dm.Pixel}},
	}
}

func (*Backend) LatentShape(d registry.Descriptor, frames int) []int {
	return []int{frames, DimsOf(d).Latent}
}

func (*Backend) EncodeText(ctx context.Context, m backend.Model, prompt string) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	embed, err := weight(m, registry.TextEncoder, "embed")
	if err != nil {
		return tensor.Tensor{}, err
	}
	proj, err := weight(m, registry.TextEncoder, "proj")
	if err != nil {
		return tensor.Tensor{}, err
	}
	vocab, dim := embed.Shape[0], embed.Shape[1]
	out := tensor.New(1, dim)
	tokens := strings.Fields(strings.ToLower(prompt))
	if len(tokens) == 0 {
		return out, nil
	}
	pooled := make([]float64, dim)
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		row := int(h.Sum32() % uint32(vocab))
		for j := 0; j < dim; j++ {
			pooled[j] += embed.Data[row*dim+j] / float64(len(tokens))
		}
	}
	var y mat.VecDense
	y.MulVec(dense(proj), mat.NewVecDense(dim, pooled))
	for j := 0; j < dim; j++ {
		out.Data[j] = math.Tanh(y.AtVec(j))
	}
	return out, nil
}

// block0 computes tanh(in·x + cond·e + time·sigma) per frame and applies
// the first hook.
func (*Backend) block0(m backend.Model, in backend.StepInput) (tensor.Tensor, error) {
	wIn, err := weight(m, registry.Denoiser, "in")
	if err != nil {
		return tensor.Tensor{}, err
	}
	wCond, err := weight(m, registry.Denoiser, "cond")
	if err != nil {
		return tensor.Tensor{}, err
	}
	wTime, err := weight(m, registry.Denoiser, "time")
	if err != nil {
		return tensor.Tensor{}, err
	}
	hidden := wIn.Shape[0]
	h, err := linear(in.Latent, wIn)
	if err != nil {
		return tensor.Tensor{}, err
	}
	bias := make([]float64, hidden)
	if in.Embedding.Len() == wCond.Shape[1] {
		var c mat.VecDense
		c.MulVec(dense(wCond), mat.NewVecDense(wCond.Shape[1], in.Embedding.Data))
		for j := range bias {
			bias[j] = c.AtVec(j)
		}
	}
	for f := 0; f < h.Frames(); f++ {
		row := h.Frame(f)
		for j := range row {
			row[j] = math.Tanh(row[j] + bias[j] + wTime.Data[j]*in.Sigma)
		}
	}
	if err := m.Inject(LayerBlock0, h, in.FrameOffset); err != nil {
		return tensor.Tensor{}, err
	}
	return h, nil
}

// Preview returns the first block's activations; consecutive steps whose
// previews barely move are candidates for skipping.
func (b *Backend) Preview(ctx context.Context, m backend.Model, in backend.StepInput) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	return b.block0(m, in)
}

func (b *Backend) ForwardStep(ctx context.Context, m backend.Model, in backend.StepInput) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	h, err := b.block0(m, in)
	if err != nil {
		return tensor.Tensor{}, err
	}
	h = smooth(h)
	if err := m.Inject(LayerBlock1, h, in.FrameOffset); err != nil {
		return tensor.Tensor{}, err
	}
	wOut, err := weight(m, registry.Denoiser, "out")
	if err != nil {
		return tensor.Tensor{}, err
	}
	return linear(h, wOut)
}

func (*Backend) Decode(ctx context.Context, m backend.Model, latent tensor.Tensor) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	w, err := weight(m, registry.Decoder, "decode")
	if err != nil {
		return tensor.Tensor{}, err
	}
	return linear(latent, w)
}

func (*Backend) Encode(ctx context.Context, m backend.Model, frames tensor.Tensor) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	w, err := weight(m, registry.Decoder, "encode")
	if err != nil {
		return tensor.Tensor{}, err
	}
	return linear(frames, w)
}

// smooth mixes each frame with its neighbours (0.25, 0.5, 0.25), clamping
// at the edges.
func smooth(h tensor.Tensor) tensor.Tensor {
	n := h.Frames()
	if n < 2 {
		return h
	}
	out := tensor.New(h.Shape...)
	for f := 0; f < n; f++ {
		prev, next := h.Frame(max(f-1, 0)), h.Frame(min(f+1, n-1))
		cur, dst := h.Frame(f), out.Frame(f)
		for j := range dst {
			dst[j] = 0.25*prev[j] + 0.5*cur[j] + 0.25*next[j]
		}
	}
	return out
}

func weight(m backend.Model, kind registry.SubmoduleKind, name string) (tensor.Tensor, error) {
	t, ok := m.Weight(kind, name)
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("latentmix: %s weight %q not available", kind, name)
	}
	if len(t.Shape) != 2 {
		return tensor.Tensor{}, fmt.Errorf("latentmix: %s weight %q has shape %v", kind, name, t.Shape)
	}
	return t, nil
}

func dense(t tensor.Tensor) *mat.Dense { return mat.NewDense(t.Shape[0], t.Shape[1], t.Data) }

// linear applies w (out×in) to every frame of x (frames×in).
func linear(x, w tensor.Tensor) (tensor.Tensor, error) {
	if x.FrameSize() != w.Shape[1] {
		return tensor.Tensor{}, fmt.Errorf("latentmix: frame width %d does not match weight %v", x.FrameSize(), w.Shape)
	}
	frames := x.Frames()
	if frames == 0 {
		return tensor.New(0, w.Shape[0]), nil
	}
	out := tensor.New(frames, w.Shape[0])
	y := mat.NewDense(frames, w.Shape[0], out.Data)
	y.Mul(mat.NewDense(frames, w.Shape[1], x.Data), dense(w).T())
	return out, nil
}
