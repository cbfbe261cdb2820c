package latentmix

import (
	"context"
	"math"
	"testing"

	"diffusiond/internal/backend"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
)

// mapModel serves synthesized weights directly, with no adapters.
type mapModel struct {
	d      registry.Descriptor
	w      map[registry.SubmoduleKind]map[string]tensor.Tensor
	inject func(layer string, act tensor.Tensor, off int)
}

func (m mapModel) Descriptor() registry.Descriptor { return m.d }
func (m mapModel) Weight(k registry.SubmoduleKind, n string) (tensor.Tensor, bool) {
	t, ok := m.w[k][n]
	return t, ok
}
func (m mapModel) Inject(layer string, act tensor.Tensor, off int) error {
	if m.inject != nil {
		m.inject(layer, act, off)
	}
	return nil
}
func (mapModel) OnHost(registry.SubmoduleKind) bool { return false }

func testDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:     "lm",
		Family: Family,
		Submodules: []registry.Submodule{
			{Kind: registry.TextEncoder}, {Kind: registry.Denoiser}, {Kind: registry.Decoder},
		},
	}
}

func newModel(t *testing.T) mapModel {
	t.Helper()
	d := testDescriptor()
	w, err := Synthesize(d)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	return mapModel{d: d, w: w}
}

func TestSynthesizedWeightsLoad(t *testing.T) {
	m := newModel(t)
	b := New()
	for kind, ts := range m.w {
		blob := &weights.Blob{Ref: weights.Ref{Model: "lm", Kind: kind}, Precision: registry.FP32, Tensors: ts}
		if err := b.Load(m.d, kind, blob); err != nil {
			t.Fatalf("load %s: %v", kind, err)
		}
	}
	bad := &weights.Blob{Ref: weights.Ref{Model: "lm", Kind: registry.Decoder}, Tensors: map[string]tensor.Tensor{"decode": tensor.New(3, 3)}}
	if err := b.Load(m.d, registry.Decoder, bad); err == nil {
		t.Fatalf("expected missing/shape error")
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	m := newModel(t)
	b := New()
	z := tensor.Noise(3, 5, 4)
	x, err := b.Decode(context.Background(), m, z)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if x.Shape[0] != 5 || x.Shape[1] != 12 {
		t.Fatalf("decoded shape %v", x.Shape)
	}
	back, err := b.Encode(context.Background(), m, x)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := range z.Data {
		if math.Abs(back.Data[i]-z.Data[i]) > 1e-9 {
			t.Fatalf("round trip drift at %d: %v vs %v", i, back.Data[i], z.Data[i])
		}
	}
}

func TestEncodeText(t *testing.T) {
	m := newModel(t)
	b := New()
	ctx := context.Background()
	empty, err := b.EncodeText(ctx, m, "   ")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if empty.L1() != 0 {
		t.Fatalf("empty prompt must encode to zeros")
	}
	a1, _ := b.EncodeText(ctx, m, "a red fox")
	a2, _ := b.EncodeText(ctx, m, "A red  fox")
	c, _ := b.EncodeText(ctx, m, "blue whale")
	if !tensor.Equal(a1, a2) {
		t.Fatalf("encoding must be deterministic and case-insensitive")
	}
	if tensor.Equal(a1, c) {
		t.Fatalf("different prompts encoded identically")
	}
}

func TestForwardStepHooksAndDeterminism(t *testing.T) {
	m := newModel(t)
	var layers []string
	m.inject = func(layer string, act tensor.Tensor, off int) {
		layers = append(layers, layer)
		if off != 16 {
			t.Errorf("frame offset %d", off)
		}
		if act.Shape[1] != 16 {
			t.Errorf("hook width %d", act.Shape[1])
		}
	}
	b := New()
	emb, _ := b.EncodeText(context.Background(), m, "waves")
	in := backend.StepInput{Latent: tensor.Noise(11, 6, 4), Sigma: 0.7, Step: 3, Embedding: emb, FrameOffset: 16}
	v1, err := b.ForwardStep(context.Background(), m, in)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	v2, _ := b.ForwardStep(context.Background(), m, in)
	if !tensor.Equal(v1, v2) {
		t.Fatalf("forward must be deterministic")
	}
	if v1.Shape[0] != 6 || v1.Shape[1] != 4 || v1.FirstNonFinite() != -1 {
		t.Fatalf("velocity shape %v", v1.Shape)
	}
	if len(layers) != 4 || layers[0] != LayerBlock0 || layers[1] != LayerBlock1 {
		t.Fatalf("hook order %v", layers)
	}
	p, err := b.Preview(context.Background(), m, in)
	if err != nil || p.Shape[1] != 16 {
		t.Fatalf("preview: %v %v", p.Shape, err)
	}
}

func TestSynthesizeRejectsSmallPixelDim(t *testing.T) {
	d := testDescriptor()
	d.Params = map[string]int{"pixel_dim": 2, "latent_channels": 4}
	if _, err := Synthesize(d); err == nil {
		t.Fatalf("expected error")
	}
}
