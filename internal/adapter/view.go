package adapter

import (
	"fmt"

	"diffusiond/internal/backend"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
)

var _ backend.Model = (*View)(nil)

// View implements backend.Model for one step.
type View struct {
	b     *Bound
	hs    manager.Handles
	cache map[weightKey]tensor.Tensor
}

func (v *View) Descriptor() registry.Descriptor { return v.b.desc }

func (v *View) OnHost(kind registry.SubmoduleKind) bool {
	h := v.hs.Get(kind)
	return h != nil && h.OnHost()
}

// Weight returns base + Σ strength·Δ for the named weight, composed in stack
// order on a transient copy. Weights without deltas are returned as the
// shared base tensor and must not be written.
func (v *View) Weight(kind registry.SubmoduleKind, name string) (tensor.Tensor, bool) {
	h := v.hs.Get(kind)
	if h == nil || h.Blob == nil {
		return tensor.Tensor{}, false
	}
	base, ok := h.Blob.Tensor(name)
	if !ok {
		return tensor.Tensor{}, false
	}
	k := weightKey{kind, name}
	ds := v.b.deltas[k]
	if len(ds) == 0 {
		return base, true
	}
	if w, ok := v.cache[k]; ok {
		return w, true
	}
	w := base.Clone()
	for _, d := range ds {
		if !tensor.SameShape(w, d.delta) {
			continue
		}
		_ = w.AddScaled(d.strength, d.delta)
	}
	v.cache[k] = w
	return w, true
}

// Inject adds strength·signal for every hook at layer, in stack order.
// Signal frames are addressed on the output timeline; frames past the end
// of the signal reuse its last frame, and a feature width that differs from
// the activation is resampled by nearest neighbour.
func (v *View) Inject(layer string, act tensor.Tensor, frameOffset int) error {
	hooks, ok := v.b.hooks.Get(layer)
	if !ok {
		return nil
	}
	aw := act.FrameSize()
	for _, hk := range hooks {
		sig := hk.signal
		sf, sw := sig.Frames(), sig.FrameSize()
		if sf == 0 || sw == 0 {
			return fmt.Errorf("adapter %s: empty control signal", hk.adapter)
		}
		for f := 0; f < act.Frames(); f++ {
			src := sig.Frame(min(max(frameOffset+f, 0), sf-1))
			dst := act.Frame(f)
			for j := 0; j < aw; j++ {
				dst[j] += hk.strength * src[j*sw/aw]
			}
		}
	}
	return nil
}
