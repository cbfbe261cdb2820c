// Package adapter composes LoRA weight deltas and control-signal hooks onto
// a base model at call time. Base weights are never mutated: every step gets
// a View that computes base + Σ strength·Δ into transient copies, and the
// stack order is the composition order.
package adapter

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
)

// Composer binds adapter stacks to models.
type Composer struct {
	log zerolog.Logger
}

func NewComposer(log zerolog.Logger) *Composer { return &Composer{log: log} }

// Check validates every adapter in stack against d. It runs to completion
// before anything is built, so a failing stack never yields a partial
// binding.
func (c *Composer) Check(d registry.Descriptor, stack []Spec) error {
	for _, s := range stack {
		if err := s.Validate(); err != nil {
			return errdefs.ErrInvalidRequest("adapters", err.Error())
		}
		if !d.AcceptsTag(s.Tag) {
			return &errdefs.IncompatibleAdapterError{
				Adapter:  s.Name,
				Tag:      s.Tag,
				Model:    d.ID,
				Accepted: append([]string(nil), d.Accepts...),
			}
		}
	}
	return nil
}

type weightKey struct {
	kind registry.SubmoduleKind
	name string
}

type scaledDelta struct {
	adapter  string
	strength float64
	delta    tensor.Tensor
}

type hook struct {
	adapter  string
	strength float64
	signal   tensor.Tensor
}

// Bound is an adapter stack bound to one model. It is immutable apart from
// its warning list and may be shared by the windows of one session.
type Bound struct {
	desc   registry.Descriptor
	names  []string
	deltas map[weightKey][]scaledDelta
	hooks  *orderedmap.OrderedMap[string, []hook]

	mu       sync.Mutex
	warnings []string
	warned   map[string]bool
}

// Bind validates stack against d and precomputes the dense deltas.
func (c *Composer) Bind(d registry.Descriptor, stack []Spec) (*Bound, error) {
	if err := c.Check(d, stack); err != nil {
		return nil, err
	}
	b := &Bound{
		desc:   d,
		deltas: make(map[weightKey][]scaledDelta),
		hooks:  orderedmap.New[string, []hook](),
		warned: make(map[string]bool),
	}
	for _, s := range stack {
		b.names = append(b.names, s.Name)
		switch s.Kind {
		case LoRA:
			for _, lr := range s.Deltas {
				if _, _, ok := d.Submodule(lr.Submodule); !ok {
					b.warn(fmt.Sprintf("adapter %s targets %s which model %s does not have", s.Name, lr.Submodule, d.ID))
					continue
				}
				delta, err := lr.Delta()
				if err != nil {
					return nil, errdefs.ErrInvalidRequest("adapters", err.Error())
				}
				k := weightKey{lr.Submodule, lr.Target}
				b.deltas[k] = append(b.deltas[k], scaledDelta{adapter: s.Name, strength: s.Strength, delta: delta})
			}
		case Control:
			sig := s.Signal.Clone()
			for _, layer := range s.Layers {
				hs, _ := b.hooks.Get(layer)
				b.hooks.Set(layer, append(hs, hook{adapter: s.Name, strength: s.Strength, signal: sig}))
			}
		}
	}
	c.log.Debug().Str("model", d.ID).Strs("adapters", b.names).Int("deltas", len(b.deltas)).Int("hook_layers", b.hooks.Len()).Msg("adapters bound")
	return b, nil
}

// Adapters lists the bound adapter names in stack order.
func (b *Bound) Adapters() []string { return append([]string(nil), b.names...) }

// HookLayers lists layers with control hooks in first-registration order.
func (b *Bound) HookLayers() []string {
	out := make([]string, 0, b.hooks.Len())
	for p := b.hooks.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (b *Bound) warn(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.warned[msg] {
		return
	}
	b.warned[msg] = true
	b.warnings = append(b.warnings, msg)
}

// Warnings returns the non-fatal issues found while binding or verifying.
func (b *Bound) Warnings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.warnings...)
}

// Verify checks delta targets against the loaded base weights in hs. A
// missing target or mismatched shape is recorded as a warning and that
// delta is skipped by views.
func (b *Bound) Verify(hs manager.Handles) {
	for k, ds := range b.deltas {
		h := hs.Get(k.kind)
		if h == nil || h.Blob == nil {
			continue
		}
		base, ok := h.Blob.Tensor(k.name)
		for _, d := range ds {
			switch {
			case !ok:
				b.warn(fmt.Sprintf("adapter %s: %s weight %q not found in model %s", d.adapter, k.kind, k.name, b.desc.ID))
			case !tensor.SameShape(base, d.delta):
				b.warn(fmt.Sprintf("adapter %s: delta %v does not match %s weight %q %v", d.adapter, d.delta.Shape, k.kind, k.name, base.Shape))
			}
		}
	}
}

// View returns the per-step model over the borrowed handles. It must not be
// used after the handles are released.
func (b *Bound) View(hs manager.Handles) *View {
	return &View{b: b, hs: hs, cache: make(map[weightKey]tensor.Tensor)}
}
