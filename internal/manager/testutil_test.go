package manager

import (
	"errors"
	"testing"
	"time"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
)

// fakeClock advances one second per call so last-used times are distinct.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func descriptor(id string, te, dn, dec int) registry.Descriptor {
	return registry.Descriptor{
		ID:     id,
		Family: "latentmix",
		Submodules: []registry.Submodule{
			{Kind: registry.TextEncoder, FootprintMB: map[registry.Precision]int{registry.FP16: te}},
			{Kind: registry.Denoiser, FootprintMB: map[registry.Precision]int{registry.FP16: dn}},
			{Kind: registry.Decoder, FootprintMB: map[registry.Precision]int{registry.FP16: dec}},
		},
	}
}

func storeFor(descs ...registry.Descriptor) *weights.MemStore {
	s := weights.NewMemStore()
	for _, d := range descs {
		for _, sub := range d.Submodules {
			s.Put(weights.RefFor(d, sub.Kind), map[string]tensor.Tensor{"w": tensor.New(4, 4)})
		}
	}
	return s
}

func newTestManager(t *testing.T, prof Profile, descs ...registry.Descriptor) (*Manager, *MemoryPublisher, *weights.MemStore) {
	t.Helper()
	reg, err := registry.New(descs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := storeFor(descs...)
	pub := NewMemoryPublisher()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewWithConfig(ManagerConfig{
		Registry:     reg,
		Store:        store,
		Profile:      prof,
		Publisher:    pub,
		Now:          clk.Now,
		DrainTimeout: 50 * time.Millisecond,
	})
	return m, pub, store
}

func profile(name string, budget int) Profile {
	return Profile{Name: name, BudgetMB: budget, Precision: registry.FP16}
}

func all() []registry.SubmoduleKind { return registry.Kinds }

func weightsRef(d registry.Descriptor, k registry.SubmoduleKind) weights.Ref { return weights.RefFor(d, k) }

func asInsufficient(err error, target **errdefs.InsufficientMemoryError) bool {
	return errors.As(err, target)
}
