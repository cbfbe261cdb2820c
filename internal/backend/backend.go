// Package backend defines the capability every model family implements so
// the generation session can stay family-agnostic.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
)

// Model is the per-step view of a bound model. Weight returns effective
// parameters (base plus adapter deltas) and Inject applies control hooks.
// A Model must not be used after the handles it reads from are released.
type Model interface {
	Descriptor() registry.Descriptor
	Weight(kind registry.SubmoduleKind, name string) (tensor.Tensor, bool)
	// Inject adds every control contribution registered at layer to act,
	// whose frame 0 sits at frameOffset on the output timeline.
	Inject(layer string, act tensor.Tensor, frameOffset int) error
	// OnHost reports whether kind executes from host memory. It is advisory:
	// backends compute the same way either way and may use it for logging.
	OnHost(kind registry.SubmoduleKind) bool
}

// StepInput is one denoiser evaluation.
type StepInput struct {
	Latent      tensor.Tensor
	Sigma       float64
	Step        int
	Embedding   tensor.Tensor
	FrameOffset int
}

// Backend is the fixed operation set of a model family.
type Backend interface {
	Family() string
	// Load checks that a loaded blob carries what the family needs.
	Load(d registry.Descriptor, kind registry.SubmoduleKind, blob *weights.Blob) error
	// LatentShape is the latent tensor shape for frames output frames.
	LatentShape(d registry.Descriptor, frames int) []int
	EncodeText(ctx context.Context, m Model, prompt string) (tensor.Tensor, error)
	// ForwardStep predicts the flow velocity for in.
	ForwardStep(ctx context.Context, m Model, in StepInput) (tensor.Tensor, error)
	Decode(ctx context.Context, m Model, latent tensor.Tensor) (tensor.Tensor, error)
	// Encode maps decoded frames back to latents (used to seed the next window).
	Encode(ctx context.Context, m Model, frames tensor.Tensor) (tensor.Tensor, error)
}

// Previewer is implemented by backends that can run a cheap partial forward
// pass; its output feeds the step-skip decision.
type Previewer interface {
	Preview(ctx context.Context, m Model, in StepInput) (tensor.Tensor, error)
}

// Registry maps family names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry(bs ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range bs {
		r.Register(b)
	}
	return r
}

// Register adds or replaces the backend for b.Family().
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	r.backends[b.Family()] = b
	r.mu.Unlock()
}

func (r *Registry) Get(family string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[family]
	if !ok {
		return nil, errdefs.ErrNotFound("backend family", family)
	}
	return b, nil
}

// Validate runs the Load check of d's family on blob. It has the shape of
// manager.ManagerConfig.Validate.
func (r *Registry) Validate(d registry.Descriptor, kind registry.SubmoduleKind, blob *weights.Blob) error {
	b, err := r.Get(d.Family)
	if err != nil {
		return err
	}
	return b.Load(d, kind, blob)
}

// Families lists registered family names, sorted.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for f := range r.backends {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// RequireTensors reports the first name missing from blob.
func RequireTensors(blob *weights.Blob, names ...string) error {
	for _, n := range names {
		if _, ok := blob.Tensor(n); !ok {
			return fmt.Errorf("%s: missing tensor %q", blob.Ref, n)
		}
	}
	return nil
}
