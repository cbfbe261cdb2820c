// Package weights is the read-only Weight Store: it turns parameter blobs on
// durable storage into addressable tensors at a requested precision. Stores
// are safe to share between concurrent sessions.
package weights

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
)

// Ref addresses one submodule's parameters.
type Ref struct {
	Model string
	Kind  registry.SubmoduleKind
	// Path overrides the default <model>/<kind>.safetensors location.
	Path string
}

// RefFor builds the Ref for kind of d.
func RefFor(d registry.Descriptor, kind registry.SubmoduleKind) Ref {
	s, _, _ := d.Submodule(kind)
	return Ref{Model: d.ID, Kind: kind, Path: s.Path}
}

// RelPath is the store-relative file path of r.
func (r Ref) RelPath() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Model + "/" + string(r.Kind) + ".safetensors"
}

func (r Ref) String() string { return r.Model + "/" + string(r.Kind) }

// Blob is a loaded set of named tensors. It must be treated as read-only.
type Blob struct {
	Ref       Ref
	Precision registry.Precision
	Tensors   map[string]tensor.Tensor
}

// Tensor returns the named tensor.
func (b *Blob) Tensor(name string) (tensor.Tensor, bool) {
	t, ok := b.Tensors[name]
	return t, ok
}

// Names returns tensor names in sorted order.
func (b *Blob) Names() []string {
	out := make([]string, 0, len(b.Tensors))
	for n := range b.Tensors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Bytes is the storage size of the blob at its precision.
func (b *Blob) Bytes() int64 {
	var n int64
	for _, t := range b.Tensors {
		n += int64(t.Len())
	}
	return n * int64(b.Precision.Bytes())
}

// SizeMB rounds Bytes up to whole MiB, minimum 1.
func (b *Blob) SizeMB() int {
	mb := int((b.Bytes() + (1<<20 - 1)) >> 20)
	if mb <= 0 {
		mb = 1
	}
	return mb
}

// Store loads parameter blobs.
type Store interface {
	Load(ctx context.Context, ref Ref, p registry.Precision) (*Blob, error)
}

// MemStore keeps full-precision tensors in memory. Used for synthetic
// weights and tests.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string]map[string]tensor.Tensor
	loads map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: map[string]map[string]tensor.Tensor{}, loads: map[string]int{}}
}

// Put stores tensors for ref, replacing any previous content.
func (s *MemStore) Put(ref Ref, tensors map[string]tensor.Tensor) {
	cp := make(map[string]tensor.Tensor, len(tensors))
	for k, v := range tensors {
		cp[k] = v.Clone()
	}
	s.mu.Lock()
	s.blobs[ref.RelPath()] = cp
	s.mu.Unlock()
}

func (s *MemStore) Load(ctx context.Context, ref Ref, p registry.Precision) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	src, ok := s.blobs[ref.RelPath()]
	if ok {
		s.loads[ref.RelPath()]++
	}
	s.mu.Unlock()
	if !ok {
		return nil, errdefs.ErrNotFound("weights", ref.RelPath())
	}
	out := &Blob{Ref: ref, Precision: p, Tensors: make(map[string]tensor.Tensor, len(src))}
	for name, t := range src {
		out.Tensors[name] = Quantize(t, p)
	}
	return out, nil
}

// Loads reports how many times ref was loaded.
func (s *MemStore) Loads(ref Ref) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads[ref.RelPath()]
}

// Refs lists stored paths in sorted order.
func (s *MemStore) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func checkShape(name string, shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("tensor %s: empty shape", name)
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("tensor %s: invalid dim %d", name, d)
		}
	}
	return nil
}
