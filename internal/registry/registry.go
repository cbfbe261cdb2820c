// Package registry holds the immutable model descriptors known to the
// process, in registration order.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"diffusiond/internal/common/fsutil"
	"diffusiond/internal/errdefs"
)

// Registry is safe for concurrent use. Descriptors are copied in and out, so
// a registered descriptor can never change.
type Registry struct {
	mu     sync.RWMutex
	models *orderedmap.OrderedMap[string, Descriptor]
}

func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{models: orderedmap.New[string, Descriptor]()}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds d. Ids are unique.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models.Get(d.ID); ok {
		return fmt.Errorf("descriptor %s already registered", d.ID)
	}
	r.models.Set(d.ID, d.Clone())
	return nil
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models.Get(id)
	if !ok {
		return Descriptor{}, errdefs.ErrNotFound("model", id)
	}
	return d.Clone(), nil
}

// List returns copies of every descriptor in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, r.models.Len())
	for p := r.models.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value.Clone())
	}
	return out
}

// Index returns the registration position of id, or -1.
func (r *Registry) Index(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := 0
	for p := r.models.Oldest(); p != nil; p = p.Next() {
		if p.Key == id {
			return i
		}
		i++
	}
	return -1
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models.Len()
}

// LoadDir scans dir for descriptor manifests (*.yaml, *.yml, *.json, *.toml)
// and returns them sorted by file name. A manifest without an id takes its
// file name (minus extension) as id.
func LoadDir(dir string) ([]Descriptor, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []Descriptor
	for _, e := range entries {
		if e.IsDir() || !fsutil.IsManifest(e.Name()) {
			continue
		}
		var d Descriptor
		if err := fsutil.DecodeFile(filepath.Join(abs, e.Name()), &d); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", e.Name(), err)
		}
		if d.ID == "" {
			d.ID = e.Name()[:len(e.Name())-len(filepath.Ext(e.Name()))]
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", e.Name(), err)
		}
		out = append(out, d)
	}
	return out, nil
}
