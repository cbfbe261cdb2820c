package manager

import (
	"sync/atomic"
	"time"

	"diffusiond/internal/registry"
	"diffusiond/internal/weights"
)

// Location is where a submodule's weights currently live.
type Location string

const (
	LocationAccelerator Location = "accelerator"
	LocationHost        Location = "host"
	LocationUnloaded    Location = "unloaded"
)

type moduleKey struct {
	model string
	kind  registry.SubmoduleKind
}

func (k moduleKey) String() string { return k.model + "/" + string(k.kind) }

// module is the manager-owned record for one submodule.
type module struct {
	key       moduleKey
	regIndex  int
	subIndex  int
	loc       Location
	sizeMB    int
	precision registry.Precision
	blob      *weights.Blob
	lastUsed  time.Time
	borrows   int
	draining  bool
}

// Handle is a borrowed reference to a loaded submodule. It is valid until
// Release and must not be kept across steps by its borrower.
type Handle struct {
	id        uint64
	m         *Manager
	mod       *module
	released  atomic.Bool
	Model     string
	Kind      registry.SubmoduleKind
	Location  Location
	Precision registry.Precision
	Blob      *weights.Blob
}

// OnHost reports whether the borrower must execute this submodule from host
// memory.
func (h *Handle) OnHost() bool { return h.Location == LocationHost }

// Release returns the borrow. A second call returns ErrReleased.
func (h *Handle) Release() error { return h.m.Release(h) }

// Handles is the borrowed set returned by EnsureResident.
type Handles []*Handle

// Get returns the handle for kind, or nil.
func (hs Handles) Get(kind registry.SubmoduleKind) *Handle {
	for _, h := range hs {
		if h.Kind == kind {
			return h
		}
	}
	return nil
}

// ReleaseAll releases every handle and returns the first error.
func (hs Handles) ReleaseAll() error {
	var first error
	for _, h := range hs {
		if err := h.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ModuleStatus is a read-only projection of one tracked submodule.
type ModuleStatus struct {
	Model     string
	Kind      registry.SubmoduleKind
	Location  Location
	Precision registry.Precision
	SizeMB    int
	LastUsed  time.Time
	Borrows   int
	Pinned    bool
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	Profile     Profile
	ResidentMB  int
	HostMB      int
	Outstanding int
	Modules     []ModuleStatus
}
