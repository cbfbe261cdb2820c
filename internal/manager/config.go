package manager

import (
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/registry"
	"diffusiond/internal/weights"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultDrainTimeout = 5 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Registry supplies registration order for eviction tie-breaks.
	Registry *registry.Registry
	Store    weights.Store
	Profile  Profile
	// Validate checks a freshly loaded blob before it is committed. A
	// non-nil error fails the ensure with nothing made resident.
	Validate func(d registry.Descriptor, kind registry.SubmoduleKind, blob *weights.Blob) error
	// DrainTimeout bounds how long Unload waits for borrows to return.
	DrainTimeout time.Duration
	Logger       *zerolog.Logger
	Publisher    EventPublisher
	// Now overrides the clock used for last-used timestamps (tests).
	Now func() time.Time
}
