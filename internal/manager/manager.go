package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/metrics"
	"diffusiond/internal/registry"
	"diffusiond/internal/weights"
)

// Manager tracks which submodules occupy accelerator memory under the active
// Profile. State changes (EnsureResident, SetProfile, Unload) are serialized
// by opMu; mu guards the resident set so size queries and Release can run
// concurrently with them.
type Manager struct {
	opMu sync.Mutex

	mu          sync.RWMutex
	profile     Profile
	modules     map[moduleKey]*module
	usedMB      int
	hostMB      int
	outstanding int
	nextHandle  uint64
	lastErr     string

	evictionsTotal  uint64
	promotionsTotal uint64
	loadsTotal      uint64

	registry     *registry.Registry
	store        weights.Store
	validate     func(registry.Descriptor, registry.SubmoduleKind, *weights.Blob) error
	publisher    EventPublisher
	log          zerolog.Logger
	now          func() time.Time
	drainTimeout time.Duration
	startTime    time.Time
}

// NewWithConfig constructs a Manager from ManagerConfig. The profile is
// expected to be validated by the caller.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		profile:      cfg.Profile,
		modules:      make(map[moduleKey]*module),
		registry:     cfg.Registry,
		store:        cfg.Store,
		validate:     cfg.Validate,
		publisher:    cfg.Publisher,
		now:          cfg.Now,
		drainTimeout: cfg.DrainTimeout,
		startTime:    time.Now(),
	}
	if cfg.Logger != nil {
		m.log = *cfg.Logger
	} else {
		m.log = zerolog.Nop()
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	metrics.BudgetMB.Set(float64(m.profile.EffectiveBudgetMB()))
	metrics.ResidentMB.Set(0)
	return m
}

// SetEventPublisher installs an EventPublisher; nil restores the no-op.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.publisher = noopPublisher{}
		return
	}
	m.publisher = p
}

// Profile returns the active profile.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// ResidentMB is the accelerator memory currently accounted to resident
// submodules.
func (m *Manager) ResidentMB() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usedMB
}

// Outstanding counts handles that were borrowed and not yet released.
func (m *Manager) Outstanding() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outstanding
}

// Location reports where kind of model currently lives.
func (m *Manager) Location(model string, kind registry.SubmoduleKind) Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mod := m.modules[moduleKey{model, kind}]; mod != nil {
		return mod.loc
	}
	return LocationUnloaded
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(e)
}
