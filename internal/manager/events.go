package manager

import (
	"sync"

	"github.com/rs/zerolog"
)

// Residency event names.
const (
	EventEnsureStart        = "ensure_start"
	EventEnsureReady        = "ensure_ready"
	EventInsufficientMemory = "ensure_insufficient_memory"
	EventEnsureError        = "ensure_error"
	EventLoad               = "load"
	EventPromote            = "promote"
	EventEvict              = "evict"
	EventRelease            = "release"
	EventProfileSet         = "profile_set"
	EventUnloadStart        = "unload_start"
	EventUnloadTimeout      = "unload_timeout"
	EventUnloadDone         = "unload_done"
)

// Event is one residency lifecycle event: a name, the model it concerns and
// optional key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes every event to a zerolog logger at debug level.
type LogPublisher struct{ Log zerolog.Logger }

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Debug().Str("event", e.Name).Str("model", e.ModelID)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("residency")
}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}
