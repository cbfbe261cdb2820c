package manager

import (
	"context"
	"fmt"
	"time"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/metrics"
	"diffusiond/internal/registry"
	"diffusiond/internal/weights"
)

// EnsureOption adjusts a single EnsureResident call.
type EnsureOption func(*ensureOptions)

type ensureOptions struct {
	host map[registry.SubmoduleKind]bool
}

// WithHostExecution keeps the named submodules in host memory for this call
// when they are not already accelerator-resident. They then consume no
// accelerator budget.
func WithHostExecution(kinds ...registry.SubmoduleKind) EnsureOption {
	return func(o *ensureOptions) {
		if o.host == nil {
			o.host = make(map[registry.SubmoduleKind]bool)
		}
		for _, k := range kinds {
			o.host[k] = true
		}
	}
}

// request is the per-submodule working state of one EnsureResident call.
type request struct {
	kind     registry.SubmoduleKind
	key      moduleKey
	subIndex int
	host     bool
	resident bool
	needLoad bool
	sizeMB   int
	blob     *weights.Blob
}

// EnsureResident makes every submodule in kinds of d available and returns
// one borrowed Handle per submodule. It is all-or-nothing: if the set cannot
// fit the active budget after evicting every evictable module, it fails with
// an InsufficientMemoryError and the resident set is unchanged. Weight Store
// I/O happens before anything is committed, so a cancelled or failed load
// leaves no partially tracked module.
func (m *Manager) EnsureResident(ctx context.Context, d registry.Descriptor, kinds []registry.SubmoduleKind, opts ...EnsureOption) (Handles, error) {
	var o ensureOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	start := time.Now()
	m.publish(Event{Name: EventEnsureStart, ModelID: d.ID, Fields: map[string]any{"submodules": kinds}})

	m.mu.RLock()
	prof := m.profile
	p := prof.ComputePrecision()
	reqs := make([]*request, 0, len(kinds))
	seen := make(map[registry.SubmoduleKind]bool, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		_, idx, ok := d.Submodule(k)
		if !ok {
			m.mu.RUnlock()
			return nil, m.ensureFailed(d.ID, errdefs.ErrNotFound("submodule", d.ID+"/"+string(k)))
		}
		key := moduleKey{model: d.ID, kind: k}
		mod := m.modules[key]
		if mod != nil && mod.draining {
			m.mu.RUnlock()
			return nil, m.ensureFailed(d.ID, drainingError{module: key.String()})
		}
		r := &request{kind: k, key: key, subIndex: idx, host: o.host[k]}
		switch {
		case mod != nil && mod.loc == LocationAccelerator:
			r.resident = true
		case r.host:
			r.needLoad = mod == nil || mod.blob == nil
			r.sizeMB = footprintMB(d, k, p, mod)
		default:
			r.needLoad = mod == nil || mod.blob == nil || mod.blob.Precision != p
			r.sizeMB = footprintMB(d, k, p, mod)
		}
		reqs = append(reqs, r)
	}
	m.mu.RUnlock()

	// Undeclared footprints are measured from the blob before planning.
	for _, r := range reqs {
		if !r.resident && !r.host && r.sizeMB == 0 {
			if err := m.load(ctx, d, r, p); err != nil {
				return nil, m.ensureFailed(d.ID, err)
			}
			r.sizeMB = r.blob.SizeMB()
		}
	}

	m.mu.RLock()
	victims, err := m.planLocked(d, prof, reqs)
	m.mu.RUnlock()
	if err != nil {
		return nil, m.ensureFailed(d.ID, err)
	}

	for _, r := range reqs {
		if r.needLoad && r.blob == nil {
			if err := m.load(ctx, d, r, p); err != nil {
				return nil, m.ensureFailed(d.ID, err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, m.ensureFailed(d.ID, err)
	}

	m.mu.Lock()
	handles, events := m.commitLocked(prof, reqs, victims)
	used := m.usedMB
	m.mu.Unlock()

	metrics.ResidentMB.Set(float64(used))
	for _, e := range events {
		m.publish(e)
	}
	m.publish(Event{Name: EventEnsureReady, ModelID: d.ID, Fields: map[string]any{
		"resident_mb": used, "budget_mb": prof.EffectiveBudgetMB(), "evicted": len(victims),
	}})
	m.log.Debug().Str("model", d.ID).Int("resident_mb", used).Int("evicted", len(victims)).Dur("dur", time.Since(start)).Msg("ensure resident")
	return handles, nil
}

func (m *Manager) load(ctx context.Context, d registry.Descriptor, r *request, p registry.Precision) error {
	if m.store == nil {
		return fmt.Errorf("load %s: no weight store configured", r.key)
	}
	ref := weights.RefFor(d, r.kind)
	b, err := m.store.Load(ctx, ref, p)
	if err != nil {
		return fmt.Errorf("load %s: %w", ref, err)
	}
	if m.validate != nil {
		if err := m.validate(d, r.kind, b); err != nil {
			return &errdefs.InvalidWeightsError{Ref: ref.String(), Err: err}
		}
	}
	r.blob = b
	return nil
}

// planLocked picks the modules to evict so every non-resident accelerator
// request fits. Requested, borrowed, draining and non-swappable modules are
// never candidates.
func (m *Manager) planLocked(d registry.Descriptor, prof Profile, reqs []*request) ([]*module, error) {
	needMB := 0
	exclude := make(map[moduleKey]bool, len(reqs))
	for _, r := range reqs {
		exclude[r.key] = true
		if !r.resident && !r.host {
			needMB += r.sizeMB
		}
	}
	budget := prof.EffectiveBudgetMB()
	victims, evictableMB, ok := m.victimsLocked(prof, budget-m.usedMB, needMB, exclude)
	if ok {
		return victims, nil
	}
	unevictable := m.usedMB - evictableMB
	maxFree := budget - unevictable
	var over *request
	cum := 0
	for _, r := range reqs {
		if r.resident || r.host {
			continue
		}
		cum += r.sizeMB
		over = r
		if cum > maxFree {
			break
		}
	}
	e := &errdefs.InsufficientMemoryError{
		Model:      d.ID,
		RequiredMB: needMB,
		BudgetMB:   budget,
		ResidentMB: m.usedMB,
		PinnedMB:   unevictable,
	}
	if over != nil {
		e.Submodule = string(over.kind)
	}
	return nil, e
}

func (m *Manager) commitLocked(prof Profile, reqs []*request, victims []*module) (Handles, []Event) {
	now := m.now()
	events := make([]Event, 0, len(victims)+len(reqs))
	for _, v := range victims {
		v.loc = LocationHost
		m.usedMB -= v.sizeMB
		m.evictionsTotal++
		metrics.Evictions.Inc()
		events = append(events, Event{Name: EventEvict, ModelID: v.key.model, Fields: map[string]any{
			"submodule": string(v.key.kind), "size_mb": v.sizeMB,
		}})
	}
	handles := make(Handles, 0, len(reqs))
	for _, r := range reqs {
		mod := m.modules[r.key]
		if mod == nil {
			mod = &module{key: r.key, regIndex: m.regIndex(r.key.model), subIndex: r.subIndex, loc: LocationUnloaded}
			m.modules[r.key] = mod
		}
		source := "host"
		if r.blob != nil {
			mod.blob = r.blob
			mod.precision = r.blob.Precision
			m.loadsTotal++
			source = "store"
			events = append(events, Event{Name: EventLoad, ModelID: r.key.model, Fields: map[string]any{
				"submodule": string(r.kind), "precision": string(r.blob.Precision),
			}})
		}
		switch {
		case mod.loc == LocationAccelerator:
		case r.host:
			mod.loc = LocationHost
			mod.sizeMB = r.sizeMB
			if mod.sizeMB == 0 {
				mod.sizeMB = mod.blob.SizeMB()
			}
		default:
			mod.loc = LocationAccelerator
			mod.sizeMB = r.sizeMB
			m.usedMB += r.sizeMB
			m.promotionsTotal++
			metrics.Promotions.WithLabelValues(source).Inc()
			events = append(events, Event{Name: EventPromote, ModelID: r.key.model, Fields: map[string]any{
				"submodule": string(r.kind), "size_mb": r.sizeMB, "source": source,
			}})
		}
		mod.lastUsed = now
		mod.borrows++
		m.outstanding++
		m.nextHandle++
		handles = append(handles, &Handle{
			id:        m.nextHandle,
			m:         m,
			mod:       mod,
			Model:     r.key.model,
			Kind:      r.kind,
			Location:  mod.loc,
			Precision: mod.precision,
			Blob:      mod.blob,
		})
	}
	if m.usedMB > prof.EffectiveBudgetMB() {
		m.log.Error().Int("resident_mb", m.usedMB).Int("budget_mb", prof.EffectiveBudgetMB()).Msg("resident set exceeds budget")
	}
	return handles, events
}

func (m *Manager) ensureFailed(model string, err error) error {
	reason := errdefs.Kind(err)
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
	metrics.EnsureFailures.WithLabelValues(reason).Inc()
	name := EventEnsureError
	if errdefs.IsInsufficientMemory(err) {
		name = EventInsufficientMemory
	}
	m.publish(Event{Name: name, ModelID: model, Fields: map[string]any{"error": err.Error()}})
	m.log.Warn().Str("model", model).Str("reason", reason).Err(err).Msg("ensure resident failed")
	return err
}
