package manager

import (
	"diffusiond/internal/errdefs"
	"diffusiond/internal/metrics"
)

// SetProfile switches the active budget policy. Resident modules that no
// longer fit are demoted in eviction order; if the new budget cannot be met
// the switch fails with an InsufficientMemoryError and the old profile stays
// in force.
func (m *Manager) SetProfile(p Profile) error {
	if err := p.Validate(); err != nil {
		return errdefs.ErrInvalidRequest("profile", err.Error())
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	budget := p.EffectiveBudgetMB()
	victims, evictable, ok := m.victimsLocked(p, budget, m.usedMB, nil)
	if !ok {
		used := m.usedMB
		m.mu.Unlock()
		return &errdefs.InsufficientMemoryError{
			Model:      "*",
			Submodule:  "*",
			RequiredMB: used - evictable,
			BudgetMB:   budget,
			ResidentMB: used,
			PinnedMB:   used - evictable,
		}
	}
	for _, v := range victims {
		v.loc = LocationHost
		m.usedMB -= v.sizeMB
		m.evictionsTotal++
		metrics.Evictions.Inc()
	}
	old := m.profile.Name
	m.profile = p
	used := m.usedMB
	m.mu.Unlock()

	metrics.BudgetMB.Set(float64(budget))
	metrics.ResidentMB.Set(float64(used))
	for _, v := range victims {
		m.publish(Event{Name: EventEvict, ModelID: v.key.model, Fields: map[string]any{"submodule": string(v.key.kind), "size_mb": v.sizeMB}})
	}
	m.publish(Event{Name: EventProfileSet, Fields: map[string]any{"from": old, "to": p.Name, "evicted": len(victims)}})
	m.log.Info().Str("from", old).Str("to", p.Name).Int("budget_mb", budget).Int("resident_mb", used).Msg("profile set")
	return nil
}
