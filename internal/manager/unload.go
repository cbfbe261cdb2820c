package manager

import (
	"context"
	"time"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/metrics"
	"diffusiond/internal/registry"
)

// Unload drains and drops submodules of model. With no kinds every tracked
// submodule of the model is unloaded.
//   - Marks the modules draining so EnsureResident rejects them.
//   - Waits up to the drain timeout for outstanding borrows to be released.
//   - Drops the weights and the accounting.
//
// On timeout the modules stay tracked and usable.
func (m *Manager) Unload(ctx context.Context, model string, kinds ...registry.SubmoduleKind) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	var mods []*module
	for key, mod := range m.modules {
		if key.model != model {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, key.kind) {
			continue
		}
		mod.draining = true
		mods = append(mods, mod)
	}
	m.mu.Unlock()
	if len(mods) == 0 {
		return errdefs.ErrNotFound("resident module", model)
	}
	m.publish(Event{Name: EventUnloadStart, ModelID: model, Fields: map[string]any{"modules": len(mods)}})

	deadline := time.Now().Add(m.drainTimeout)
	for {
		borrows := 0
		m.mu.RLock()
		for _, mod := range mods {
			borrows += mod.borrows
		}
		m.mu.RUnlock()
		if borrows == 0 {
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			m.mu.Lock()
			for _, mod := range mods {
				mod.draining = false
			}
			m.mu.Unlock()
			m.publish(Event{Name: EventUnloadTimeout, ModelID: model, Fields: map[string]any{"borrows": borrows}})
			return drainTimeoutError{module: model, borrows: borrows}
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	for _, mod := range mods {
		if mod.loc == LocationAccelerator {
			m.usedMB -= mod.sizeMB
		}
		mod.loc = LocationUnloaded
		mod.blob = nil
		delete(m.modules, mod.key)
	}
	used := m.usedMB
	m.mu.Unlock()
	metrics.ResidentMB.Set(float64(used))

	m.publish(Event{Name: EventUnloadDone, ModelID: model, Fields: map[string]any{"resident_mb": used}})
	return nil
}

func containsKind(kinds []registry.SubmoduleKind, k registry.SubmoduleKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
