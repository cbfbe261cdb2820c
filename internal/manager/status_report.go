package manager

import (
	"sort"
	"time"

	"diffusiond/pkg/types"
)

// Snapshot returns a read-only view of the resident set, ordered by model
// and submodule.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{Profile: m.profile, ResidentMB: m.usedMB, Outstanding: m.outstanding}
	s.Modules = make([]ModuleStatus, 0, len(m.modules))
	for _, mod := range m.modules {
		if mod.loc == LocationHost && mod.blob != nil {
			s.HostMB += mod.blob.SizeMB()
		}
		s.Modules = append(s.Modules, ModuleStatus{
			Model:     mod.key.model,
			Kind:      mod.key.kind,
			Location:  mod.loc,
			Precision: mod.precision,
			SizeMB:    mod.sizeMB,
			LastUsed:  mod.lastUsed,
			Borrows:   mod.borrows,
			Pinned:    m.profile.IsPinned(mod.key.kind),
		})
	}
	sort.Slice(s.Modules, func(i, j int) bool {
		a, b := s.Modules[i], s.Modules[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.Kind < b.Kind
	})
	return s
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	snap := m.Snapshot()
	m.mu.RLock()
	resp := types.StatusResponse{
		Profile:         snap.Profile.Name,
		BudgetMB:        snap.Profile.BudgetMB,
		MarginMB:        snap.Profile.MarginMB,
		ResidentMB:      snap.ResidentMB,
		HostMB:          snap.HostMB,
		Outstanding:     snap.Outstanding,
		EvictionsTotal:  m.evictionsTotal,
		PromotionsTotal: m.promotionsTotal,
		LoadsTotal:      m.loadsTotal,
		LastError:       m.lastErr,
		UptimeSeconds:   int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix:  time.Now().Unix(),
	}
	m.mu.RUnlock()
	resp.Modules = make([]types.ModuleStatus, 0, len(snap.Modules))
	for _, ms := range snap.Modules {
		resp.Modules = append(resp.Modules, types.ModuleStatus{
			Model:     ms.Model,
			Submodule: string(ms.Kind),
			Location:  string(ms.Location),
			Precision: string(ms.Precision),
			SizeMB:    ms.SizeMB,
			LastUsed:  ms.LastUsed.Unix(),
			Borrows:   ms.Borrows,
			Pinned:    ms.Pinned,
		})
	}
	return resp
}
