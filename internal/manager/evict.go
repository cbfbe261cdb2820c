package manager

import (
	"cmp"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
)

// evictionOrder ranks candidates: the profile's eviction-order preference
// first, then least recently used, then registration order of the model and
// position of the submodule within it. The last two make ties deterministic.
func evictionOrder(prof Profile) func(a, b *module) int {
	return func(a, b *module) int {
		if c := cmp.Compare(prof.evictRank(a.key.kind), prof.evictRank(b.key.kind)); c != 0 {
			return c
		}
		if c := a.lastUsed.Compare(b.lastUsed); c != 0 {
			return c
		}
		if c := cmp.Compare(a.regIndex, b.regIndex); c != 0 {
			return c
		}
		if c := cmp.Compare(a.subIndex, b.subIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.key.String(), b.key.String())
	}
}

// victimsLocked selects modules to demote until free reaches needMB. It
// reports the total evictable size and whether the need can be met; nothing
// is mutated.
func (m *Manager) victimsLocked(prof Profile, free, needMB int, exclude map[moduleKey]bool) ([]*module, int, bool) {
	if needMB <= free {
		return nil, 0, true
	}
	q := pq.NewWith(evictionOrder(prof))
	evictable := 0
	for _, mod := range m.modules {
		if mod.loc != LocationAccelerator || mod.borrows > 0 || mod.draining || exclude[mod.key] {
			continue
		}
		if !prof.IsSwappable(mod.key.kind) {
			continue
		}
		q.Enqueue(mod)
		evictable += mod.sizeMB
	}
	var victims []*module
	for free < needMB {
		mod, ok := q.Dequeue()
		if !ok {
			return nil, evictable, false
		}
		victims = append(victims, mod)
		free += mod.sizeMB
	}
	return victims, evictable, true
}
