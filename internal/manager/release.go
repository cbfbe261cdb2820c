package manager

// Release returns a borrowed handle. Releasing the same handle twice returns
// an error and leaves accounting untouched.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if h.released.Swap(true) {
		return releasedError{module: h.Model + "/" + string(h.Kind)}
	}
	m.mu.Lock()
	h.mod.borrows--
	m.outstanding--
	m.mu.Unlock()
	m.publish(Event{Name: EventRelease, ModelID: h.Model, Fields: map[string]any{"submodule": string(h.Kind)}})
	return nil
}
