package lifecycle

// Refs returns the outstanding reference count of a ready handle.
func (m *Manager) Refs(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.byID[id]; ok {
		return m.entries[key].refs
	}
	return 0
}
