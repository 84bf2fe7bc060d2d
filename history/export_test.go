package history

// TrackedScopes reports how many scopes hold in-memory state.
func (m *Manager) TrackedScopes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes)
}
