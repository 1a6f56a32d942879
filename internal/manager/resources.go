package manager

// Resource is a shared runtime resource (for example the state a custom node
// library created for a pipeline node) whose release is deferred until
// nothing uses it anymore.
type Resource interface {
	InUse() bool
	Release() error
}

// TrackResource hands r to the manager; CleanupResources releases it once it
// is no longer in use.
func (m *Manager) TrackResource(r Resource) {
	m.resMu.Lock()
	m.resources[r] = struct{}{}
	m.resMu.Unlock()
}

// CleanupResources releases tracked resources that are no longer in use and
// returns how many were released.
func (m *Manager) CleanupResources() int {
	m.resMu.Lock()
	var idle []Resource
	for r := range m.resources {
		if !r.InUse() {
			idle = append(idle, r)
			delete(m.resources, r)
		}
	}
	m.resMu.Unlock()

	for _, r := range idle {
		if err := r.Release(); err != nil {
			m.env.log.Error().Err(err).Msg("manager event=resource_release_failed")
		}
	}
	if len(idle) > 0 {
		resourcesReleased.Add(float64(len(idle)))
		m.env.log.Debug().Int("released", len(idle)).Msg("manager event=resources_cleaned")
	}
	return len(idle)
}

// TrackedResources returns the number of resources not yet released.
func (m *Manager) TrackedResources() int {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	return len(m.resources)
}
