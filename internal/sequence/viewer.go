package sequence

import (
	"fmt"
	"sync"
)

// Viewer tracks the sequence managers of all stateful model versions so a
// single background task can evict idle sequences process-wide.
type Viewer struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewViewer() *Viewer {
	return &Viewer{managers: make(map[string]*Manager)}
}

func viewerKey(model string, version int64) string {
	return fmt.Sprintf("%s:%d", model, version)
}

// Register adds m, replacing any manager of the same model version.
func (v *Viewer) Register(m *Manager) {
	v.mu.Lock()
	v.managers[viewerKey(m.model, m.version)] = m
	v.mu.Unlock()
}

// Unregister removes m if it is still the registered manager of its version.
func (v *Viewer) Unregister(m *Manager) {
	k := viewerKey(m.model, m.version)
	v.mu.Lock()
	if v.managers[k] == m {
		delete(v.managers, k)
	}
	v.mu.Unlock()
}

// RemoveIdleSequences runs idle eviction on every registered manager and
// returns the total number of sequences removed.
func (v *Viewer) RemoveIdleSequences() int {
	v.mu.RLock()
	ms := make([]*Manager, 0, len(v.managers))
	for _, m := range v.managers {
		ms = append(ms, m)
	}
	v.mu.RUnlock()
	total := 0
	for _, m := range ms {
		total += m.RemoveIdle()
	}
	return total
}

// Len returns the number of registered managers.
func (v *Viewer) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.managers)
}
