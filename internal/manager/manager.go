package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"servingd/internal/config"
	"servingd/internal/extension"
	"servingd/internal/sequence"
)

// ReloadListener is run after every configuration apply, once models and
// libraries are in place (e.g. to rebuild pipelines).
type ReloadListener interface {
	OnConfigReloaded(ctx context.Context, cfg config.Config) error
}

// Manager keeps the served models in sync with the configuration and the
// model repositories.
type Manager struct {
	cfg ManagerConfig
	env *env

	mu      sync.RWMutex
	models  map[string]*Model
	applied map[string]bool
	current config.Config

	// load serializes configuration applies.
	load       sync.Mutex
	configPath string
	marker     time.Time
	ready      atomic.Bool

	listenersMu sync.Mutex
	listeners   []ReloadListener

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}

	resMu     sync.Mutex
	resources map[Resource]struct{}
}

// New returns a Manager with package defaults and the given backend.
func New(backend Backend) *Manager {
	return NewWithConfig(ManagerConfig{Backend: backend})
}

// Ready reports whether the first configuration apply has finished.
func (m *Manager) Ready() bool { return m.ready.Load() }

// Extensions returns the custom node library registry.
func (m *Manager) Extensions() *extension.Registry { return m.cfg.Extensions }

// Sequences returns the process-wide sequence viewer.
func (m *Manager) Sequences() *sequence.Viewer { return m.cfg.Sequences }

// CurrentConfig returns the last applied configuration.
func (m *Manager) CurrentConfig() config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AddReloadListener registers l to run after every configuration apply.
func (m *Manager) AddReloadListener(l ReloadListener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

func (m *Manager) getOrCreateModel(name string) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	mdl, ok := m.models[name]
	if !ok {
		mdl = newModel(name, m.env)
		m.models[name] = mdl
	}
	return mdl
}

// Model returns the model registered under name.
func (m *Manager) Model(name string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mdl, ok := m.models[name]
	if !ok {
		return nil, ErrModelNotFound(name)
	}
	return mdl, nil
}

// HasModel reports whether name is registered.
func (m *Manager) HasModel(name string) bool {
	_, err := m.Model(name)
	return err == nil
}

// Models returns all registered models sorted by name.
func (m *Manager) Models() []*Model {
	m.mu.RLock()
	out := make([]*Model, 0, len(m.models))
	for _, mdl := range m.models {
		out = append(out, mdl)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Instance returns version of model name; version 0 selects the default.
func (m *Manager) Instance(name string, version int64) (*ModelInstance, error) {
	mdl, err := m.Model(name)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return mdl.DefaultInstance()
	}
	return mdl.InstanceByVersion(version)
}

// Subscribe registers s for topology changes of model name.
func (m *Manager) Subscribe(name string, s Subscriber) error {
	mdl, err := m.Model(name)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	mdl.Subscribe(s)
	return nil
}

// Unsubscribe removes s from model name; unknown models are ignored.
func (m *Manager) Unsubscribe(name string, s Subscriber) {
	if mdl, err := m.Model(name); err == nil {
		mdl.Unsubscribe(s)
	}
}
