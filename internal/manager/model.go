package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"servingd/internal/sequence"
)

// env carries the collaborators shared by a model and its versions.
type env struct {
	backend Backend
	log     zerolog.Logger
	pub     EventPublisher
	viewer  *sequence.Viewer
}

// Subscriber is notified after a batch of version changes of a model.
type Subscriber interface {
	OnTopologyChanged(model string)
}

// Model aggregates the versions of one served model.
type Model struct {
	name string
	env  *env

	// apply serializes reconciliations of this model.
	apply sync.Mutex

	mu       sync.RWMutex
	versions map[int64]*ModelInstance

	defaultVersion atomic.Int64

	subMu       sync.Mutex
	subscribers map[Subscriber]struct{}
}

func newModel(name string, e *env) *Model {
	return &Model{
		name:        name,
		env:         e,
		versions:    make(map[int64]*ModelInstance),
		subscribers: make(map[Subscriber]struct{}),
	}
}

func (m *Model) Name() string { return m.name }

// DefaultVersion returns the highest AVAILABLE version, or 0 when none is.
func (m *Model) DefaultVersion() int64 { return m.defaultVersion.Load() }

// InstanceByVersion returns the instance of version v.
func (m *Model) InstanceByVersion(v int64) (*ModelInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.versions[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrVersionNotFound, m.name, v)
	}
	return inst, nil
}

// DefaultInstance returns the instance of the default version.
func (m *Model) DefaultInstance() (*ModelInstance, error) {
	v := m.DefaultVersion()
	if v == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDefaultVersion, m.name)
	}
	return m.InstanceByVersion(v)
}

// Versions returns the registered version numbers in ascending order.
func (m *Model) Versions() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.versions))
	for v := range m.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VersionStatuses returns the status of every registered version in
// ascending version order.
func (m *Model) VersionStatuses() []VersionStatus {
	m.mu.RLock()
	insts := make([]*ModelInstance, 0, len(m.versions))
	for _, inst := range m.versions {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()
	out := make([]VersionStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// statusOf is the StatusLookup used by the version diff.
func (m *Model) statusOf(v int64) (VersionStatus, bool) {
	m.mu.RLock()
	inst, ok := m.versions[v]
	m.mu.RUnlock()
	if !ok {
		return VersionStatus{}, false
	}
	return inst.Status(), true
}

// Changes computes the version changes needed to serve desired.
func (m *Model) Changes(desired []int64) (VersionChanges, error) {
	return DiffVersions(m.Versions(), m.statusOf, desired)
}

// updateDefaultVersion recomputes the default version as the highest
// AVAILABLE version other than ignored (0 ignores nothing).
func (m *Model) updateDefaultVersion(ignored int64) {
	var best int64
	m.mu.RLock()
	for v, inst := range m.versions {
		if v == ignored || v <= best {
			continue
		}
		if inst.Status().State == StateAvailable {
			best = v
		}
	}
	m.mu.RUnlock()
	prev := m.defaultVersion.Swap(best)
	defaultVersionGauge.WithLabelValues(m.name).Set(float64(best))
	if prev != best {
		m.env.log.Info().Str("model", m.name).Int64("from", prev).Int64("to", best).Msg("manager event=default_version_changed")
		m.env.pub.Publish(Event{Name: EventDefaultChanged, Model: m.name, Version: best, Time: time.Now(),
			Fields: map[string]any{"previous": prev}})
	}
}

// cleanupTmpFiles removes the local copy of a remote version.
func (m *Model) cleanupTmpFiles(cfg VersionConfig) {
	if !cfg.Remote || cfg.LocalPath == "" {
		return
	}
	if err := os.RemoveAll(cfg.VersionPath()); err != nil {
		m.env.log.Error().Err(err).Str("model", m.name).Str("path", cfg.VersionPath()).Msg("manager event=tmp_cleanup_failed")
		return
	}
	m.env.log.Debug().Str("model", m.name).Str("path", cfg.VersionPath()).Msg("manager event=tmp_cleanup")
}

// AddVersions registers and loads versions in ascending order. Every version
// is attempted; failed versions stay registered in END. The returned error is
// the last failure.
func (m *Model) AddVersions(ctx context.Context, versions []int64, tmpl VersionConfig) error {
	err := m.addVersions(ctx, versions, tmpl)
	m.notifySubscribers()
	return err
}

func (m *Model) addVersions(ctx context.Context, versions []int64, tmpl VersionConfig) error {
	var last error
	for _, v := range sortedCopy(versions) {
		cfg := tmpl
		cfg.Version = v
		inst := newModelInstance(m.name, v, m.env)
		m.mu.Lock()
		if _, exists := m.versions[v]; exists {
			m.mu.Unlock()
			last = fmt.Errorf("add %s version %d: already registered", m.name, v)
			m.env.log.Error().Str("model", m.name).Int64("version", v).Msg("manager event=add_duplicate")
			continue
		}
		m.versions[v] = inst
		m.mu.Unlock()

		if err := inst.Load(ctx, cfg); err != nil {
			last = err
			m.cleanupTmpFiles(cfg)
			continue
		}
		m.updateDefaultVersion(0)
	}
	return last
}

// ReloadVersions unloads and loads each version in place. The previous local
// copy is reused unless the version ended, is mid-load, or its base path
// changed; then tmpl.LocalPath (freshly downloaded) is used.
func (m *Model) ReloadVersions(ctx context.Context, versions []int64, tmpl VersionConfig) error {
	err := m.reloadVersions(ctx, versions, tmpl)
	m.notifySubscribers()
	return err
}

func (m *Model) reloadVersions(ctx context.Context, versions []int64, tmpl VersionConfig) error {
	var last error
	for _, v := range sortedCopy(versions) {
		inst, err := m.InstanceByVersion(v)
		if err != nil {
			m.env.log.Error().Str("model", m.name).Int64("version", v).Msg("manager event=reload_missing")
			last = err
			continue
		}
		cfg := tmpl
		cfg.Version = v
		prev := inst.Config()
		if !inst.Status().WillEndUnloaded() && prev.BasePath == tmpl.BasePath && prev.LocalPath != "" {
			cfg.LocalPath = prev.LocalPath
		}
		m.updateDefaultVersion(v)
		if err := inst.Reload(ctx, cfg); err != nil {
			last = err
			m.cleanupTmpFiles(cfg)
		}
		m.updateDefaultVersion(0)
	}
	return last
}

// RetireVersions removes local copies, excludes each version from the
// default and drives it to END.
func (m *Model) RetireVersions(versions []int64) error {
	err := m.retireVersions(versions)
	m.notifySubscribers()
	return err
}

func (m *Model) retireVersions(versions []int64) error {
	var last error
	for _, v := range sortedCopy(versions) {
		inst, err := m.InstanceByVersion(v)
		if err != nil {
			m.env.log.Error().Str("model", m.name).Int64("version", v).Msg("manager event=retire_missing")
			last = err
			continue
		}
		m.cleanupTmpFiles(inst.Config())
		m.updateDefaultVersion(v)
		inst.Retire()
	}
	return last
}

// RetireAll retires every version that has not ended yet.
func (m *Model) RetireAll() {
	var live []int64
	for _, st := range m.VersionStatuses() {
		if st.State != StateEnd {
			live = append(live, st.Version)
		}
	}
	_ = m.retireVersions(live)
	m.notifySubscribers()
}

// Apply runs start, reload and retire in that order. A failing stage does not
// stop later stages. Subscribers are notified once.
func (m *Model) Apply(ctx context.Context, ch VersionChanges, tmpl VersionConfig) error {
	var errs []error
	if len(ch.ToStart) > 0 {
		if err := m.addVersions(ctx, ch.ToStart, tmpl); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ch.ToReload) > 0 {
		if err := m.reloadVersions(ctx, ch.ToReload, tmpl); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ch.ToRetire) > 0 {
		if err := m.retireVersions(ch.ToRetire); err != nil {
			errs = append(errs, err)
		}
	}
	m.notifySubscribers()
	return errors.Join(errs...)
}

func (m *Model) Subscribe(s Subscriber) {
	m.subMu.Lock()
	m.subscribers[s] = struct{}{}
	m.subMu.Unlock()
}

func (m *Model) Unsubscribe(s Subscriber) {
	m.subMu.Lock()
	delete(m.subscribers, s)
	m.subMu.Unlock()
}

func (m *Model) IsSubscribed(s Subscriber) bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	_, ok := m.subscribers[s]
	return ok
}

func (m *Model) notifySubscribers() {
	m.subMu.Lock()
	subs := make([]Subscriber, 0, len(m.subscribers))
	for s := range m.subscribers {
		subs = append(subs, s)
	}
	m.subMu.Unlock()
	for _, s := range subs {
		s.OnTopologyChanged(m.name)
	}
}

func sortedCopy(vs []int64) []int64 {
	out := append([]int64(nil), vs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
