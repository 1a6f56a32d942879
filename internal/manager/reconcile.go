package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"servingd/internal/config"
	"servingd/internal/extension"
	"servingd/internal/storage"
)

var tracer = otel.Tracer("servingd.manager")

// Reconcile brings the served versions of one model in line with its
// repository and version policy: start, then reload, then retire. A failure
// to list or download versions stops the reconciliation before anything is
// applied; apply stage failures are joined and later stages still run.
func (m *Manager) Reconcile(ctx context.Context, mc config.ModelConfig) (err error) {
	ctx, span := tracer.Start(ctx, "manager.Reconcile",
		trace.WithAttributes(attribute.String("model", mc.Name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			reconcileTotal.WithLabelValues(mc.Name, "error").Inc()
		}
		span.End()
	}()

	mdl := m.getOrCreateModel(mc.Name)
	st, err := m.cfg.Storage.For(mc.BasePath)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", mc.Name, err)
	}
	return m.reconcileWith(ctx, mdl, mc, st)
}

func (m *Manager) reconcileWith(ctx context.Context, mdl *Model, mc config.ModelConfig, st storage.Storage) error {
	log := m.env.log.With().Str("model", mc.Name).Logger()
	span := trace.SpanFromContext(ctx)
	mdl.apply.Lock()
	defer mdl.apply.Unlock()

	available, err := st.ListAvailableVersions(ctx, mc.BasePath)
	if err != nil {
		log.Error().Err(err).Str("path", mc.BasePath).Msg("manager event=list_versions_failed")
		return fmt.Errorf("reconcile %s: %w", mc.Name, err)
	}
	policy, err := PolicyFromConfig(mc.VersionPolicy)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", mc.Name, err)
	}
	desired := policy.Filter(available)

	changes, raceErr := mdl.Changes(desired)
	if raceErr != nil {
		log.Warn().Err(raceErr).Msg("manager event=diff_race")
	}
	tmpl := versionConfigFrom(mc, st.IsRemote())
	changes.mergeReload(m.configChanged(mdl, desired, changes, tmpl))
	span.SetAttributes(
		attribute.Int("versions.start", len(changes.ToStart)),
		attribute.Int("versions.reload", len(changes.ToReload)),
		attribute.Int("versions.retire", len(changes.ToRetire)),
	)
	if changes.Empty() {
		reconcileTotal.WithLabelValues(mc.Name, "noop").Inc()
		return nil
	}
	log.Info().Str("policy", policy.String()).Ints64("start", changes.ToStart).
		Ints64("reload", changes.ToReload).Ints64("retire", changes.ToRetire).
		Msg("manager event=reconcile")

	fetch := append(append([]int64(nil), changes.ToStart...), m.needsFetch(mdl, changes.ToReload, tmpl)...)
	if len(fetch) > 0 {
		local, err := st.Download(ctx, mc.BasePath, sortInt64(fetch))
		if err != nil {
			log.Error().Err(err).Ints64("versions", fetch).Msg("manager event=download_failed")
			return fmt.Errorf("reconcile %s: download: %w", mc.Name, err)
		}
		tmpl.LocalPath = local
	}

	if err := mdl.Apply(ctx, changes, tmpl); err != nil {
		log.Error().Err(err).Msg("manager event=apply_failed")
		return fmt.Errorf("reconcile %s: %w", mc.Name, err)
	}
	reconcileTotal.WithLabelValues(mc.Name, "ok").Inc()
	m.env.pub.Publish(Event{Name: EventReconciled, Model: mc.Name, Version: mdl.DefaultVersion(), Time: time.Now(),
		Fields: map[string]any{"started": len(changes.ToStart), "reloaded": len(changes.ToReload), "retired": len(changes.ToRetire)}})
	return nil
}

// configChanged returns AVAILABLE versions that stay desired but were loaded
// with different load settings than tmpl.
func (m *Manager) configChanged(mdl *Model, desired []int64, ch VersionChanges, tmpl VersionConfig) []int64 {
	skip := make(map[int64]bool, len(ch.ToStart)+len(ch.ToReload))
	for _, v := range ch.ToStart {
		skip[v] = true
	}
	for _, v := range ch.ToReload {
		skip[v] = true
	}
	var out []int64
	for _, v := range desired {
		if skip[v] {
			continue
		}
		inst, err := mdl.InstanceByVersion(v)
		if err != nil || inst.Status().State != StateAvailable {
			continue
		}
		if !sameLoadSettings(inst.Config(), tmpl) {
			out = append(out, v)
		}
	}
	return out
}

// needsFetch returns the reload versions that cannot reuse their previous
// local copy. Mirrors the reuse rule of Model.ReloadVersions.
func (m *Manager) needsFetch(mdl *Model, reload []int64, tmpl VersionConfig) []int64 {
	var out []int64
	for _, v := range reload {
		inst, err := mdl.InstanceByVersion(v)
		if err != nil {
			continue
		}
		prev := inst.Config()
		if inst.Status().WillEndUnloaded() || prev.BasePath != tmpl.BasePath || prev.LocalPath == "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadConfig reads, validates and applies the configuration file at path.
// The file's modification marker is recorded so the watcher only reloads on
// a later change.
func (m *Manager) LoadConfig(ctx context.Context, path string) error {
	m.load.Lock()
	defer m.load.Unlock()
	return m.loadConfigLocked(ctx, path)
}

func (m *Manager) loadConfigLocked(ctx context.Context, path string) error {
	marker, err := config.ModificationMarker(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	m.mu.Lock()
	m.configPath, m.marker = path, marker
	m.mu.Unlock()

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	m.env.log.Info().Str("path", path).Int("models", len(cfg.Models)).Int("pipelines", len(cfg.Pipelines)).
		Msg("manager event=config_loaded")
	return m.applyConfigLocked(ctx, cfg)
}

// ApplyConfig applies an already parsed configuration.
func (m *Manager) ApplyConfig(ctx context.Context, cfg config.Config) error {
	m.load.Lock()
	defer m.load.Unlock()
	return m.applyConfigLocked(ctx, cfg)
}

// applyConfigLocked loads libraries, reconciles every configured model,
// retires models that left the configuration, unloads libraries that are no
// longer configured and finally runs the reload listeners. Errors are
// collected; every step runs.
func (m *Manager) applyConfigLocked(ctx context.Context, cfg config.Config) error {
	var (
		errsMu sync.Mutex
		errs   []error
	)
	addErr := func(err error) {
		errsMu.Lock()
		errs = append(errs, err)
		errsMu.Unlock()
	}

	for _, lib := range cfg.Libraries {
		err := m.cfg.Extensions.Load(lib.Name, lib.Path)
		if err != nil && !errors.Is(err, extension.ErrAlreadyLoaded) {
			addErr(err)
		}
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.ReconcileConcurrency)
	for _, mc := range cfg.Models {
		mc := mc
		g.Go(func() error {
			if err := m.Reconcile(ctx, mc); err != nil {
				addErr(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	next := make(map[string]bool, len(cfg.Models))
	for _, mc := range cfg.Models {
		next[mc.Name] = true
	}
	m.mu.Lock()
	var removed []*Model
	for name := range m.applied {
		if !next[name] {
			if mdl, ok := m.models[name]; ok {
				removed = append(removed, mdl)
			}
		}
	}
	m.applied = next
	m.current = cfg
	m.mu.Unlock()
	for _, mdl := range removed {
		m.env.log.Info().Str("model", mdl.Name()).Msg("manager event=model_removed")
		mdl.apply.Lock()
		mdl.RetireAll()
		mdl.apply.Unlock()
	}

	if gone := m.cfg.Extensions.UnloadNotInSet(cfg.LibraryNames()); len(gone) > 0 {
		m.env.log.Info().Strs("libraries", gone).Msg("manager event=libraries_unloaded")
	}

	m.listenersMu.Lock()
	listeners := append([]ReloadListener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		if err := l.OnConfigReloaded(ctx, cfg); err != nil {
			addErr(err)
		}
	}

	m.ready.Store(true)
	return errors.Join(errs...)
}
