package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"servingd/internal/config"
	"servingd/pkg/types"
)

// Factory owns the pipelines built from the current configuration. It is
// registered as a reload listener with the model manager.
type Factory struct {
	deps Deps

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	failed    map[string]string
}

func NewFactory(deps Deps) *Factory {
	return &Factory{
		deps:      deps,
		pipelines: make(map[string]*Pipeline),
		failed:    make(map[string]string),
	}
}

// OnConfigReloaded rebuilds every configured pipeline. A definition that no
// longer builds replaces the previous pipeline with nothing; pipelines that
// left the configuration are closed.
func (f *Factory) OnConfigReloaded(ctx context.Context, cfg config.Config) error {
	built := make(map[string]*Pipeline, len(cfg.Pipelines))
	failed := make(map[string]string)
	var errs []error
	for _, def := range cfg.Pipelines {
		p, err := Build(def, f.deps)
		if err != nil {
			f.deps.Logger.Error().Err(err).Str("pipeline", def.Name).Msg("pipeline event=build_failed")
			failed[def.Name] = err.Error()
			errs = append(errs, err)
			continue
		}
		built[def.Name] = p
		f.deps.Logger.Info().Str("pipeline", def.Name).Strs("nodes", p.Nodes()).Bool("available", p.Available()).
			Msg("pipeline event=built")
	}

	f.mu.Lock()
	old := f.pipelines
	f.pipelines, f.failed = built, failed
	f.mu.Unlock()
	for name, p := range old {
		p.close()
		if _, ok := built[name]; !ok {
			f.deps.Logger.Info().Str("pipeline", name).Msg("pipeline event=removed")
		}
	}
	return errors.Join(errs...)
}

// Get returns the pipeline called name.
func (f *Factory) Get(name string) (*Pipeline, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.pipelines[name]
	if !ok {
		if msg, bad := f.failed[name]; bad {
			return nil, fmt.Errorf("%w: %s: %s", ErrPipelineUnavailable, name, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return p, nil
}

// Names returns the names of the built pipelines in ascending order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.pipelines))
	for name := range f.pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Statuses reports built and failed pipelines sorted by name.
func (f *Factory) Statuses() []types.PipelineStatus {
	f.mu.RLock()
	out := make([]types.PipelineStatus, 0, len(f.pipelines)+len(f.failed))
	for _, p := range f.pipelines {
		out = append(out, p.Status())
	}
	for name, msg := range f.failed {
		out = append(out, types.PipelineStatus{Name: name, Error: msg})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the pipeline called name.
func (f *Factory) Execute(ctx context.Context, name string, meta SessionMetadata, inputs types.TensorMap) (types.TensorMap, error) {
	p, err := f.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, meta, inputs)
}

// EvictIdleSessions drops node sessions idle longer than maxIdle in every
// pipeline and returns the number dropped.
func (f *Factory) EvictIdleSessions(maxIdle time.Duration) int {
	f.mu.RLock()
	ps := make([]*Pipeline, 0, len(f.pipelines))
	for _, p := range f.pipelines {
		ps = append(ps, p)
	}
	f.mu.RUnlock()
	total := 0
	for _, p := range ps {
		total += p.EvictIdleSessions(maxIdle)
	}
	if total > 0 {
		sessionsEvicted.Add(float64(total))
		f.deps.Logger.Debug().Int("evicted", total).Msg("pipeline event=sessions_evicted")
	}
	return total
}
