package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"servingd/internal/sequence"
	"servingd/pkg/types"
)

// ModelInstance is one version of a model. Lifecycle transitions (load,
// reload, retire) are serialized; readers observe status and acquire the
// current handle without waiting for a transition to finish.
type ModelInstance struct {
	name    string
	version int64
	env     *env

	lifecycle sync.Mutex

	mu        sync.RWMutex
	status    VersionStatus
	cfg       VersionConfig
	handle    *Handle
	sequences *sequence.Manager
}

func newModelInstance(name string, version int64, e *env) *ModelInstance {
	return &ModelInstance{
		name:    name,
		version: version,
		env:     e,
		status:  VersionStatus{Version: version, State: StateStart, Updated: time.Now()},
	}
}

func (i *ModelInstance) Name() string   { return i.name }
func (i *ModelInstance) Version() int64 { return i.version }

// Status returns a copy of the current status.
func (i *ModelInstance) Status() VersionStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Config returns the configuration the version was last loaded with.
func (i *ModelInstance) Config() VersionConfig {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg
}

// Sequences returns the sequence manager of a stateful version, or nil.
func (i *ModelInstance) Sequences() *sequence.Manager {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sequences
}

func (i *ModelInstance) logger() *zerolog.Logger {
	l := i.env.log.With().Str("model", i.name).Int64("version", i.version).Logger()
	return &l
}

func (i *ModelInstance) setState(s State, err error) {
	i.mu.Lock()
	i.status.State = s
	i.status.Updated = time.Now()
	if err != nil {
		i.status.Err = err.Error()
	} else if s != StateEnd {
		i.status.Err = ""
	}
	i.mu.Unlock()
	versionTransitions.WithLabelValues(i.name, string(s)).Inc()
}

func (i *ModelInstance) publish(name string, fields map[string]any) {
	i.env.pub.Publish(Event{Name: name, Model: i.name, Version: i.version, Time: time.Now(), Fields: fields})
}

// Load loads the version with cfg. On failure the version ends in END with
// the error recorded.
func (i *ModelInstance) Load(ctx context.Context, cfg VersionConfig) error {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()
	return i.load(ctx, cfg, EventVersionLoaded)
}

func (i *ModelInstance) load(ctx context.Context, cfg VersionConfig, okEvent string) error {
	log := i.logger()
	cfg.Name, cfg.Version = i.name, i.version
	i.mu.Lock()
	i.cfg = cfg
	i.mu.Unlock()
	i.setState(StateLoading, nil)
	i.publish(EventVersionLoading, map[string]any{"path": cfg.VersionPath()})
	log.Info().Str("path", cfg.VersionPath()).Msg("manager event=load_start")

	sess, err := i.env.backend.Load(ctx, cfg)
	if err != nil {
		i.setState(StateEnd, err)
		i.publish(EventVersionFailed, map[string]any{"error": err.Error()})
		log.Error().Err(err).Msg("manager event=load_failed")
		return fmt.Errorf("load %s version %d: %w", i.name, i.version, err)
	}

	var seqs *sequence.Manager
	if cfg.Stateful {
		seqs = sequence.NewManager(i.name, i.version, sequence.Config{
			Timeout:      cfg.SequenceTimeout,
			MaxSequences: cfg.MaxSequences,
			Logger:       i.env.log,
		})
		if i.env.viewer != nil {
			i.env.viewer.Register(seqs)
		}
	}
	i.mu.Lock()
	i.handle = newHandle(sess)
	i.sequences = seqs
	i.mu.Unlock()
	i.setState(StateAvailable, nil)
	i.publish(okEvent, nil)
	log.Info().Msg("manager event=load_ready")
	return nil
}

// Reload unloads the current handle and loads cfg in place. Requests that
// already acquired the old handle complete on it.
func (i *ModelInstance) Reload(ctx context.Context, cfg VersionConfig) error {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()
	i.logger().Info().Msg("manager event=reload_start")
	i.unload()
	return i.load(ctx, cfg, EventVersionReloaded)
}

// Retire drives the version to END and releases its native resources.
func (i *ModelInstance) Retire() {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()
	if i.Status().State == StateEnd {
		return
	}
	i.setState(StateUnloading, nil)
	i.unload()
	i.setState(StateEnd, nil)
	i.publish(EventVersionRetired, nil)
	i.logger().Info().Msg("manager event=retired")
}

// unload detaches the handle and sequences. Called with lifecycle held.
func (i *ModelInstance) unload() {
	i.mu.Lock()
	h, seqs := i.handle, i.sequences
	i.handle, i.sequences = nil, nil
	i.mu.Unlock()
	if seqs != nil {
		seqs.Clear()
		if i.env.viewer != nil {
			i.env.viewer.Unregister(seqs)
		}
	}
	if h != nil {
		h.Release()
	}
}

// Acquire returns the current handle with a reference held for the caller,
// who must Release it.
func (i *ModelInstance) Acquire() (*Handle, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.status.State != StateAvailable || i.handle == nil {
		return nil, modelUnavailableError{name: i.name, version: i.version, state: i.status.State}
	}
	if !i.handle.retain() {
		return nil, modelUnavailableError{name: i.name, version: i.version, state: StateUnloading}
	}
	return i.handle, nil
}

// Infer runs one request on the version. For stateful versions seq selects
// the sequence and the returned id is the sequence the request ran in.
func (i *ModelInstance) Infer(ctx context.Context, inputs types.TensorMap, seq sequence.Request) (types.TensorMap, uint64, error) {
	h, err := i.Acquire()
	if err != nil {
		return nil, 0, err
	}
	defer h.Release()

	seqs := i.Sequences()
	if seqs == nil {
		out, err := h.Infer(ctx, inputs, nil)
		return out, 0, err
	}
	var out types.TensorMap
	id, err := seqs.Process(ctx, seq, func(state types.TensorMap) error {
		var ierr error
		out, ierr = h.Infer(ctx, inputs, state)
		return ierr
	})
	return out, id, err
}
