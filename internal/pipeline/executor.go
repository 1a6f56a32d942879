package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"servingd/internal/extension"
	"servingd/internal/manager"
	"servingd/internal/sequence"
	"servingd/pkg/types"
)

// Executor runs one node on the inputs collected for a session.
type Executor interface {
	Execute(ctx context.Context, meta SessionMetadata, inputs types.TensorMap) (types.TensorMap, error)
}

// outputReleaser is implemented by executors whose outputs must be handed
// back once the session no longer needs them.
type outputReleaser interface {
	ReleaseOutputs(outputs types.TensorMap) error
	Library() string
}

// ModelSource resolves model versions for model nodes.
type ModelSource interface {
	Instance(name string, version int64) (*manager.ModelInstance, error)
}

// modelExecutor runs the pinned or default version of a model.
type modelExecutor struct {
	models  ModelSource
	model   string
	version int64
}

func (e *modelExecutor) Execute(ctx context.Context, meta SessionMetadata, inputs types.TensorMap) (types.TensorMap, error) {
	inst, err := e.models.Instance(e.model, e.version)
	if err != nil {
		return nil, err
	}
	// Ids assigned inside a pipeline never reach the caller.
	if meta.SequenceControl == sequence.Start && meta.SequenceID == 0 && inst.Sequences() != nil {
		return nil, fmt.Errorf("model %s: %w: pipeline sequences must be started with a client assigned id",
			e.model, sequence.ErrSequenceIDMissing)
	}
	out, _, err := inst.Infer(ctx, inputs, sequence.Request{ID: meta.SequenceID, Control: meta.SequenceControl})
	return out, err
}

// nodeResources is the state a custom node library created for one node.
// The pipeline owns it while the pipeline definition is live; every
// execution holds it temporarily. It is deinitialized by the manager's
// resource cleanup once neither holds it.
type nodeResources struct {
	node   string
	lib    *extension.Library
	params map[string]string
	state  extension.Resources

	owned    atomic.Bool
	inFlight atomic.Int64

	once    sync.Once
	release error
}

func newNodeResources(node string, lib *extension.Library, params map[string]string, state extension.Resources) *nodeResources {
	r := &nodeResources{node: node, lib: lib, params: params, state: state}
	r.owned.Store(true)
	return r
}

func (r *nodeResources) InUse() bool { return r.owned.Load() || r.inFlight.Load() > 0 }

func (r *nodeResources) Release() error {
	r.once.Do(func() { r.release = r.lib.Module.Deinitialize(r.state) })
	return r.release
}

func (r *nodeResources) disown() { r.owned.Store(false) }

// customExecutor runs a custom node library.
type customExecutor struct {
	res    *nodeResources
	params map[string]string
}

func (e *customExecutor) Execute(ctx context.Context, meta SessionMetadata, inputs types.TensorMap) (types.TensorMap, error) {
	e.res.inFlight.Add(1)
	defer e.res.inFlight.Add(-1)
	out, err := e.res.lib.Module.Execute(ctx, inputs, e.params, e.res.state)
	if err != nil {
		return nil, fmt.Errorf("library %s: %w", e.res.lib.Name, err)
	}
	if out == nil {
		out = types.TensorMap{}
	}
	// Keep the resources alive until the outputs are released.
	e.res.inFlight.Add(1)
	return out, nil
}

func (e *customExecutor) Library() string { return e.res.lib.Name }

func (e *customExecutor) ReleaseOutputs(outputs types.TensorMap) error {
	defer e.res.inFlight.Add(-1)
	return e.res.lib.Module.Release(outputs, e.res.state)
}
