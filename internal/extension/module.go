// Package extension loads custom node libraries: shared objects that expose
// the six entry points a custom pipeline node calls.
package extension

import (
	"context"

	"servingd/pkg/types"
)

// Resources is the opaque per-node state a library returns from Initialize.
type Resources = any

// TensorInfo describes one input or output of a custom node.
type TensorInfo struct {
	Name      string  `json:"name"`
	Shape     []int64 `json:"shape,omitempty"`
	Precision string  `json:"precision,omitempty"`
}

// Module is the contract every custom node library fulfils.
type Module interface {
	Initialize(params map[string]string) (Resources, error)
	Deinitialize(res Resources) error
	Execute(ctx context.Context, inputs types.TensorMap, params map[string]string, res Resources) (types.TensorMap, error)
	InputsInfo(params map[string]string, res Resources) ([]TensorInfo, error)
	OutputsInfo(params map[string]string, res Resources) ([]TensorInfo, error)
	// Release returns outputs produced by Execute to the library.
	Release(outputs types.TensorMap, res Resources) error
}

// Symbol names a library must export.
const (
	SymInitialize     = "Initialize"
	SymDeinitialize   = "Deinitialize"
	SymExecute        = "Execute"
	SymGetInputsInfo  = "GetInputsInfo"
	SymGetOutputsInfo = "GetOutputsInfo"
	SymRelease        = "Release"
)

// Loader opens a library at path and resolves its entry points.
type Loader interface {
	Load(path string) (Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string) (Module, error)

func (f LoaderFunc) Load(path string) (Module, error) { return f(path) }
