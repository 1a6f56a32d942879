package extension

import (
	"context"
	"fmt"
	"plugin"

	"servingd/pkg/types"
)

// PluginLoader loads libraries built with `go build -buildmode=plugin`. The
// plugin must export:
//
//	func Initialize(params map[string]string) (any, error)
//	func Deinitialize(res any) error
//	func Execute(ctx context.Context, inputs map[string]any, params map[string]string, res any) (map[string]any, error)
//	func GetInputsInfo(params map[string]string, res any) ([]extension.TensorInfo, error)
//	func GetOutputsInfo(params map[string]string, res any) ([]extension.TensorInfo, error)
//	func Release(outputs map[string]any, res any) error
type PluginLoader struct{}

func (PluginLoader) Load(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailedOpen, path, err)
	}
	var m pluginModule
	if err := lookup(p, SymInitialize, &m.initialize); err != nil {
		return nil, err
	}
	if err := lookup(p, SymDeinitialize, &m.deinitialize); err != nil {
		return nil, err
	}
	if err := lookup(p, SymExecute, &m.execute); err != nil {
		return nil, err
	}
	if err := lookup(p, SymGetInputsInfo, &m.inputsInfo); err != nil {
		return nil, err
	}
	if err := lookup(p, SymGetOutputsInfo, &m.outputsInfo); err != nil {
		return nil, err
	}
	if err := lookup(p, SymRelease, &m.release); err != nil {
		return nil, err
	}
	return &m, nil
}

func lookup[F any](p *plugin.Plugin, name string, dst *F) error {
	sym, err := p.Lookup(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLoadFailedSymbol, name)
	}
	fn, ok := sym.(F)
	if !ok {
		// Exported variables resolve to pointers.
		if ptr, ok := sym.(*F); ok && ptr != nil {
			fn = *ptr
		} else {
			return fmt.Errorf("%w: %s has type %T", ErrLoadFailedSymbol, name, sym)
		}
	}
	*dst = fn
	return nil
}

type pluginModule struct {
	initialize   func(map[string]string) (any, error)
	deinitialize func(any) error
	execute      func(context.Context, map[string]any, map[string]string, any) (map[string]any, error)
	inputsInfo   func(map[string]string, any) ([]TensorInfo, error)
	outputsInfo  func(map[string]string, any) ([]TensorInfo, error)
	release      func(map[string]any, any) error
}

func (m *pluginModule) Initialize(params map[string]string) (Resources, error) {
	return m.initialize(params)
}

func (m *pluginModule) Deinitialize(res Resources) error { return m.deinitialize(res) }

func (m *pluginModule) Execute(ctx context.Context, inputs types.TensorMap, params map[string]string, res Resources) (types.TensorMap, error) {
	out, err := m.execute(ctx, inputs, params, res)
	return types.TensorMap(out), err
}

func (m *pluginModule) InputsInfo(params map[string]string, res Resources) ([]TensorInfo, error) {
	return m.inputsInfo(params, res)
}

func (m *pluginModule) OutputsInfo(params map[string]string, res Resources) ([]TensorInfo, error) {
	return m.outputsInfo(params, res)
}

func (m *pluginModule) Release(outputs types.TensorMap, res Resources) error {
	return m.release(outputs, res)
}
