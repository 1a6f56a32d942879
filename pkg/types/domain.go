package types

// TensorMap carries named tensors between the HTTP layer, pipeline nodes and
// model backends. Values are opaque to the runtime.
type TensorMap map[string]any

// Clone returns a shallow copy of m.
func (m TensorMap) Clone() TensorMap {
	if m == nil {
		return nil
	}
	out := make(TensorMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// VersionStatus reports one model version.
type VersionStatus struct {
	// Version number.
	// example: 2
	Version int64 `json:"version" example:"2"`
	// Lifecycle state: START, LOADING, AVAILABLE, UNLOADING or END.
	// example: AVAILABLE
	State string `json:"state" example:"AVAILABLE"`
	// Last load error, if the version ended because of one.
	Error string `json:"error,omitempty"`
	// Time of the last state change (unix seconds).
	// example: 1700000000
	UpdatedUnix int64 `json:"updated_unix" example:"1700000000"`
}

// ModelStatus reports a served model and all of its registered versions.
type ModelStatus struct {
	// Model name.
	// example: resnet
	Name string `json:"name" example:"resnet"`
	// Version served when a request does not pin one; 0 when none is available.
	// example: 2
	DefaultVersion int64 `json:"default_version" example:"2"`
	// Registered versions in ascending order.
	Versions []VersionStatus `json:"versions"`
}

// Extension describes a loaded custom node library.
type Extension struct {
	// example: argmax
	Name string `json:"name" example:"argmax"`
	// example: /opt/libs/argmax.so
	Path string `json:"path" example:"/opt/libs/argmax.so"`
	// Load time (unix seconds).
	LoadedUnix int64 `json:"loaded_unix"`
}

// PipelineStatus reports a pipeline definition.
type PipelineStatus struct {
	// example: detect
	Name string `json:"name" example:"detect"`
	// Nodes in topological order, excluding entry and exit.
	Nodes []string `json:"nodes"`
	// Whether every referenced model currently has a usable version.
	Available bool `json:"available"`
	// Build error when the definition could not be loaded.
	Error string `json:"error,omitempty"`
}

// VersionEvent is a persisted lifecycle event for a model version.
type VersionEvent struct {
	// example: version_loaded
	Name string `json:"name" example:"version_loaded"`
	// example: 1700000000
	TimeUnix int64          `json:"time_unix" example:"1700000000"`
	Fields   map[string]any `json:"fields,omitempty"`
}
