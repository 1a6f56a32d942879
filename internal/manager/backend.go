package manager

import (
	"context"

	"servingd/pkg/types"
)

// Backend abstracts the native runtime that loads model versions.
// Concrete implementations (e.g., llama.cpp) should satisfy this interface.
type Backend interface {
	// Load prepares a session for the version stored under cfg.VersionPath().
	Load(ctx context.Context, cfg VersionConfig) (Session, error)
}

// Session is one loaded model version.
type Session interface {
	// Infer runs the model on inputs. state is the sequence state of a
	// stateful model (nil otherwise); implementations may update it in place.
	// Implementations must return when the context is canceled.
	Infer(ctx context.Context, inputs types.TensorMap, state types.TensorMap) (types.TensorMap, error)
	// Close releases any resources associated with the session.
	Close() error
}

// LlamaBuilt reports whether the binary was built with the 'llama' tag.
func LlamaBuilt() bool { return llamaBuilt }
