//go:build !llama

package manager

import "context"

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = false

// llamaBackend refuses to load without the 'llama' build tag, keeping default
// builds CGO-free.
type llamaBackend struct {
	ctxSize int
	threads int
}

func NewLlamaBackend(ctxSize, threads int) Backend {
	return &llamaBackend{ctxSize: ctxSize, threads: threads}
}

func (b *llamaBackend) Load(ctx context.Context, cfg VersionConfig) (Session, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
