package manager

import (
	"context"
	"fmt"
	"os"

	"servingd/pkg/types"
)

// IdentityBackend serves any version directory that exists. Infer echoes the
// inputs and adds "model_version"; stateful requests also count steps in the
// sequence state and report "sequence_step". Used for smoke tests and for
// pipelines that only route data.
type IdentityBackend struct{}

func (IdentityBackend) Load(ctx context.Context, cfg VersionConfig) (Session, error) {
	fi, err := os.Stat(cfg.VersionPath())
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.VersionPath())
	}
	return identitySession{version: cfg.Version}, nil
}

type identitySession struct{ version int64 }

func (s identitySession) Infer(ctx context.Context, inputs, state types.TensorMap) (types.TensorMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := inputs.Clone()
	if out == nil {
		out = types.TensorMap{}
	}
	out["model_version"] = s.version
	if state != nil {
		step, _ := state["step"].(int64)
		step++
		state["step"] = step
		out["sequence_step"] = step
	}
	return out, nil
}

func (identitySession) Close() error { return nil }
