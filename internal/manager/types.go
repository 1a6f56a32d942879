package manager

import (
	"path/filepath"
	"strconv"
	"time"

	"servingd/internal/config"
)

// State is the lifecycle state of one model version.
type State string

const (
	StateStart     State = "START"
	StateLoading   State = "LOADING"
	StateAvailable State = "AVAILABLE"
	StateUnloading State = "UNLOADING"
	StateEnd       State = "END"
)

// VersionStatus is the observable status of a model version. Only the owning
// ModelInstance changes it.
type VersionStatus struct {
	Version int64
	State   State
	Err     string
	Updated time.Time
}

// WillEndUnloaded reports whether the version is (or is about to be) without
// a loaded handle: either it ended or its current load may still fail.
func (s VersionStatus) WillEndUnloaded() bool {
	return s.State == StateEnd || s.State == StateLoading
}

// VersionConfig is the configuration snapshot one version was loaded with.
type VersionConfig struct {
	Name    string
	Version int64
	// BasePath is where the model repository lives (local dir or s3://, gs:// url).
	BasePath string
	// LocalPath is the local directory holding one subdirectory per version.
	LocalPath string
	// Remote is set when LocalPath holds downloaded copies.
	Remote bool

	TargetDevice string
	Shape        string
	Layout       string
	PluginConfig map[string]string
	Nireq        int

	Stateful        bool
	SequenceTimeout time.Duration
	MaxSequences    int
}

// VersionPath is the local directory of this version.
func (c VersionConfig) VersionPath() string {
	return filepath.Join(c.LocalPath, strconv.FormatInt(c.Version, 10))
}

// sameLoadSettings reports whether a and b would load the same native model.
// Version and LocalPath are not compared.
func sameLoadSettings(a, b VersionConfig) bool {
	if a.BasePath != b.BasePath || a.TargetDevice != b.TargetDevice || a.Shape != b.Shape ||
		a.Layout != b.Layout || a.Nireq != b.Nireq || a.Stateful != b.Stateful ||
		a.SequenceTimeout != b.SequenceTimeout || a.MaxSequences != b.MaxSequences {
		return false
	}
	if len(a.PluginConfig) != len(b.PluginConfig) {
		return false
	}
	for k, v := range a.PluginConfig {
		if bv, ok := b.PluginConfig[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// versionConfigFrom builds the per-model template; Version and LocalPath are
// filled in during reconciliation.
func versionConfigFrom(mc config.ModelConfig, remote bool) VersionConfig {
	return VersionConfig{
		Name:            mc.Name,
		BasePath:        mc.BasePath,
		Remote:          remote,
		TargetDevice:    mc.TargetDevice,
		Shape:           mc.Shape,
		Layout:          mc.Layout,
		PluginConfig:    mc.PluginConfig,
		Nireq:           mc.Nireq,
		Stateful:        mc.Stateful,
		SequenceTimeout: time.Duration(mc.SequenceTimeoutSeconds) * time.Second,
		MaxSequences:    mc.MaxSequences,
	}
}
