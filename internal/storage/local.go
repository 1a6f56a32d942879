package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"servingd/internal/common/fsutil"
)

// Local serves model repositories from the local filesystem. Download is a
// no-op that returns the base path.
type Local struct {
	log zerolog.Logger
}

func NewLocal(log zerolog.Logger) *Local { return &Local{log: log} }

func (l *Local) ListAvailableVersions(ctx context.Context, basePath string) ([]int64, error) {
	dir, err := fsutil.ExpandHome(basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPathInaccessible, basePath, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPathInaccessible, basePath, err)
	}
	var out []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, ok := parseVersion(e.Name())
		if !ok {
			l.log.Debug().Str("path", basePath).Str("entry", e.Name()).Msg("storage event=skip_non_version_dir")
			continue
		}
		out = append(out, v)
	}
	return sortVersions(out), nil
}

func (l *Local) Download(ctx context.Context, basePath string, versions []int64) (string, error) {
	return fsutil.ExpandHome(basePath)
}

func (l *Local) IsRemote() bool { return false }
