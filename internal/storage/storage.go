// Package storage lists and fetches model versions from the places a model
// repository can live: the local filesystem, S3 and GCS. A model repository
// holds one numbered subdirectory per version.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrPathInaccessible is returned when a base path cannot be listed.
var ErrPathInaccessible = errors.New("model path inaccessible")

// VersionSource lists the versions present under a model base path.
type VersionSource interface {
	ListAvailableVersions(ctx context.Context, basePath string) ([]int64, error)
}

// Downloader makes versions available on local disk and returns the local
// directory that contains one subdirectory per version.
type Downloader interface {
	Download(ctx context.Context, basePath string, versions []int64) (string, error)
}

// Storage is a version source that can also materialize versions locally.
type Storage interface {
	VersionSource
	Downloader
	// IsRemote reports whether Download copies data; local copies of remote
	// versions are removed by the caller when a version is retired.
	IsRemote() bool
}

// parseVersion returns the version encoded in a directory name.
func parseVersion(name string) (int64, bool) {
	v, err := strconv.ParseInt(name, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func sortVersions(vs []int64) []int64 {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}

// splitURL splits "scheme://bucket/prefix" into bucket and prefix.
func splitURL(basePath, scheme string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(basePath, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("not a %s url: %s", scheme, basePath)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %s", basePath)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// dirPrefix returns prefix with a trailing slash, or "" for the bucket root.
func dirPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// localRoot is where versions of a remote base path are downloaded.
func localRoot(downloadDir, scheme, bucket, prefix string) string {
	return filepath.Join(downloadDir, scheme, bucket, filepath.FromSlash(prefix))
}

// writeObject stores one object below root. key is relative to the model prefix.
func writeObject(root, key string, r io.Reader) error {
	clean := path.Clean("/" + key)
	dst := filepath.Join(root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
