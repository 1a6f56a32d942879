package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

const schemeGCS = "gs"

// GCS serves model repositories stored as gs://bucket/prefix/<version>/...
type GCS struct {
	client      *storage.Client
	downloadDir string
	log         zerolog.Logger
}

func NewGCS(client *storage.Client, downloadDir string, log zerolog.Logger) *GCS {
	return &GCS{client: client, downloadDir: downloadDir, log: log}
}

func (g *GCS) IsRemote() bool { return true }

func (g *GCS) ListAvailableVersions(ctx context.Context, basePath string) ([]int64, error) {
	bucket, prefix, err := splitURL(basePath, schemeGCS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathInaccessible, err)
	}
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: dirPrefix(prefix), Delimiter: "/"})
	var out []int64
	seen := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPathInaccessible, basePath, err)
		}
		seen++
		if attrs.Prefix == "" {
			continue
		}
		if v, ok := parseVersion(path.Base(strings.TrimSuffix(attrs.Prefix, "/"))); ok {
			out = append(out, v)
		}
	}
	if seen == 0 {
		return nil, fmt.Errorf("%w: %s: no objects under prefix", ErrPathInaccessible, basePath)
	}
	return sortVersions(out), nil
}

func (g *GCS) Download(ctx context.Context, basePath string, versions []int64) (string, error) {
	bucket, prefix, err := splitURL(basePath, schemeGCS)
	if err != nil {
		return "", err
	}
	root := localRoot(g.downloadDir, schemeGCS, bucket, prefix)
	bkt := g.client.Bucket(bucket)
	for _, v := range versions {
		vs := strconv.FormatInt(v, 10)
		if err := os.RemoveAll(filepath.Join(root, vs)); err != nil {
			return "", err
		}
		it := bkt.Objects(ctx, &storage.Query{Prefix: dirPrefix(prefix) + vs + "/"})
		n := 0
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return "", fmt.Errorf("list %s version %d: %w", basePath, v, err)
			}
			if strings.HasSuffix(attrs.Name, "/") {
				continue
			}
			r, err := bkt.Object(attrs.Name).NewReader(ctx)
			if err != nil {
				return "", fmt.Errorf("read gs://%s/%s: %w", bucket, attrs.Name, err)
			}
			err = writeObject(root, strings.TrimPrefix(attrs.Name, dirPrefix(prefix)), r)
			r.Close()
			if err != nil {
				return "", fmt.Errorf("write %s: %w", attrs.Name, err)
			}
			n++
		}
		g.log.Info().Str("path", basePath).Int64("version", v).Int("objects", n).Msg("storage event=downloaded")
	}
	return root, nil
}
