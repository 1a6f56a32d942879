package storage

import (
	"fmt"
	"strings"
)

// Resolver picks the Storage implementation for a base path by URL scheme.
// Paths without a scheme are local.
type Resolver struct {
	Local *Local
	S3    *S3
	GCS   *GCS
}

func (r *Resolver) For(basePath string) (Storage, error) {
	scheme, _, ok := strings.Cut(basePath, "://")
	if !ok {
		if r.Local == nil {
			return nil, fmt.Errorf("local storage not configured")
		}
		return r.Local, nil
	}
	switch scheme {
	case schemeS3:
		if r.S3 == nil {
			return nil, fmt.Errorf("s3 storage not configured for %s", basePath)
		}
		return r.S3, nil
	case schemeGCS:
		if r.GCS == nil {
			return nil, fmt.Errorf("gcs storage not configured for %s", basePath)
		}
		return r.GCS, nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}
}
