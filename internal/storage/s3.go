package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog"
)

const schemeS3 = "s3"

// S3 serves model repositories stored as s3://bucket/prefix/<version>/...
type S3 struct {
	client      s3iface.S3API
	downloadDir string
	log         zerolog.Logger
}

func NewS3(client s3iface.S3API, downloadDir string, log zerolog.Logger) *S3 {
	return &S3{client: client, downloadDir: downloadDir, log: log}
}

func (s *S3) IsRemote() bool { return true }

func (s *S3) ListAvailableVersions(ctx context.Context, basePath string) ([]int64, error) {
	bucket, prefix, err := splitURL(basePath, schemeS3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathInaccessible, err)
	}
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(dirPrefix(prefix)),
		Delimiter: aws.String("/"),
	}
	var out []int64
	seen := 0
	err = s.client.ListObjectsV2PagesWithContext(ctx, in, func(page *s3.ListObjectsV2Output, last bool) bool {
		seen += len(page.CommonPrefixes) + len(page.Contents)
		for _, cp := range page.CommonPrefixes {
			name := path.Base(strings.TrimSuffix(aws.StringValue(cp.Prefix), "/"))
			if v, ok := parseVersion(name); ok {
				out = append(out, v)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPathInaccessible, basePath, err)
	}
	if seen == 0 {
		return nil, fmt.Errorf("%w: %s: no objects under prefix", ErrPathInaccessible, basePath)
	}
	return sortVersions(out), nil
}

// Download copies every object of the requested versions into the local
// download directory. Existing local copies of those versions are replaced.
func (s *S3) Download(ctx context.Context, basePath string, versions []int64) (string, error) {
	bucket, prefix, err := splitURL(basePath, schemeS3)
	if err != nil {
		return "", err
	}
	root := localRoot(s.downloadDir, schemeS3, bucket, prefix)
	for _, v := range versions {
		vs := strconv.FormatInt(v, 10)
		if err := os.RemoveAll(filepath.Join(root, vs)); err != nil {
			return "", err
		}
		vprefix := dirPrefix(prefix) + vs + "/"
		var keys []string
		err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(vprefix),
		}, func(page *s3.ListObjectsV2Output, last bool) bool {
			for _, o := range page.Contents {
				keys = append(keys, aws.StringValue(o.Key))
			}
			return true
		})
		if err != nil {
			return "", fmt.Errorf("list %s version %d: %w", basePath, v, err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, "/") {
				continue
			}
			obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return "", fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
			}
			rel := strings.TrimPrefix(key, dirPrefix(prefix))
			err = writeObject(root, rel, obj.Body)
			obj.Body.Close()
			if err != nil {
				return "", fmt.Errorf("write %s: %w", rel, err)
			}
		}
		s.log.Info().Str("path", basePath).Int64("version", v).Int("objects", len(keys)).Msg("storage event=downloaded")
	}
	return root, nil
}
