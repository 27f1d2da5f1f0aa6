// Package objstore downloads model artifacts referenced as
// scheme://bucket/key.
package objstore

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const SchemeS3 = "s3"

// IsRemote reports whether ref points at object storage rather than a hub
// repo or a local path.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, SchemeS3+"://")
}

// ParseRef splits s3://bucket/key.
func ParseRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid object reference %q: %w", ref, err)
	}
	if u.Scheme != SchemeS3 {
		return "", "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, ref)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("object reference %q needs both bucket and key", ref)
	}
	return u.Host, key, nil
}

// LocalPath is where ref is stored under dir: <dir>/<bucket>/<key>.
func LocalPath(dir, ref string) (string, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, bucket, filepath.FromSlash(key)), nil
}

type S3Fetcher struct {
	downloader *manager.Downloader
}

// NewS3Fetcher uses the default AWS credential chain. endpoint is for
// S3-compatible stores and switches to path-style addressing.
func NewS3Fetcher(ctx context.Context, region, endpoint string) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Fetcher{downloader: manager.NewDownloader(client)}, nil
}

// Fetch downloads ref to localPath. The file only appears at localPath once
// the download is complete.
func (f *S3Fetcher) Fetch(ctx context.Context, ref, localPath string) error {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}

	tmp := localPath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := f.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to download %s: %w", ref, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return err
	}
	log.Printf("[objstore] downloaded %s to %s (%d bytes)", ref, localPath, n)
	return nil
}
