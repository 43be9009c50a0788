package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// S3 stores blobs in an S3-compatible bucket under an optional key prefix.
type S3 struct {
	client *minio.Client
	root   string
	bucket string
	prefix string
}

// NewS3 builds a minio client for the configured endpoint. Static keys are
// used when present; otherwise credentials come from the AWS environment.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	bucket, prefix, err := splitObjectRoot(cfg.Root)
	if err != nil {
		return nil, err
	}
	endpoint, secure := s3Endpoint(cfg)
	var creds *credentials.Credentials
	if strings.TrimSpace(cfg.AccessKeyID) != "" && strings.TrimSpace(cfg.SecretAccessKey) != "" {
		creds = credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKeyID), strings.TrimSpace(cfg.SecretAccessKey), "")
	} else {
		creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", endpoint, err)
	}
	return &S3{
		client: client,
		root:   strings.TrimRight(strings.TrimSpace(cfg.Root), "/"),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// s3Endpoint strips any scheme from the configured endpoint; an explicit
// http:// scheme disables TLS unless useSSL says otherwise.
func s3Endpoint(cfg Config) (string, bool) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	secure := true
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
			secure = parsed.Scheme != "http"
			endpoint = parsed.Host
		}
	}
	if cfg.UseSSL != nil {
		secure = *cfg.UseSSL
	}
	return endpoint, secure
}

func (s *S3) Kind() Kind { return KindS3 }

func (s *S3) AbsolutePath(rel string) string {
	return joinRoot(s.root, rel)
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey(s.prefix, p), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, ioError("stat", p, err)
}

func (s *S3) ReadAll(ctx context.Context, p string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectKey(s.prefix, p), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.readError(p, err)
	}
	defer func() {
		_ = object.Close()
	}()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, s.readError(p, err)
	}
	return data, nil
}

func (s *S3) readError(p string, err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return ioError("read", p, err)
}

// WriteAll uploads data in a single PUT. Object stores have no directories
// so there is nothing to create first.
func (s *S3) WriteAll(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(s.prefix, p), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return ioError("write", p, err)
}

func (s *S3) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix := listPrefix(s.prefix, dir)
	var out []Entry
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, ioError("list", dir, object.Err)
		}
		if object.Key == prefix {
			continue
		}
		out = append(out, Entry{
			Path:   relativeKey(s.prefix, object.Key),
			IsFile: !strings.HasSuffix(object.Key, "/"),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	return out, nil
}

func (s *S3) Close() error { return nil }

func isS3NotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket"
}
