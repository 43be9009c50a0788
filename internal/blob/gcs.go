package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores blobs in a Google Cloud Storage bucket under an optional prefix.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	root   string
	prefix string
}

// NewGCS opens a storage client. Without a configured service account key
// the client falls back to application default credentials.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	bucket, prefix, err := splitObjectRoot(cfg.Root)
	if err != nil {
		return nil, err
	}
	credsJSON, err := cfg.credentialsJSON()
	if err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if len(credsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credsJSON))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		root:   strings.TrimRight(strings.TrimSpace(cfg.Root), "/"),
		prefix: prefix,
	}, nil
}

func (g *GCS) Kind() Kind { return KindGCS }

func (g *GCS) AbsolutePath(rel string) string {
	return joinRoot(g.root, rel)
}

func (g *GCS) object(p string) *storage.ObjectHandle {
	return g.bucket.Object(objectKey(g.prefix, p))
}

func (g *GCS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := g.object(p).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, ioError("stat", p, err)
	}
}

func (g *GCS) ReadAll(ctx context.Context, p string) ([]byte, error) {
	reader, err := g.object(p).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, ioError("read", p, err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, ioError("read", p, err)
	}
	return data, nil
}

func (g *GCS) WriteAll(ctx context.Context, p string, data []byte) error {
	writer := g.object(p).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return ioError("write", p, err)
	}
	return ioError("write", p, writer.Close())
}

func (g *GCS) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix := listPrefix(g.prefix, dir)
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []Entry
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, ioError("list", dir, err)
		}
		if attrs.Prefix != "" {
			out = append(out, Entry{Path: relativeKey(g.prefix, attrs.Prefix), IsFile: false})
			continue
		}
		if attrs.Name == prefix {
			continue
		}
		out = append(out, Entry{Path: relativeKey(g.prefix, attrs.Name), IsFile: true})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	return out, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
