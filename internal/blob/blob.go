// Package blob provides byte storage over a configured root, behind one
// Backend interface shared by the local filesystem, S3-compatible and GCS
// implementations.
//
// Paths handed to a Backend are logical POSIX paths relative to the backend
// root. Backends are built once at process start through Open and are safe
// for concurrent use.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// ErrNotFound is returned when the requested path does not exist.
var ErrNotFound = errors.New("blob: not found")

// IOError wraps a failure of the underlying storage.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: p, Err: err}
}

// Entry describes one child returned by Backend.List.
type Entry struct {
	Path   string `json:"path"`
	IsFile bool   `json:"is_file"`
}

// Backend is the uniform byte-storage capability.
type Backend interface {
	Kind() Kind
	Exists(ctx context.Context, p string) (bool, error)
	ReadAll(ctx context.Context, p string) ([]byte, error)
	WriteAll(ctx context.Context, p string, data []byte) error
	List(ctx context.Context, dir string) ([]Entry, error)
	AbsolutePath(rel string) string
	Close() error
}

func joinRoot(root, rel string) string {
	return root + "/" + rel
}

// cleanRel normalises a logical path into an object key fragment.
func cleanRel(rel string) string {
	trimmed := strings.Trim(strings.TrimSpace(rel), "/")
	if trimmed == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+trimmed), "/")
}

// objectKey joins a bucket prefix with a logical path.
func objectKey(prefix, rel string) string {
	key := cleanRel(rel)
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix
	}
	return prefix + "/" + key
}

// listPrefix returns the prefix used to list the children of dir.
func listPrefix(prefix, dir string) string {
	key := objectKey(prefix, dir)
	if key == "" {
		return ""
	}
	return key + "/"
}

// relativeKey strips the bucket prefix from an object key.
func relativeKey(prefix, key string) string {
	key = strings.TrimSuffix(key, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
