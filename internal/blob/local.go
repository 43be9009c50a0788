package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// StagingDir is the top-level directory under a local root that holds
// in-progress writes. Logical paths must not start with it.
const StagingDir = ".agstudio-staging"

// Local stores blobs under a directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal resolves root to an absolute directory. The directory itself is
// created lazily by the first write.
func NewLocal(root string) (*Local, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %q: %w", trimmed, err)
	}
	return &Local{root: filepath.ToSlash(abs)}, nil
}

func (l *Local) Kind() Kind { return KindFile }

func (l *Local) AbsolutePath(rel string) string {
	return joinRoot(l.root, rel)
}

func (l *Local) fullPath(rel string) string {
	return filepath.FromSlash(path.Join(l.root, cleanRel(rel)))
}

func (l *Local) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(l.fullPath(p))
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, ioError("stat", p, err)
	}
}

func (l *Local) ReadAll(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := l.fullPath(p)
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		if info, statErr := os.Stat(full); statErr == nil && info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
		}
		return nil, ioError("read", p, err)
	}
	return data, nil
}

// WriteAll replaces the file at p through a temporary file in StagingDir so
// readers never observe a partial write.
func (l *Local) WriteAll(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := l.fullPath(p)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError("mkdir", p, err)
	}
	staging := l.fullPath(StagingDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return ioError("mkdir", StagingDir, err)
	}
	tmp, err := os.CreateTemp(staging, "upload-*")
	if err != nil {
		return ioError("write", p, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return ioError("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		return ioError("write", p, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return ioError("write", p, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return ioError("write", p, err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.fullPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, ioError("list", dir, err)
	}
	base := cleanRel(dir)
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if base == "" && name == StagingDir {
			continue
		}
		out = append(out, Entry{Path: path.Join(base, name), IsFile: !entry.IsDir()})
	}
	return out, nil
}

func (l *Local) Close() error { return nil }
