package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return backend, dir
}

func TestLocalWriteCreatesParents(t *testing.T) {
	backend, dir := newTestLocal(t)
	ctx := context.Background()

	if err := backend.WriteAll(ctx, "a/b/c.wav", []byte("riff")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a", "b", "c.wav"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != "riff" {
		t.Fatalf("content = %q, want %q", data, "riff")
	}
}

func TestLocalReadAllMissing(t *testing.T) {
	backend, _ := newTestLocal(t)

	_, err := backend.ReadAll(context.Background(), "missing.wav")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalExists(t *testing.T) {
	backend, _ := newTestLocal(t)
	ctx := context.Background()

	ok, err := backend.Exists(ctx, "x.txt")
	if err != nil || ok {
		t.Fatalf("Exists before write = %v, %v; want false, nil", ok, err)
	}
	if err := backend.WriteAll(ctx, "x.txt", nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	ok, err = backend.Exists(ctx, "x.txt")
	if err != nil || !ok {
		t.Fatalf("Exists after write = %v, %v; want true, nil", ok, err)
	}
}

func TestLocalOverwrite(t *testing.T) {
	backend, _ := newTestLocal(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		if err := backend.WriteAll(ctx, "f.bin", []byte(content)); err != nil {
			t.Fatalf("WriteAll(%q): %v", content, err)
		}
	}
	data, err := backend.ReadAll(ctx, "f.bin")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want %q", data, "second")
	}
}

func TestLocalWriteMkdirFailure(t *testing.T) {
	backend, dir := newTestLocal(t)
	if err := os.WriteFile(filepath.Join(dir, "blocker"), []byte("file"), 0o644); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}

	err := backend.WriteAll(context.Background(), "blocker/child.txt", []byte("x"))
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("err = %v, want *IOError", err)
	}
	if ioErr.Op != "mkdir" {
		t.Fatalf("op = %q, want mkdir", ioErr.Op)
	}
}

func TestLocalList(t *testing.T) {
	backend, _ := newTestLocal(t)
	ctx := context.Background()
	for _, p := range []string{"songs/a.wav", "songs/b.wav", "songs/live/c.wav"} {
		if err := backend.WriteAll(ctx, p, []byte(p)); err != nil {
			t.Fatalf("WriteAll(%s): %v", p, err)
		}
	}

	entries, err := backend.List(ctx, "songs")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Entry{
		{Path: "songs/a.wav", IsFile: true},
		{Path: "songs/b.wav", IsFile: true},
		{Path: "songs/live", IsFile: false},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v, want %+v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entries[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}

	if _, err := backend.List(ctx, "nothing-here"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("List missing err = %v, want ErrNotFound", err)
	}
}

func TestLocalListKeepsDotfilesAndHidesStaging(t *testing.T) {
	backend, _ := newTestLocal(t)
	ctx := context.Background()
	for _, p := range []string{".upload-notes.txt", "take.wav"} {
		if err := backend.WriteAll(ctx, p, []byte(p)); err != nil {
			t.Fatalf("WriteAll(%s): %v", p, err)
		}
	}

	entries, err := backend.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Entry{
		{Path: ".upload-notes.txt", IsFile: true},
		{Path: "take.wav", IsFile: true},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v, want %+v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entries[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestLocalDirectoryIsNotABlob(t *testing.T) {
	backend, _ := newTestLocal(t)
	ctx := context.Background()
	if err := backend.WriteAll(ctx, "songs/a.wav", []byte("a")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	ok, err := backend.Exists(ctx, "songs")
	if err != nil || ok {
		t.Fatalf("Exists(dir) = %v, %v; want false, nil", ok, err)
	}
	if _, err := backend.ReadAll(ctx, "songs"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadAll(dir) err = %v, want ErrNotFound", err)
	}
}

func TestLocalPathsStayUnderRoot(t *testing.T) {
	backend, dir := newTestLocal(t)
	ctx := context.Background()

	if err := backend.WriteAll(ctx, "../../escape.txt", []byte("x")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Fatalf("expected write to be confined to root: %v", err)
	}
}

func TestLocalAbsolutePath(t *testing.T) {
	backend, dir := newTestLocal(t)
	got := backend.AbsolutePath("a/b.wav")
	want := filepath.ToSlash(dir) + "/a/b.wav"
	if got != want {
		t.Fatalf("AbsolutePath = %q, want %q", got, want)
	}
}
