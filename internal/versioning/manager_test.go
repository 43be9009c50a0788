package versioning

import (
	"context"
	"path/filepath"
	"testing"

	"agstudio/internal/blob"
	"agstudio/internal/metadata"
)

type testNamespaces struct {
	main    Namespace
	history Namespace
	manager *Manager
}

func newTestNamespace(t *testing.T, name string) Namespace {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blob.NewLocal(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	store, err := metadata.NewSQLiteStore(filepath.Join(dir, name+".db"), "")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return Namespace{Blobs: blobs, Metadata: store}
}

func newTestManager(t *testing.T) testNamespaces {
	t.Helper()
	main := newTestNamespace(t, "main")
	history := newTestNamespace(t, "history")
	return testNamespaces{main: main, history: history, manager: NewManager(main, history, nil)}
}

func TestNextVersionEmptyHistory(t *testing.T) {
	ns := newTestManager(t)

	got, err := ns.manager.NextVersion(context.Background(), "a/b.wav")
	if err != nil {
		t.Fatalf("NextVersion: %v", err)
	}
	if got != 1 {
		t.Fatalf("NextVersion = %d, want 1", got)
	}
}

func TestNextVersionSkipsMalformedNames(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"a/b.wav.1.wav", "a/b.wav.3.wav", "a/b.wav.x.wav", "a/b.wav.0.wav", "a/other.wav.9.wav"} {
		if err := ns.history.Blobs.WriteAll(ctx, name, []byte(name)); err != nil {
			t.Fatalf("WriteAll %s: %v", name, err)
		}
	}

	got, err := ns.manager.NextVersion(ctx, "a/b.wav")
	if err != nil {
		t.Fatalf("NextVersion: %v", err)
	}
	if got != 4 {
		t.Fatalf("NextVersion = %d, want 4", got)
	}
	latest, ok, err := ns.manager.LatestHistoryPath(ctx, "a/b.wav")
	if err != nil || !ok || latest != "a/b.wav.3.wav" {
		t.Fatalf("LatestHistoryPath = %q, %v, %v", latest, ok, err)
	}
	count, err := ns.manager.HistoryCount(ctx, "a/b.wav")
	if err != nil || count != 3 {
		t.Fatalf("HistoryCount = %d, %v; want 3", count, err)
	}
}

func TestRotateMissingMainIsNoop(t *testing.T) {
	ns := newTestManager(t)

	version, rotated, err := ns.manager.Rotate(context.Background(), "a/b.wav")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated || version != 0 {
		t.Fatalf("Rotate = %d, %v; want no rotation", version, rotated)
	}
}

func TestRotateCopiesContentAndMetadata(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	if err := ns.main.Blobs.WriteAll(ctx, "a/b.wav", []byte("v1")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := ns.main.Metadata.Upsert(ctx, "a/b.wav", metadata.Fields{Description: "d1", Evaluation: "e1", AdditionalInfo: "i1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	version, rotated, err := ns.manager.Rotate(ctx, "a/b.wav")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !rotated || version != 1 {
		t.Fatalf("Rotate = %d, %v; want 1, true", version, rotated)
	}

	content, err := ns.history.Blobs.ReadAll(ctx, "a/b.wav.1.wav")
	if err != nil {
		t.Fatalf("ReadAll history: %v", err)
	}
	if string(content) != "v1" {
		t.Fatalf("history content = %q, want v1", content)
	}
	record, ok, err := ns.history.Metadata.Get(ctx, "a/b.wav.1.wav")
	if err != nil || !ok {
		t.Fatalf("history metadata = %v, %v", ok, err)
	}
	if record.Description != "d1" || record.Evaluation != "e1" || record.AdditionalInfo != "i1" {
		t.Fatalf("history record = %+v", record)
	}

	main, err := ns.main.Blobs.ReadAll(ctx, "a/b.wav")
	if err != nil || string(main) != "v1" {
		t.Fatalf("main content = %q, %v; want untouched", main, err)
	}

	version, _, err = ns.manager.Rotate(ctx, "a/b.wav")
	if err != nil || version != 2 {
		t.Fatalf("second Rotate = %d, %v; want 2", version, err)
	}
}

func TestRotateWithoutMetadata(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	if err := ns.main.Blobs.WriteAll(ctx, "bare", []byte("x")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	version, rotated, err := ns.manager.Rotate(ctx, "bare")
	if err != nil || !rotated || version != 1 {
		t.Fatalf("Rotate = %d, %v, %v", version, rotated, err)
	}
	if ok, _ := ns.history.Blobs.Exists(ctx, "bare.1"); !ok {
		t.Fatal("expected bare.1 in history")
	}
	if _, ok, _ := ns.history.Metadata.Get(ctx, "bare.1"); ok {
		t.Fatal("expected no history metadata")
	}
}
