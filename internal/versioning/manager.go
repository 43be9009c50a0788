// Package versioning keeps the main and history namespaces in step. The
// version of a superseded file is encoded in its history key; this package
// is the only place that builds or interprets those keys.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"agstudio/internal/blob"
	"agstudio/internal/metadata"
)

// Namespace pairs the blob backend and metadata store of one namespace.
type Namespace struct {
	Blobs    blob.Backend
	Metadata metadata.Store
}

// Manager computes version numbers and rotates main content into history.
type Manager struct {
	main    Namespace
	history Namespace
	logger  *slog.Logger
}

// NewManager wires the two namespaces together.
func NewManager(main, history Namespace, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{main: main, history: history, logger: logger}
}

// versions lists every history version present for p.
func (m *Manager) versions(ctx context.Context, p string) (map[int]string, error) {
	dir := path.Dir(p)
	if dir == "." {
		dir = ""
	}
	entries, err := m.history.Blobs.List(ctx, dir)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan history for %s: %w", p, err)
	}
	found := make(map[int]string)
	for _, entry := range entries {
		if !entry.IsFile {
			continue
		}
		if version, ok := ParseVersion(p, entry.Path); ok {
			found[version] = entry.Path
		}
	}
	return found, nil
}

// NextVersion returns one more than the highest history version of p, or 1
// when p has no history.
func (m *Manager) NextVersion(ctx context.Context, p string) (int, error) {
	found, err := m.versions(ctx, p)
	if err != nil {
		return 0, err
	}
	highest := 0
	for version := range found {
		if version > highest {
			highest = version
		}
	}
	return highest + 1, nil
}

// LatestHistoryPath returns the history key holding the highest version.
func (m *Manager) LatestHistoryPath(ctx context.Context, p string) (string, bool, error) {
	found, err := m.versions(ctx, p)
	if err != nil {
		return "", false, err
	}
	highest := 0
	for version := range found {
		if version > highest {
			highest = version
		}
	}
	if highest == 0 {
		return "", false, nil
	}
	return found[highest], true, nil
}

// HistoryCount is the number of superseded versions of p.
func (m *Manager) HistoryCount(ctx context.Context, p string) (int, error) {
	next, err := m.NextVersion(ctx, p)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// Rotate copies the current main content and metadata of p into history
// under the next version. It is a no-op when p is absent from main and it
// never writes to main, so a failure leaves main untouched.
func (m *Manager) Rotate(ctx context.Context, p string) (int, bool, error) {
	exists, err := m.main.Blobs.Exists(ctx, p)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, nil
	}
	content, err := m.main.Blobs.ReadAll(ctx, p)
	if err != nil {
		return 0, false, err
	}
	record, hasRecord, err := m.main.Metadata.Get(ctx, p)
	if err != nil {
		return 0, false, err
	}
	version, err := m.NextVersion(ctx, p)
	if err != nil {
		return 0, false, err
	}
	historyPath := HistoryPathFor(p, version)
	if err := m.history.Blobs.WriteAll(ctx, historyPath, content); err != nil {
		return 0, false, err
	}
	if hasRecord {
		if err := m.history.Metadata.Upsert(ctx, historyPath, record.Fields()); err != nil {
			return 0, false, err
		}
	} else {
		m.logger.Warn("rotated file without metadata", "file_path", p, "history_path", historyPath)
	}
	m.logger.Info("rotated file into history", "file_path", p, "history_path", historyPath, "version", version, "bytes", len(content))
	return version, true, nil
}
