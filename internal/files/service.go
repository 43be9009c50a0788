// Package files implements the versioned file repository: uploads rotate the
// previous content into history before the new bytes and metadata land in
// the main namespace.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"

	"agstudio/internal/blob"
	"agstudio/internal/metadata"
	"agstudio/internal/versioning"
)

// ErrNotFound is returned when a file, version or metadata record is absent.
var ErrNotFound = errors.New("not found")

// ValidationError reports a bad client-supplied argument.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// RotationObserver receives the outcome of each history rotation.
type RotationObserver interface {
	ObserveRotation(outcome string)
}

// Blob is downloaded file content.
type Blob struct {
	Path     string
	Name     string
	Content  []byte
	Checksum uint64
}

// ETag is the quoted xxhash64 of the content.
func (b Blob) ETag() string {
	return fmt.Sprintf("%q", fmt.Sprintf("%016x", b.Checksum))
}

// ComponentHealth is the status of one dependency.
type ComponentHealth struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Options struct {
	Main      versioning.Namespace
	History   versioning.Namespace
	Locker    versioning.Locker
	Logger    *slog.Logger
	Rotations RotationObserver
}

type Service struct {
	main      versioning.Namespace
	history   versioning.Namespace
	versions  *versioning.Manager
	locker    versioning.Locker
	logger    *slog.Logger
	rotations RotationObserver
}

func NewService(opts Options) (*Service, error) {
	if opts.Main.Blobs == nil || opts.Main.Metadata == nil {
		return nil, errors.New("main namespace is required")
	}
	if opts.History.Blobs == nil || opts.History.Metadata == nil {
		return nil, errors.New("history namespace is required")
	}
	if opts.Locker == nil {
		opts.Locker = versioning.NewMemoryLocker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		main:      opts.Main,
		history:   opts.History,
		versions:  versioning.NewManager(opts.Main, opts.History, opts.Logger.With("component", "versioning")),
		locker:    opts.Locker,
		logger:    opts.Logger,
		rotations: opts.Rotations,
	}, nil
}

// StorageType is the backend kind of the main namespace.
func (s *Service) StorageType() blob.Kind {
	return s.main.Blobs.Kind()
}

func normalize(raw string) (string, error) {
	p, err := versioning.NormalizePath(raw)
	if err != nil {
		return "", invalid("file_path", "a relative file path is required", err)
	}
	return p, nil
}

func checkVersion(version *int) error {
	if version != nil && *version < 1 {
		return invalid("version", "must be a positive integer", nil)
	}
	return nil
}

func (s *Service) observeRotation(outcome string) {
	if s.rotations != nil {
		s.rotations.ObserveRotation(outcome)
	}
}

// Upload stores content as the new main version of rawPath. Any existing
// main file is rotated into history first. The steps are not transactional:
// a failure after rotation leaves the history copy and the old main file.
func (s *Service) Upload(ctx context.Context, rawPath string, fields metadata.Fields, content []byte) error {
	p, err := normalize(rawPath)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, p)
	if err != nil {
		return fmt.Errorf("lock %s: %w", p, err)
	}
	defer unlock()

	version, rotated, err := s.versions.Rotate(ctx, p)
	if err != nil {
		s.observeRotation("error")
		return fmt.Errorf("rotate %s into history: %w", p, err)
	}
	if rotated {
		s.observeRotation("rotated")
	} else {
		s.observeRotation("skipped")
	}

	if err := s.main.Blobs.WriteAll(ctx, p, content); err != nil {
		if rotated {
			s.logger.Error("upload failed after rotation", "file_path", p, "version", version, "error", err)
		}
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := s.main.Metadata.Upsert(ctx, p, fields); err != nil {
		s.logger.Error("metadata write failed after content write", "file_path", p, "error", err)
		return fmt.Errorf("save metadata for %s: %w", p, err)
	}
	s.logger.Info("file uploaded", "file_path", p, "bytes", len(content), "rotated", rotated)
	return nil
}

// Download returns the main content of rawPath, or a historical version when
// version is set. The main file must exist in both cases.
func (s *Service) Download(ctx context.Context, rawPath string, version *int) (Blob, error) {
	p, err := normalize(rawPath)
	if err != nil {
		return Blob{}, err
	}
	if err := checkVersion(version); err != nil {
		return Blob{}, err
	}
	exists, err := s.main.Blobs.Exists(ctx, p)
	if err != nil {
		return Blob{}, err
	}
	if !exists {
		return Blob{}, fmt.Errorf("%w: file %s", ErrNotFound, p)
	}

	backend, target := s.main.Blobs, p
	if version != nil {
		backend, target = s.history.Blobs, versioning.HistoryPathFor(p, *version)
	}
	content, err := backend.ReadAll(ctx, target)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Blob{}, fmt.Errorf("%w: file %s", ErrNotFound, target)
		}
		return Blob{}, err
	}
	return Blob{
		Path:     target,
		Name:     path.Base(p),
		Content:  content,
		Checksum: xxhash.Sum64(content),
	}, nil
}

// Metadata returns the record of rawPath, or of a historical version.
func (s *Service) Metadata(ctx context.Context, rawPath string, version *int) (metadata.Record, error) {
	p, err := normalize(rawPath)
	if err != nil {
		return metadata.Record{}, err
	}
	if err := checkVersion(version); err != nil {
		return metadata.Record{}, err
	}
	store, target := s.main.Metadata, p
	if version != nil {
		store, target = s.history.Metadata, versioning.HistoryPathFor(p, *version)
	}
	record, ok, err := store.Get(ctx, target)
	if err != nil {
		return metadata.Record{}, err
	}
	if !ok {
		return metadata.Record{}, fmt.Errorf("%w: metadata for %s", ErrNotFound, target)
	}
	return record, nil
}

// UpdateMetadataField patches one field of the main record of rawPath.
func (s *Service) UpdateMetadataField(ctx context.Context, rawPath, fieldName, value string) error {
	p, err := normalize(rawPath)
	if err != nil {
		return err
	}
	field, err := metadata.ParseField(fieldName)
	if err != nil {
		return invalid("parameter_name", fmt.Sprintf("unknown metadata field %q", fieldName), err)
	}
	if err := s.main.Metadata.PatchField(ctx, p, field, value); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("%w: metadata for %s", ErrNotFound, p)
		}
		return err
	}
	s.logger.Info("metadata updated", "file_path", p, "field", string(field))
	return nil
}

// HistoryCount is the number of superseded versions of rawPath.
func (s *Service) HistoryCount(ctx context.Context, rawPath string) (int, error) {
	p, err := normalize(rawPath)
	if err != nil {
		return 0, err
	}
	return s.versions.HistoryCount(ctx, p)
}

// List returns the direct children of dir in the main namespace. An empty
// dir lists the storage root.
func (s *Service) List(ctx context.Context, dir string) ([]blob.Entry, error) {
	target := ""
	if strings.Trim(strings.TrimSpace(dir), "/") != "" {
		p, err := versioning.NormalizePath(dir)
		if err != nil {
			return nil, invalid("root_path", "a relative directory is required", err)
		}
		target = p
	}
	entries, err := s.main.Blobs.List(ctx, target)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: directory %s", ErrNotFound, target)
		}
		return nil, err
	}
	return entries, nil
}

// Health pings both metadata stores.
func (s *Service) Health(ctx context.Context) ([]ComponentHealth, bool) {
	healthy := true
	check := func(component string, err error) ComponentHealth {
		if err != nil {
			healthy = false
			return ComponentHealth{Component: component, Status: "degraded", Error: err.Error()}
		}
		return ComponentHealth{Component: component, Status: "ok"}
	}
	components := []ComponentHealth{
		check("metadata", s.main.Metadata.Ping(ctx)),
		check("history_metadata", s.history.Metadata.Ping(ctx)),
	}
	return components, healthy
}

// Close releases both namespaces.
func (s *Service) Close() error {
	mainErr := CloseNamespace(s.main)
	if err := CloseNamespace(s.history); err != nil && mainErr == nil {
		return err
	}
	return mainErr
}
