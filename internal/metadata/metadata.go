// Package metadata persists the descriptive record attached to every stored
// file path. Each Store operation runs in its own transaction; nothing spans
// calls, so callers needing multi-step consistency must coordinate above this
// layer.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a path.
	ErrNotFound = errors.New("metadata: record not found")
	// ErrUnknownField is returned for a patch against an unsupported field.
	ErrUnknownField = errors.New("metadata: unknown field")
)

const defaultTable = "file_metadata"

// Record is the stored metadata for one file path.
type Record struct {
	FilePath       string    `json:"file_path"`
	Description    string    `json:"description"`
	Evaluation     string    `json:"evaluation"`
	AdditionalInfo string    `json:"additional_info"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Fields returns the user-supplied portion of the record.
func (r Record) Fields() Fields {
	return Fields{
		Description:    r.Description,
		Evaluation:     r.Evaluation,
		AdditionalInfo: r.AdditionalInfo,
	}
}

// Fields are the values written by an upsert.
type Fields struct {
	Description    string
	Evaluation     string
	AdditionalInfo string
}

// Field names a single patchable column.
type Field string

const (
	FieldDescription    Field = "description"
	FieldEvaluation     Field = "evaluation"
	FieldAdditionalInfo Field = "additional_info"
)

// ParseField validates a client-supplied field name.
func ParseField(name string) (Field, error) {
	switch Field(strings.TrimSpace(name)) {
	case FieldDescription:
		return FieldDescription, nil
	case FieldEvaluation:
		return FieldEvaluation, nil
	case FieldAdditionalInfo:
		return FieldAdditionalInfo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
}

// Store is the metadata persistence capability.
type Store interface {
	// Init creates the backing table when it does not exist yet.
	Init(ctx context.Context) error
	Get(ctx context.Context, path string) (Record, bool, error)
	// Upsert inserts or fully replaces the record for path.
	Upsert(ctx context.Context, path string, fields Fields) error
	// PatchField updates one field and updated_at, or returns ErrNotFound.
	PatchField(ctx context.Context, path string, field Field, value string) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects the store driver for a namespace.
type Config struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Table  string `json:"table"`
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func resolveTable(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultTable, nil
	}
	if !tableNamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid metadata table name %q", name)
	}
	return trimmed, nil
}

// Open builds the configured store and ensures its schema. defaultDSN is
// used by the sqlite driver when cfg.DSN is empty.
func Open(ctx context.Context, cfg Config, defaultDSN string) (Store, error) {
	table, err := resolveTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	var store Store
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			dsn = defaultDSN
		}
		store, err = NewSQLiteStore(dsn, table)
	case "postgres", "postgresql":
		store, err = NewPostgresStore(ctx, cfg.DSN, table)
	default:
		return nil, fmt.Errorf("unsupported metadata driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
