package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records to a Postgres table so several repository
// replicas can share one metadata namespace.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// NewPostgresStore opens a connection pool using the provided DSN.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres metadata dsn required")
	}
	table, err := resolveTable(table)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres metadata config: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "agstudio-repository"
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres metadata pool: %w", err)
	}
	return &PostgresStore{pool: pool, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	file_path TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL,
	evaluation TEXT NOT NULL,
	additional_info TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table))
	if err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) (Record, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT file_path, description, evaluation, additional_info, created_at, updated_at
FROM %s
WHERE file_path = $1`, s.table), path)
	var (
		record Record
		info   *string
	)
	if err := row.Scan(&record.FilePath, &record.Description, &record.Evaluation, &info, &record.CreatedAt, &record.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get metadata %s: %w", path, err)
	}
	if info != nil {
		record.AdditionalInfo = *info
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, true, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, path string, fields Fields) error {
	now := s.now()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (file_path, description, evaluation, additional_info, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (file_path) DO UPDATE SET
	description = EXCLUDED.description,
	evaluation = EXCLUDED.evaluation,
	additional_info = EXCLUDED.additional_info,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at`, s.table),
		path, fields.Description, fields.Evaluation, fields.AdditionalInfo, now)
	if err != nil {
		return fmt.Errorf("upsert metadata %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) PatchField(ctx context.Context, path string, field Field, value string) error {
	if _, err := ParseField(string(field)); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $1, updated_at = $2 WHERE file_path = $3`, s.table, field),
			value, s.now(), path)
		if err != nil {
			return fmt.Errorf("patch metadata %s: %w", path, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
