package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in an embedded SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewSQLiteStore opens the database at path. A single connection is used so
// writers serialise inside the process instead of failing with SQLITE_BUSY.
func NewSQLiteStore(path, table string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	table, err := resolveTable(table)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL,
	evaluation TEXT NOT NULL,
	additional_info TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, s.table))
	if err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT file_path, description, evaluation, additional_info, created_at, updated_at
FROM %s
WHERE file_path = ?`, s.table), path)
	var (
		record Record
		info   sql.NullString
	)
	if err := row.Scan(&record.FilePath, &record.Description, &record.Evaluation, &info, &record.CreatedAt, &record.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get metadata %s: %w", path, err)
	}
	record.AdditionalInfo = info.String
	return record, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, path string, fields Fields) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (file_path, description, evaluation, additional_info, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (file_path) DO UPDATE SET
	description = excluded.description,
	evaluation = excluded.evaluation,
	additional_info = excluded.additional_info,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at`, s.table),
		path, fields.Description, fields.Evaluation, fields.AdditionalInfo, now, now)
	if err != nil {
		return fmt.Errorf("upsert metadata %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) PatchField(ctx context.Context, path string, field Field, value string) error {
	if _, err := ParseField(string(field)); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata patch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE file_path = ?`, s.table, field),
		value, s.now(), path)
	if err != nil {
		return fmt.Errorf("patch metadata %s: %w", path, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch metadata %s: %w", path, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata patch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
