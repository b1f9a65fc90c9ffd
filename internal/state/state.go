// Package state persists per-URL pipeline progress in SQLite so runs are
// resumable: a URL already persisted by a prior run is skipped without
// re-entering the pipeline.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when the schema changes; a mismatched database
// must be deleted and rebuilt.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible
// version.
var ErrSchemaMismatch = errors.New("state schema version mismatch")

// Status is the lifecycle position of one document. Transitions are strictly
// forward; only StatusTranslating is re-entered (once per chunk).
type Status string

const (
	StatusFetched     Status = "fetched"
	StatusSegmented   Status = "segmented"
	StatusFragmented  Status = "fragmented"
	StatusTranslating Status = "translating"
	StatusTranslated  Status = "translated"
	StatusReassembled Status = "reassembled"
	StatusPersisted   Status = "persisted"
	StatusFailed      Status = "failed"
)

// Record is one document's persisted state.
type Record struct {
	URL        string
	Status     Status
	Error      string
	OutputPath string
	UpdatedAt  time.Time
}

// Summary aggregates record counts for reporting.
type Summary struct {
	Total     int
	Persisted int
	Failed    int
	InFlight  int
}

// Store is the SQLite-backed pipeline state.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the state database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}

	return nil
}

// IsPersisted reports whether url completed in a prior run.
func (s *Store) IsPersisted(ctx context.Context, url string) (bool, error) {
	record, ok, err := s.Get(ctx, url)
	if err != nil || !ok {
		return false, err
	}
	return record.Status == StatusPersisted, nil
}

// SetStatus records a forward transition for url and clears any stale error.
func (s *Store) SetStatus(ctx context.Context, url string, status Status) error {
	return s.upsert(ctx, url, status, "", "")
}

// MarkPersisted records terminal success with the output location.
func (s *Store) MarkPersisted(ctx context.Context, url string, outputPath string) error {
	return s.upsert(ctx, url, StatusPersisted, "", outputPath)
}

// MarkFailed records terminal failure with its reason.
func (s *Store) MarkFailed(ctx context.Context, url string, reason string) error {
	return s.upsert(ctx, url, StatusFailed, reason, "")
}

func (s *Store) upsert(ctx context.Context, url string, status Status, errMsg string, outputPath string) error {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO documents (url, status, error, output_path, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(url) DO UPDATE SET
             status = excluded.status,
             error = excluded.error,
             output_path = excluded.output_path,
             updated_at = excluded.updated_at`,
		url, status, nullableString(errMsg), nullableString(outputPath), timestamp,
	)
	if err != nil {
		return fmt.Errorf("record status %s for %s: %w", status, url, err)
	}
	return nil
}

// Get returns the record for url, reporting whether one exists.
func (s *Store) Get(ctx context.Context, url string) (Record, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		"SELECT url, status, error, output_path, updated_at FROM documents WHERE url = ?",
		url,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load record for %s: %w", url, err)
	}
	return record, true, nil
}

// List returns all records ordered by URL, for status reporting.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		"SELECT url, status, error, output_path, updated_at FROM documents ORDER BY url",
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Summarize aggregates counts across all records.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	records, err := s.List(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(records)}
	for _, record := range records {
		switch record.Status {
		case StatusPersisted:
			summary.Persisted++
		case StatusFailed:
			summary.Failed++
		default:
			summary.InFlight++
		}
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var record Record
	var status string
	var errMsg, outputPath sql.NullString
	var updatedAt string

	if err := row.Scan(&record.URL, &status, &errMsg, &outputPath, &updatedAt); err != nil {
		return Record{}, err
	}

	record.Status = Status(status)
	record.Error = errMsg.String
	record.OutputPath = outputPath.String
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		record.UpdatedAt = ts
	}
	return record, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
