// Package sqlite provides a SQLite implementation of the storage.Storage
// interface using modernc.org/sqlite. All collections share one table keyed
// by (collection, id).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ggoodman/mcp-context-gateway/storage"
	_ "modernc.org/sqlite"
)

// Storage implements the storage.Storage interface on a SQLite database.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at path and bootstraps the schema.
// Parent directories are created if needed. Use ":memory:" for an ephemeral
// database.
func New(path string) (*Storage, error) {
	logger := slog.Default().With("component", "storage.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Storage{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("storage.sqlite.open", slog.String("path", path))
	return s, nil
}

func (s *Storage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection   TEXT NOT NULL,
			id           TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '',
			data         TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS idx_records_workspace
			ON records(collection, workspace_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the record stored under id.
func (s *Storage) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT collection, id, workspace_id, data, updated_at FROM records WHERE collection = ? AND id = ?`,
		collection, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying record %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Put upserts rec.
func (s *Storage) Put(ctx context.Context, rec *storage.Record) error {
	if err := storage.Validate(rec); err != nil {
		return err
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, workspace_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		rec.Collection, rec.ID, rec.WorkspaceID, string(rec.Data), updated.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// Delete removes a record.
func (s *Storage) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("deleting record %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns the matching records ordered by id.
func (s *Storage) Query(ctx context.Context, collection string, opts ...storage.Option) ([]*storage.Record, error) {
	options := storage.ApplyOptions(opts...)

	q := `SELECT collection, id, workspace_id, data, updated_at FROM records WHERE collection = ?`
	args := []any{collection}
	if options.WorkspaceID != nil {
		q += ` AND workspace_id = ?`
		args = append(args, *options.WorkspaceID)
	}
	q += ` ORDER BY id`
	if options.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, options.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", collection, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	var (
		rec     storage.Record
		data    string
		updated string
	)
	if err := row.Scan(&rec.Collection, &rec.ID, &rec.WorkspaceID, &data, &updated); err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	rec.UpdatedAt = t
	return &rec, nil
}

// Compile-time interface check
var _ storage.Storage = (*Storage)(nil)
