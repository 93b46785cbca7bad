package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS analyses (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    file_name  TEXT NOT NULL,
    file_hash  TEXT NOT NULL,
    kind       TEXT NOT NULL,
    value      TEXT NOT NULL,
    batch_id   TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    UNIQUE (file_name, file_hash, kind)
);
CREATE INDEX IF NOT EXISTS idx_analyses_batch ON analyses(batch_id);
`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and runs migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err = db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, fileName, fileHash, kind string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM analyses WHERE file_name = ? AND file_hash = ? AND kind = ?`,
		fileName, fileHash, kind).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get analysis: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) StoreAnalysis(ctx context.Context, a Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (file_name, file_hash, kind, value, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_name, file_hash, kind) DO UPDATE SET
			value = excluded.value,
			batch_id = excluded.batch_id,
			created_at = excluded.created_at`,
		a.FileName, a.FileHash, a.Kind, a.Value, a.BatchID, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBatch(ctx context.Context, batchID string) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_name, file_hash, kind, value, batch_id, created_at
		FROM analyses
		WHERE batch_id = ?
		ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		var createdAt string
		if err := rows.Scan(&a.FileName, &a.FileHash, &a.Kind, &a.Value, &a.BatchID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearBatch(ctx context.Context, batchID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, fmt.Errorf("clear batch: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
