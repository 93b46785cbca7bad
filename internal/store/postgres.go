package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS analyses (
    id         BIGSERIAL PRIMARY KEY,
    file_name  TEXT NOT NULL,
    file_hash  TEXT NOT NULL,
    kind       TEXT NOT NULL,
    value      TEXT NOT NULL,
    batch_id   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (file_name, file_hash, kind)
);
CREATE INDEX IF NOT EXISTS idx_analyses_batch ON analyses(batch_id);
`

// PostgresStore is a Store shared by several relay processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "receipt-relay"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err = pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.WithField("host", pc.ConnConfig.Host).Info("postgres store ready")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, fileName, fileHash, kind string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM analyses WHERE file_name = $1 AND file_hash = $2 AND kind = $3`,
		fileName, fileHash, kind).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get analysis: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) StoreAnalysis(ctx context.Context, a Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (file_name, file_hash, kind, value, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_name, file_hash, kind) DO UPDATE SET
			value = EXCLUDED.value,
			batch_id = EXCLUDED.batch_id,
			created_at = EXCLUDED.created_at`,
		a.FileName, a.FileHash, a.Kind, a.Value, a.BatchID, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBatch(ctx context.Context, batchID string) ([]Analysis, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT file_name, file_hash, kind, value, batch_id, created_at
		FROM analyses
		WHERE batch_id = $1
		ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		if err := rows.Scan(&a.FileName, &a.FileHash, &a.Kind, &a.Value, &a.BatchID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearBatch(ctx context.Context, batchID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM analyses WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, fmt.Errorf("clear batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
