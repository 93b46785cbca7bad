// Package store keeps analysis results per batch so repeated uploads of the
// same file are answered without another upstream call.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultSQLiteDSN is used when the sqlite driver has no DSN.
const DefaultSQLiteDSN = "relay.db"

// Config selects and configures a Store.
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// Analysis is one stored result.
type Analysis struct {
	FileName  string    `json:"file_name"`
	FileHash  string    `json:"file_hash"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	BatchID   string    `json:"batch_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists analyses. Entries are unique per (file name, file hash,
// kind); storing again replaces the value and batch.
type Store interface {
	GetAnalysis(ctx context.Context, fileName, fileHash, kind string) (string, bool, error)
	StoreAnalysis(ctx context.Context, a Analysis) error
	// ListBatch returns the batch's analyses in first-insertion order.
	ListBatch(ctx context.Context, batchID string) ([]Analysis, error)
	// ClearBatch deletes the batch's analyses and reports how many were removed.
	ClearBatch(ctx context.Context, batchID string) (int64, error)
	Close() error
}

// KindKey keys stored results by analysis kind, profile and output form, so
// the same file analyzed differently is stored separately.
func KindKey(kind, profile string, structured bool) string {
	key := strings.ToLower(strings.TrimSpace(kind)) + ":" + strings.ToLower(strings.TrimSpace(profile))
	if structured {
		key += ":structured"
	}
	return key
}

// IsKnownDriver reports whether Open accepts driver. Empty means memory.
func IsKnownDriver(driver string) bool {
	switch normalizeDriver(driver) {
	case DriverMemory, DriverSQLite, DriverPostgres:
		return true
	default:
		return false
	}
}

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = DefaultSQLiteDSN
		}
		return OpenSQLite(ctx, dsn)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres driver requires a dsn")
		}
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func normalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "":
		return DriverMemory
	case "sqlite3":
		return DriverSQLite
	case "postgresql", "pgx":
		return DriverPostgres
	default:
		return d
	}
}
