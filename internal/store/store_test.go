package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	stores := map[string]Store{"memory": NewMemoryStore()}

	sqlite, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	stores["sqlite"] = sqlite

	if dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		_, _ = pg.pool.Exec(ctx, `TRUNCATE analyses`)
		stores["postgres"] = pg
	}
	for _, s := range stores {
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func TestStore_Contract(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.GetAnalysis(ctx, "a.jpg", "h1", "receipt")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.StoreAnalysis(ctx, Analysis{FileName: "a.jpg", FileHash: "h1", Kind: "receipt", Value: "02-07 ACME 1,00", BatchID: "b1"}))
			require.NoError(t, s.StoreAnalysis(ctx, Analysis{FileName: "b.jpg", FileHash: "h2", Kind: "receipt", Value: "03-07 XYZ 2,00", BatchID: "b1"}))
			require.NoError(t, s.StoreAnalysis(ctx, Analysis{FileName: "c.pdf", FileHash: "h3", Kind: "pdf", Value: "04-07 FOO 3,00", BatchID: "b2"}))

			v, ok, err := s.GetAnalysis(ctx, "a.jpg", "h1", "receipt")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "02-07 ACME 1,00", v)

			_, ok, err = s.GetAnalysis(ctx, "a.jpg", "h1", "pdf")
			require.NoError(t, err)
			assert.False(t, ok, "kind is part of the key")

			// Storing again replaces the value without moving the entry.
			require.NoError(t, s.StoreAnalysis(ctx, Analysis{FileName: "a.jpg", FileHash: "h1", Kind: "receipt", Value: "02-07 ACME 9,00", BatchID: "b1"}))
			batch, err := s.ListBatch(ctx, "b1")
			require.NoError(t, err)
			require.Len(t, batch, 2)
			assert.Equal(t, "a.jpg", batch[0].FileName)
			assert.Equal(t, "02-07 ACME 9,00", batch[0].Value)
			assert.Equal(t, "b.jpg", batch[1].FileName)
			assert.False(t, batch[0].CreatedAt.IsZero())

			removed, err := s.ClearBatch(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), removed)

			_, ok, err = s.GetAnalysis(ctx, "a.jpg", "h1", "receipt")
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = s.GetAnalysis(ctx, "c.pdf", "h3", "pdf")
			require.NoError(t, err)
			assert.True(t, ok, "other batches survive")

			removed, err = s.ClearBatch(ctx, "missing")
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "postgres"})
	assert.ErrorContains(t, err, "dsn")

	_, err = Open(ctx, Config{Driver: "mysql"})
	assert.ErrorContains(t, err, "unknown driver")
}

func TestIsKnownDriver(t *testing.T) {
	for _, d := range []string{"", "memory", "SQLite", "sqlite3", "postgres", "pgx"} {
		assert.True(t, IsKnownDriver(d), d)
	}
	assert.False(t, IsKnownDriver("mysql"))
}

func TestKindKey(t *testing.T) {
	assert.Equal(t, "receipt::structured", KindKey("receipt", "", true))
	assert.Equal(t, "pdf:cash", KindKey(" PDF ", "Cash", false))
}
