//go:build integration

package jobstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// EnvTestDatabaseDSN points the integration tests at a disposable database
const EnvTestDatabaseDSN = "AUDIO_PIPELINE_TEST_DSN"

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	dsn := os.Getenv(EnvTestDatabaseDSN)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres job store tests", EnvTestDatabaseDSN)
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(db, DefaultRetryPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, store.EnsureSchema(context.Background()))
	return db
}

// shiftClock moves every stored timestamp back by d, which reads to the
// store as d passing
func shiftClock(t *testing.T, db *sqlx.DB, d time.Duration) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		UPDATE audio_jobs
		SET run_at = run_at - $1::bigint * INTERVAL '1 millisecond',
		    created_at = created_at - $1::bigint * INTERVAL '1 millisecond',
		    processed_at = processed_at - $1::bigint * INTERVAL '1 millisecond',
		    finished_at = finished_at - $1::bigint * INTERVAL '1 millisecond',
		    updated_at = updated_at - $1::bigint * INTERVAL '1 millisecond',
		    lease_until = lease_until - $1::bigint * INTERVAL '1 millisecond'
	`, d.Milliseconds())
	require.NoError(t, err)
}

func TestPostgresStore_Contract(t *testing.T) {
	db := openTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	runStoreContract(t, func(t *testing.T) *storeHarness {
		_, err := db.ExecContext(context.Background(), `TRUNCATE audio_jobs`)
		require.NoError(t, err)

		return &storeHarness{
			store: NewPostgresStore(db, DefaultRetryPolicy(), logger),
			advance: func(t *testing.T, d time.Duration) {
				shiftClock(t, db, d)
			},
		}
	})
}

func TestPostgresStore_EnsureSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	store := NewPostgresStore(db, DefaultRetryPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.EnsureSchema(context.Background()))
}
