// Package storetest provides the shared Postgres test-database bootstrap
// used by every package's integration tests, mirroring the teacher's
// tests/integration/postgres/testhelper.go pattern: skip unless a real DSN
// is configured, run migrations once, truncate between tests.
package storetest

import (
	"context"
	"os"
	"testing"

	"github.com/rezkam/reviewcore/internal/store"
)

// DSNEnvVar is the environment variable tests read a real Postgres
// connection string from. Unset it to skip every integration test that
// depends on a live database.
const DSNEnvVar = "REVIEWCORE_TEST_DB_DSN"

// Setup opens a migrated Postgres store for the duration of a test,
// skipping the test when DSNEnvVar is unset. It registers a cleanup that
// truncates every pipeline table and closes the pool.
func Setup(t *testing.T) store.Store {
	t.Helper()

	dsn := os.Getenv(DSNEnvVar)
	if dsn == "" {
		t.Skipf("set %s to a live Postgres DSN to run this test", DSNEnvVar)
	}

	ctx := context.Background()
	pool, err := store.OpenPostgresPool(ctx, store.PoolConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("failed to open postgres pool: %v", err)
	}

	db := store.NewPostgresStore(pool)
	t.Cleanup(func() {
		_, _ = db.Exec(ctx, `TRUNCATE TABLE audit, dead_letters, outbox, work_queue, jobs CASCADE`)
		db.Close()
	})

	return db
}
