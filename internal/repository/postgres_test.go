package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// 需要可用的 Postgres，地址由 MESSENGER_TEST_POSTGRES_DSN 指定，未设置或不可达时跳过
func setupPostgres(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("MESSENGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MESSENGER_TEST_POSTGRES_DSN not set, skipping postgres tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not available: %v", err)
	}

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, setupPostgres)
}
