//go:build integration

package migrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/archon-research/stl/stl-history/db/migrator"
	"github.com/archon-research/stl/stl-history/internal/testutil"
)

func TestMigrator_ApplyAll(t *testing.T) {
	ctx := context.Background()
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()

	m := migrator.New(pool, "../migrations", nil)
	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = 'cache_entries'
		)`).Scan(&exists)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !exists {
		t.Fatal("cache_entries table was not created")
	}

	// Second run is a no-op.
	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("second ApplyAll: %v", err)
	}

	applied, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("ListApplied: %v", err)
	}
	if len(applied) != 1 || applied[0] != "001_cache_entries.sql" {
		t.Errorf("unexpected applied list %v", applied)
	}
}

func TestMigrator_DetectsModifiedMigration(t *testing.T) {
	ctx := context.Background()
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "001_t.sql")
	if err := os.WriteFile(path, []byte("CREATE TABLE t (id INT);"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := migrator.New(pool, dir, nil)
	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}

	if err := os.WriteFile(path, []byte("CREATE TABLE t (id BIGINT);"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	err := m.ApplyAll(ctx)
	if err == nil || !strings.Contains(err.Error(), "has been modified") {
		t.Fatalf("expected modified-migration error, got %v", err)
	}
}
