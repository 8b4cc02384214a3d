// Package main applies the database migrations used by the postgres store backend.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/archon-research/stl/stl-history/db/migrator"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/postgres"
)

func main() {
	dir := flag.String("dir", "./db/migrations", "Directory holding the .sql migrations")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	connStr := os.Getenv("HISTORY_DATABASE_URL")
	if connStr == "" {
		logger.Error("required environment variable not set", "name", "HISTORY_DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.OpenPool(ctx, postgres.PoolConfig{
		URL:             connStr,
		ApplicationName: "stl-history-migrate",
		MaxConns:        1,
	})
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	m := migrator.New(pool, *dir, logger)
	if err := m.ApplyAll(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		pool.Close()
		os.Exit(1)
	}

	logger.Info("all migrations up to date")
}
