// Command migrate-json-to-postgres copies the lives of a JSON registry file
// into the Postgres live_videos table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"peertube-live/internal/models"
	"peertube-live/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/lives.json", "path to the JSON registry to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PEERTUBE_LIVE_POSTGRES_DSN"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn or PEERTUBE_LIVE_POSTGRES_DSN")
		os.Exit(1)
	}

	ctx := context.Background()
	source, err := storage.NewJSONFilePersister(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON registry", "error", err)
		os.Exit(1)
	}
	target, err := storage.NewPostgresPersister(ctx, dsn, storage.WithPostgresApplicationName("peertube-live-migrate"))
	if err != nil {
		logger.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer target.Close(ctx)
	if err := target.Migrate(ctx); err != nil {
		logger.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}

	copied, err := migrate(ctx, source, target)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	if err := verifyCount(ctx, target, copied); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "path", *jsonPath, "lives", copied)
}

// migrate saves every live of src into dst. Deleted lives are skipped.
func migrate(ctx context.Context, src, dst storage.Persister) (int, error) {
	snapshot, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load source: %w", err)
	}
	copied := 0
	for _, live := range snapshot.Lives {
		if live.State == models.StateDeleted {
			continue
		}
		if err := dst.Save(ctx, live); err != nil {
			return copied, fmt.Errorf("save live %d: %w", live.ID, err)
		}
		copied++
	}
	return copied, nil
}

func verifyCount(ctx context.Context, target *storage.PostgresPersister, expected int) error {
	var actual int
	if err := target.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM live_videos WHERE state <> 'deleted'`).Scan(&actual); err != nil {
		return fmt.Errorf("count live_videos: %w", err)
	}
	if actual < expected {
		return fmt.Errorf("expected at least %d lives, found %d", expected, actual)
	}
	return nil
}
