// Command bootstrap-admin seeds an administrator account, and optionally a
// channel owned by it, in the Postgres database used by the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"peertube-live/internal/auth"
	"peertube-live/internal/channels"
	"peertube-live/internal/models"
)

type channelCreator interface {
	Create(ctx context.Context, ownerID, name string) (models.Channel, error)
}

func main() {
	var (
		postgresDSN string
		username    string
		password    string
		channelName string
	)
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&username, "username", "", "username of the admin account")
	flag.StringVar(&password, "password", "", "password of the admin account")
	flag.StringVar(&channelName, "channel", "", "create a channel with this name owned by the admin")
	flag.Parse()

	dsn := strings.TrimSpace(postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PEERTUBE_LIVE_POSTGRES_DSN"))
	}
	if dsn == "" {
		fatalf("--postgres-dsn or PEERTUBE_LIVE_POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		fatalf("open postgres: %v", err)
	}
	defer pool.Close()

	if err := auth.MigrateSchema(ctx, pool); err != nil {
		fatalf("prepare auth schema: %v", err)
	}
	users, err := auth.NewPostgresUserStore(pool)
	if err != nil {
		fatalf("open user store: %v", err)
	}
	directory, err := channels.NewPostgresDirectory(pool)
	if err != nil {
		fatalf("open channel directory: %v", err)
	}
	if err := directory.Migrate(ctx); err != nil {
		fatalf("prepare channel schema: %v", err)
	}

	if err := run(ctx, os.Stdout, users, directory, username, password, channelName); err != nil {
		fatalf("bootstrap admin: %v", err)
	}
}

func run(ctx context.Context, out io.Writer, users auth.UserStore, directory channelCreator, username, password, channelName string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("--username is required")
	}
	if len(password) < 8 {
		return fmt.Errorf("--password must be at least 8 characters")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authenticator := auth.NewAuthenticator(users, auth.NewSessionManager(time.Hour), logger)
	admin, err := authenticator.EnsureUser(ctx, username, password, []string{models.RoleAdmin})
	if err != nil {
		return err
	}
	if !admin.HasRole(models.RoleAdmin) {
		return fmt.Errorf("account %s already exists without the admin role", admin.Username)
	}
	fmt.Fprintf(out, "Admin user %s (%s) is ready.\n", admin.Username, admin.ID)

	if name := strings.TrimSpace(channelName); name != "" {
		channel, err := directory.Create(ctx, admin.ID, name)
		if err != nil {
			return fmt.Errorf("create channel: %w", err)
		}
		fmt.Fprintf(out, "Channel %s created with id %d.\n", channel.Name, channel.ID)
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
