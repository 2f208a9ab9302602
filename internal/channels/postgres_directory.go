package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peertube-live/internal/models"
)

// PostgresDirectory reads channel ownership from the video_channels table
// maintained by the rest of the platform.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

const videoChannelsSchema = `
CREATE TABLE IF NOT EXISTS video_channels (
	id          BIGSERIAL PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresDirectory wraps an existing pool. The pool is owned by the caller.
func NewPostgresDirectory(pool *pgxpool.Pool) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool required")
	}
	return &PostgresDirectory{pool: pool}, nil
}

// Migrate creates the video_channels table when missing.
func (d *PostgresDirectory) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, videoChannelsSchema); err != nil {
		return fmt.Errorf("migrate video_channels: %w", err)
	}
	return nil
}

// Create inserts a channel and returns it with its assigned id.
func (d *PostgresDirectory) Create(ctx context.Context, ownerID, name string) (models.Channel, error) {
	channel := models.Channel{OwnerID: ownerID, Name: name}
	row := d.pool.QueryRow(ctx, `
INSERT INTO video_channels (owner_id, name)
VALUES ($1, $2)
RETURNING id, created_at
`, ownerID, name)
	if err := row.Scan(&channel.ID, &channel.CreatedAt); err != nil {
		return models.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return channel, nil
}

func (d *PostgresDirectory) Get(ctx context.Context, channelID int64) (models.Channel, error) {
	row := d.pool.QueryRow(ctx, `
SELECT id, owner_id, name, created_at
FROM video_channels
WHERE id = $1
`, channelID)
	var channel models.Channel
	if err := row.Scan(&channel.ID, &channel.OwnerID, &channel.Name, &channel.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Channel{}, models.Errorf(models.KindNotFound, "get channel", "channel %d not found", channelID)
		}
		return models.Channel{}, fmt.Errorf("query channel %d: %w", channelID, err)
	}
	return channel, nil
}
