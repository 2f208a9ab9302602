package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"peertube-live/internal/models"
)

// PostgresPersister stores each live as a row keyed by id with the full
// record in a JSONB payload. The lookup columns are kept for operators and
// for the unique constraints on the alternate keys.
type PostgresPersister struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

const liveVideosSchema = `
CREATE TABLE IF NOT EXISTS live_videos (
	id          BIGINT PRIMARY KEY,
	uuid        TEXT NOT NULL UNIQUE,
	short_uuid  TEXT NOT NULL UNIQUE,
	stream_key  TEXT NOT NULL UNIQUE,
	owner_id    TEXT NOT NULL,
	channel_id  BIGINT NOT NULL,
	state       TEXT NOT NULL,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`

// NewPostgresPersister opens the pool described by dsn and opts.
func NewPostgresPersister(ctx context.Context, dsn string, opts ...Option) (*PostgresPersister, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresPersister{pool: pool, cfg: cfg}, nil
}

// Pool exposes the underlying pool so other Postgres-backed stores can share it.
func (p *PostgresPersister) Pool() *pgxpool.Pool {
	if p == nil {
		return nil
	}
	return p.pool
}

// Migrate creates the live_videos table when missing.
func (p *PostgresPersister) Migrate(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, liveVideosSchema); err != nil {
		return fmt.Errorf("migrate live_videos: %w", err)
	}
	return nil
}

func (p *PostgresPersister) Load(ctx context.Context) (Snapshot, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, `SELECT payload FROM live_videos ORDER BY id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load lives: %w", err)
	}
	defer rows.Close()

	var snapshot Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return Snapshot{}, fmt.Errorf("scan live: %w", err)
		}
		var live models.LiveVideo
		if err := json.Unmarshal(payload, &live); err != nil {
			return Snapshot{}, fmt.Errorf("decode live: %w", err)
		}
		snapshot.Lives = append(snapshot.Lives, live)
		if live.ID > snapshot.NextID {
			snapshot.NextID = live.ID
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate lives: %w", err)
	}

	return snapshot, nil
}

func (p *PostgresPersister) Save(ctx context.Context, video models.LiveVideo) error {
	payload, err := json.Marshal(video)
	if err != nil {
		return fmt.Errorf("encode live: %w", err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err = p.pool.Exec(ctx, `
INSERT INTO live_videos (id, uuid, short_uuid, stream_key, owner_id, channel_id, state, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	stream_key = EXCLUDED.stream_key,
	state = EXCLUDED.state,
	payload = EXCLUDED.payload,
	updated_at = EXCLUDED.updated_at`,
		video.ID, video.UUID, video.ShortUUID, video.StreamKey, video.OwnerID, video.ChannelID,
		video.State.String(), payload, video.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save live %d: %w", video.ID, err)
	}
	return nil
}

func (p *PostgresPersister) Delete(ctx context.Context, id int64) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	// Rows are tombstoned rather than removed so ids are never reused.
	_, err := p.pool.Exec(ctx, `
UPDATE live_videos
SET state = 'deleted', payload = jsonb_set(payload, '{state}', '"deleted"'), updated_at = now()
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete live %d: %w", id, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (p *PostgresPersister) Ping(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *PostgresPersister) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *PostgresPersister) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.AcquireTimeout)
}
