package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"peertube-live/internal/models"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS live_users (
	id             TEXT PRIMARY KEY,
	username       TEXT NOT NULL,
	username_key   TEXT NOT NULL UNIQUE,
	roles          TEXT[] NOT NULL DEFAULT '{}',
	password_hash  TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS live_auth_sessions (
	token_hash           TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	expires_at           TIMESTAMPTZ NOT NULL,
	absolute_expires_at  TIMESTAMPTZ NOT NULL
)`

const uniqueViolation = "23505"

// MigrateSchema creates the account and session tables when missing.
func MigrateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool required")
	}
	if _, err := pool.Exec(ctx, authSchema); err != nil {
		return fmt.Errorf("migrate auth tables: %w", err)
	}
	return nil
}

// PostgresSessionStore lets several API replicas share authentication state.
// The pool is owned by the caller.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionStore(pool *pgxpool.Pool) (*PostgresSessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres session pool required")
	}
	return &PostgresSessionStore{pool: pool}, nil
}

func (s *PostgresSessionStore) Save(ctx context.Context, record SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO live_auth_sessions (token_hash, user_id, expires_at, absolute_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
`, record.TokenHash, record.UserID, record.ExpiresAt.UTC(), record.AbsoluteExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error) {
	record := SessionRecord{TokenHash: tokenHash}
	err := s.pool.QueryRow(ctx, `
SELECT user_id, expires_at, absolute_expires_at
FROM live_auth_sessions
WHERE token_hash = $1
`, tokenHash).Scan(&record.UserID, &record.ExpiresAt, &record.AbsoluteExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	return record, true, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM live_auth_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *PostgresSessionStore) PurgeExpired(ctx context.Context, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM live_auth_sessions
WHERE expires_at <= $1 OR absolute_expires_at <= $1
`, now.UTC())
	return err
}

func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PostgresUserStore keeps accounts in the live_users table.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUserStore(pool *pgxpool.Pool) (*PostgresUserStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres user pool required")
	}
	return &PostgresUserStore{pool: pool}, nil
}

func (s *PostgresUserStore) Create(ctx context.Context, username, password string, roles []string) (models.User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return models.User{}, err
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           newUserID(),
		Username:     username,
		Roles:        normalizeRoles(roles),
		PasswordHash: hashed,
	}
	err = s.pool.QueryRow(ctx, `
INSERT INTO live_users (id, username, username_key, roles, password_hash)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at
`, user.ID, user.Username, strings.ToLower(user.Username), user.Roles, user.PasswordHash).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.User{}, models.Errorf(models.KindConflict, "create user", "username %s is taken", username)
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresUserStore) Get(ctx context.Context, id string) (models.User, error) {
	user, err := s.scanUser(s.pool.QueryRow(ctx, `
SELECT id, username, roles, password_hash, created_at FROM live_users WHERE id = $1
`, id))
	if isNoRows(err) {
		return models.User{}, models.Errorf(models.KindNotFound, "get user", "user %s not found", id)
	}
	return user, err
}

func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (models.User, error) {
	user, err := s.scanUser(s.pool.QueryRow(ctx, `
SELECT id, username, roles, password_hash, created_at FROM live_users WHERE username_key = $1
`, strings.ToLower(strings.TrimSpace(username))))
	if isNoRows(err) {
		return models.User{}, models.Errorf(models.KindNotFound, "find user", "user %s not found", username)
	}
	return user, err
}

func (s *PostgresUserStore) scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Roles, &user.PasswordHash, &user.CreatedAt); err != nil {
		if isNoRows(err) {
			return models.User{}, err
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
