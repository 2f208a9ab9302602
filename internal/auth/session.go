package auth

import (
	"context"
	"errors"
	"time"
)

// SessionStore persists session records keyed by the hash of their token.
// Raw tokens never reach a store.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error)
	Delete(ctx context.Context, tokenHash string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// SessionRecord is one issued bearer token.
type SessionRecord struct {
	TokenHash         string
	UserID            string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

func (r SessionRecord) expired(now time.Time) bool {
	absolute := r.AbsoluteExpiresAt
	if absolute.IsZero() {
		absolute = r.ExpiresAt
	}
	return now.After(r.ExpiresAt) || now.After(absolute)
}

type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithTokenLength sets the number of random bytes in new tokens.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout expires sessions that go unused for timeout. Validate slides
// the expiry forward, never past the absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// SessionManager issues and validates bearer tokens.
type SessionManager struct {
	store       SessionStore
	absoluteTTL time.Duration
	idleTimeout time.Duration
	tokenLength int
	now         func() time.Time
}

// NewSessionManager defaults to a 7 day TTL and an in-memory store.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL: ttl,
		tokenLength: 32,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a token for userID. The raw token is returned once and only
// its hash is stored.
func (m *SessionManager) Create(ctx context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, hashed, err := mintToken(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.now()
	absoluteExpiresAt := now.Add(m.absoluteTTL)
	expiresAt := absoluteExpiresAt
	if m.idleTimeout > 0 {
		expiresAt = now.Add(m.idleTimeout)
		if expiresAt.After(absoluteExpiresAt) {
			expiresAt = absoluteExpiresAt
		}
	}
	record := SessionRecord{
		TokenHash:         hashed,
		UserID:            userID,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	}
	if err := m.store.Save(ctx, record); err != nil {
		return "", time.Time{}, err
	}
	return token, record.ExpiresAt, nil
}

// Validate returns the user bound to token. ok is false for unknown or
// expired tokens.
func (m *SessionManager) Validate(ctx context.Context, token string) (string, time.Time, bool, error) {
	if token == "" {
		return "", time.Time{}, false, nil
	}
	hashed, err := tokenDigest(token)
	if err != nil {
		return "", time.Time{}, false, err
	}
	record, ok, err := m.store.Get(ctx, hashed)
	if err != nil || !ok {
		return "", time.Time{}, false, err
	}
	now := m.now()
	if record.expired(now) {
		_ = m.store.Delete(ctx, hashed)
		return "", time.Time{}, false, nil
	}
	expiresAt := record.ExpiresAt
	if m.idleTimeout > 0 {
		absolute := record.AbsoluteExpiresAt
		if absolute.IsZero() {
			absolute = record.ExpiresAt
		}
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(absolute) {
			refreshTo = absolute
		}
		if refreshTo.After(record.ExpiresAt) {
			record.ExpiresAt = refreshTo.UTC()
			if err := m.store.Save(ctx, record); err != nil {
				return "", time.Time{}, false, err
			}
			expiresAt = record.ExpiresAt
		}
	}
	return record.UserID, expiresAt, true, nil
}

func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hashed, err := tokenDigest(token)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, hashed)
}

// PurgeExpired removes expired sessions from the backing store.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now())
}

// Ping checks the store when it exposes a Ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// ErrInvalidUserID is returned when creating a session without a user.
var ErrInvalidUserID = errors.New("userID is required")
