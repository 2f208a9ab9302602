package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"peertube-live/internal/models"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("authentication required")

// UserStore looks up and creates accounts.
type UserStore interface {
	Create(ctx context.Context, username, password string, roles []string) (models.User, error)
	Get(ctx context.Context, id string) (models.User, error)
	FindByUsername(ctx context.Context, username string) (models.User, error)
}

// Authenticator turns credentials into tokens and tokens into identities.
type Authenticator struct {
	users    UserStore
	sessions *SessionManager
	logger   *slog.Logger
}

func NewAuthenticator(users UserStore, sessions *SessionManager, logger *slog.Logger) *Authenticator {
	if sessions == nil {
		sessions = NewSessionManager(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{users: users, sessions: sessions, logger: logger}
}

// Login checks the password and issues a session token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, time.Time, models.User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", time.Time{}, models.User{}, ErrInvalidCredentials
	}
	user, err := a.users.FindByUsername(ctx, username)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return "", time.Time{}, models.User{}, ErrInvalidCredentials
		}
		return "", time.Time{}, models.User{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return "", time.Time{}, models.User{}, err
	}
	token, expiresAt, err := a.sessions.Create(ctx, user.ID)
	if err != nil {
		return "", time.Time{}, models.User{}, err
	}
	return token, expiresAt, user, nil
}

// Identify resolves a bearer token. Unknown, expired and orphaned tokens all
// yield ErrUnauthenticated.
func (a *Authenticator) Identify(ctx context.Context, token string) (models.Identity, error) {
	userID, _, ok, err := a.sessions.Validate(ctx, token)
	if err != nil {
		return models.Identity{}, err
	}
	if !ok {
		return models.Identity{}, ErrUnauthenticated
	}
	user, err := a.users.Get(ctx, userID)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return models.Identity{}, ErrUnauthenticated
		}
		return models.Identity{}, err
	}
	return user.Identity(), nil
}

func (a *Authenticator) Logout(ctx context.Context, token string) error {
	return a.sessions.Revoke(ctx, token)
}

// Sessions exposes the manager for the purge worker.
func (a *Authenticator) Sessions() *SessionManager {
	return a.sessions
}

// EnsureUser creates username with roles unless it already exists. Used to
// bootstrap the administrator account from configuration.
func (a *Authenticator) EnsureUser(ctx context.Context, username, password string, roles []string) (models.User, error) {
	existing, err := a.users.FindByUsername(ctx, username)
	if err == nil {
		return existing, nil
	}
	if !models.IsKind(err, models.KindNotFound) {
		return models.User{}, err
	}
	user, err := a.users.Create(ctx, username, password, roles)
	if models.IsKind(err, models.KindConflict) {
		return a.users.FindByUsername(ctx, username)
	}
	if err != nil {
		return models.User{}, err
	}
	a.logger.Info("account created", "user_id", user.ID, "username", user.Username, "roles", strings.Join(user.Roles, ","))
	return user, nil
}

func newUserID() string {
	return uuid.NewString()
}
