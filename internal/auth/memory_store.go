package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"peertube-live/internal/models"
)

// MemorySessionStore keeps sessions in process. Suitable for a single
// instance deployment.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

func (s *MemorySessionStore) Save(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	s.sessions[record.TokenHash] = record
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, tokenHash string) (SessionRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.sessions[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	delete(s.sessions, tokenHash)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	for hash, record := range s.sessions {
		if record.expired(now) {
			delete(s.sessions, hash)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Ping(context.Context) error {
	return nil
}

// MemoryUserStore keeps accounts in process, indexed by id and by lowercased
// username.
type MemoryUserStore struct {
	mu         sync.RWMutex
	users      map[string]models.User
	byUsername map[string]string
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:      make(map[string]models.User),
		byUsername: make(map[string]string),
	}
}

func (s *MemoryUserStore) Create(_ context.Context, username, password string, roles []string) (models.User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return models.User{}, err
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(username)
	if _, exists := s.byUsername[key]; exists {
		return models.User{}, models.Errorf(models.KindConflict, "create user", "username %s is taken", username)
	}
	user := models.User{
		ID:           newUserID(),
		Username:     username,
		Roles:        normalizeRoles(roles),
		PasswordHash: hashed,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.byUsername[key] = user.ID
	return cloneUser(user), nil
}

func (s *MemoryUserStore) Get(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	user, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return models.User{}, models.Errorf(models.KindNotFound, "get user", "user %s not found", id)
	}
	return cloneUser(user), nil
}

func (s *MemoryUserStore) FindByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return models.User{}, models.Errorf(models.KindNotFound, "find user", "user %s not found", username)
	}
	return cloneUser(s.users[id]), nil
}

func cloneUser(user models.User) models.User {
	user.Roles = append([]string(nil), user.Roles...)
	return user
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles)+1)
	for _, role := range append([]string{models.RoleUser}, roles...) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
