package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedManager(ttl time.Duration, opts ...SessionOption) (*SessionManager, *MemorySessionStore, *fakeClock) {
	store := NewMemorySessionStore()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager := NewSessionManager(ttl, append([]SessionOption{WithStore(store)}, opts...)...)
	manager.now = clock.Now
	return manager, store, clock
}

func mustHash(t *testing.T, token string) string {
	t.Helper()
	digest, err := tokenDigest(token)
	if err != nil {
		t.Fatalf("tokenDigest: %v", err)
	}
	return digest
}

func TestSessionCreateValidateRevoke(t *testing.T) {
	ctx := context.Background()
	manager, _, clock := newClockedManager(time.Hour)

	token, expires, err := manager.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !expires.Equal(want) {
		t.Fatalf("expires = %v, want %v", expires, want)
	}

	userID, _, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok || userID != "u1" {
		t.Fatalf("Validate = %q, %v, %v", userID, ok, err)
	}

	if err := manager.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("revoked token still valid")
	}
	if err := manager.Revoke(ctx, ""); err != nil {
		t.Fatalf("Revoke empty: %v", err)
	}
}

func TestSessionRejectsUnknownAndEmptyTokens(t *testing.T) {
	manager, _, _ := newClockedManager(time.Hour)
	for _, token := range []string{"", "not-issued"} {
		if _, _, ok, err := manager.Validate(context.Background(), token); ok || err != nil {
			t.Fatalf("Validate(%q) = %v, %v", token, ok, err)
		}
	}
}

func TestCreateRequiresUserID(t *testing.T) {
	manager, _, _ := newClockedManager(time.Hour)
	if _, _, err := manager.Create(context.Background(), ""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("err = %v, want ErrInvalidUserID", err)
	}
}

func TestExpiredSessionIsDroppedOnValidate(t *testing.T) {
	ctx := context.Background()
	manager, store, clock := newClockedManager(time.Minute)
	token, _, _ := manager.Create(ctx, "u2")

	clock.Advance(time.Minute + time.Second)
	if _, _, ok, err := manager.Validate(ctx, token); ok || err != nil {
		t.Fatalf("Validate after expiry = %v, %v", ok, err)
	}
	if _, ok, _ := store.Get(ctx, mustHash(t, token)); ok {
		t.Fatal("expired record left in store")
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	manager, store, clock := newClockedManager(time.Minute)
	old, _, _ := manager.Create(ctx, "old")
	clock.Advance(50 * time.Second)
	fresh, _, _ := manager.Create(ctx, "fresh")
	clock.Advance(20 * time.Second)

	if err := manager.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, ok, _ := store.Get(ctx, mustHash(t, old)); ok {
		t.Fatal("expired session survived purge")
	}
	if _, ok, _ := store.Get(ctx, mustHash(t, fresh)); !ok {
		t.Fatal("live session was purged")
	}
}

func TestIdleTimeoutSlidesUpToAbsoluteTTL(t *testing.T) {
	ctx := context.Background()
	manager, store, clock := newClockedManager(10*time.Minute, WithIdleTimeout(4*time.Minute))
	start := clock.Now()

	token, expires, _ := manager.Create(ctx, "u3")
	if !expires.Equal(start.Add(4 * time.Minute)) {
		t.Fatalf("initial expiry = %v", expires)
	}

	clock.Advance(3 * time.Minute)
	_, slid, ok, _ := manager.Validate(ctx, token)
	if !ok || !slid.Equal(start.Add(7*time.Minute)) {
		t.Fatalf("slid expiry = %v, ok %v", slid, ok)
	}
	if record, _, _ := store.Get(ctx, mustHash(t, token)); !record.ExpiresAt.Equal(slid) {
		t.Fatalf("store expiry = %v, want %v", record.ExpiresAt, slid)
	}

	clock.Advance(3 * time.Minute)
	_, capped, ok, _ := manager.Validate(ctx, token)
	if !ok || !capped.Equal(start.Add(10*time.Minute)) {
		t.Fatalf("capped expiry = %v, ok %v", capped, ok)
	}

	clock.Advance(5 * time.Minute)
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("session outlived absolute TTL")
	}
}

func TestIdleSessionExpires(t *testing.T) {
	ctx := context.Background()
	manager, _, clock := newClockedManager(time.Hour, WithIdleTimeout(time.Minute))
	token, _, _ := manager.Create(ctx, "u4")
	clock.Advance(2 * time.Minute)
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("idle session still valid")
	}
}

func TestStoreNeverSeesRawToken(t *testing.T) {
	ctx := context.Background()
	manager, store, _ := newClockedManager(time.Hour)
	token, _, err := manager.Create(ctx, "u5")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok, _ := store.Get(ctx, token); ok {
		t.Fatal("raw token used as store key")
	}
	if _, ok, _ := store.Get(ctx, mustHash(t, token)); !ok {
		t.Fatal("digest missing from store")
	}
}

func TestSharedStoreAcrossManagers(t *testing.T) {
	ctx := context.Background()
	issuer, store, clock := newClockedManager(time.Hour)
	token, _, _ := issuer.Create(ctx, "u6")

	var wg sync.WaitGroup
	failures := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replica := NewSessionManager(time.Hour, WithStore(store))
			replica.now = clock.Now
			if userID, _, ok, err := replica.Validate(ctx, token); err != nil || !ok || userID != "u6" {
				failures <- userID
			}
		}()
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Fatalf("replica rejected shared token (user %q)", f)
	}
}

func TestSkewedReplicaExpiresSessionEverywhere(t *testing.T) {
	ctx := context.Background()
	issuer, store, clock := newClockedManager(time.Hour)
	token, _, _ := issuer.Create(ctx, "u8")

	ahead := &fakeClock{now: clock.Now().Add(2 * time.Hour)}
	skewed := NewSessionManager(time.Hour, WithStore(store))
	skewed.now = ahead.Now
	if _, _, ok, err := skewed.Validate(ctx, token); err != nil || ok {
		t.Fatalf("skewed replica Validate = %v, %v; want rejection", ok, err)
	}
	if _, ok, _ := store.Get(ctx, mustHash(t, token)); ok {
		t.Fatal("expired session left in shared store")
	}
	if _, _, ok, _ := issuer.Validate(ctx, token); ok {
		t.Fatal("issuer still accepts a session another replica expired")
	}
}

func TestWithTokenLength(t *testing.T) {
	manager, _, _ := newClockedManager(time.Hour, WithTokenLength(48))
	token, _, err := manager.Create(context.Background(), "u7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("token length = %d, want 64 base64 chars", len(token))
	}
}
