package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type countingPurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionPurgerPurgesOncePerTick(t *testing.T) {
	purger := &countingPurger{}
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSessionPurger(context.Background(), nil, purger, ticks)
	}()

	ticks <- time.Now()
	ticks <- time.Now()
	ticks <- time.Now()
	close(ticks)
	<-done

	if got := purger.count(); got != 3 {
		t.Fatalf("purges = %d, want 3", got)
	}
}

func TestSessionPurgerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSessionPurger(ctx, nil, &countingPurger{}, make(chan time.Time))
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purger ignored cancellation")
	}
}

func TestSessionPurgerLogsFailures(t *testing.T) {
	buf := &lockedBuffer{}
	ticks := make(chan time.Time, 1)
	ticks <- time.Now()
	close(ticks)

	runSessionPurger(context.Background(), slog.New(slog.NewTextHandler(buf, nil)),
		&countingPurger{err: errors.New("database unavailable")}, ticks)

	if out := buf.String(); !strings.Contains(out, "database unavailable") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("failure not logged: %q", out)
	}
}
