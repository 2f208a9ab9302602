package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"peertube-live/internal/models"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/policy"
	"peertube-live/internal/session"
	"peertube-live/internal/storage"
	"peertube-live/internal/transcode"
)

type stubTranscoder struct {
	transcode.NoopController
	err error
}

func (s stubTranscoder) Start(ctx context.Context, params transcode.StartParams) (transcode.StartResult, error) {
	if s.err != nil {
		return transcode.StartResult{}, s.err
	}
	return transcode.StartResult{PlaybackURL: "https://cdn.example/" + params.LiveUUID + ".m3u8"}, nil
}

type testEnv struct {
	gate     *Gate
	registry *storage.Registry
	policies *policy.MemoryStore
	sessions *session.Machine
	recorder *metrics.Recorder
}

func openPolicy() models.LivePolicy {
	return models.LivePolicy{Enabled: true, MaxInstanceLives: -1, MaxUserLives: -1, AllowReplay: true}
}

func newTestEnv(t *testing.T, initial models.LivePolicy, transcoder transcode.Controller) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := storage.NewRegistry(context.Background())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	recorder := metrics.New()
	sessions, err := session.NewMachine(session.Dependencies{
		Registry:   registry,
		Transcoder: transcoder,
		Logger:     logger,
		Metrics:    recorder,
	}, session.Config{})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	policies := policy.NewMemoryStore(initial)
	gate, err := NewGate(Dependencies{
		Registry: registry,
		Policies: policies,
		Sessions: sessions,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		t.Fatalf("NewGate returned error: %v", err)
	}
	return &testEnv{gate: gate, registry: registry, policies: policies, sessions: sessions, recorder: recorder}
}

func (e *testEnv) createLive(t *testing.T, owner string, permanent bool) models.LiveVideo {
	t.Helper()
	live, err := e.registry.Create(context.Background(), models.LiveVideo{
		OwnerID:       owner,
		ChannelID:     1,
		Name:          "live of " + owner,
		Privacy:       models.PrivacyPublic,
		PermanentLive: permanent,
	}, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return live
}

func (e *testEnv) state(t *testing.T, id int64) models.LiveState {
	t.Helper()
	live, err := e.registry.Get(storage.RefByID(id))
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	return live.State
}

func TestAcceptConnectionStartsSession(t *testing.T) {
	env := newTestEnv(t, openPolicy(), nil)
	live := env.createLive(t, "alice", false)

	h, err := env.gate.AcceptConnection(context.Background(), " "+live.StreamKey+" ")
	if err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	if h.LiveID() != live.ID {
		t.Fatalf("expected handle for live %d, got %d", live.ID, h.LiveID())
	}
	if got := env.state(t, live.ID); got != models.StateStreaming {
		t.Fatalf("expected streaming, got %s", got)
	}

	if err := env.gate.Publish(context.Background(), h); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if got := env.state(t, live.ID); got != models.StatePublished {
		t.Fatalf("expected published, got %s", got)
	}
	if err := h.Close(session.CauseDisconnect); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if got := env.state(t, live.ID); got != models.StateEnded {
		t.Fatalf("expected ended, got %s", got)
	}
	if env.recorder.IngestDecisions()[ReasonAccepted] != 1 {
		t.Fatalf("expected one accepted decision, got %v", env.recorder.IngestDecisions())
	}
}

func TestAcceptConnectionRefusals(t *testing.T) {
	env := newTestEnv(t, openPolicy(), nil)
	ctx := context.Background()

	if _, err := env.gate.AcceptConnection(ctx, "not-a-key"); !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("expected not found for unknown key, got %v", err)
	}

	ended := env.createLive(t, "alice", false)
	h, err := env.gate.AcceptConnection(ctx, ended.StreamKey)
	if err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	_ = h.Close(session.CauseDisconnect)
	if _, err := env.gate.AcceptConnection(ctx, ended.StreamKey); !models.IsKind(err, models.KindConflict) {
		t.Fatalf("expected conflict for ended non-permanent live, got %v", err)
	}

	errored := env.createLive(t, "alice", true)
	h, err = env.gate.AcceptConnection(ctx, errored.StreamKey)
	if err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	_ = h.Close(session.CauseProtocolError)
	if _, err := env.gate.AcceptConnection(ctx, errored.StreamKey); !models.IsKind(err, models.KindConflict) {
		t.Fatalf("expected conflict for errored live, got %v", err)
	}

	disabled := openPolicy()
	disabled.Enabled = false
	if err := env.policies.Update(ctx, disabled); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	fresh := env.createLive(t, "alice", false)
	if _, err := env.gate.AcceptConnection(ctx, fresh.StreamKey); !models.IsKind(err, models.KindForbidden) {
		t.Fatalf("expected forbidden while disabled, got %v", err)
	}
	if got := env.state(t, fresh.ID); got != models.StateReady {
		t.Fatalf("expected refused live to stay ready, got %s", got)
	}

	decisions := env.recorder.IngestDecisions()
	if decisions[ReasonUnknownKey] != 1 || decisions[ReasonConflict] != 2 || decisions[ReasonDisabled] != 1 {
		t.Fatalf("unexpected decisions %v", decisions)
	}
}

func TestAcceptConnectionQuotas(t *testing.T) {
	limited := openPolicy()
	limited.MaxUserLives = 1
	limited.MaxInstanceLives = 2
	env := newTestEnv(t, limited, nil)
	ctx := context.Background()

	first := env.createLive(t, "alice", false)
	second := env.createLive(t, "alice", false)
	bobs := env.createLive(t, "bob", false)
	carols := env.createLive(t, "carol", false)

	if _, err := env.gate.AcceptConnection(ctx, first.StreamKey); err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	if _, err := env.gate.AcceptConnection(ctx, second.StreamKey); !models.IsKind(err, models.KindForbidden) {
		t.Fatalf("expected user quota refusal, got %v", err)
	}
	if _, err := env.gate.AcceptConnection(ctx, bobs.StreamKey); err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	if _, err := env.gate.AcceptConnection(ctx, carols.StreamKey); !models.IsKind(err, models.KindForbidden) {
		t.Fatalf("expected instance quota refusal, got %v", err)
	}
	if counters := env.registry.Counters(); counters.InstanceActive != 2 {
		t.Fatalf("expected two active sessions, got %+v", counters)
	}
	if env.recorder.IngestDecisions()[ReasonQuota] != 2 {
		t.Fatalf("expected two quota refusals, got %v", env.recorder.IngestDecisions())
	}
}

func TestConcurrentConnectionsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t, openPolicy(), nil)
	live := env.createLive(t, "alice", true)

	const attempts = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*session.Handle
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := env.gate.AcceptConnection(context.Background(), live.StreamKey)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, h)
			case models.IsKind(err, models.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || conflicts != attempts-1 {
		t.Fatalf("expected one winner and %d conflicts, got %d and %d", attempts-1, len(winners), conflicts)
	}
	if counters := env.registry.Counters(); counters.InstanceActive != 1 {
		t.Fatalf("expected one active session, got %+v", counters)
	}
	_ = winners[0].Close(session.CauseDisconnect)
	if _, err := env.gate.AcceptConnection(context.Background(), live.StreamKey); err != nil {
		t.Fatalf("expected re-armed permanent live to accept again, got %v", err)
	}
}

func TestDisablingPolicyKeepsRunningSessions(t *testing.T) {
	env := newTestEnv(t, openPolicy(), nil)
	ctx := context.Background()
	live := env.createLive(t, "alice", false)

	h, err := env.gate.AcceptConnection(ctx, live.StreamKey)
	if err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	disabled := openPolicy()
	disabled.Enabled = false
	disabled.MaxInstanceLives = 0
	if err := env.policies.Update(ctx, disabled); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	select {
	case <-h.Done():
		t.Fatal("policy change must not end a running session")
	default:
	}
	if got := env.state(t, live.ID); got != models.StateStreaming {
		t.Fatalf("expected streaming, got %s", got)
	}
	if err := env.gate.Publish(ctx, h); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if got := env.state(t, live.ID); got != models.StatePublished {
		t.Fatalf("expected published, got %s", got)
	}
}

func TestPublishFailureEndsInErrored(t *testing.T) {
	env := newTestEnv(t, openPolicy(), stubTranscoder{err: errors.New("packager down")})
	live := env.createLive(t, "alice", false)

	h, err := env.gate.AcceptConnection(context.Background(), live.StreamKey)
	if err != nil {
		t.Fatalf("AcceptConnection returned error: %v", err)
	}
	if err := env.gate.Publish(context.Background(), h); err == nil {
		t.Fatal("expected packaging failure")
	}
	<-h.Done()
	if h.Cause() != session.CauseInternal {
		t.Fatalf("expected internal cause, got %s", h.Cause())
	}
	if got := env.state(t, live.ID); got != models.StateErrored {
		t.Fatalf("expected errored, got %s", got)
	}
	if counters := env.registry.Counters(); counters.InstanceActive != 0 {
		t.Fatalf("expected no active sessions, got %+v", counters)
	}
}

// rearmingPolicies ends the running session on the first policy read, which
// falls between the gate's key lookup and its session start.
type rearmingPolicies struct {
	policy.Store
	once   sync.Once
	handle *session.Handle
}

func (p *rearmingPolicies) Get(ctx context.Context) (models.LivePolicy, error) {
	p.once.Do(func() { _ = p.handle.Close(session.CauseDisconnect) })
	return p.Store.Get(ctx)
}

func TestAcceptConnectionRefusesKeyRotatedDuringAdmission(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := storage.NewRegistry(context.Background())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	recorder := metrics.New()
	sessions, err := session.NewMachine(session.Dependencies{
		Registry: registry,
		Logger:   logger,
		Metrics:  recorder,
	}, session.Config{RotateKeyOnRearm: true})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	live, err := registry.Create(context.Background(), models.LiveVideo{
		OwnerID:       "alice",
		ChannelID:     1,
		Name:          "permanent live",
		Privacy:       models.PrivacyPublic,
		PermanentLive: true,
	}, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	running, err := sessions.Begin(context.Background(), live.ID, nil)
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	policies := &rearmingPolicies{Store: policy.NewMemoryStore(openPolicy()), handle: running}
	gate, err := NewGate(Dependencies{
		Registry: registry,
		Policies: policies,
		Sessions: sessions,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		t.Fatalf("NewGate returned error: %v", err)
	}

	if _, err := gate.AcceptConnection(context.Background(), live.StreamKey); !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("expected stale key to be refused as unknown, got %v", err)
	}
	current, _ := registry.Get(storage.RefByID(live.ID))
	if current.State != models.StateReady || current.StreamKey == live.StreamKey {
		t.Fatalf("expected READY with a rotated key, got %s %q", current.State, current.StreamKey)
	}
	if recorder.IngestDecisions()[ReasonUnknownKey] != 1 {
		t.Fatalf("expected one unknown-key refusal, got %v", recorder.IngestDecisions())
	}

	h, err := gate.AcceptConnection(context.Background(), current.StreamKey)
	if err != nil {
		t.Fatalf("AcceptConnection with rotated key returned error: %v", err)
	}
	_ = h.Close(session.CauseDisconnect)
}
