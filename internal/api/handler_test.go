package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"peertube-live/internal/admission"
	"peertube-live/internal/auth"
	"peertube-live/internal/channels"
	"peertube-live/internal/events"
	"peertube-live/internal/models"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/policy"
	"peertube-live/internal/session"
	"peertube-live/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type testEnv struct {
	handler  *Handler
	router   http.Handler
	registry *storage.Registry
	policies *policy.MemoryStore
	machine  *session.Machine
	queue    events.Queue

	aliceToken   string
	bobToken     string
	rootToken    string
	aliceChannel int64
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	registry, err := storage.NewRegistry(ctx)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	policies := policy.NewMemoryStore(models.LivePolicy{Enabled: true, MaxInstanceLives: 20, MaxUserLives: 20, AllowReplay: true})
	queue := events.NewMemoryQueue(64)
	recorder := metrics.New()

	users := auth.NewMemoryUserStore()
	authenticator := auth.NewAuthenticator(users, auth.NewSessionManager(time.Hour), discardLogger())
	alice, err := authenticator.EnsureUser(ctx, "alice", "alice-password", nil)
	if err != nil {
		t.Fatalf("EnsureUser returned error: %v", err)
	}
	if _, err := authenticator.EnsureUser(ctx, "bob", "bob-password", nil); err != nil {
		t.Fatalf("EnsureUser returned error: %v", err)
	}
	if _, err := authenticator.EnsureUser(ctx, "root", "root-password", []string{models.RoleAdmin}); err != nil {
		t.Fatalf("EnsureUser returned error: %v", err)
	}

	dir := channels.NewMemoryDirectory()
	channel, err := dir.Create(alice.ID, "alice_channel")
	if err != nil {
		t.Fatalf("Create channel returned error: %v", err)
	}

	controller, err := admission.NewController(admission.Dependencies{
		Registry: registry,
		Policies: policies,
		Channels: dir,
		Events:   queue,
		Logger:   discardLogger(),
		Metrics:  recorder,
	}, admission.Config{})
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}
	machine, err := session.NewMachine(session.Dependencies{
		Registry: registry,
		Events:   queue,
		Logger:   discardLogger(),
		Metrics:  recorder,
	}, session.Config{})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}

	h := &Handler{
		Admission:         controller,
		Sessions:          machine,
		Policies:          policies,
		Auth:              authenticator,
		Events:            queue,
		RTMPURL:           "rtmp://live.example:1935/live",
		EventPingInterval: time.Second,
		Logger:            discardLogger(),
		Metrics:           recorder,
	}
	env := &testEnv{
		handler:      h,
		router:       newRouter(h),
		registry:     registry,
		policies:     policies,
		machine:      machine,
		queue:        queue,
		aliceChannel: channel.ID,
	}
	env.aliceToken = env.login(t, "alice", "alice-password")
	env.bobToken = env.login(t, "bob", "bob-password")
	env.rootToken = env.login(t, "root", "root-password")
	return env
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Post("/api/v1/users/token", h.Login)
	r.Group(func(r chi.Router) {
		r.Use(h.RequireIdentity)
		r.Post("/api/v1/users/revoke-token", h.RevokeToken)
		r.Route("/api/v1/videos/live", func(r chi.Router) {
			r.Post("/", h.CreateLive)
			r.Get("/{id}", h.GetLive)
			r.Put("/{id}", h.UpdateLive)
			r.Delete("/{id}", h.DeleteLive)
			r.Post("/{id}/end", h.EndLive)
			r.Get("/{id}/events", h.LiveEvents)
		})
		r.With(h.RequireAdmin).Get("/api/v1/config/live", h.GetLiveConfig)
		r.With(h.RequireAdmin).Put("/api/v1/config/live", h.UpdateLiveConfig)
	})
	return r
}

func (env *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	token, _, _, err := env.handler.Auth.Login(context.Background(), username, password)
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	return token
}

func (env *testEnv) do(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) createLive(t *testing.T, body map[string]interface{}) createdVideo {
	t.Helper()
	if body == nil {
		body = map[string]interface{}{}
	}
	if _, ok := body["name"]; !ok {
		body["name"] = "my live"
	}
	if _, ok := body["channelId"]; !ok {
		body["channelId"] = env.aliceChannel
	}
	rec := env.do(t, http.MethodPost, "/api/v1/videos/live", env.aliceToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 creating live, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Video createdVideo `json:"video"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.Video.ID == 0 || resp.Video.UUID == "" || resp.Video.ShortUUID == "" {
		t.Fatalf("unexpected create response: %+v", resp.Video)
	}
	return resp.Video
}

func livePath(ref string) string {
	return "/api/v1/videos/live/" + ref
}

func decodeLive(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode live response: %v", err)
	}
	return body
}

func TestLiveEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, livePath("1"), "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, livePath("1"), "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown token, got %d", rec.Code)
	}
}

func TestCreateAndFetchLiveByEveryReference(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, map[string]interface{}{"saveReplay": true})

	for _, ref := range []string{strconv.FormatInt(created.ID, 10), created.UUID, created.ShortUUID} {
		rec := env.do(t, http.MethodGet, livePath(ref), env.aliceToken, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d: %s", ref, rec.Code, rec.Body.String())
		}
		live := decodeLive(t, rec)
		if live["state"] != "ready" || live["rtmpUrl"] != "rtmp://live.example:1935/live" {
			t.Fatalf("unexpected live for %s: %v", ref, live)
		}
		if key, _ := live["streamKey"].(string); key == "" {
			t.Fatalf("expected stream key for %s", ref)
		}
		if live["saveReplay"] != true {
			t.Fatalf("expected saveReplay to be kept, got %v", live["saveReplay"])
		}
	}

	if rec := env.do(t, http.MethodGet, livePath(created.UUID), env.rootToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected admin to read any live, got %d", rec.Code)
	}
}

func TestGetLiveErrors(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, nil)

	tests := []struct {
		name   string
		ref    string
		token  string
		status int
	}{
		{name: "malformed reference", ref: "toto", token: env.aliceToken, status: http.StatusBadRequest},
		{name: "unknown id", ref: "99999", token: env.aliceToken, status: http.StatusNotFound},
		{name: "unknown uuid", ref: "4f5e8c9a-0d8e-4a1c-9c3e-2b7d6f1a0e55", token: env.aliceToken, status: http.StatusNotFound},
		{name: "another account", ref: created.UUID, token: env.bobToken, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, livePath(tt.ref), tt.token, nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("expected JSON error body, got %v (%v)", body, err)
			}
		})
	}
}

func TestCreateLiveRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/videos/live", env.aliceToken, map[string]interface{}{
		"name": "my live", "channelId": env.aliceChannel, "unknownField": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/videos/live", env.aliceToken, map[string]interface{}{
		"name": "my live", "channelId": env.aliceChannel, "saveReplay": true, "permanentLive": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for replay on permanent live, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/videos/live", env.bobToken, map[string]interface{}{
		"name": "my live", "channelId": env.aliceChannel,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on another user's channel, got %d", rec.Code)
	}
}

func TestCreateLiveMultipartWithThumbnail(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":          "multipart live",
		"channelId":     strconv.FormatInt(env.aliceChannel, 10),
		"privacy":       "2",
		"permanentLive": "true",
		"tags[]":        "music",
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			t.Fatalf("WriteField returned error: %v", err)
		}
	}
	part, err := form.CreateFormFile("thumbnailfile", "thumb.png")
	if err != nil {
		t.Fatalf("CreateFormFile returned error: %v", err)
	}
	if _, err := part.Write(pngHeader); err != nil {
		t.Fatalf("write thumbnail: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/videos/live", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.aliceToken)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Video createdVideo `json:"video"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	live, err := env.registry.Get(storage.RefByID(resp.Video.ID))
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !live.PermanentLive || live.Privacy != models.PrivacyUnlisted || live.Name != "multipart live" {
		t.Fatalf("unexpected live: %+v", live)
	}
	if len(live.Tags) != 1 || live.Tags[0] != "music" {
		t.Fatalf("expected bracketed tags to be read, got %v", live.Tags)
	}
}

func TestCreateLiveMultipartRejectsBadField(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("name", "multipart live")
	_ = form.WriteField("channelId", "abc")
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/videos/live", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.aliceToken)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateAndDeleteLive(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, nil)
	path := livePath(created.ShortUUID)

	rec := env.do(t, http.MethodPut, path, env.aliceToken, map[string]interface{}{"name": "renamed live", "saveReplay": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	live, _ := env.registry.Get(storage.RefByID(created.ID))
	if live.Name != "renamed live" || !live.SaveReplay {
		t.Fatalf("update not applied: %+v", live)
	}

	rec = env.do(t, http.MethodPut, path, env.bobToken, map[string]interface{}{"name": "stolen"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, path, env.aliceToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, path, env.aliceToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestUpdateLiveAfterStreamingConflicts(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, nil)

	h, err := env.machine.Begin(context.Background(), created.ID, nil)
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	defer h.Close(session.CauseDisconnect)

	rec := env.do(t, http.MethodPut, livePath(created.UUID), env.aliceToken, map[string]interface{}{"name": "too late"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodDelete, livePath(created.UUID), env.aliceToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting a streaming live, got %d", rec.Code)
	}
}

func TestEndLive(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, nil)
	path := livePath(strconv.FormatInt(created.ID, 10)) + "/end"

	rec := env.do(t, http.MethodPost, path, env.aliceToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a live that is not streaming, got %d", rec.Code)
	}

	h, err := env.machine.Begin(context.Background(), created.ID, nil)
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	rec = env.do(t, http.MethodPost, path, env.bobToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another account, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, path, env.aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if live := decodeLive(t, rec); live["state"] != "ended" {
		t.Fatalf("expected ended live, got %v", live["state"])
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected the session handle to be closed")
	}
	if h.Cause() != session.CauseForceEnd {
		t.Fatalf("expected force_end cause, got %s", h.Cause())
	}
}

func TestLiveConfigIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/v1/config/live", env.aliceToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non admin, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/v1/config/live", env.rootToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got liveConfigResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if !got.Live.Enabled || got.Live.MaxUserLives != 20 {
		t.Fatalf("unexpected config: %+v", got.Live)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/config/live", env.rootToken, map[string]interface{}{
		"live": map[string]interface{}{"enabled": false, "maxUserLives": -5},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	current, _ := env.policies.Get(context.Background())
	if current.Enabled || current.MaxUserLives != -1 || current.MaxInstanceLives != 20 || !current.AllowReplay {
		t.Fatalf("unexpected policy after patch: %+v", current)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/videos/live", env.aliceToken, map[string]interface{}{
		"name": "my live", "channelId": env.aliceChannel,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with lives disabled, got %d", rec.Code)
	}
}

func TestLoginAndRevoke(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/users/token", "", map[string]string{
		"username": "alice", "password": "alice-password", "grant_type": "password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var token tokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if token.AccessToken == "" || token.TokenType != "Bearer" || token.ExpiresIn <= 0 {
		t.Fatalf("unexpected token response: %+v", token)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/users/token", "", map[string]string{"username": "alice", "password": "wrong-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/users/token", "", map[string]string{
		"username": "alice", "password": "alice-password", "grant_type": "client_credentials",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported grant, got %d", rec.Code)
	}

	form := url.Values{"username": {"bob"}, "password": {"bob-password"}, "grant_type": {"password"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	formRec := httptest.NewRecorder()
	env.router.ServeHTTP(formRec, req)
	if formRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for form login, got %d: %s", formRec.Code, formRec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/users/revoke-token", token.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, livePath("1"), token.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be refused, got %d", rec.Code)
	}
}

func TestHealthReportsDegradedDependency(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Checks = []HealthCheck{
		{Component: "postgres", Ping: func(context.Context) error { return nil }},
		{Component: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
	}

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Services []componentStatus `json:"services"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "degraded" || len(body.Services) != 2 || body.Services[1].Error != "connection refused" {
		t.Fatalf("unexpected health body: %+v", body)
	}

	env.handler.Checks = env.handler.Checks[:1]
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once healthy, got %d", rec.Code)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline returned error: %v", err)
	}
	var event events.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON returned error: %v", err)
	}
	return event
}

func TestLiveEventsStreamsSnapshotAndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, nil)
	other := env.createLive(t, nil)

	server := httptest.NewServer(env.router)
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + livePath(created.UUID) + "/events?access_token=" + url.QueryEscape(env.aliceToken)
	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	snapshot := readEvent(t, conn)
	if snapshot.Type != events.TypeLiveSnapshot || snapshot.LiveID != created.ID || snapshot.State != "ready" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	ctx := context.Background()
	if h, err := env.machine.Begin(ctx, other.ID, nil); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	} else {
		defer h.Close(session.CauseDisconnect)
	}
	h, err := env.machine.Begin(ctx, created.ID, nil)
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	started := readEvent(t, conn)
	if started.Type != events.TypeStateChanged || started.LiveID != created.ID || started.State != "streaming" {
		t.Fatalf("expected streaming transition of the watched live only, got %+v", started)
	}

	if err := h.Close(session.CauseDisconnect); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	ended := readEvent(t, conn)
	if ended.State != "ended" || ended.Cause != string(session.CauseDisconnect) {
		t.Fatalf("unexpected end event: %+v", ended)
	}

	if rec := env.do(t, http.MethodDelete, livePath(created.UUID), env.aliceToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	deleted := readEvent(t, conn)
	if deleted.Type != events.TypeLiveDeleted {
		t.Fatalf("expected delete event, got %+v", deleted)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure after delete, got %v", err)
	}
}

func TestLiveEventsRefusesOtherAccounts(t *testing.T) {
	env := newTestEnv(t)
	created := env.createLive(t, nil)

	server := httptest.NewServer(env.router)
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + livePath(created.UUID) + "/events?access_token=" + url.QueryEscape(env.bobToken)
	_, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %v", resp)
	}
}
