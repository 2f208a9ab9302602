// Command server runs the live API, the RTMP ingest listener and the
// background workers of peertube-live.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"peertube-live/internal/admission"
	"peertube-live/internal/api"
	"peertube-live/internal/auth"
	"peertube-live/internal/channels"
	"peertube-live/internal/config"
	"peertube-live/internal/events"
	"peertube-live/internal/ingest"
	"peertube-live/internal/models"
	"peertube-live/internal/observability/logging"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/policy"
	"peertube-live/internal/replay"
	"peertube-live/internal/server"
	"peertube-live/internal/session"
	"peertube-live/internal/storage"
	"peertube-live/internal/transcode"
)

type flagOverrides struct {
	addr        string
	rtmpAddr    string
	logLevel    string
	postgresDSN string
	redisAddr   string
	dataPath    string
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	envFile := flag.String("env-file", "", "path to a .env file (defaults to ./.env when present)")
	var overrides flagOverrides
	flag.StringVar(&overrides.addr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.rtmpAddr, "rtmp-addr", "", "RTMP listen address")
	flag.StringVar(&overrides.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&overrides.redisAddr, "redis-addr", "", "Redis address for the policy store, events and login throttling")
	flag.StringVar(&overrides.dataPath, "data", "", "JSON file used for lives when Postgres is not configured")
	flag.Parse()

	envLoaded, envErr := config.LoadEnvFile(firstNonEmpty(*envFile, os.Getenv("PEERTUBE_LIVE_ENV_FILE")))
	cfg, err := config.Load(firstNonEmpty(*configPath, os.Getenv("PEERTUBE_LIVE_CONFIG")))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg, overrides)

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if envErr != nil {
		logger.Warn("env file not loaded", "error", envErr)
	} else if envLoaded != "" {
		logger.Info("env file loaded", "path", envLoaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}
	logger.Info("starting peertube-live", newStartupSummary(cfg).LogArgs()...)
	err = a.run(ctx)
	a.close()
	if err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func applyFlagOverrides(cfg *config.Config, o flagOverrides) {
	cfg.Server.Addr = firstNonEmpty(o.addr, cfg.Server.Addr)
	cfg.RTMP.Addr = firstNonEmpty(o.rtmpAddr, cfg.RTMP.Addr)
	cfg.Log.Level = firstNonEmpty(o.logLevel, cfg.Log.Level)
	cfg.Postgres.DSN = firstNonEmpty(o.postgresDSN, cfg.Postgres.DSN)
	cfg.Redis.Addr = firstNonEmpty(o.redisAddr, cfg.Redis.Addr)
	cfg.Data.JSONPath = firstNonEmpty(o.dataPath, cfg.Data.JSONPath)
}

// app holds the long running parts of the process.
type app struct {
	logger        *slog.Logger
	server        *server.Server
	rtmp          *ingest.RTMPServer
	machine       *session.Machine
	replays       *replay.Worker
	audit         events.AuditWorker
	sessions      *auth.SessionManager
	purgeInterval time.Duration
	closers       []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	recorder := metrics.Default()
	a := &app{logger: logger, purgeInterval: cfg.Auth.PurgeInterval}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	persister, stores, err := a.openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	registry, err := storage.NewRegistry(ctx,
		storage.WithLogger(logging.WithComponent(logger, "registry")),
		storage.WithPersister(persister),
	)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	policies, err := a.openPolicyStore(cfg)
	if err != nil {
		return nil, err
	}

	local := events.NewMemoryQueue(cfg.Events.Buffer)
	var publisher events.Publisher = local
	a.audit = events.AuditWorker{Queue: local, Logger: logging.WithComponent(logger, "events"), Metrics: recorder}
	if cfg.RedisEnabled() {
		distributed, err := events.NewRedisQueue(events.RedisQueueConfig{
			Redis:  cfg.RedisClient(),
			Stream: cfg.Events.RedisStream,
			Group:  cfg.Events.RedisGroup,
			MaxLen: cfg.Events.RedisMaxLen,
			Logger: logging.WithComponent(logger, "event-stream"),
		})
		if err != nil {
			return nil, fmt.Errorf("open event stream: %w", err)
		}
		publisher = events.Fanout(local, distributed)
		a.audit.Queue = distributed
	}

	transcoder, err := newTranscoder(cfg, logger, recorder)
	if err != nil {
		return nil, err
	}

	var replays session.ReplayScheduler
	if archiver, err := newArchiver(cfg); err != nil {
		return nil, err
	} else if archiver != nil {
		a.replays, err = replay.NewWorker(replay.Dependencies{
			Registry: registry,
			Archiver: archiver,
			Events:   publisher,
			Logger:   logging.WithComponent(logger, "replay"),
			Metrics:  recorder,
		}, replay.Config{
			Concurrency:  cfg.Replay.Concurrency,
			QueueSize:    cfg.Replay.QueueSize,
			Timeout:      cfg.Replay.Timeout,
			DrainTimeout: cfg.Replay.DrainTimeout,
		})
		if err != nil {
			return nil, err
		}
		replays = a.replays
	}
	scheduleRecoveredReplays(registry, replays, logger)

	a.machine, err = session.NewMachine(session.Dependencies{
		Registry:   registry,
		Transcoder: transcoder,
		Events:     publisher,
		Replays:    replays,
		Logger:     logging.WithComponent(logger, "session"),
		Metrics:    recorder,
	}, session.Config{
		RotateKeyOnRearm:  cfg.Session.RotateKeyOnRearm,
		TransitionTimeout: cfg.Session.TransitionTimeout,
	})
	if err != nil {
		return nil, err
	}

	order, err := admission.ParseOrder(cfg.Admission.Order)
	if err != nil {
		return nil, err
	}
	basis, err := admission.ParseQuotaBasis(cfg.Admission.QuotaBasis)
	if err != nil {
		return nil, err
	}
	deps := admission.Dependencies{
		Registry: registry,
		Policies: policies,
		Channels: stores.channels,
		Images:   admission.BasicImageValidator{MaxBytes: cfg.Images.MaxBytes},
		Events:   publisher,
		Logger:   logging.WithComponent(logger, "admission"),
		Metrics:  recorder,
	}
	if dir := strings.TrimSpace(cfg.Images.Dir); dir != "" {
		deps.ImageStore = admission.DirImageStore{Dir: dir}
	}
	controller, err := admission.NewController(deps, admission.Config{Order: order, QuotaBasis: basis})
	if err != nil {
		return nil, err
	}

	gate, err := ingest.NewGate(ingest.Dependencies{
		Registry: registry,
		Policies: policies,
		Sessions: a.machine,
		Logger:   logging.WithComponent(logger, "ingest"),
		Metrics:  recorder,
	})
	if err != nil {
		return nil, err
	}
	a.rtmp = ingest.NewRTMPServer(gate, ingest.RTMPConfig{
		Addr:        cfg.RTMP.Addr,
		App:         cfg.RTMP.App,
		IdleTimeout: cfg.RTMP.IdleTimeout,
		Logger:      logging.WithComponent(logger, "rtmp"),
	})

	var sessionOpts []auth.SessionOption
	if stores.sessions != nil {
		sessionOpts = append(sessionOpts, auth.WithStore(stores.sessions))
	}
	if cfg.Auth.IdleTimeout > 0 {
		sessionOpts = append(sessionOpts, auth.WithIdleTimeout(cfg.Auth.IdleTimeout))
	}
	a.sessions = auth.NewSessionManager(cfg.Auth.SessionTTL, sessionOpts...)
	authenticator := auth.NewAuthenticator(stores.users, a.sessions, logging.WithComponent(logger, "auth"))
	if err := bootstrapAdmin(ctx, cfg.BootstrapAdmin, authenticator, stores.memoryChannels, logger); err != nil {
		return nil, err
	}

	handler := &api.Handler{
		Admission:         controller,
		Sessions:          a.machine,
		Policies:          policies,
		Auth:              authenticator,
		Events:            local,
		Transcoder:        transcoder,
		Checks:            a.healthChecks(stores, policies),
		RTMPURL:           cfg.RTMP.PublicURL,
		MaxUploadBytes:    cfg.Server.MaxUploadBytes,
		EventPingInterval: cfg.Events.PingInterval,
		Logger:            logging.WithComponent(logger, "api"),
		Metrics:           recorder,
	}

	rateLimit := server.RateLimitConfig{
		GlobalRPS:             cfg.RateLimit.GlobalRPS,
		GlobalBurst:           cfg.RateLimit.GlobalBurst,
		LoginLimit:            cfg.RateLimit.LoginLimit,
		LoginWindow:           cfg.RateLimit.LoginWindow,
		TrustForwardedHeaders: cfg.RateLimit.TrustForwardedHeaders,
		TrustedProxies:        cfg.RateLimit.TrustedProxies,
	}
	if cfg.RateLimit.UseRedis {
		rateLimit.Redis = cfg.RedisClient()
	}
	a.server, err = server.New(handler, server.Config{
		Addr:            cfg.Server.Addr,
		TLS:             server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit:       rateLimit,
		CORS:            server.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
		AuditLogger:     logging.WithComponent(logger, "audit"),
		Metrics:         recorder,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// backingStores are the persistence choices made from the configuration.
type backingStores struct {
	channels       admission.ChannelOwnership
	memoryChannels *channels.MemoryDirectory
	users          auth.UserStore
	sessions       auth.SessionStore
	postgres       *storage.PostgresPersister
}

func (a *app) openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Persister, backingStores, error) {
	dsn := strings.TrimSpace(cfg.Postgres.DSN)
	if dsn == "" {
		memoryChannels := channels.NewMemoryDirectory()
		stores := backingStores{
			channels:       memoryChannels,
			memoryChannels: memoryChannels,
			users:          auth.NewMemoryUserStore(),
		}
		if path := strings.TrimSpace(cfg.Data.JSONPath); path != "" {
			persister, err := storage.NewJSONFilePersister(path)
			if err != nil {
				return nil, backingStores{}, err
			}
			return persister, stores, nil
		}
		logger.Warn("no datastore configured, lives are kept in memory only")
		return storage.MemoryPersister{}, stores, nil
	}

	var opts []storage.Option
	if cfg.Postgres.MaxConns > 0 || cfg.Postgres.MinConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(cfg.Postgres.MaxConns, cfg.Postgres.MinConns))
	}
	if cfg.Postgres.AcquireTimeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.Postgres.AcquireTimeout))
	}
	opts = append(opts, storage.WithPostgresApplicationName(cfg.Postgres.AppName))
	persister, err := storage.NewPostgresPersister(ctx, dsn, opts...)
	if err != nil {
		return nil, backingStores{}, err
	}
	a.closers = append(a.closers, persister.Close)
	if err := persister.Migrate(ctx); err != nil {
		return nil, backingStores{}, err
	}

	pool := persister.Pool()
	directory, err := channels.NewPostgresDirectory(pool)
	if err != nil {
		return nil, backingStores{}, err
	}
	if err := directory.Migrate(ctx); err != nil {
		return nil, backingStores{}, err
	}
	if err := auth.MigrateSchema(ctx, pool); err != nil {
		return nil, backingStores{}, err
	}
	users, err := auth.NewPostgresUserStore(pool)
	if err != nil {
		return nil, backingStores{}, err
	}
	sessions, err := auth.NewPostgresSessionStore(pool)
	if err != nil {
		return nil, backingStores{}, err
	}
	return persister, backingStores{
		channels: directory,
		users:    users,
		sessions: sessions,
		postgres: persister,
	}, nil
}

func (a *app) openPolicyStore(cfg config.Config) (policy.Store, error) {
	if !cfg.RedisEnabled() {
		return policy.NewMemoryStore(cfg.LivePolicy()), nil
	}
	store, err := policy.NewRedisStore(policy.RedisStoreConfig{
		Redis:    cfg.RedisClient(),
		Key:      cfg.Policy.RedisKey,
		Defaults: cfg.LivePolicy(),
	})
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

func (a *app) healthChecks(stores backingStores, policies policy.Store) []api.HealthCheck {
	checks := []api.HealthCheck{{Component: "sessions", Ping: a.sessions.Ping}}
	if stores.postgres != nil {
		checks = append(checks, api.HealthCheck{Component: "postgres", Ping: stores.postgres.Ping})
	}
	if pinger, ok := policies.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, api.HealthCheck{Component: "redis", Ping: pinger.Ping})
	}
	return checks
}

func newTranscoder(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (transcode.Controller, error) {
	tc := transcode.Config{
		BaseURL:         cfg.Transcode.BaseURL,
		Token:           cfg.Transcode.Token,
		PlaybackBaseURL: cfg.Transcode.PlaybackBaseURL,
		HealthEndpoint:  cfg.Transcode.HealthEndpoint,
		MaxAttempts:     cfg.Transcode.MaxAttempts,
		RetryInterval:   cfg.Transcode.RetryInterval,
		Logger:          logging.WithComponent(logger, "transcode"),
		Metrics:         recorder,
	}
	if raw := strings.TrimSpace(cfg.Transcode.Ladder); raw != "" {
		ladder, err := transcode.ParseLadder(raw)
		if err != nil {
			return nil, err
		}
		tc.Ladder = ladder
	}
	return tc.NewController()
}

// newArchiver prefers object storage over a local directory. It returns nil
// when replays have nowhere to go.
func newArchiver(cfg config.Config) (replay.Archiver, error) {
	s3 := replay.ObjectStorageConfig{
		Endpoint:       cfg.Replay.S3.Endpoint,
		Region:         cfg.Replay.S3.Region,
		AccessKey:      cfg.Replay.S3.AccessKey,
		SecretKey:      cfg.Replay.S3.SecretKey,
		Bucket:         cfg.Replay.S3.Bucket,
		UseSSL:         cfg.Replay.S3.UseSSL,
		Prefix:         cfg.Replay.S3.Prefix,
		PublicEndpoint: cfg.Replay.S3.PublicEndpoint,
		RequestTimeout: cfg.Replay.Timeout,
	}
	if s3.Enabled() {
		return replay.NewS3Archiver(s3)
	}
	if strings.TrimSpace(cfg.Replay.Dir) != "" {
		return replay.LocalArchiver{Dir: cfg.Replay.Dir, BaseURL: cfg.Replay.BaseURL}, nil
	}
	return nil, nil
}

// bootstrapAdmin ensures the configured administrator exists. Without
// Postgres there is no other source of channels, so one is created for it.
func bootstrapAdmin(ctx context.Context, cfg config.BootstrapConfig, authenticator *auth.Authenticator, directory *channels.MemoryDirectory, logger *slog.Logger) error {
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		return nil
	}
	admin, err := authenticator.EnsureUser(ctx, username, cfg.Password, []string{models.RoleAdmin})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if directory == nil {
		return nil
	}
	channel, err := directory.Create(admin.ID, username+"_channel")
	if err != nil {
		return fmt.Errorf("bootstrap admin channel: %w", err)
	}
	logger.Info("bootstrap channel created", "user_id", admin.ID, "channel_id", channel.ID)
	return nil
}

func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// The replay worker outlives gctx; closeOnShutdown stops it.
	replayCtx, stopReplays := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReplays()
	g.Go(func() error { return a.server.Run(gctx, nil) })
	g.Go(func() error { return a.rtmp.ListenAndServe(gctx) })
	g.Go(func() error { return a.audit.Run(gctx) })
	if a.replays != nil {
		g.Go(func() error { return a.replays.Run(replayCtx) })
	}
	if a.purgeInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(a.purgeInterval)
			defer ticker.Stop()
			runSessionPurger(gctx, logging.WithComponent(a.logger, "session-purger"), a.sessions, ticker.C)
			return nil
		})
	}
	g.Go(func() error {
		closeOnShutdown(gctx, a.machine, stopReplays)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
