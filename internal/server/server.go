package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"peertube-live/internal/api"
	"peertube-live/internal/observability/logging"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/serverutil"
)

const loginPath = "/api/v1/users/token"

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Security        SecurityConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	AuditLogger     *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	cors, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return requestContextMiddleware(logger, next) })
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip, "ip_source", source}
		},
	}))
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	r.Use(func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) })
	r.Use(func(next http.Handler) http.Handler { return corsMiddleware(cors, logger, next) })
	r.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(rl, resolver, logger, next) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	audit := func(next http.Handler) http.Handler { return auditMiddleware(cfg.AuditLogger, resolver, next) }

	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", recorder.Handler())
	r.With(audit).Post(loginPath, handler.Login)
	r.Group(func(r chi.Router) {
		r.Use(handler.RequireIdentity)
		r.Use(audit)
		r.Post("/api/v1/users/revoke-token", handler.RevokeToken)
		r.Route("/api/v1/videos/live", func(r chi.Router) {
			r.Post("/", handler.CreateLive)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.GetLive)
				r.Put("/", handler.UpdateLive)
				r.Delete("/", handler.DeleteLive)
				r.Post("/end", handler.EndLive)
				r.Get("/events", handler.LiveEvents)
			})
		})
		r.Route("/api/v1/config/live", func(r chi.Router) {
			r.Use(handler.RequireAdmin)
			r.Get("/", handler.GetLiveConfig)
			r.Put("/", handler.UpdateLiveConfig)
		})
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		rateLimiter: rl,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the routed middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready is
// closed once the listener is bound and may be nil.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	defer func() {
		if err := s.rateLimiter.Close(); err != nil {
			s.logger.Warn("close rate limiter", "error", err)
		}
	}()
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		OnListen: func(addr net.Addr) {
			s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.CertFile != "")
			if ready != nil {
				close(ready)
			}
		},
	})
}
