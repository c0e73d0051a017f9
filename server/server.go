// Package server exposes the relay over HTTP: the websocket endpoint, the
// information and health documents, allow-list management and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tomyedwab/relay/access"
	"github.com/tomyedwab/relay/audit"
	"github.com/tomyedwab/relay/config"
	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/internal/handlers"
	"github.com/tomyedwab/relay/internal/httputils"
	"github.com/tomyedwab/relay/metrics"
	"github.com/tomyedwab/relay/ratelimit"
	"github.com/tomyedwab/relay/relay"
	"github.com/tomyedwab/relay/server/middleware"
	"github.com/tomyedwab/relay/store"
)

const limiterIdleAge = 10 * time.Minute

// Server owns the HTTP listener. Handlers are wired to the relay, the store
// and the access gate.
type Server struct {
	cfg      config.Config
	version  string
	relay    *relay.Relay
	store    *store.Store
	gate     *access.Gate
	audit    *audit.Logger
	metrics  *metrics.Metrics
	verifier *httpauth.Verifier
	limiter  *ratelimit.IPRateLimiter
	logger   *zap.Logger

	server *http.Server
	ctx    context.Context
	stop   context.CancelFunc
}

func New(
	cfg config.Config,
	version string,
	rl *relay.Relay,
	st *store.Store,
	gate *access.Gate,
	auditLog *audit.Logger,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		version:  version,
		relay:    rl,
		store:    st,
		gate:     gate,
		audit:    auditLog,
		metrics:  m,
		verifier: httpauth.NewVerifier(),
		limiter:  ratelimit.NewIPRateLimiter(rate.Limit(cfg.HTTPRateLimitRPS), cfg.HTTPRateLimitBurst),
		logger:   logger,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLog(s.logger))
	r.Use(middleware.Cors)
	r.Use(middleware.RateLimit(s.limiter, s.logger))

	info := handlers.InfoConfig{
		Name:             s.cfg.RelayName,
		Description:      s.cfg.RelayDescription,
		Pubkey:           s.cfg.RelayPubkey,
		Contact:          s.cfg.RelayContact,
		Version:          s.version,
		MaxLimit:         s.cfg.QueryMaxLimit,
		MaxMessageLength: s.cfg.MaxMessageBytes,
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case websocket.IsWebSocketUpgrade(r):
			s.relay.ServeHTTP(w, r)
		case handlers.WantsRelayInfo(r):
			handlers.HandleInfo(w, r, info, s.gate)
		default:
			handlers.HandleHealth(w, r, s.logger, s.relay, s.store, s.gate)
		}
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleHealth(w, r, s.logger, s.relay, s.store, s.gate)
	})
	r.Get("/.well-known/nostr-relay", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleInfo(w, r, info, s.gate)
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/check-whitelist", func(w http.ResponseWriter, r *http.Request) {
			handlers.HandleCheckWhitelist(w, r, s.logger, s.gate)
		})
		api.Get("/did/{id}", func(w http.ResponseWriter, r *http.Request) {
			handlers.HandleDID(w, r, s.logger, s.store, s.relayURLs())
		})

		// Only routes that read the signer verify the Authorization header.
		api.Group(func(authed chi.Router) {
			authed.Use(middleware.Authenticate(s.verifier, s.logger, s.recordAuthFailure))

			authed.With(middleware.RequireAuth).HandleFunc("/protected", handlers.HandleProtected)

			authed.Get("/whitelist", func(w http.ResponseWriter, r *http.Request) {
				handlers.HandleListWhitelist(w, r, s.logger, s.store, s.gate)
			})
			authed.Post("/whitelist", func(w http.ResponseWriter, r *http.Request) {
				handlers.HandleAddWhitelist(w, r, s.logger, s.store, s.gate, s.audit)
			})
			authed.Delete("/whitelist/{pubkey}", func(w http.ResponseWriter, r *http.Request) {
				handlers.HandleRemoveWhitelist(w, r, s.logger, s.store, s.gate, s.audit)
			})
			authed.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
				handlers.HandleListAudit(w, r, s.logger, s.audit, s.gate)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputils.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start listens until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	go s.cleanupLoop(s.ctx)

	s.logger.Info("Relay listening",
		zap.String("addr", s.cfg.Addr()),
		zap.Bool("openMode", s.gate.OpenMode()),
		zap.Int("maxConnectionsPerIP", s.cfg.MaxConnectionsPerIP),
		zap.Int("eventsPerWindow", s.cfg.EventsPerWindow),
		zap.Duration("eventWindow", s.cfg.EventWindow))

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then closes every websocket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	httpErr := s.server.Shutdown(ctx)
	return errors.Join(httpErr, s.relay.Shutdown(ctx))
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(limiterIdleAge); n > 0 {
				s.logger.Debug("Pruned idle HTTP rate limiters", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) recordAuthFailure(r *http.Request, err error) {
	s.metrics.HTTPAuthFailures.Inc()
	token, _ := httpauth.ExtractToken(r.Header.Get("Authorization"))
	if auditErr := s.audit.LogAuthFailure(httpauth.RequestURL(r), err.Error(), token); auditErr != nil {
		s.logger.Error("Failed to audit auth failure", zap.Error(auditErr))
	}
}

func (s *Server) relayURLs() []string {
	if s.cfg.RelayURL == "" {
		return nil
	}
	return []string{s.cfg.RelayURL}
}
