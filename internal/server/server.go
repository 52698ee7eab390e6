package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/audit"
	"github.com/halyard-sh/halyard/internal/challenge"
	"github.com/halyard-sh/halyard/internal/config"
	"github.com/halyard-sh/halyard/internal/guard"
	"github.com/halyard-sh/halyard/internal/metrics"
	"github.com/halyard-sh/halyard/internal/protect"
	"github.com/halyard-sh/halyard/internal/relay"
	"github.com/halyard-sh/halyard/internal/server/handlers"
	"github.com/halyard-sh/halyard/internal/server/middleware"
	"github.com/halyard-sh/halyard/internal/session"
	"github.com/halyard-sh/halyard/internal/supervisor"
	"github.com/halyard-sh/halyard/internal/terminal"
	"github.com/halyard-sh/halyard/internal/worker"
)

type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	redisClient *redis.Client
	registry    *relay.Registry
	sup         *supervisor.Supervisor
	supCancel   context.CancelFunc
	wrk         *worker.Worker
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := session.NewRedisStore(redisClient)

	issuer := challenge.NewIssuer(store, cfg.TurnstileTokenTTL, cfg.SessionTTL, logger)
	verifier := challenge.NewVerifier(challenge.VerifierOptions{
		Secret:     cfg.TurnstileSecretKey,
		Timeout:    cfg.TurnstileRequestTimeout,
		MaxRetries: cfg.TurnstileMaxRetries,
		Logger:     logger,
	})

	limiter := protect.NewLimiter(cfg.ConcurrentPerIP, cfg.MaxSSHAttemptsPerUser)
	hostGuard := guard.New(guard.Options{
		StrictRebind: cfg.GuardStrictRebind,
	})

	wrk := worker.New(cfg.RedisAddr, logger)
	recorder := audit.NewRecorder(wrk.Client(), logger)

	registry := relay.NewRegistry()
	sup := supervisor.New(registry, issuer, logger)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		redisClient: redisClient,
		registry:    registry,
		sup:         sup,
		wrk:         wrk,
	}

	deps := handlers.Deps{
		Cfg:       cfg,
		Store:     store,
		Issuer:    issuer,
		Verifier:  verifier,
		Limiter:   limiter,
		Guard:     hostGuard,
		Connector: &terminal.SSHConnector{},
		Registry:  registry,
		Audit:     recorder,
		Ready:     store.Ping,
		Logger:    logger,
	}
	s.setupRouter(deps)

	return s, nil
}

func (s *Server) setupRouter(deps handlers.Deps) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(deps))

	// Metrics
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Gateway surface
	r.Post("/turnstile-verify", handlers.TurnstileVerify(deps))
	r.Get("/auth/status", handlers.AuthStatus(deps))
	r.Get("/ssh", handlers.SSH(deps))

	s.router = r
}

// Start begins serving and launches the background worker and supervisor.
// It blocks until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	if err := s.wrk.Start(); err != nil {
		// The gateway still works without the async audit queue.
		s.logger.Warn().Err(err).Msg("server: async worker unavailable, audit records go to the log")
	}

	supCtx, cancel := context.WithCancel(context.Background())
	s.supCancel = cancel
	go s.sup.Run(supCtx)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket relays.
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and closes the listener, then
// fans shutdown out over live relays and closes the backing clients.
func (s *Server) Shutdown(ctx context.Context) error {
	// http.Server does not track hijacked WebSocket connections, so this
	// returns without waiting for the relays; the supervisor ends them below.
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.supCancel != nil {
		s.supCancel()
	}
	s.sup.Shutdown()
	s.wrk.Shutdown()

	if cerr := s.redisClient.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("server: close redis: %w", cerr)
	}
	return err
}
