// Package server wires storage, services and HTTP routes together.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/peertrade/settlement/internal/auth"
	"github.com/peertrade/settlement/internal/config"
	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/health"
	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/ledger"
	"github.com/peertrade/settlement/internal/locker"
	"github.com/peertrade/settlement/internal/logging"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/money"
	"github.com/peertrade/settlement/internal/notify"
	"github.com/peertrade/settlement/internal/ratelimit"
	"github.com/peertrade/settlement/internal/rates"
	"github.com/peertrade/settlement/internal/reconciliation"
	"github.com/peertrade/settlement/internal/security"
	"github.com/peertrade/settlement/internal/traces"
	"github.com/peertrade/settlement/internal/trust"
	"github.com/peertrade/settlement/internal/validation"
	"github.com/peertrade/settlement/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB // nil if using in-memory
	rdb *redis.Client

	escrows    *escrow.Service
	wallets    *ledger.Service
	pipeline   *webhook.Pipeline
	dispatcher *notify.Dispatcher
	subs       notify.Store
	oracle     rates.Oracle // nil if no oracle configured

	escrowTimer *escrow.Timer
	reconTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter

	checks *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory).
	var (
		ledgerStore ledger.Store
		settler     escrow.Settler
		books       reconciliation.LedgerSource
		escrowStore escrow.Store
		eventStore  webhook.Store
		trustStore  trust.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		ls := ledger.NewPostgresStore(db)
		ledgerStore, settler, books = ls, ls, ls
		escrowStore = escrow.NewPostgresStore(db)
		eventStore = webhook.NewPostgresStore(db)
		trustStore = trust.NewPostgresStore(db)
		s.subs = notify.NewPostgresStore(db)

		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ls := ledger.NewMemoryStore()
		ledgerStore, settler, books = ls, ls, ls
		escrowStore = escrow.NewMemoryStore()
		eventStore = webhook.NewMemoryStore()
		trustStore = trust.NewMemoryStore()
		s.subs = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Trade locks (Redis if configured, otherwise in-process).
	var locks locker.Locker
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		locks = locker.NewRedis(rdb, cfg.LockWait, cfg.LockTTL)

		s.checks.Register("redis", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("using redis trade locks")
	} else {
		locks = locker.NewLocal(cfg.LockWait)
		s.logger.Info("using in-process trade locks")
	}

	s.wallets = ledger.NewService(ledgerStore)
	s.dispatcher = notify.NewDispatcher(s.subs, s.logger)

	// A settler error that means "movement already applied" must not fail
	// the retry: the deterministic transaction IDs and closed-holding
	// checks surface replays as these two errors.
	settled := func(err error) bool {
		return errors.Is(err, ledger.ErrHoldingClosed) || errors.Is(err, ledger.ErrDuplicateTransaction)
	}
	s.escrows = escrow.NewService(escrowStore, settler, locks, settled, escrow.Config{
		FeeRateBPS:           cfg.FeeRateBPS,
		FeeFloor:             cfg.FeeFloor,
		UnderpayToleranceBPS: cfg.UnderpayToleranceBPS,
		PaymentWindow:        time.Duration(cfg.PaymentWindowHours) * time.Hour,
		DeliveryHours:        cfg.DeliveryHours,
		AutoReleaseHours:     cfg.AutoReleaseHours,
	}).WithTiers(trust.NewProvider(trustStore)).WithNotifier(s.dispatcher)

	s.pipeline = webhook.NewPipeline(eventStore, s.escrows, cfg.WebhookMaxAge, cfg.WebhookMaxFuture)

	if cfg.RateOracleURL != "" {
		var oracle rates.Oracle = rates.NewHTTPOracle(cfg.RateOracleURL, 0)
		if s.rdb != nil {
			oracle = rates.NewCachedOracle(oracle, s.rdb, cfg.RateCacheTTL)
		}
		s.oracle = oracle
		s.logger.Info("rate oracle enabled", "url", cfg.RateOracleURL)
	}

	s.escrowTimer = escrow.NewTimer(s.escrows, escrowStore, cfg.SweepInterval, s.logger)
	s.reconTimer = reconciliation.NewTimer(
		reconciliation.NewService(books, escrowStore),
		cfg.ReconcileInterval,
		s.logger,
	)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: the settlement API fronts server-to-server traffic only, but
	// browsers still probe it from admin dashboards.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.checks.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrows, s.logger)
	escrowHandler.RegisterRoutes(v1)

	walletHandler := ledger.NewHandler(s.wallets, s.logger)
	walletHandler.RegisterRoutes(v1)

	notify.NewHandler(s.subs).RegisterRoutes(v1)

	// Payment provider callbacks. Each mounted provider verifies its own
	// signature scheme before an event reaches the pipeline.
	webhookHandler := webhook.NewHandler(s.pipeline, s.webhookProviders(), s.logger)
	webhookHandler.RegisterRoutes(v1)

	if s.oracle != nil {
		v1.GET("/rates/:base/:quote", s.getRate)
	}

	// Internal APIs: arbitration and direct wallet movements.
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)
	walletHandler.RegisterAdminRoutes(admin)
}

// webhookProviders builds the set of mounted payment providers from config.
func (s *Server) webhookProviders() []webhook.Provider {
	var providers []webhook.Provider
	if s.cfg.BankwireWebhookSecret != "" {
		providers = append(providers, webhook.NewHMACProvider("bankwire", s.cfg.BankwireWebhookSecret))
	}
	if s.cfg.CryptopayWebhookSecret != "" {
		providers = append(providers, webhook.NewHMACProvider("cryptopay", s.cfg.CryptopayWebhookSecret))
	}
	if s.cfg.StripeWebhookSecret != "" {
		providers = append(providers, webhook.NewStripeProvider(s.cfg.StripeWebhookSecret, s.cfg.WebhookMaxAge))
	}
	for _, p := range providers {
		s.logger.Info("webhook provider mounted", "provider", p.Name())
	}
	if len(providers) == 0 {
		s.logger.Warn("no webhook providers configured, payment confirmations disabled")
	}
	return providers
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// getRate handles GET /rates/:base/:quote
func (s *Server) getRate(c *gin.Context) {
	base, err := money.NormalizeCurrency(c.Param("base"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": "base must be a 3-5 letter code"})
		return
	}
	quote, err := money.NormalizeCurrency(c.Param("quote"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": "quote must be a 3-5 letter code"})
		return
	}

	rate, err := s.oracle.GetRate(c.Request.Context(), base, quote)
	if err != nil {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rate_unavailable",
			"message": "Rate lookup failed, try again shortly",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"base": base, "quote": quote, "rate": rate})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Deadline sweeps (auto-cancel, auto-refund, auto-release)
	go s.escrowTimer.Start(runCtx)

	// Ledger reconciliation sweep
	go s.reconTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, tracing)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Let in-flight notification deliveries finish
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}

	if s.shutdownTraces != nil {
		traceCtx, traceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTraces(traceCtx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
		traceCancel()
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
