// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/circuitbreaker"
	"github.com/mbd888/tradeflow/internal/config"
	"github.com/mbd888/tradeflow/internal/dispute"
	"github.com/mbd888/tradeflow/internal/escrow"
	"github.com/mbd888/tradeflow/internal/health"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/logging"
	"github.com/mbd888/tradeflow/internal/metrics"
	"github.com/mbd888/tradeflow/internal/notify"
	"github.com/mbd888/tradeflow/internal/payments"
	"github.com/mbd888/tradeflow/internal/ratelimit"
	"github.com/mbd888/tradeflow/internal/readiness"
	"github.com/mbd888/tradeflow/internal/realtime"
	"github.com/mbd888/tradeflow/internal/reconciliation"
	"github.com/mbd888/tradeflow/internal/security"
	"github.com/mbd888/tradeflow/internal/traces"
	"github.com/mbd888/tradeflow/internal/trade"
	"github.com/mbd888/tradeflow/internal/validation"
	"github.com/mbd888/tradeflow/internal/webhooks"
	"github.com/mbd888/tradeflow/migrations"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	store  ledger.Store
	hooks  webhooks.Store
	logger *slog.Logger

	notifier    *notify.Async
	kafka       *notify.KafkaPublisher
	realtimeHub *realtime.Hub

	escrowEngine     *escrow.Engine
	tradeService     *trade.Service
	disputeService   *dispute.Service
	paymentVerifier  *payments.Verifier
	paymentRecon     *payments.Reconciler
	readinessService *readiness.Service
	readinessTimer   *readiness.Timer
	reconcileRunner  *reconciliation.Runner
	reconcileTimer   *reconciliation.Timer
	signalProviders  *readiness.Providers

	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the ledger store (for testing). It takes precedence over
// DATABASE_URL.
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithSignalProviders replaces the HTTP readiness providers (for testing).
func WithSignalProviders(p readiness.Providers) Option {
	return func(s *Server) {
		s.signalProviders = &p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, cfg.LogFile),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger/store)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupNotifications(); err != nil {
		return nil, err
	}
	if err := s.setupServices(); err != nil {
		return nil, err
	}

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

// setupStorage opens Postgres when DATABASE_URL is set, otherwise keeps
// everything in memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.store != nil {
		s.hooks = webhooks.NewMemoryStore()
		s.health.Ping("ledger", s.store.Ping)
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.hooks = webhooks.NewMemoryStore()
		s.health.Ping("ledger", s.store.Ping)
		s.logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.hooks = webhooks.NewPostgresStore(db)
	s.health.Ping("ledger", s.store.Ping)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupNotifications builds the async fanout every service publishes to.
func (s *Server) setupNotifications() error {
	s.realtimeHub = realtime.NewHub(s.logger)

	fanout := notify.NewFanout(s.logger,
		notify.Sink{Name: "webhooks", Notifier: webhooks.NewDispatcher(s.hooks)},
		notify.Sink{Name: "realtime", Notifier: s.realtimeHub},
	)

	if s.cfg.KafkaBrokers != "" {
		k, err := notify.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		s.kafka = k
		fanout.Add("kafka", k)
		s.logger.Info("kafka notifications enabled", "topic", s.cfg.KafkaTopic)
	}

	s.notifier = notify.NewAsync(fanout, s.cfg.NotifyQueue, s.logger)
	return nil
}

func (s *Server) setupServices() error {
	s.escrowEngine = escrow.NewEngine(s.store, s.notifier, s.logger)
	s.tradeService = trade.NewService(s.store, s.escrowEngine, s.logger)
	s.disputeService = dispute.NewService(s.store, s.tradeService, s.escrowEngine, s.logger)

	s.paymentVerifier = payments.NewVerifier(s.cfg.PaymentWebhookSecret, s.cfg.PaymentWebhookTolerance)
	s.paymentRecon = payments.NewReconciler(s.store, s.escrowEngine, s.tradeService, payments.DefaultConfig(), s.logger)

	policy, err := readiness.LoadPolicy(s.cfg.ReadinessPolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load readiness policy: %w", err)
	}
	providers := s.buildProviders()
	s.readinessService = readiness.NewService(s.store, providers, policy, s.cfg.SignalTimeout, s.logger)
	s.readinessTimer = readiness.NewTimer(s.readinessService, s.cfg.RescoreInterval, s.logger)

	s.reconcileRunner = reconciliation.NewRunner(s.store, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconcileRunner, s.cfg.ReconcileInterval, s.logger)
	return nil
}

// buildProviders creates one rate-limited, breaker-guarded HTTP provider per
// configured signal. A provider without a URL stays nil and its signal reads
// as unknown.
func (s *Server) buildProviders() readiness.Providers {
	if s.signalProviders != nil {
		return *s.signalProviders
	}

	var p readiness.Providers
	newProvider := func(name, baseURL string) *readiness.HTTPProvider {
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("signal provider circuit changed",
				"provider", key, "from", from.String(), "to", to.String())
		})
		s.logger.Info("readiness provider configured", "provider", name, "url", baseURL)
		return readiness.NewHTTPProvider(name, baseURL, s.cfg.SignalRPS, breaker)
	}
	if s.cfg.TrustProviderURL != "" {
		p.Trust = newProvider("trust", s.cfg.TrustProviderURL)
	}
	if s.cfg.ComplianceProviderURL != "" {
		p.Compliance = newProvider("compliance", s.cfg.ComplianceProviderURL)
	}
	if s.cfg.LogisticsProviderURL != "" {
		p.Logistics = newProvider("logistics", s.cfg.LogisticsProviderURL)
	}
	return p
}

// maskDSN hides password in connection string for logging
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

	s.router.Use(security.HeadersMiddleware())
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	}

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(tracingMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// tracingMiddleware opens one span per request named after the route
// template, so trade ids do not explode span cardinality.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := traces.StartSpan(c.Request.Context(), c.Request.Method+" "+route,
			traces.Operation(route))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		var err error
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			err = fmt.Errorf("http status %d", status)
		}
		traces.End(span, err)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"actor", auth.GetActor(c),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		IdleTTL:           ratelimit.DefaultConfig().IdleTTL,
	})

	v1 := s.router.Group("/v1")

	// Provider callbacks authenticate by signature, not by actor.
	paymentsHandler := payments.NewHandler(s.paymentVerifier, s.paymentRecon, s.store)
	paymentsHandler.RegisterRoutes(v1)

	// Party routes: the gateway forwards the caller's company in X-Actor-ID.
	parties := v1.Group("")
	parties.Use(auth.Middleware(), auth.MarkAdmin(s.cfg.AdminSecret), auth.RequireActor(), s.rateLimiter.Middleware())
	{
		trade.NewHandler(s.tradeService).RegisterRoutes(parties)
		escrow.NewHandler(s.escrowEngine, s.store).RegisterRoutes(parties)
		dispute.NewHandler(s.disputeService, s.store).RegisterRoutes(parties)
		readiness.NewHandler(s.readinessService).RegisterRoutes(parties)
		webhooks.NewHandler(s.hooks).RegisterRoutes(parties)

		parties.GET("/ws", s.realtimeHub.HandleWebSocket)
	}

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(), auth.RequireAdmin(s.cfg.AdminSecret))
	{
		escrow.NewHandler(s.escrowEngine, s.store).RegisterAdminRoutes(admin)
		dispute.NewHandler(s.disputeService, s.store).RegisterAdminRoutes(admin)
		paymentsHandler.RegisterAdminRoutes(admin)
		reconciliation.NewHandler(s.reconcileRunner).RegisterAdminRoutes(admin)
		admin.GET("/realtime", s.realtimeStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "tradeflow",
		"description": "Trade lifecycle and escrow settlement engine",
		"version":     Version,
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	s.startBackground(runCtx)

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

// startBackground launches the hub, the notification queue and the timers,
// and registers their liveness with the health registry.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.notifier.Run()

	go s.readinessTimer.Start(ctx)
	s.health.Running("readiness_timer", s.readinessTimer.Running)

	go s.reconcileTimer.Start(ctx)
	s.health.Running("reconciliation_timer", s.reconcileTimer.Running)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.readinessTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	// Cancel the context for the hub and collectors after in-flight requests finish
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rateLimiter.Stop()

	// Drain queued notifications before closing the producer they feed.
	s.notifier.Stop()
	if s.kafka != nil {
		s.kafka.Close()
		s.logger.Info("kafka producer closed")
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Store returns the ledger store.
func (s *Server) Store() ledger.Store {
	return s.store
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
