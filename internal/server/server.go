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
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/auth"
	"github.com/mbd888/yieldguard/internal/config"
	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/health"
	"github.com/mbd888/yieldguard/internal/logging"
	"github.com/mbd888/yieldguard/internal/metrics"
	"github.com/mbd888/yieldguard/internal/ratelimit"
	"github.com/mbd888/yieldguard/internal/realtime"
	"github.com/mbd888/yieldguard/internal/reconciliation"
	"github.com/mbd888/yieldguard/internal/riskscore"
	"github.com/mbd888/yieldguard/internal/security"
	"github.com/mbd888/yieldguard/internal/traces"
	"github.com/mbd888/yieldguard/internal/validation"
	"github.com/mbd888/yieldguard/internal/vault"
	"github.com/mbd888/yieldguard/migrations"
)

// Version is reported by /health and /api.
const Version = "0.1.0"

// entityParams are the URL parameters holding risk entity ids.
var entityParams = []string{"asset", "validator", "protocol", "handle", "entity"}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	authMgr         *auth.Manager
	acl             *access.ACL
	bus             *events.Bus
	eventStore      events.Store
	engine          *riskscore.Engine
	vault           *vault.Vault
	realtimeHub     *realtime.Hub
	reconciler      *reconciliation.Runner
	reconcileTimer  *reconciliation.Timer
	rateLimiter     *ratelimit.Limiter
	health          *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	stopTracing     func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration
	unsubscribeHub  func()
	unsubscribeRisk func()

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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var keyStore auth.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		s.db = db
		s.eventStore = events.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		s.health.RegisterCritical("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.eventStore = events.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Auth: configured keys are imported on every start.
	s.authMgr = auth.NewManager(keyStore)
	if err := s.importAPIKeys(ctx); err != nil {
		return nil, err
	}
	s.acl = cfg.ACL()

	// Core: the bus persists every event, then fans it out.
	s.bus = events.NewBus(s.eventStore, s.logger)
	s.engine = riskscore.NewEngine(s.acl, s.bus).
		WithEmergencyThreshold(cfg.EmergencyThresholdBps).
		WithLogger(s.logger)

	v, err := vault.New(vault.Config{
		ManagementFeeBps:   cfg.ManagementFeeBps,
		PerformanceFeeBps:  cfg.PerformanceFeeBps,
		FeeRecipient:       cfg.FeeRecipient,
		EmergencyThreshold: cfg.EmergencyThresholdBps,
		Decimals:           cfg.AssetDecimals,
	}, s.engine, s.acl, s.bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	s.vault = v.WithLogger(s.logger)

	// Risk breaches reach the vault through the bus.
	s.unsubscribeRisk = s.bus.Subscribe("vault", s.vault.ObserveRisk, vault.RiskEventTypes...)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.unsubscribeHub = s.bus.Subscribe("realtime", s.realtimeHub.Publish)

	s.reconciler = reconciliation.NewRunner(s.vault, s.engine, cfg.StalenessThreshold, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health.Register("emergency", health.Emergency(s.vault.Emergency()))
	s.health.Register("risk_data", health.Staleness(s.staleUnderlyings))

	if cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.FromRPM(cfg.RateLimitRPM))
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) importAPIKeys(ctx context.Context) error {
	raws := make([]string, 0, len(s.cfg.APIKeys))
	for raw := range s.cfg.APIKeys {
		raws = append(raws, raw)
	}
	sort.Strings(raws)

	for i, raw := range raws {
		principal := s.cfg.APIKeys[raw]
		_, err := s.authMgr.Import(ctx, raw, principal, fmt.Sprintf("config-%d", i+1))
		if errors.Is(err, auth.ErrKeyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to import API key for %s: %w", principal, err)
		}
	}
	if len(raws) > 0 {
		s.logger.Info("API keys imported", "count", len(raws))
	}
	return nil
}

// staleUnderlyings lists the entities behind active strategies whose risk
// data is older than the staleness threshold.
func (s *Server) staleUnderlyings() []string {
	var stale []string
	for _, u := range s.vault.Underlyings() {
		if s.engine.IsStale(u, s.cfg.StalenessThreshold) {
			stale = append(stale, u)
		}
	}
	return stale
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	return u.Redacted()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Auth resolves the caller before rate limiting so buckets are per caller.
	s.router.Use(auth.Middleware(s.authMgr))
	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware())
	}
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

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if caller := auth.GetCaller(c); caller != "" {
			attrs = append(attrs, "caller", caller)
		}

		logger := logging.L(c.Request.Context())
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
	s.router.GET("/api", s.infoHandler)

	// WebSocket for the live event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	// Validate :address and entity URL params on all v1 routes (no-op when absent)
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(validation.EntityParamMiddleware(entityParams...))
	v1.GET("/stream/stats", s.streamStatsHandler)

	riskHandler := riskscore.NewHandler(s.engine, s.cfg.StalenessThreshold)
	vaultHandler := vault.NewHandler(s.vault)
	eventsHandler := events.NewHandler(s.eventStore)
	authHandler := auth.NewHandler(s.authMgr, s.acl)
	reconcileHandler := reconciliation.NewHandler(s.reconciler, s.acl)

	riskHandler.RegisterRoutes(v1)
	vaultHandler.RegisterRoutes(v1)
	eventsHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)
	reconcileHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))
	riskHandler.RegisterProtectedRoutes(protected)
	vaultHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterProtectedRoutes(protected)
	reconcileHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.CheckAll(ctx)
	httpStatus := http.StatusOK
	if !rep.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    rep.State(),
		Version:   Version,
		Checks:    rep.Checks,
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

// readinessHandler stays ready while degraded: a halted vault must keep
// serving withdrawals.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if rep := s.health.CheckAll(c.Request.Context()); !rep.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": rep.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":                  "yieldguard",
		"description":           "Risk-scored capital allocation vault",
		"version":               Version,
		"emergencyThresholdBps": s.cfg.EmergencyThresholdBps,
		"stalenessThreshold":    s.cfg.StalenessThreshold.String(),
		"assetDecimals":         s.cfg.AssetDecimals,
		"halted":                s.vault.Emergency().Halted(),
	})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
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

	go s.realtimeHub.Run(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()
	s.unsubscribeHub()
	s.unsubscribeRisk()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.stopTracing(ctx); err != nil {
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

// Vault returns the allocation vault.
func (s *Server) Vault() *vault.Vault {
	return s.vault
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
