// Package server wires the payment protocol components into an HTTP API.
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
	_ "github.com/lib/pq"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/config"
	"github.com/mbd888/paymeter/internal/health"
	"github.com/mbd888/paymeter/internal/idgen"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/metrics"
	"github.com/mbd888/paymeter/internal/paywall"
	"github.com/mbd888/paymeter/internal/protocol"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/ratelimit"
	"github.com/mbd888/paymeter/internal/realtime"
	"github.com/mbd888/paymeter/internal/security"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/settlement"
	"github.com/mbd888/paymeter/internal/traces"
	"github.com/mbd888/paymeter/internal/validation"
	"github.com/mbd888/paymeter/internal/verifier"
)

// Version is reported by /health and the tracer resource.
var Version = "0.1.0"

// Server wraps the HTTP server and its dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	auditLog *audit.Log
	sessions *session.Manager
	verifier *verifier.Verifier
	queue    *queue.Queue
	engine   *protocol.Engine
	settler  protocol.Settler

	engineTimer   *protocol.Timer
	verifierTimer *verifier.Timer
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc
	shutdownTracing func(context.Context) error
	shutdownDelay   time.Duration

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

// WithSettler replaces the settler chosen from FACILITATOR_URL.
func WithSettler(settler protocol.Settler) Option {
	return func(s *Server) {
		s.settler = settler
	}
}

// WithShutdownDelay sets how long Shutdown waits for load balancers to
// drain before closing listeners. Default 5s.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// engineTerms lets the HTTP settler read the engine's live terms; the
// engine is constructed after the settler it depends on.
type engineTerms struct {
	engine *protocol.Engine
}

func (t *engineTerms) Config() protocol.Config {
	return t.engine.Config()
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Realtime hub receives every audit entry as a sink
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"),
		realtime.WithAllowedOrigins(cfg.CORSOrigins))

	auditOpts := []audit.Option{
		audit.WithLogger(logging.Component(s.logger, "audit")),
		audit.WithRetention(cfg.AuditRetention),
		audit.WithSink(s.realtimeHub),
	}

	// Audit storage: Postgres if DATABASE_URL set, otherwise in-memory
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
		s.db = db

		store := audit.NewPostgresStore(db)
		auditOpts = append(auditOpts, audit.WithSink(store), audit.WithArchiver(store))
		log, err := store.LoadLog(ctx, auditOpts...)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to load audit log: %w", err)
		}
		s.auditLog = log
		s.logger.Info("using PostgreSQL audit storage",
			"url", maskDSN(cfg.DatabaseURL),
			"entries", log.Len())
	} else {
		auditOpts = append(auditOpts, audit.WithArchiver(audit.NewMemoryArchive()))
		s.auditLog = audit.NewLog(auditOpts...)
		s.logger.Info("using in-memory audit storage (data will not persist)")
	}

	s.sessions = session.NewManager(
		session.WithTTL(cfg.SessionTTL),
		session.WithMaxSessionsPerWallet(cfg.MaxSessionsPerWallet),
		session.WithLogger(logging.Component(s.logger, "session")),
	)
	s.verifier = verifier.New(
		verifier.WithRequiredConfirmations(cfg.RequiredConfirmations),
		verifier.WithTimeout(cfg.VerificationTimeout),
		verifier.WithBlockTime(cfg.BlockTime),
		verifier.WithMaxRetries(cfg.VerificationMaxRetries),
		verifier.WithLogger(logging.Component(s.logger, "verifier")),
	)
	s.queue = queue.New(
		queue.WithMaxSize(cfg.QueueMaxSize),
		queue.WithBatchSize(cfg.QueueBatchSize),
		queue.WithBatchInterval(cfg.QueueBatchInterval),
		queue.WithMaxRetries(cfg.QueueMaxRetries),
		queue.WithLogger(logging.Component(s.logger, "queue")),
	)

	terms := &engineTerms{}
	if s.settler == nil {
		if cfg.FacilitatorURL != "" {
			s.settler = settlement.NewHTTPSettler(cfg.FacilitatorURL, terms,
				settlement.WithLogger(logging.Component(s.logger, "settlement")))
			s.logger.Info("settling through facilitator", "url", cfg.FacilitatorURL)
		} else {
			s.settler = settlement.NewLocalSettler(logging.Component(s.logger, "settlement"))
			s.logger.Warn("FACILITATOR_URL not set, payments settle locally")
		}
	}

	engine, err := protocol.New(protocol.Components{
		Sessions: s.sessions,
		Verifier: s.verifier,
		Queue:    s.queue,
		Audit:    s.auditLog,
	}, s.settler, protocol.Config{
		Recipient: cfg.PaymentRecipient,
		Network:   cfg.PaymentNetwork,
		Asset:     cfg.PaymentAsset,
		Price:     cfg.DefaultPrice,
	}, protocol.WithLogger(logging.Component(s.logger, "protocol")))
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create protocol engine: %w", err)
	}
	terms.engine = engine
	s.engine = engine

	s.engineTimer = protocol.NewTimer(engine, cfg.QueueBatchInterval, cfg.SweepInterval, logging.Component(s.logger, "protocol_timer"))
	s.verifierTimer = verifier.NewTimer(s.verifier, 0, logging.Component(s.logger, "verifier_timer"))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
	})

	s.health = health.NewRegistry(0)
	s.health.Register("audit_chain", health.AuditChain(s.auditLog))
	s.health.Register("queue", health.Headroom(s.queue, 0.9))
	s.health.Register("protocol_timer", health.Running(s.engineTimer))
	s.health.Register("verifier_timer", health.Running(s.verifierTimer))
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, SDK) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", security.RequireAdmin(s.cfg.AdminSecret), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		session.NewHandler(s.sessions).RegisterRoutes(v1)
		queue.NewHandler(s.queue).RegisterRoutes(v1)
		verifier.NewHandler(s.verifier).RegisterRoutes(v1)
		protocol.NewHandler(s.engine).RegisterRoutes(v1)

		// Metered agent call: 402 until paid, then served under the session
		v1.GET("/agents/:agent/call",
			paywall.Middleware(s.engine, paywall.Config{Logger: s.logger}),
			s.agentCallHandler)
	}

	admin := v1.Group("/admin", security.RequireAdmin(s.cfg.AdminSecret))
	{
		audit.NewHandler(s.auditLog).RegisterAdminRoutes(admin)
		session.NewHandler(s.sessions).RegisterAdminRoutes(admin)
		queue.NewHandler(s.queue).RegisterAdminRoutes(admin)
		verifier.NewHandler(s.verifier).RegisterReporterRoutes(admin)
		protocol.NewHandler(s.engine).RegisterAdminRoutes(admin)
		admin.GET("/realtime/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
}

// agentCallHandler stands in for the metered agent. Production deployments
// mount the paywall in front of their own handlers.
func (s *Server) agentCallHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agentId":   c.Param("agent"),
		"sessionId": paywall.SessionID(c),
		"servedAt":  time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines stop when Shutdown cancels this
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.PaymentNetwork,
			"recipient", s.cfg.PaymentRecipient,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.engineTimer.Start(runCtx)
	go s.verifierTimer.Start(runCtx)
	go s.sweepRateLimiter(runCtx)

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// sweepRateLimiter drops idle rate limit buckets once a minute.
func (s *Server) sweepRateLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.rateLimiter.Sweep(); n > 0 {
				s.logger.Debug("rate limit buckets swept", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server. Pending payments get one last
// batch before the process exits.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.engineTimer.Stop()
	s.verifierTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("timers stopped")

	if b, err := s.engine.ProcessBatch(ctx); err == nil {
		s.logger.Info("final batch settled", "batchId", b.ID, "status", b.Status)
	} else if !errors.Is(err, queue.ErrQueueEmpty) {
		s.logger.Warn("final batch failed", "error", err)
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the protocol engine for testing
func (s *Server) Engine() *protocol.Engine {
	return s.engine
}
