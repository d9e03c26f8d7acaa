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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sendguard/internal/abuse"
	"github.com/mbd888/sendguard/internal/action"
	"github.com/mbd888/sendguard/internal/audit"
	"github.com/mbd888/sendguard/internal/config"
	"github.com/mbd888/sendguard/internal/health"
	"github.com/mbd888/sendguard/internal/logging"
	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/policy"
	"github.com/mbd888/sendguard/internal/quota"
	"github.com/mbd888/sendguard/internal/ratelimit"
	"github.com/mbd888/sendguard/internal/realtime"
	"github.com/mbd888/sendguard/internal/risk"
	"github.com/mbd888/sendguard/internal/security"
	"github.com/mbd888/sendguard/internal/signals"
	"github.com/mbd888/sendguard/internal/tenant"
	"github.com/mbd888/sendguard/internal/traces"
	"github.com/mbd888/sendguard/internal/validation"
	"github.com/mbd888/sendguard/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db    *sql.DB               // nil if using in-memory
	redis redis.UniversalClient // nil without REDIS_URL

	policy      *policy.Provider
	auditLog    *audit.Log
	kafkaSink   *audit.KafkaSink
	realtimeHub *realtime.Hub
	riskEngine  *risk.Engine
	riskTimer   *risk.Timer
	actions     *action.Controller
	actionTimer *action.Timer
	evaluator   *abuse.Evaluator
	quota       *quota.Manager
	quotaTimer  *quota.Timer
	tenants     tenant.Store
	directory   *tenant.Directory
	tierLimiter *ratelimit.TierLimiter
	pipeline    *signals.Pipeline
	consumer    *signals.Consumer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat, logging.WithFile(cfg.LogFile)),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

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
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.db = db
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("redis cooldown index enabled", "addr", opt.Addr)
	}

	if err := s.setupComponents(ctx); err != nil {
		s.closeStores()
		return nil, err
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

// setupComponents builds the domain graph on top of the chosen stores.
func (s *Server) setupComponents(ctx context.Context) error {
	st := s.buildStores()

	provider, err := s.buildPolicy(ctx)
	if err != nil {
		return err
	}
	s.policy = provider

	s.auditLog = audit.NewLog(st.audit, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.CORSAllowedOrigins)
	s.auditLog.AddSink(s.realtimeHub)
	if s.cfg.KafkaAuditTopic != "" {
		s.kafkaSink = audit.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaAuditTopic, s.logger)
		s.auditLog.AddSink(s.kafkaSink)
		s.logger.Info("audit kafka sink enabled", "topic", s.cfg.KafkaAuditTopic)
	}

	s.tenants = st.tenants
	s.directory = tenant.NewDirectory(st.tenants, 0, 0)

	s.riskEngine = risk.NewEngine(st.risk, provider, s.auditLog, s.logger).
		WithHalfLife(s.cfg.RiskHalfLife)
	s.riskTimer = risk.NewTimer(s.riskEngine, s.logger).WithInterval(s.cfg.DecayInterval)

	s.actions = action.NewController(st.actions, s.riskEngine, s.auditLog, s.logger)
	s.actionTimer = action.NewTimer(s.actions, s.logger).WithInterval(s.cfg.ActionSweepInterval)

	s.evaluator = abuse.NewEvaluator(provider, st.cooldowns, st.points, s.directory, s.actions, s.auditLog, s.logger)

	s.tierLimiter = ratelimit.NewTierLimiter(provider, s.directory, s.logger)
	s.quota = quota.NewManager(st.quota, &planResolver{s.directory}, s.auditLog, s.logger).
		WithGuard(&restrictionGuard{s.actions}).
		WithThrottler(s.tierLimiter).
		WithDefaultTTL(s.cfg.DefaultReservationTTL)
	s.quotaTimer = quota.NewTimer(s.quota, s.logger).WithInterval(s.cfg.ReservationSweepInterval)

	s.pipeline = signals.NewPipeline(s.riskEngine, s.evaluator, s.logger, s.cfg.SignalWorkers, s.cfg.SignalQueueSize)
	if s.cfg.KafkaSignalTopic != "" {
		reader := signals.NewKafkaReader(s.cfg.KafkaBrokers, s.cfg.KafkaSignalTopic, s.cfg.KafkaGroupID)
		s.consumer = signals.NewConsumer(reader, s.pipeline, s.logger)
		s.logger.Info("kafka signal ingestion enabled", "topic", s.cfg.KafkaSignalTopic, "group", s.cfg.KafkaGroupID)
	}

	s.health.Register("quota_sweep", health.Loop("quota_sweep", s.quotaTimer))
	s.health.Register("risk_decay", health.Loop("risk_decay", s.riskTimer))
	s.health.Register("action_expiry", health.Loop("action_expiry", s.actionTimer))
	s.health.Register("signal_pipeline", health.Loop("signal_pipeline", s.pipeline))
	if s.cfg.PolicyFile != "" || s.db != nil {
		s.health.RegisterOptional("policy_refresh", health.Loop("policy_refresh", s.policy))
	}
	return nil
}

type stores struct {
	quota     quota.Store
	risk      risk.Store
	actions   action.Store
	audit     audit.Store
	tenants   tenant.Store
	cooldowns abuse.CooldownIndex
	points    abuse.PointsLedger
}

func (s *Server) buildStores() stores {
	var st stores
	if s.db != nil {
		st = stores{
			quota:     quota.NewPostgresStore(s.db),
			risk:      risk.NewPostgresStore(s.db),
			actions:   action.NewPostgresStore(s.db),
			audit:     audit.NewPostgresStore(s.db),
			tenants:   tenant.NewPostgresStore(s.db),
			cooldowns: abuse.NewPostgresCooldowns(s.db),
			points:    abuse.NewPostgresPoints(s.db),
		}
	} else {
		st = stores{
			quota:     quota.NewMemoryStore(),
			risk:      risk.NewMemoryStore(),
			actions:   action.NewMemoryStore(),
			audit:     audit.NewMemoryStore(),
			tenants:   tenant.NewMemoryStore(),
			cooldowns: abuse.NewMemoryCooldowns(),
			points:    abuse.NewMemoryPoints(),
		}
	}
	// A shared index keeps cooldowns consistent across replicas.
	if s.redis != nil {
		client := abuse.NewRedisAdapter(s.redis)
		st.cooldowns = abuse.NewRedisCooldowns(client, "sendguard")
		st.points = abuse.NewRedisPoints(client, "sendguard")
	}
	return st
}

// buildPolicy picks the policy source: a file when POLICY_FILE is set, the
// database when available (seeded with the defaults on first boot), else
// the built-in defaults. A source that fails at startup leaves the defaults
// in force until a later refresh succeeds.
func (s *Server) buildPolicy(ctx context.Context) (*policy.Provider, error) {
	var source policy.Source
	switch {
	case s.cfg.PolicyFile != "":
		source = policy.NewFileSource(s.cfg.PolicyFile)
		s.logger.Info("policy source: file", "path", s.cfg.PolicyFile)
	case s.db != nil:
		pg := policy.NewPostgresStore(s.db)
		empty, err := pg.Empty(ctx)
		if err != nil {
			return nil, fmt.Errorf("inspect policy tables: %w", err)
		}
		if empty {
			version, err := pg.Publish(ctx, policy.DefaultDocument(), "bootstrap")
			if err != nil {
				return nil, fmt.Errorf("seed default policy: %w", err)
			}
			s.logger.Info("seeded default policy", "version", version)
		}
		source = pg
		s.logger.Info("policy source: database")
	default:
		source = policy.NewMemorySource(*policy.DefaultDocument())
		s.logger.Info("policy source: built-in defaults")
	}

	provider, err := policy.NewProvider(source, policy.DefaultDocument(), s.logger)
	if err != nil {
		return nil, err
	}
	provider.WithInterval(s.cfg.PolicyRefreshInterval)
	if _, err := provider.Reload(ctx); err != nil {
		s.logger.Warn("initial policy load failed, serving defaults", "error", err)
	}
	return provider, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.APIRequestsPerMinute,
		BurstSize:         s.cfg.APIBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	// Validate :entityType/:entityId params on all v1 routes (no-op when absent)
	v1.Use(validation.EntityParamMiddleware())

	quota.NewHandler(s.quota).RegisterRoutes(v1)
	signals.NewHandler(s.pipeline).RegisterRoutes(v1)

	riskHandler := risk.NewHandler(s.riskEngine)
	riskHandler.RegisterRoutes(v1)

	actionHandler := action.NewHandler(s.actions)
	actionHandler.RegisterRoutes(v1)

	tenantHandler := tenant.NewHandler(s.tenants, s.directory)
	tenantHandler.RegisterRoutes(v1)

	audit.NewHandler(s.auditLog).RegisterRoutes(v1)
	v1.GET("/audit/stream", gin.WrapF(s.realtimeHub.HandleWebSocket))

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	{
		riskHandler.RegisterAdminRoutes(admin)
		actionHandler.RegisterAdminRoutes(admin)
		tenantHandler.RegisterAdminRoutes(admin)
		policy.NewHandler(s.policy).RegisterAdminRoutes(admin)
		admin.GET("/stream/stats", s.streamStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	PolicyVersion int64           `json:"policyVersion"`
	Checks        []health.Status `json:"checks,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:        status,
		Version:       Version,
		PolicyVersion: s.policy.Current().Version(),
		Checks:        checks,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stream": s.realtimeHub.Stats(),
		"sinks":  s.auditLog.SinkStates(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     Version,
		Environment: s.cfg.Env,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.traceShutdown = shutdownTracing
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

	go s.realtimeHub.Run(runCtx)
	go s.quotaTimer.Start(runCtx)
	go s.riskTimer.Start(runCtx)
	go s.actionTimer.Start(runCtx)
	if s.cfg.PolicyFile != "" || s.db != nil {
		go s.policy.Start(runCtx)
	}
	s.pipeline.Start(runCtx)
	if s.consumer != nil {
		s.consumer.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready", "policy_version", s.policy.Current().Version())
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

// Shutdown gracefully stops the server. Ingestion stops before the HTTP
// listener closes; queued signals and buffered audit records are drained
// before stores are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	// Stops the hub, the kafka consumer and the sweep loops.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.consumer != nil {
		<-s.consumer.Done()
		s.logger.Info("kafka consumer stopped")
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.pipeline.Stop()
	s.logger.Info("signal pipeline drained", "processed", s.pipeline.Processed())

	s.quotaTimer.Stop()
	s.riskTimer.Stop()
	s.actionTimer.Stop()
	s.policy.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// deliver buffered audit records before the sinks go away
	s.auditLog.Close()

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka sink close error", "error", err)
		}
	}

	s.closeStores()

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
