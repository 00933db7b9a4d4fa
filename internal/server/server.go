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

	"github.com/mbd888/fraudguard/internal/attempts"
	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/blacklist"
	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/fraud"
	"github.com/mbd888/fraudguard/internal/geo"
	"github.com/mbd888/fraudguard/internal/health"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/ratelimit"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/rules"
	"github.com/mbd888/fraudguard/internal/security"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/validation"
	"github.com/mbd888/fraudguard/internal/velocity"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	authMgr          *auth.Manager
	ruleCache        *rules.Cache
	rulesService     *rules.Service
	rulesTimer       *rules.Timer
	blacklistService *blacklist.Service
	blacklistTimer   *blacklist.Timer
	velocityService  *velocity.Service
	velocityTimer    *velocity.Timer
	attemptLogger    *attempts.Logger
	fraudService     *fraud.Service
	realtimeHub      *realtime.Hub
	publisher        *events.Async
	health           *health.Registry
	rateLimiter      *ratelimit.Limiter

	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil unless REDIS_URL is set
	amqp          *events.AMQPPublisher
	geoResolver   *geo.MaxMindResolver
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.openBackends(ctx); err != nil {
		s.closeBackends()
		return nil, err
	}

	if err := s.wireServices(ctx); err != nil {
		s.closeBackends()
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

// openBackends connects to every configured external system. Each one is
// optional; unset backends fall back to in-memory implementations.
func (s *Server) openBackends(ctx context.Context) error {
	cfg := s.cfg

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := retry.Do(ctx, retry.Startup, db.PingContext); err != nil {
			db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		if err := retry.Do(ctx, retry.Startup, ping); err != nil {
			client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.health.Register("redis", health.Ping("redis", ping))
		s.logger.Info("connected to Redis", "addr", opts.Addr)
	}

	if cfg.AMQPURL != "" {
		var pub *events.AMQPPublisher
		err := retry.Do(ctx, retry.Startup, func(context.Context) error {
			p, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, s.logger)
			if err != nil {
				return err
			}
			pub = p
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
		s.amqp = pub
		s.health.Register("amqp", health.Ping("amqp", pub.Ping))
		s.logger.Info("publishing events to AMQP", "exchange", cfg.AMQPExchange)
	}

	if cfg.GeoIPDBPath != "" {
		r, err := geo.OpenMaxMind(cfg.GeoIPDBPath)
		if err != nil {
			return fmt.Errorf("failed to open GeoIP database: %w", err)
		}
		s.geoResolver = r
		s.logger.Info("GeoIP resolution enabled", "path", cfg.GeoIPDBPath)
	}

	return nil
}

// wireServices builds the domain services on top of the opened backends.
func (s *Server) wireServices(ctx context.Context) error {
	cfg := s.cfg

	var (
		ruleStore      rules.Store
		blacklistStore blacklist.Store
		attemptStore   attempts.Store
		scoreStore     fraud.Store
		tracker        velocity.Tracker
	)
	if s.db != nil {
		ruleStore = rules.NewPostgresStore(s.db)
		blacklistStore = blacklist.NewPostgresStore(s.db)
		attemptStore = attempts.NewPostgresStore(s.db)
		scoreStore = fraud.NewPostgresStore(s.db)
	} else {
		ruleStore = rules.NewMemoryStore()
		blacklistStore = blacklist.NewMemoryStore()
		attemptStore = attempts.NewMemoryStore()
		scoreStore = fraud.NewMemoryStore()
	}

	switch {
	case s.redis != nil:
		tracker = velocity.NewRedisTracker(s.redis, cfg.VelocityRetention)
		s.logger.Info("velocity counters in Redis")
	case s.db != nil:
		tracker = velocity.NewPostgresTracker(s.db)
		s.logger.Info("velocity counters in PostgreSQL")
	default:
		tracker = velocity.NewMemoryTracker()
	}

	// Events fan out to the broker (or the log) and to websocket clients.
	// Delivery is asynchronous so a slow broker never delays a verdict.
	s.realtimeHub = realtime.NewHub(s.logger)
	var sink events.Publisher = events.NewLogPublisher(s.logger)
	if s.amqp != nil {
		sink = s.amqp
	}
	s.publisher = events.NewAsync(events.Multi{sink, s.realtimeHub}, 0, s.logger)

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("dependency breaker transition", "dependency", key, "from", from.String(), "to", to.String())
	})

	s.ruleCache = rules.NewCache(ruleStore, cfg.RulesRefreshInterval, s.logger)
	s.rulesService = rules.NewService(ruleStore, s.ruleCache, s.logger)
	s.rulesTimer = rules.NewTimer(s.ruleCache, cfg.RulesRefreshInterval, s.logger)
	maxRuleAge := 3 * cfg.RulesRefreshInterval
	s.health.Register("rules", func(context.Context) health.Status {
		if !s.ruleCache.Fresh(maxRuleAge) {
			return health.Status{Name: "rules", Healthy: false, Detail: "rule cache is stale"}
		}
		return health.Status{Name: "rules", Healthy: true}
	})

	s.blacklistService = blacklist.NewService(blacklistStore, s.logger).
		WithNormalizer(blacklist.NewNormalizer(cfg.DefaultPhoneRegion))
	s.blacklistTimer = blacklist.NewTimer(s.blacklistService, cfg.BlacklistSweepInterval, s.logger)

	s.velocityService = velocity.NewService(tracker, s.logger)
	s.velocityTimer = velocity.NewTimer(s.velocityService, cfg.VelocityPurgeInterval, cfg.VelocityRetention, s.logger)

	s.attemptLogger = attempts.NewLogger(attemptStore, s.blacklistService, attempts.EscalationConfig{
		Threshold: cfg.EscalationThreshold,
		Window:    cfg.EscalationWindow,
		TTL:       cfg.EscalationTTL,
	}, s.logger).WithPublisher(s.publisher)

	failPolicy, err := fraud.NewFailPolicy(cfg.FailClosedTypes, cfg.FailOpenTypes)
	if err != nil {
		return err
	}
	evalCfg := fraud.DefaultEvaluatorConfig()
	evalCfg.Timeout = cfg.EvaluationTimeout
	evalCfg.FailPolicy = failPolicy
	evalCfg.Status = fraud.StatusPolicy{
		AutoApproveClean:  cfg.AutoApproveClean,
		AutoRejectBlocked: cfg.AutoRejectBlocked,
	}

	evaluator := fraud.NewEvaluator(s.ruleCache, ruleStore, s.blacklistService, s.velocityService, evalCfg, s.logger).
		WithBreaker(breaker)
	if s.geoResolver != nil {
		evaluator = evaluator.WithGeo(s.geoResolver)
	}
	s.fraudService = fraud.NewService(evaluator, scoreStore, s.logger).
		WithPublisher(s.publisher).
		WithAttempts(s.attemptLogger)

	if cfg.IsDevelopment() && s.db == nil {
		if _, err := s.rulesService.Seed(ctx, rules.DefaultRules()); err != nil {
			return fmt.Errorf("failed to seed rules: %w", err)
		}
	}

	// Warm the cache so the first evaluation does not pay for the load.
	if err := s.ruleCache.Refresh(ctx); err != nil {
		s.logger.Warn("initial rule load failed", "error", err)
	}

	s.authMgr = auth.NewManager(cfg.APIKeys, cfg.ReviewerJWTSecret)
	if s.authMgr.Permissive() {
		s.logger.Warn("no API_KEYS or REVIEWER_JWT_SECRET set, authentication is permissive")
	} else {
		s.logger.Info("API authentication enabled", "api_keys", len(cfg.APIKeys), "reviewer_jwt", cfg.ReviewerJWTSecret != "")
	}

	return nil
}

// closeBackends releases connections opened by openBackends.
func (s *Server) closeBackends() {
	if s.geoResolver != nil {
		if err := s.geoResolver.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}
	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			s.logger.Error("amqp close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

	// Evaluate sits on the checkout path; a throttled call would be an
	// unscored transaction.
	rl := ratelimit.DefaultConfig()
	rl.Exempt = []string{"/v1/fraud/evaluate"}
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, calling service)
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

	// Live verdict stream for review consoles
	s.router.GET("/ws", auth.RequireRole(auth.RoleReviewer), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)
	v1.GET("/auth/whoami", auth.RequireAuth(), authHandler.Whoami)

	fraudHandler := fraud.NewHandler(s.fraudService)
	blacklistHandler := blacklist.NewHandler(s.blacklistService)

	// Calling services and reviewers
	callers := v1.Group("", auth.RequireRole(auth.RoleService, auth.RoleReviewer))
	fraudHandler.RegisterRoutes(callers)
	blacklistHandler.RegisterRoutes(callers)
	velocity.NewHandler(s.velocityService).RegisterRoutes(callers)
	attempts.NewHandler(s.attemptLogger).RegisterRoutes(callers)

	// Manual review
	reviewers := v1.Group("", auth.RequireRole(auth.RoleReviewer))
	fraudHandler.RegisterReviewRoutes(reviewers)

	// Rule and blacklist administration
	admins := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	rules.NewHandler(s.rulesService).RegisterRoutes(admins)
	blacklistHandler.RegisterAdminRoutes(admins)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  map[string]any  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Realtime:  s.realtimeHub.Stats(),
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

// Start launches the background loops: the post-verdict workers, the
// event pump, websocket hub, the rule refresher and the sweep timers. They
// stop when ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.fraudService.Run(ctx)

	// The event pump outlives the post-verdict workers so their last
	// score events are still delivered.
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		<-ctx.Done()
		<-s.fraudService.Done()
		pubCancel()
	}()
	go s.publisher.Run(pubCtx)
	go s.realtimeHub.Run(ctx)
	go s.rulesTimer.Start(ctx)
	go s.blacklistTimer.Start(ctx)
	go s.velocityTimer.Start(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	s.Start(runCtx)

	// Ready once the rule set is loaded; evaluations before that would
	// only see the fallback of an empty cache.
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if !s.ruleCache.LoadedAt().IsZero() {
				s.ready.Store(true)
				s.logger.Info("server ready")
				return
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		s.closeBackends()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Background loops stop after in-flight requests finish so their
	// events still reach the queue, which Run drains on the way out.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	select {
	case <-s.publisher.Done():
	case <-ctx.Done():
		s.logger.Warn("post-verdict and event queues not drained before deadline")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeBackends()

	s.logger.Info("server stopped")
	return nil
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
