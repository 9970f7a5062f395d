// Package server sets up the ingestion HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/fraudstream/internal/config"
	"github.com/mbd888/fraudstream/internal/database"
	"github.com/mbd888/fraudstream/internal/decisions"
	"github.com/mbd888/fraudstream/internal/events"
	"github.com/mbd888/fraudstream/internal/health"
	"github.com/mbd888/fraudstream/internal/ingest"
	"github.com/mbd888/fraudstream/internal/logging"
	"github.com/mbd888/fraudstream/internal/metrics"
	"github.com/mbd888/fraudstream/internal/oracle"
	"github.com/mbd888/fraudstream/internal/ratelimit"
	"github.com/mbd888/fraudstream/internal/scoring"
	"github.com/mbd888/fraudstream/internal/security"
	"github.com/mbd888/fraudstream/internal/stream"
	"github.com/mbd888/fraudstream/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	db         *sql.DB // nil if using in-memory
	events     events.Store
	decisions  decisions.Store
	publisher  ingest.Publisher
	oracle     scoring.Oracle
	scorer     *scoring.Scorer
	cache      *decisions.RedisCache
	health     *health.Registry
	limiter    *ratelimit.Limiter
	stopOracle func()
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger
	drainDelay time.Duration

	// Health state
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEventStore sets the event store instead of opening one from config.
func WithEventStore(store events.Store) Option {
	return func(s *Server) {
		s.events = store
	}
}

// WithDecisionStore sets the decision store instead of opening one from config.
func WithDecisionStore(store decisions.Store) Option {
	return func(s *Server) {
		s.decisions = store
	}
}

// WithPublisher sets the stream publisher instead of dialing Kafka.
func WithPublisher(p ingest.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithOracle sets the risk oracle used by POST /predict.
func WithOracle(o scoring.Oracle) Option {
	return func(s *Server) {
		s.oracle = o
	}
}

// WithDrainDelay sets how long Shutdown waits, after failing readiness,
// before it stops accepting connections.
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
		health:     health.NewRegistry(2 * time.Second),
		stopOracle: func() {},
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set stores/publisher/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}

	// Read-through cache in front of decision lookups
	if cfg.RedisURL != "" {
		cache, err := decisions.NewRedisCache(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		s.cache = cache
		s.decisions = decisions.NewCachedStore(s.decisions, cache, cfg.DecisionCacheTTL)
		s.health.RegisterPing("redis", cache.Ping)
		s.logger.Info("decision cache enabled", "ttl", cfg.DecisionCacheTTL)
	}

	if s.publisher == nil {
		s.publisher = stream.NewKafkaProducer(stream.ProducerConfig{
			Brokers:         cfg.KafkaBrokers,
			Topic:           cfg.TransactionsTopic,
			DeliveryTimeout: cfg.DeliveryTimeout,
			MaxAttempts:     cfg.ProducerMaxAttempts,
		}, s.logger)
		brokers := cfg.KafkaBrokers
		s.health.RegisterPing("kafka", func(ctx context.Context) error {
			return stream.Ping(ctx, brokers)
		})
		s.logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.TransactionsTopic)
	}

	if s.oracle == nil {
		o, stop, err := oracle.Select(oracle.Settings{
			URL:       cfg.OracleURL,
			ModelFile: cfg.OracleModelFile,
			Timeout:   cfg.OracleTimeout,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.oracle, s.stopOracle = o, stop
	}
	if p, ok := s.oracle.(interface{ Ping(context.Context) error }); ok {
		s.health.RegisterPing("oracle", p.Ping)
	}

	hourSource, err := scoring.ParseHourSource(cfg.HourSource)
	if err != nil {
		return nil, err
	}
	s.scorer, err = scoring.NewScorer(s.oracle,
		scoring.Policy{Threshold: cfg.DecisionThreshold},
		scoring.FeatureBuilder{Source: hourSource},
		cfg.OracleTimeout)
	if err != nil {
		return nil, err
	}

	if cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
			TrustClientHeader: cfg.TrustClientHeader,
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStorage initializes whichever stores were not injected: Postgres if
// DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStorage(ctx context.Context) error {
	if s.events != nil && s.decisions != nil {
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; events and decisions are lost on restart")
		if s.events == nil {
			s.events = events.NewMemoryStore()
		}
		if s.decisions == nil {
			s.decisions = decisions.NewMemoryStore()
		}
		return nil
	}

	db, err := database.Open(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	s.db = db
	s.health.RegisterPing("postgres", db.PingContext)
	s.logger.Info("using PostgreSQL storage", "url", database.MaskDSN(s.cfg.DatabaseURL))

	if s.events == nil {
		s.events = events.NewPostgresStore(db)
	}
	if s.decisions == nil {
		s.decisions = decisions.NewPostgresStore(db)
	}
	return nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
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
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("")
	if s.limiter != nil {
		api.Use(s.limiter.Middleware())
	}
	service := ingest.NewService(s.events, s.publisher, s.cfg.StoreTimeout, s.logger)
	ingest.NewHandler(service, s.events, s.scorer).RegisterRoutes(api)
	decisions.NewHandler(s.decisions).RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// healthHandler is the plain process probe; dependency checks live on
// /health/ready.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until ctx is cancelled, a shutdown
// signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.ready.Store(false)
		s.closeDependencies()
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

	// Give load balancers time to see the failed readiness probe
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.closeDependencies()
	s.logger.Info("server stopped")
	return nil
}

// closeDependencies releases everything New opened. In-flight requests
// must be finished; the producer flushes on close.
func (s *Server) closeDependencies() {
	if s.limiter != nil {
		s.limiter.Stop()
	}

	if c, ok := s.publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("producer close error", "error", err)
		}
	}

	s.stopOracle()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
