// Package server wires the settlement engine, its collaborators and the
// HTTP API together.
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

	"github.com/mbd888/latticepay/internal/auth"
	"github.com/mbd888/latticepay/internal/config"
	"github.com/mbd888/latticepay/internal/gateway"
	"github.com/mbd888/latticepay/internal/health"
	"github.com/mbd888/latticepay/internal/ledger"
	"github.com/mbd888/latticepay/internal/logging"
	"github.com/mbd888/latticepay/internal/metrics"
	"github.com/mbd888/latticepay/internal/monitor"
	"github.com/mbd888/latticepay/internal/paymaster"
	"github.com/mbd888/latticepay/internal/ratelimit"
	"github.com/mbd888/latticepay/internal/realtime"
	"github.com/mbd888/latticepay/internal/subscription"
	"github.com/mbd888/latticepay/internal/tokens"
	"github.com/mbd888/latticepay/internal/traces"
	"github.com/mbd888/latticepay/internal/validation"
	"github.com/mbd888/latticepay/migrations"
)

// Version is reported by /health. Set by cmd/server from build flags.
var Version = "dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	ledger        *ledger.Ledger
	tokens        *tokens.Registry
	subscriptions *subscription.Service
	gateways      *gateway.Registry
	keys          *auth.Manager
	engine        *paymaster.Engine
	scheduler     *paymaster.Scheduler
	monitor       *monitor.Monitor
	monitorTimer  *monitor.Timer
	hub           *realtime.Hub
	health        *health.Registry

	rateLimiter    *ratelimit.Limiter
	gatewayLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithDB uses db instead of opening DATABASE_URL. Migrations still run.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}
	if s.db != nil {
		if err := migrations.Up(ctx, s.db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	st := s.buildStores()
	s.gatewayLimiter = ratelimit.New(ratelimit.Config{IdleTimeout: time.Hour})
	s.ledger = ledger.New(st.ledger, s.logger)
	s.tokens = tokens.NewRegistry(st.tokens, cfg.SettlementToken, cfg.SettlementSymbol, cfg.SettlementDecimals, s.logger)
	s.subscriptions = subscription.NewService(st.subscriptions, s.ledger, cfg.SettlementToken, cfg.TreasuryAccount, s.logger)
	s.gateways = gateway.NewRegistry(st.gateways, s.gatewayLimiter, s.logger)
	s.keys = auth.NewManager(st.keys)
	if err := s.gateways.LoadRates(ctx); err != nil {
		return nil, fmt.Errorf("failed to load gateway rates: %w", err)
	}

	s.hub = realtime.NewHub(s.logger)
	s.engine = paymaster.NewEngine(
		st.paymaster,
		&tokenNormalizer{s.tokens},
		s.subscriptions,
		&gatewayOracle{s.gateways},
		s.ledger,
		paymaster.Config{
			FeeBps:         cfg.FeeBps,
			LGUPrice:       config.Amount(cfg.LGUPrice),
			CustodyAccount: cfg.PaymasterAccount,
		},
		s.logger,
	).WithPublisher(s.hub)
	if err := s.engine.InitTank(ctx, paymaster.TankParams{
		Balance:          config.Amount(cfg.InitialLGUBalance),
		MinReserve:       config.Amount(cfg.MinLGUReserve),
		DailyLimit:       config.Amount(cfg.DailyLGULimit),
		MaxGasPerSession: config.Amount(cfg.MaxGasPerSession),
	}); err != nil {
		return nil, err
	}
	s.scheduler = paymaster.NewScheduler(s.engine, s.gateways, s.logger)

	mon, err := monitor.New(s.engine, s.gateways, monitor.Thresholds{
		BalanceWarning:       cfg.BalanceWarning,
		BalanceCritical:      cfg.BalanceCritical,
		DailyUsageWarning:    cfg.DailyUsageWarning,
		DailyUsageCritical:   cfg.DailyUsageCritical,
		GatewayUsageWarning:  cfg.GatewayUsageWarning,
		GatewayUsageCritical: cfg.GatewayUsageCritical,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	s.monitor = mon.WithSink(s.hub)
	s.monitorTimer = monitor.NewTimer(s.monitor, cfg.MonitorInterval)

	if cfg.SeedFile != "" {
		seed, err := LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := s.applySeed(ctx, seed); err != nil {
			return nil, err
		}
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("tank", s.tankCheck)
	s.health.Register("scheduler", health.Loop("scheduler", s.scheduler.Running))
	s.health.Register("monitor", health.Loop("monitor", s.monitorTimer.Running))
	s.health.Register("realtime", health.Loop("realtime", s.hub.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

type stores struct {
	ledger        ledger.Store
	tokens        tokens.Store
	subscriptions subscription.Store
	gateways      gateway.Store
	keys          auth.Store
	paymaster     paymaster.Store
}

func (s *Server) buildStores() stores {
	if s.db != nil {
		return stores{
			ledger:        ledger.NewPostgresStore(s.db),
			tokens:        tokens.NewPostgresStore(s.db),
			subscriptions: subscription.NewPostgresStore(s.db),
			gateways:      gateway.NewPostgresStore(s.db),
			keys:          auth.NewPostgresStore(s.db),
			paymaster:     paymaster.NewPostgresStore(s.db),
		}
	}
	return stores{
		ledger:        ledger.NewMemoryStore(),
		tokens:        tokens.NewMemoryStore(),
		subscriptions: subscription.NewMemoryStore(),
		gateways:      gateway.NewMemoryStore(),
		keys:          auth.NewMemoryStore(),
		paymaster:     paymaster.NewMemoryStore(),
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
	s.router.Use(headersMiddleware())
	s.router.Use(corsMiddleware(s.cfg.AllowedOrigins()))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
	rl.BurstSize = max(2*s.cfg.RateLimitRPS, 1)
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	paymasterHandler := paymaster.NewHandler(s.engine)
	tokenHandler := tokens.NewHandler(s.tokens)
	gatewayHandler := gateway.NewHandler(s.gateways, s.keys)
	subscriptionHandler := subscription.NewHandler(s.subscriptions)
	ledgerHandler := ledger.NewHandler(s.ledger)
	monitorHandler := monitor.NewHandler(s.monitor)
	authHandler := auth.NewHandler(s.keys)

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	// Public reads
	paymasterHandler.RegisterRoutes(v1)
	tokenHandler.RegisterRoutes(v1)
	gatewayHandler.RegisterRoutes(v1)
	subscriptionHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	monitorHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)
	v1.GET("/stream/stats", s.streamStatsHandler)

	// Gateway operations; the caller is the gateway bound to the API key
	gw := v1.Group("")
	gw.Use(auth.Middleware(s.keys), auth.RequireAuth())
	paymasterHandler.RegisterGatewayRoutes(gw)
	subscriptionHandler.RegisterProtectedRoutes(gw)
	authHandler.RegisterRoutes(gw)

	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.keys), auth.RequireAdmin(s.cfg.AdminSecret))
	paymasterHandler.RegisterAdminRoutes(admin)
	tokenHandler.RegisterAdminRoutes(admin)
	gatewayHandler.RegisterAdminRoutes(admin)
	subscriptionHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	monitorHandler.RegisterAdminRoutes(admin)
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
	ok, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
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

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// tankCheck is unhealthy while the paymaster is paused or the tank sits
// at or below its reserve.
func (s *Server) tankCheck(ctx context.Context) health.Status {
	st, err := s.engine.GetGasTankStatus(ctx)
	if err != nil {
		return health.Status{Name: "tank", Healthy: false, Detail: err.Error()}
	}
	if st.Mode == paymaster.ModePaused {
		return health.Status{Name: "tank", Healthy: false, Detail: "paused"}
	}
	if config.Amount(st.CurrentBalance).Cmp(config.Amount(st.MinReserve)) <= 0 {
		return health.Status{Name: "tank", Healthy: false, Detail: "balance at reserve"}
	}
	return health.Status{Name: "tank", Healthy: true, Detail: st.Mode.String()}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: realtime hub, daily reset scheduler,
// monitor timer, DB stats collector and tracing.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

	go s.hub.Run(runCtx)
	go func() {
		if err := s.scheduler.Start(runCtx); err != nil {
			s.logger.Error("scheduler failed", "error", err)
		}
	}()
	go s.monitorTimer.Start(runCtx)
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
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
		s.logger.Info("starting server", "port", s.cfg.Port, "settlement_token", s.tokens.SettlementToken())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.monitorTimer.Stop()
	s.scheduler.Stop()
	s.rateLimiter.Stop()
	s.gatewayLimiter.Stop()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
