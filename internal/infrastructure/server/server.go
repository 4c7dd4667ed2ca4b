package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/host"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/middleware"
)

// Server exposes host diagnostics over HTTP
type Server struct {
	router  *gin.Engine
	http    *http.Server
	manager *host.Manager
	logger  *zap.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// NewServer wires routes for manager. gatherer backs /metrics; nil means
// the default prometheus registry.
func NewServer(cfg *config.Config, manager *host.Manager, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger = logging.OrNop(logger).Named("server")
	metrics := manager.Metrics()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Trace(logger))
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Server.AllowOrigins
	router.Use(middleware.CORS(cors))
	if cfg.Server.RateLimit > 0 {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.Server.RateLimit),
			zap.Int("burst", cfg.Server.RateBurst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit,
			Burst:             cfg.Server.RateBurst,
		}))
	}

	h := NewHandlers(manager, metrics)
	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	router.GET("/environments", h.ListEnvironments)
	router.GET("/environments/:id", h.GetEnvironment)
	router.DELETE("/environments/:id", h.CloseEnvironment)

	router.GET("/inspector/sessions", h.ListSessions)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/metrics/json", h.MetricsSnapshot)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	return &Server{
		router: router,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		manager: manager,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("Starting diagnostics server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down diagnostics server")
	return s.http.Shutdown(ctx)
}
