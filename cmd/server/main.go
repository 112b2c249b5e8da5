package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/api"
	"github.com/sirosfoundation/go-loginshield/internal/backend"
	"github.com/sirosfoundation/go-loginshield/internal/service"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/logging"
	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
	"github.com/sirosfoundation/go-loginshield/pkg/middleware"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting LoginShield relying party",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("base_url", cfg.Server.BaseURL),
	)

	metrics.SetEnabled(cfg.Metrics.Enabled)

	// Initialize storage backend
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("Storage backend initialized", zap.String("type", cfg.Storage.Type))

	// Ping storage to verify connection
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping storage", zap.Error(err))
	}

	services, err := service.NewServices(store, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	services.Start()
	defer services.Stop()

	router := setupRouter(cfg, services, store, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Public server listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start public server", zap.Error(err))
		}
	}()

	// Start admin server on separate port (if configured)
	var adminSrv *http.Server
	if cfg.Server.AdminPort > 0 {
		adminToken := cfg.Server.AdminToken
		if adminToken == "" {
			adminToken, err = middleware.GenerateAdminToken()
			if err != nil {
				logger.Fatal("Failed to generate admin token", zap.Error(err))
			}
			logger.Info("Generated admin API token (set LOGINSHIELD_SERVER_ADMIN_TOKEN to use a fixed token)",
				zap.String("token", adminToken))
		}

		adminSrv = &http.Server{
			Addr:         cfg.Server.AdminAddress(),
			Handler:      setupAdminRouter(services, store, adminToken, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("Admin server listening", zap.String("address", cfg.Server.AdminAddress()))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Failed to start admin server", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Public server forced to shutdown", zap.Error(err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			logger.Error("Admin server forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func setupRouter(cfg *config.Config, services *service.Services, store backend.Backend, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	if cfg.Metrics.Enabled {
		router.Use(metrics.GinMiddleware())
	}

	if origins := cfg.Server.CORS.AllowedOrigins; len(origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	var rateLimiter *middleware.AuthRateLimiter
	if cfg.Security.AuthRateLimit.Enabled {
		rateLimiter = middleware.NewAuthRateLimiter(cfg.Security.AuthRateLimit, logger)
	}

	handlers := api.NewHandlers(services, cfg, rateLimiter, logger)
	handlers.RegisterRoutes(router, store)

	return router
}

// setupAdminRouter creates the admin router for operator APIs
func setupAdminRouter(services *service.Services, store backend.Backend, adminToken string, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	adminHandlers := api.NewAdminHandlers(services, store, logger)
	adminHandlers.RegisterRoutes(router, adminToken)

	return router
}
