package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/repositories"
	"rillcall/internal/infrastructure/sfu"
	signalrelay "rillcall/internal/infrastructure/signal"
	"rillcall/internal/infrastructure/storage"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, path, err := config.LoadFirst(config.SearchPaths...)
	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("invalid configuration, using defaults", "path", path, "error", err)
	} else if path != "" {
		log.Infow("loaded configuration", "path", path)
	}

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("RILLCALL_ENV"),
		SampleRate:  1.0,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	presence := repoFactory.CreatePresenceRepository()

	backend, err := sfu.NewBackend(cfg.Recording.Directory, log.Named("sfu"))
	if err != nil {
		log.Fatalw("failed to create media backend", "error", err)
	}

	var archive *storage.MinIOArchive
	if cfg.Recording.Archive.Enabled {
		archive, err = storage.NewMinIOArchive(storage.MinIOConfigFrom(cfg), log.Named("archive"))
		if err != nil {
			log.Warnw("recording archive unavailable, keeping recordings local", "error", err)
		} else {
			backend.SetArchive(archive)
		}
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	collector := monitoring.NewPrometheusCollector(nil)
	monitoring.RegisterRoomGauges(nil, backend.Stats)

	relay := signalrelay.NewServer(signalrelay.ServerConfigFrom(cfg), signalrelay.ServerDeps{
		Presence: presence,
		Rooms:    backend,
		Auth:     authService,
		Metrics:  collector,
		Logger:   log.Named("relay"),
	})

	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddRepositoryCheck(presence, 30*time.Second, 2*time.Second)
	if repoFactory.UsingRedis() {
		health.AddPingCheck("redis", repoFactory.HealthCheck, 15*time.Second, 2*time.Second)
	}
	if archive != nil {
		health.AddPingCheck("archive", archive.HealthCheck, time.Minute, 5*time.Second)
	}
	checksCtx, stopChecks := context.WithCancel(context.Background())
	defer stopChecks()
	health.StartBackgroundChecks(checksCtx)

	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	directoryHandler := httphandlers.NewDirectoryHandler(presence)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogMiddleware(zapLogger.Named("http")))
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/ws", gin.WrapF(relay.HandleWebSocket))

	authHandler.SetupRoutes(router)

	api := router.Group("/")
	if cfg.Signal.RequireAuth {
		api.Use(middleware.AuthMiddleware(authService))
	} else {
		api.Use(middleware.OptionalAuthMiddleware(authService))
	}
	directoryHandler.SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": relay.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		if status.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
				"checks":    status,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
			"checks":    status,
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// WriteTimeout stays unset: /ws connections are long lived.
	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting RillCall signaling relay on %s", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down RillCall signaling relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	if err := relay.Close(); err != nil {
		log.Errorw("Error closing relay connections", "error", err)
	}

	if err := backend.Close(); err != nil {
		log.Errorw("Error finalizing recordings", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	stopChecks()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("RillCall signaling relay stopped")
}
