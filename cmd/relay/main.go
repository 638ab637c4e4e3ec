package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/repositories"
	signalinfra "huddle/internal/infrastructure/signal"
	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		os.Getenv("HUDDLE_CONFIG"),
		"configs/relay.yaml",
		"configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("config not loaded, using defaults", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: os.Getenv("HUDDLE_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	roomRepo := repoFactory.CreateRoomRepository()
	userRepo := repoFactory.CreateUserRepository()

	credentials := services.NewCredentialService(cfg.Auth.JWTSecret, cfg.Auth.CredentialTTL, cfg.Auth.Issuer)
	accounts := services.NewAccountService(userRepo, credentials)
	rooms := services.NewRoomService(roomRepo, userRepo, pluginCatalog(cfg), log)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	wsServer := signalinfra.NewWebSocketServer(accounts, rooms, log)
	wsServer.Configure(cfg)
	wsServer.SetMetrics(collector)
	if broker := repoFactory.CreateBroker(); broker != nil {
		if directory := repoFactory.CreatePeerDirectory(); directory != nil {
			wsServer.SetBroker(broker, directory)
		}
		go func() {
			if err := wsServer.RunBroker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("broker subscription ended", "error", err)
			}
		}()
	}

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(roomRepo, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	if cfg.RateLimiting.Enabled && cfg.RateLimiting.WebSocket.MaxConcurrent > 0 {
		health.AddRelayCheck(wsServer.ConnectionCount, cfg.RateLimiting.WebSocket.MaxConcurrent, 15*time.Second, time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewRoomHandler(rooms).SetupRoutes(router, middleware.AuthMiddleware(credentials))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": repoFactory.InstanceID(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.GetReadinessStatus(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	relayMux := http.NewServeMux()
	relayMux.HandleFunc(cfg.Relay.Path, wsServer.HandleWebSocket)
	relayMux.HandleFunc("/health", wsServer.HealthCheck)

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	// no read/write deadlines: relay sockets are long-lived and manage their own
	relayServer := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           relayMux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, relayServer} {
		go func(srv *http.Server) {
			log.Infow("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}(srv)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down huddle relay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range []*http.Server{relayServer, apiServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "address", srv.Addr, "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing server", "address", srv.Addr, "error", closeErr)
			}
		}
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("huddle relay stopped")
}

func pluginCatalog(cfg *config.Config) []domain.Plugin {
	plugins := make([]domain.Plugin, 0, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		plugins = append(plugins, domain.Plugin{
			ID:          domain.PluginID(p.ID),
			Name:        p.Name,
			URL:         p.URL,
			Description: p.Description,
			Version:     p.Version,
		})
	}
	return plugins
}
