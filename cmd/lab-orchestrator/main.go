package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/events/bus"
	"github.com/labdev/labdev/internal/lab/admission"
	"github.com/labdev/labdev/internal/lab/api"
	"github.com/labdev/labdev/internal/lab/archive"
	"github.com/labdev/labdev/internal/lab/health"
	"github.com/labdev/labdev/internal/lab/lifecycle"
	"github.com/labdev/labdev/internal/lab/profile"
	"github.com/labdev/labdev/internal/lab/proxy"
	"github.com/labdev/labdev/internal/lab/reaper"
	"github.com/labdev/labdev/internal/lab/runtime"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Lab Orchestrator service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect event bus. An empty NATS URL selects the in-memory bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Initialize container runtime adapter
	rt, err := runtime.NewDockerRuntime(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker runtime", zap.Error(err))
	}
	defer rt.Close()

	if err := rt.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 6. Load profile catalog
	profiles := profile.NewRegistry(log)
	profiles.LoadDefaults()
	log.Info("Loaded profile catalog", zap.Int("profiles", len(profiles.List())))

	// 7. Initialize admission controller
	adm := admission.NewController(cfg.Lab.MaxConcurrent, log)

	// 8. Initialize routing table
	routes := proxy.NewTable(cfg.Proxy, log)

	// 9. Open the terminated-session archive (optional)
	var arch lifecycle.Archive
	if cfg.Archive.Path != "" {
		sqliteArchive, err := archive.NewSQLiteArchive(cfg.Archive.Path, log)
		if err != nil {
			log.Fatal("Failed to open session archive", zap.Error(err))
		}
		defer sqliteArchive.Close()
		arch = sqliteArchive
	}

	// 10. Initialize lifecycle manager
	prober := health.NewProber(cfg.Lab.HealthTimeoutDuration())
	manager := lifecycle.NewManager(cfg.Lab, profiles, rt, routes, adm, prober, eventBus, arch, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start lifecycle manager", zap.Error(err))
	}
	log.Info("Started lifecycle manager")

	// 11. Start health monitor and idle reaper
	monitor := health.NewMonitor(cfg.Lab, manager, log)
	if err := monitor.Start(ctx); err != nil {
		log.Fatal("Failed to start health monitor", zap.Error(err))
	}

	idleReaper := reaper.NewReaper(cfg.Lab, manager, log)
	if err := idleReaper.Start(ctx); err != nil {
		log.Fatal("Failed to start idle reaper", zap.Error(err))
	}

	// 12. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	// 13. Register API routes and the session reverse proxy
	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, manager, profiles, eventBus, log)

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if err := rt.Ping(c.Request.Context()); err != nil {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   status,
			"sessions": adm.Occupied(),
		})
	})

	router.Any(cfg.Proxy.PathPrefix+"/*route", gin.WrapH(routes))

	// 14. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Lab Orchestrator service...")

	// 17. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := idleReaper.Stop(); err != nil {
		log.Error("Idle reaper stop error", zap.Error(err))
	}
	if err := monitor.Stop(); err != nil {
		log.Error("Health monitor stop error", zap.Error(err))
	}
	if err := manager.Stop(); err != nil {
		log.Error("Lifecycle manager stop error", zap.Error(err))
	}

	log.Info("Lab Orchestrator service stopped")
}
