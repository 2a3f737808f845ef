// lab-supervisor runs as PID 1 inside a lab environment container. It
// reads its session identity and service specs from the environment,
// launches and supervises the sub-services, and serves the control
// plane the orchestrator probes for readiness and health.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/profile"
	"github.com/labdev/labdev/internal/lab/runtime"
	"github.com/labdev/labdev/internal/supervisor"
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  envOr("LABDEV_LOG_LEVEL", "info"),
		Format: "json",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	sessionID := os.Getenv("LABDEV_SESSION_ID")
	if sessionID == "" {
		log.Fatal("LABDEV_SESSION_ID is not set")
	}

	var specs []profile.ServiceSpec
	if err := json.Unmarshal([]byte(os.Getenv("LABDEV_SERVICES")), &specs); err != nil {
		log.Fatal("Failed to decode LABDEV_SERVICES", zap.Error(err))
	}
	if len(specs) == 0 {
		log.Fatal("LABDEV_SERVICES lists no services")
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			log.Fatal("Invalid service spec in LABDEV_SERVICES", zap.Error(err))
		}
	}

	port := runtime.DefaultSupervisorPort
	if raw := os.Getenv("LABDEV_SUPERVISOR_PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatal("Invalid LABDEV_SUPERVISOR_PORT", zap.String("value", raw))
		}
		port = p
	}

	log.Info("Starting Lab Supervisor...",
		zap.String("session_id", sessionID),
		zap.Int("services", len(specs)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(sessionID, specs, log)
	if err := sup.Start(ctx); err != nil {
		log.Fatal("Failed to start supervisor", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	supervisor.SetupRoutes(router, sup, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		log.Info("Control plane listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start control plane", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Lab Supervisor...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Control plane shutdown error", zap.Error(err))
	}

	if err := sup.Stop(); err != nil {
		log.Error("Supervisor stop error", zap.Error(err))
	}

	log.Info("Lab Supervisor stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
