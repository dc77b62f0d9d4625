package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/api"
	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/constants"
	"github.com/kandev/researchd/internal/common/httpmw"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/db"
	"github.com/kandev/researchd/internal/events/bus"
	gateways "github.com/kandev/researchd/internal/gateway/websocket"
	"github.com/kandev/researchd/internal/orchestrator"
	"github.com/kandev/researchd/internal/session"
	"github.com/kandev/researchd/internal/tracing"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanups []func() error
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				log.Warn("Cleanup failed", zap.Error(err))
			}
		}
	}()

	log.Info("Starting researchd...")

	pool, cleanup, err := db.Provide(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, cleanup)

	catalog, err := session.NewCatalog(ctx, pool)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Sessions.LogDir, 0o755); err != nil {
		return fmt.Errorf("create session log dir: %w", err)
	}
	registry := session.NewRegistry(session.NewEventLog(cfg.Sessions.LogDir), catalog, log)
	loaded, err := registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	log.Info("Sessions recovered from logs", zap.Int("count", loaded))

	provided, cleanup, err := bus.Provide(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, cleanup)
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	gateway, cleanup, err := gateways.Provide(ctx, cfg, provided.Bus, registry, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, cleanup)

	svc, err := orchestrator.NewService(orchestrator.ServiceConfig{
		OutputDir: cfg.Sessions.OutputDir,
		Pipeline:  cfg.Pipeline,
	}, session.NewPublisher(registry, provided.Bus, log), registry, catalog, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newRouter(cfg, log, gateway, api.NewHandlers(svc, registry, catalog, log)),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("Shutting down researchd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	// Running sessions are failed first so subscribers still see it.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}
	log.Info("researchd stopped")
	return nil
}

func newRouter(cfg *config.Config, log *logger.Logger, gateway *gateways.Gateway, handlers *api.Handlers) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("researchd"))
	router.Use(httpmw.RequestLogger(log, "researchd"))
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)
	handlers.RegisterRoutes(router)
	return router
}
