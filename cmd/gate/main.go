package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/security-gate-ai/cmd/mainconfig"
	"github.com/wolfman30/security-gate-ai/internal/api/router"
	"github.com/wolfman30/security-gate-ai/internal/app/bootstrap"
	appconfig "github.com/wolfman30/security-gate-ai/internal/config"
	"github.com/wolfman30/security-gate-ai/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/security-gate-ai/internal/http/middleware"
	"github.com/wolfman30/security-gate-ai/internal/livefeed"
	"github.com/wolfman30/security-gate-ai/internal/notify"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting security gate server",
		"env", cfg.Env,
		"port", cfg.Port,
		"llm_provider", cfg.LLMProvider,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Server exited gracefully")
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client, closeLLM, err := bootstrap.BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer closeLLM()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	trail := bootstrap.BuildAuditTrail(redisClient, cfg, logger)

	visitStore, closeVisits, err := bootstrap.BuildVisitStore(ctx, cfg, logger)
	if err != nil {
		logger.Warn("visit records disabled", "error", err)
	}
	defer closeVisits()

	var ses notify.SESAPI
	if c := mainconfig.NewSESClient(awsCfg, cfg); c != nil {
		ses = c
	}

	reg, metricsHandler := setupMetrics()
	deps := bootstrap.GateDeps{
		Client:      client,
		Audit:       trail.Sink,
		EmailSender: bootstrap.BuildEmailSender(cfg, ses, logger),
		Registerer:  reg,
		Logger:      logger,
	}
	if visitStore != nil {
		deps.Visits = visitStore
	}
	if cfg.FrameBucket != "" {
		deps.S3 = mainconfig.NewS3Client(awsCfg, cfg)
	}
	g, err := bootstrap.BuildGate(ctx, cfg, deps)
	if err != nil {
		return err
	}
	go g.Manager.RunSweeper(ctx, cfg.SweepInterval, cfg.SessionIdleTimeout)

	handlerDeps := handlers.GateHandlerDeps{
		Sessions: g.Manager,
		Audit:    trail.Reader,
		Logger:   logger,
	}
	if visitStore != nil {
		handlerDeps.Visits = visitStore
	}
	if g.FrameStore != nil {
		handlerDeps.Frames = g.FrameStore
	}

	frameLimiter := httpmiddleware.NewRateLimiter(cfg.FrameRate, cfg.FrameBurst)
	defer frameLimiter.Stop()

	r := router.New(&router.Config{
		Logger:             logger,
		Gate:               handlers.NewGateHandler(handlerDeps),
		LiveFeed:           livefeed.NewHandler(g.Manager, livefeed.Options{AllowedOrigins: cfg.CORSAllowedOrigins}, logger),
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		FrameLimiter:       frameLimiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// A turn can wait on several model calls and then the decision.
		WriteTimeout: cfg.LLMDeadline*3 + cfg.DecisionDeadline,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	g.Manager.Shutdown(shutdownCtx)
	logger.Info("server stopped")
	return nil
}

// setupMetrics builds a registry with the Go and process collectors and the
// handler that serves it.
func setupMetrics() (*prometheus.Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
