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
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/framebridge/internal/config"
	"github.com/zhouzirui/framebridge/internal/handler"
	"github.com/zhouzirui/framebridge/internal/handler/relay"
	"github.com/zhouzirui/framebridge/internal/model/workflow"
	"github.com/zhouzirui/framebridge/internal/service/polling"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("server stopped")
}

// run serves until ctx ends. Everything it starts is torn down before it
// returns, including on error.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// 工作流类型在服务启动后不再变化
	workflows, err := workflow.NewMemoryStore(workflow.Seed())
	if err != nil {
		return fmt.Errorf("register workflow types: %w", err)
	}
	workflows.Freeze()
	logger.Info().Strs("workflow_types", workflows.IDs()).Msg("workflow types registered")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker := polling.NewBroker(polling.Config{
		WaitBudget: cfg.Polling.WaitBudget,
		Metrics:    polling.NewMetrics(registry),
	}, logger)
	hub := relay.NewHub()
	defer hub.CloseAll()

	router := handler.NewRouter(cfg, broker, workflows, hub, registry, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("framebridge server listening")
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		broker.RunJanitor(gctx, cfg.Polling.JanitorInterval, cfg.Polling.ClientTTL)
		return nil
	})

	return g.Wait()
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
