package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/stagehand/internal/directory"
	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/invoke"
	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/scheduler"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stagehand:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout is the MCP stdio transport.
	handler := logging.NewCorrelationHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.LogLevel),
	}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(settingsPath()), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	invoker := invoke.NewHTTPInvoker(invoke.HTTPInvokerConfig{BaseURL: cfg.GatewayURL})
	executor := engine.NewStepExecutor(invoker, directory.NewStoreDirectory(st), logger)

	controller, err := engine.NewController(st, executor, logger, engine.ControllerConfig{
		AutoExecuteDelay: cfg.autoExecuteDelay(),
	})
	if err != nil {
		return fmt.Errorf("init controller: %w", err)
	}
	defer controller.Close()

	sched := scheduler.NewScheduler(st, controller, logger)
	if cfg.SchedulerEnabled {
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed run recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				logger.Warn("scheduler stop failed", "error", err)
			}
		}()
	}

	srv := mcp.NewStagehandServer(mcp.StagehandServerDeps{
		Controller: controller,
		Scheduler:  sched,
		Store:      st,
		Logger:     logger,
	})

	logger.Info("stagehand engine ready",
		"db_path", cfg.DBPath,
		"scheduler", cfg.SchedulerEnabled,
		"auto_execute_delay", cfg.autoExecuteDelay().String())

	return srv.Serve(ctx)
}
