// Package main runs the Automaker orchestration engine: a feature board
// whose in-progress features are implemented by coding agents in isolated
// git worktrees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shwaaa21/automaker-sub000/internal/common/config"
	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
	"github.com/shwaaa21/automaker-sub000/internal/controller"
	"github.com/shwaaa21/automaker-sub000/internal/db"
	"github.com/shwaaa21/automaker-sub000/internal/events"
	"github.com/shwaaa21/automaker-sub000/internal/feature/repository"
	"github.com/shwaaa21/automaker-sub000/internal/session"
	"github.com/shwaaa21/automaker-sub000/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "automaker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting automaker",
		zap.String("project_root", cfg.Project.Root),
		zap.String("database", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	sqlDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()

	repo, err := repository.NewSQLiteRepository(sqlDB)
	if err != nil {
		return fmt.Errorf("failed to initialize feature repository: %w", err)
	}

	registry, err := workspace.NewSQLiteRegistry(sqlDB)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace registry: %w", err)
	}

	// Event bus
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// Workspaces
	workspaces, err := workspace.NewManager(workspace.Config{
		BasePath:     cfg.Workspace.BasePath,
		BranchPrefix: cfg.Workspace.BranchPrefix,
		MaxActive:    cfg.Workspace.MaxActive,
	}, registry, log)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace manager: %w", err)
	}

	// Agent sessions
	runner := session.NewProcessRunner(agentCommand(cfg), log)
	sessions := session.NewSupervisor(runner, eventBus, log)

	// Lifecycle controller
	ctrl := controller.New(controller.Config{
		ProjectRoot: cfg.Project.Root,
	}, repo, workspaces, sessions, eventBus, log)
	defer ctrl.Close()

	if err := ctrl.SubscribeSessionEvents(); err != nil {
		return err
	}

	// Durable records and the workspace registry must agree before any
	// transition is accepted.
	if err := ctrl.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Scheduler.AutoStart {
		sched := controller.NewScheduler(ctrl, log, controller.SchedulerConfig{
			ProcessInterval: cfg.Scheduler.ProcessInterval(),
			MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		})
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return sched.Stop()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down, stopping agent sessions")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sessions.StopAll(stopCtx)
		return nil
	})

	log.Info("automaker ready")
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	log.Info("automaker stopped")
	return nil
}

// agentCommand builds the agent command line from configuration.
func agentCommand(cfg *config.Config) []string {
	command := strings.Fields(cfg.Agent.Command)
	if cfg.Agent.Model != "" {
		command = append(command, "--model", cfg.Agent.Model)
	}
	return command
}
