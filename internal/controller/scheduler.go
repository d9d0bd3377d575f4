package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
	"github.com/shwaaa21/automaker-sub000/internal/feature/resolver"
)

// Scheduler errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// ProcessInterval is how often the scheduler scans for ready features.
	ProcessInterval time.Duration

	// MaxConcurrent caps concurrently running agent sessions.
	MaxConcurrent int
}

// Scheduler periodically starts ready backlog features in dependency order.
// Cyclic features are skipped, never fatal; they stay in backlog until the
// cycle is broken.
type Scheduler struct {
	controller *Controller
	logger     *logger.Logger
	config     SchedulerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler driving the given controller.
func NewScheduler(c *Controller, log *logger.Logger, config SchedulerConfig) *Scheduler {
	return &Scheduler{
		controller: c,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		config:     config,
	}
}

// Start begins the scheduler processing loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("process_interval", s.config.ProcessInterval),
		zap.Int("max_concurrent", s.config.MaxConcurrent))

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.processReady(ctx)
		}
	}
}

// processReady starts ready backlog features, highest priority first, until
// the concurrency cap is reached.
func (s *Scheduler) processReady(ctx context.Context) {
	all, err := s.controller.ListFeatures(ctx)
	if err != nil {
		s.logger.Error("failed to list features", zap.Error(err))
		return
	}

	result := resolver.ResolveOrder(all)
	if result.HasCycle {
		s.logger.Warn("dependency cycle detected, cyclic features skipped",
			zap.Strings("cyclic_feature_ids", result.CyclicFeatureIDs))
	}

	runningCount := 0
	for _, f := range all {
		if f.Status == models.StatusInProgress {
			runningCount++
		}
	}

	cyclic := make(map[string]bool, len(result.CyclicFeatureIDs))
	for _, id := range result.CyclicFeatureIDs {
		cyclic[id] = true
	}

	for _, f := range result.Ordered {
		if runningCount >= s.config.MaxConcurrent {
			return
		}
		if f.Status != models.StatusBacklog || cyclic[f.ID] {
			continue
		}
		if !resolver.IsSatisfied(f, all) {
			continue
		}

		if err := s.controller.StartFeature(ctx, f.ID); err != nil {
			s.logger.Warn("failed to auto-start feature",
				zap.String("feature_id", f.ID),
				zap.Error(err))
			continue
		}

		s.logger.Info("auto-started feature",
			zap.String("feature_id", f.ID),
			zap.String("title", f.Title),
			zap.Int("priority", f.Priority))
		runningCount++
	}
}
