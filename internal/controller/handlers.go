package controller

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/events"
	"github.com/shwaaa21/automaker-sub000/internal/events/bus"
	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
)

// sessionOutcome classifies how an agent session ended.
type sessionOutcome int

const (
	sessionOutcomeCompleted sessionOutcome = iota
	sessionOutcomeError
	sessionOutcomeStopped
)

// SubscribeSessionEvents wires the controller to the supervisor's event
// stream so finished sessions advance the feature lifecycle.
func (c *Controller) SubscribeSessionEvents() error {
	handlers := map[string]sessionOutcome{
		events.FeatureCompleted: sessionOutcomeCompleted,
		events.FeatureError:     sessionOutcomeError,
		events.FeatureStopped:   sessionOutcomeStopped,
	}

	for subject, outcome := range handlers {
		outcome := outcome
		sub, err := c.eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			c.handleSessionEnd(ctx, event, outcome)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		c.subscriptions = append(c.subscriptions, sub)
	}
	return nil
}

func (c *Controller) handleSessionEnd(ctx context.Context, event *bus.Event, outcome sessionOutcome) {
	featureID := event.FeatureID()
	sessionID, _ := event.Data["session_id"].(string)
	if featureID == "" || sessionID == "" {
		return
	}

	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		c.logger.Warn("session ended for unknown feature",
			zap.String("feature_id", featureID),
			zap.Error(err))
		return
	}

	if err := c.finishSession(ctx, f, sessionID, outcome); err != nil {
		c.logger.Error("failed to apply session outcome",
			zap.String("feature_id", featureID),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// finishSession applies a session's outcome to its feature. The caller
// holds the feature lock. A stale or already-applied session id is a no-op,
// which makes the bus handler and ForceStop safe to race.
func (c *Controller) finishSession(ctx context.Context, f *models.Feature, sessionID string, outcome sessionOutcome) error {
	if f.Status != models.StatusInProgress || f.SessionID != sessionID {
		return nil
	}
	f.SessionID = ""

	switch outcome {
	case sessionOutcomeCompleted:
		// The workspace is retained so the diff can be reviewed.
		return c.transition(ctx, f, models.StatusWaitingApproval)

	case sessionOutcomeError:
		// The feature stays in_progress for a manual retry.
		return c.repo.UpdateFeature(ctx, f)

	case sessionOutcomeStopped:
		// Partial progress moves to review; an untouched workspace stays
		// in_progress.
		if c.hasPartialProgress(ctx, f.ID) {
			return c.transition(ctx, f, models.StatusWaitingApproval)
		}
		return c.repo.UpdateFeature(ctx, f)
	}
	return nil
}

func (c *Controller) hasPartialProgress(ctx context.Context, featureID string) bool {
	status, err := c.workspaces.DiffAndStatus(ctx, featureID)
	if err != nil {
		c.logger.Warn("failed to inspect workspace after stop",
			zap.String("feature_id", featureID),
			zap.Error(err))
		return false
	}
	return !status.Clean
}

// Reconcile aligns durable feature records with the workspace registry
// after a restart. Sessions are not persisted, so features left in
// in_progress fall back to waiting_approval with their workspace retained.
// Must complete before new transitions are accepted.
func (c *Controller) Reconcile(ctx context.Context) error {
	all, err := c.repo.ListFeatures(ctx)
	if err != nil {
		return fmt.Errorf("failed to list features: %w", err)
	}

	var ownedIDs []string
	for _, f := range all {
		if f.WorkspaceRef != nil {
			ownedIDs = append(ownedIDs, f.ID)
		}

		if f.Status == models.StatusInProgress && !c.sessions.IsRunning(f.ID) {
			unlock := c.lockFeature(f.ID)
			f.SessionID = ""
			err := c.transition(ctx, f, models.StatusWaitingApproval)
			unlock()
			if err != nil {
				return fmt.Errorf("failed to reconcile feature %s: %w", f.ID, err)
			}
			c.logger.Info("recovered feature with no live session",
				zap.String("feature_id", f.ID))
		}
	}

	remaining, err := c.workspaces.Reconcile(ctx, ownedIDs)
	if err != nil {
		return fmt.Errorf("workspace reconciliation failed: %w", err)
	}

	// Clear workspace refs whose registry rows or directories vanished.
	surviving := make(map[string]bool, len(remaining))
	for _, ws := range remaining {
		surviving[ws.FeatureID] = true
	}
	for _, f := range all {
		if f.WorkspaceRef == nil || surviving[f.ID] {
			continue
		}
		unlock := c.lockFeature(f.ID)
		f.WorkspaceRef = nil
		err := c.repo.UpdateFeature(ctx, f)
		unlock()
		if err != nil {
			return fmt.Errorf("failed to clear workspace ref for %s: %w", f.ID, err)
		}
		c.logger.Warn("dropped stale workspace reference",
			zap.String("feature_id", f.ID))
	}

	c.logger.Info("reconciliation complete",
		zap.Int("features", len(all)),
		zap.Int("workspaces", len(remaining)))
	return nil
}
