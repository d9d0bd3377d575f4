// Package controller drives features through their lifecycle: it validates
// commands, consults the transition table, and coordinates the workspace
// manager and session supervisor. It is the only writer of feature records.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
	"github.com/shwaaa21/automaker-sub000/internal/events"
	"github.com/shwaaa21/automaker-sub000/internal/events/bus"
	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
	"github.com/shwaaa21/automaker-sub000/internal/feature/repository"
	"github.com/shwaaa21/automaker-sub000/internal/feature/resolver"
	"github.com/shwaaa21/automaker-sub000/internal/workspace"
)

// Common errors
var (
	ErrDependenciesNotSatisfied = errors.New("dependencies not satisfied")
	ErrFeatureRunning           = errors.New("feature has a running session")
	ErrFeatureNotRunning        = errors.New("feature has no running session")
)

// WorkspaceManager is the slice of the workspace package the controller
// depends on.
type WorkspaceManager interface {
	Allocate(ctx context.Context, req workspace.AllocateRequest) (*workspace.Workspace, error)
	GetByFeatureID(ctx context.Context, featureID string) (*workspace.Workspace, error)
	Reclaim(ctx context.Context, featureID string, deleteBranch bool) error
	Commit(ctx context.Context, featureID, message string) (*workspace.CommitResult, error)
	DiffAndStatus(ctx context.Context, featureID string) (*workspace.StatusResult, error)
	Reconcile(ctx context.Context, ownedFeatureIDs []string) ([]*workspace.Workspace, error)
}

// Sessions is the slice of the session supervisor the controller depends on.
type Sessions interface {
	Start(ctx context.Context, featureID string, ws *workspace.Workspace, prompt string) (string, error)
	Send(ctx context.Context, sessionID, message string, attachments []string) error
	Stop(sessionID string)
	StopFeature(featureID string) (string, bool)
	Wait(ctx context.Context, sessionID string) error
	IsRunning(featureID string) bool
	StopAll(ctx context.Context)
}

// Config holds controller configuration.
type Config struct {
	// ProjectRoot is the repository features are implemented in.
	ProjectRoot string

	// DeleteBranchOnDelete removes the feature branch when the feature
	// record is deleted.
	DeleteBranchOnDelete bool
}

// Controller owns the feature lifecycle.
type Controller struct {
	config     Config
	repo       repository.Repository
	workspaces WorkspaceManager
	sessions   Sessions
	eventBus   bus.EventBus
	logger     *logger.Logger

	// featureLocks serializes mutating operations per feature id. Distinct
	// features proceed in parallel.
	featureLocks map[string]*sync.Mutex
	locksMu      sync.Mutex

	subscriptions []bus.Subscription
}

// New creates a feature lifecycle controller.
func New(cfg Config, repo repository.Repository, workspaces WorkspaceManager, sessions Sessions, eventBus bus.EventBus, log *logger.Logger) *Controller {
	return &Controller{
		config:       cfg,
		repo:         repo,
		workspaces:   workspaces,
		sessions:     sessions,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "controller")),
		featureLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockFeature(featureID string) func() {
	c.locksMu.Lock()
	lock, ok := c.featureLocks[featureID]
	if !ok {
		lock = &sync.Mutex{}
		c.featureLocks[featureID] = lock
	}
	c.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// CreateFeatureRequest contains the fields for creating a feature.
type CreateFeatureRequest struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category,omitempty"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Validate checks the request fields.
func (r *CreateFeatureRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	for _, dep := range r.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("dependency ids must be non-empty")
		}
	}
	return nil
}

// CreateFeature creates a feature in backlog.
func (c *Controller) CreateFeature(ctx context.Context, req CreateFeatureRequest) (*models.Feature, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	f := &models.Feature{
		ID:           req.ID,
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Status:       models.StatusBacklog,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Tags:         req.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	if err := c.repo.CreateFeature(ctx, f); err != nil {
		return nil, err
	}

	c.logger.Info("feature created",
		zap.String("feature_id", f.ID),
		zap.String("title", f.Title),
		zap.Int("priority", f.Priority))

	c.publish(ctx, events.FeatureCreated, f.ID, map[string]interface{}{
		"title":    f.Title,
		"status":   string(f.Status),
		"priority": f.Priority,
	})
	return f, nil
}

// GetFeature retrieves one feature.
func (c *Controller) GetFeature(ctx context.Context, featureID string) (*models.Feature, error) {
	return c.repo.GetFeature(ctx, featureID)
}

// ListFeatures returns all features ordered by priority then creation time.
func (c *Controller) ListFeatures(ctx context.Context) ([]*models.Feature, error) {
	return c.repo.ListFeatures(ctx)
}

// ResolveOrder computes the scheduling order over a read-only snapshot of
// the current feature set. Cycles are reported as data.
func (c *Controller) ResolveOrder(ctx context.Context) (resolver.Result, error) {
	all, err := c.repo.ListFeatures(ctx)
	if err != nil {
		return resolver.Result{}, err
	}
	return resolver.ResolveOrder(all), nil
}

// StartFeature moves a backlog feature to in_progress: dependency check,
// workspace allocation, then agent session start. The status is only
// persisted after every step succeeded; on any failure the feature stays in
// backlog.
func (c *Controller) StartFeature(ctx context.Context, featureID string) error {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if err := checkTransition(f.Status, models.StatusInProgress); err != nil {
		return err
	}

	all, err := c.repo.ListFeatures(ctx)
	if err != nil {
		return err
	}
	if !resolver.IsSatisfied(f, all) {
		blocking := resolver.BlockingDependencies(f, all)
		return fmt.Errorf("%w: blocked by %s", ErrDependenciesNotSatisfied, strings.Join(blocking, ", "))
	}

	ws, err := c.workspaces.Allocate(ctx, workspace.AllocateRequest{
		FeatureID:   featureID,
		ProjectRoot: c.config.ProjectRoot,
	})
	if err != nil {
		return fmt.Errorf("workspace allocation failed: %w", err)
	}
	c.publish(ctx, events.WorkspaceAllocated, featureID, map[string]interface{}{
		"branch": ws.Branch,
		"path":   ws.Path,
	})

	sessionID, err := c.sessions.Start(ctx, featureID, ws, c.buildPrompt(f))
	if err != nil {
		return fmt.Errorf("session start failed: %w", err)
	}

	f.WorkspaceRef = &models.WorkspaceRef{Branch: ws.Branch, Path: ws.Path}
	f.SessionID = sessionID
	if err := c.transition(ctx, f, models.StatusInProgress); err != nil {
		// The session is already running but its id was never persisted, so
		// nothing would ever finish it. Cancel it and surface the failure.
		c.sessions.Stop(sessionID)
		f.WorkspaceRef = nil
		f.SessionID = ""
		return err
	}
	return nil
}

// SendFollowUp delivers a message to a feature's agent. A running feature
// gets the message injected into its live session; a feature waiting for
// approval is resumed with a fresh session in its retained workspace.
func (c *Controller) SendFollowUp(ctx context.Context, featureID, message string, attachments []string) error {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}

	switch f.Status {
	case models.StatusInProgress:
		if f.SessionID == "" {
			return fmt.Errorf("%w: %s", ErrFeatureNotRunning, featureID)
		}
		return c.sessions.Send(ctx, f.SessionID, message, attachments)

	case models.StatusWaitingApproval:
		ws, err := c.workspaces.GetByFeatureID(ctx, featureID)
		if err != nil {
			return err
		}
		sessionID, err := c.sessions.Start(ctx, featureID, ws, message)
		if err != nil {
			return fmt.Errorf("session start failed: %w", err)
		}
		f.SessionID = sessionID
		if err := c.transition(ctx, f, models.StatusInProgress); err != nil {
			c.sessions.Stop(sessionID)
			f.SessionID = ""
			return err
		}
		return nil

	default:
		return fmt.Errorf("%w: cannot message a %s feature", ErrInvalidTransition, f.Status)
	}
}

// CommitFeature commits the workspace changes of a waiting_approval feature
// and moves it to verified. An already-clean workspace passes through
// without creating a commit.
func (c *Controller) CommitFeature(ctx context.Context, featureID, message string) (*workspace.CommitResult, error) {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(f.Status, models.StatusVerified); err != nil {
		return nil, err
	}

	result, err := c.workspaces.Commit(ctx, featureID, message)
	if err != nil && !errors.Is(err, workspace.ErrNothingToCommit) {
		return nil, err
	}

	if result != nil {
		c.publish(ctx, events.FeatureCommitted, featureID, map[string]interface{}{
			"sha":           result.SHA,
			"message":       result.Message,
			"files_changed": result.FilesChanged,
			"insertions":    result.Insertions,
			"deletions":     result.Deletions,
		})
	}

	if err := c.transition(ctx, f, models.StatusVerified); err != nil {
		return nil, err
	}
	return result, nil
}

// ForceStop cancels a feature's running session and waits for it to unwind.
// The feature moves to waiting_approval when the workspace holds partial
// progress, otherwise it stays in_progress for a manual retry.
func (c *Controller) ForceStop(ctx context.Context, featureID string) error {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}

	sessionID, ok := c.sessions.StopFeature(featureID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotRunning, featureID)
	}
	if err := c.sessions.Wait(ctx, sessionID); err != nil {
		return err
	}

	return c.finishSession(ctx, f, sessionID, sessionOutcomeStopped)
}

// Archive moves a verified feature off the active board.
func (c *Controller) Archive(ctx context.Context, featureID string) error {
	return c.simpleTransition(ctx, featureID, models.StatusCompleted)
}

// Restore returns an archived feature to verified.
func (c *Controller) Restore(ctx context.Context, featureID string) error {
	return c.simpleTransition(ctx, featureID, models.StatusVerified)
}

func (c *Controller) simpleTransition(ctx context.Context, featureID string, to models.Status) error {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if err := checkTransition(f.Status, to); err != nil {
		return err
	}
	return c.transition(ctx, f, to)
}

// DeleteFeature reclaims the feature's workspace and removes its durable
// record. Running features must be force-stopped first.
func (c *Controller) DeleteFeature(ctx context.Context, featureID string) error {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if c.sessions.IsRunning(featureID) {
		return fmt.Errorf("%w: force-stop before deleting %s", ErrFeatureRunning, featureID)
	}

	if f.WorkspaceRef != nil {
		if err := c.workspaces.Reclaim(ctx, featureID, c.config.DeleteBranchOnDelete); err != nil {
			return fmt.Errorf("workspace reclaim failed: %w", err)
		}
		c.publish(ctx, events.WorkspaceReclaimed, featureID, map[string]interface{}{
			"branch": f.WorkspaceRef.Branch,
		})
	}

	if err := c.repo.DeleteFeature(ctx, featureID); err != nil {
		return err
	}

	c.logger.Info("feature deleted", zap.String("feature_id", featureID))
	c.publish(ctx, events.FeatureDeleted, featureID, map[string]interface{}{
		"title": f.Title,
	})
	return nil
}

// Reprioritize changes a feature's scheduling priority.
func (c *Controller) Reprioritize(ctx context.Context, featureID string, priority int) error {
	defer c.lockFeature(featureID)()

	f, err := c.repo.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Priority == priority {
		return nil
	}

	f.Priority = priority
	f.UpdatedAt = time.Now().UTC()
	if err := c.repo.UpdateFeature(ctx, f); err != nil {
		return err
	}

	c.publish(ctx, events.FeatureUpdated, featureID, map[string]interface{}{
		"priority": priority,
	})
	return nil
}

// transition persists a status change and publishes it. The caller holds
// the feature lock and has already validated the step.
func (c *Controller) transition(ctx context.Context, f *models.Feature, to models.Status) error {
	from := f.Status
	f.Status = to
	f.UpdatedAt = time.Now().UTC()

	if err := c.repo.UpdateFeature(ctx, f); err != nil {
		f.Status = from
		return err
	}

	c.logger.Info("feature transitioned",
		zap.String("feature_id", f.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	c.publish(ctx, events.FeatureStateChanged, f.ID, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

func (c *Controller) buildPrompt(f *models.Feature) string {
	var b strings.Builder
	b.WriteString("Implement the following feature: ")
	b.WriteString(f.Title)
	if f.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(f.Description)
	}
	return b.String()
}

func (c *Controller) publish(ctx context.Context, subject, featureID string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["feature_id"] = featureID

	event := bus.NewEvent(subject, "controller", data)
	if err := c.eventBus.Publish(ctx, subject, event); err != nil {
		c.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("feature_id", featureID),
			zap.Error(err))
	}
}

// Close detaches the controller from the event bus.
func (c *Controller) Close() {
	for _, sub := range c.subscriptions {
		_ = sub.Unsubscribe()
	}
	c.subscriptions = nil
}
