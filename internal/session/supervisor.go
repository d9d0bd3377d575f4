package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
	"github.com/shwaaa21/automaker-sub000/internal/events"
	"github.com/shwaaa21/automaker-sub000/internal/events/bus"
	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
	"github.com/shwaaa21/automaker-sub000/internal/workspace"
)

// messageBuffer caps queued follow-up messages per session. Send fails fast
// once the runner stops draining.
const messageBuffer = 16

// running tracks one live agent execution.
type running struct {
	session  *models.AgentSession
	cancel   context.CancelFunc
	messages chan Message
	done     chan struct{}
	stopped  bool // stop was requested; the run outcome is "stopped", not "completed"
}

// Supervisor runs at most one agent session per feature and publishes the
// session's lifecycle onto the event bus.
type Supervisor struct {
	runner   Runner
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	byFeature map[string]*running
	bySession map[string]*running
}

// NewSupervisor creates a session supervisor backed by the given runner.
func NewSupervisor(runner Runner, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		runner:    runner,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "session-supervisor")),
		byFeature: make(map[string]*running),
		bySession: make(map[string]*running),
	}
}

// Start launches an agent session for a feature in its workspace. A feature
// can have at most one running session; a second Start is rejected with
// ErrFeatureAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, featureID string, ws *workspace.Workspace, prompt string) (string, error) {
	if ws == nil {
		return "", fmt.Errorf("workspace is required")
	}

	s.mu.Lock()
	if _, exists := s.byFeature[featureID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrFeatureAlreadyRunning, featureID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &running{
		session: &models.AgentSession{
			ID:            uuid.New().String(),
			FeatureID:     featureID,
			WorkspacePath: ws.Path,
			RunState:      models.RunStateRunning,
			StartedAt:     time.Now().UTC(),
		},
		cancel:   cancel,
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
	}
	s.byFeature[featureID] = r
	s.bySession[r.session.ID] = r
	s.mu.Unlock()

	s.publish(ctx, events.FeatureStarted, r.session, map[string]interface{}{
		"workspace_path": ws.Path,
		"branch":         ws.Branch,
	})

	s.logger.Info("agent session started",
		zap.String("feature_id", featureID),
		zap.String("session_id", r.session.ID),
		zap.String("workspace", ws.Path))

	go s.run(runCtx, r, prompt)

	return r.session.ID, nil
}

// run drives a single agent turn to completion and publishes the outcome.
// All events for one session are published from this goroutine, which keeps
// them ordered per feature.
func (s *Supervisor) run(ctx context.Context, r *running, prompt string) {
	defer close(r.done)

	req := RunRequest{
		SessionID:     r.session.ID,
		FeatureID:     r.session.FeatureID,
		WorkspacePath: r.session.WorkspacePath,
		Prompt:        prompt,
	}

	err := s.runner.Run(ctx, req, r.messages, &busNotifier{supervisor: s, session: r.session})

	s.mu.Lock()
	stopped := r.stopped || errors.Is(err, context.Canceled) || ctx.Err() != nil
	now := time.Now().UTC()
	r.session.FinishedAt = &now
	r.session.RunState = models.RunStateStopped
	if err != nil && !stopped {
		r.session.ErrorMessage = err.Error()
	}
	delete(s.byFeature, r.session.FeatureID)
	delete(s.bySession, r.session.ID)
	s.mu.Unlock()

	switch {
	case stopped:
		s.publish(context.Background(), events.FeatureStopped, r.session, nil)
		s.logger.Info("agent session stopped",
			zap.String("feature_id", r.session.FeatureID),
			zap.String("session_id", r.session.ID))
	case err != nil:
		s.publish(context.Background(), events.FeatureError, r.session, map[string]interface{}{
			"error": err.Error(),
		})
		s.logger.Error("agent session failed",
			zap.String("feature_id", r.session.FeatureID),
			zap.String("session_id", r.session.ID),
			zap.Error(err))
	default:
		s.publish(context.Background(), events.FeatureCompleted, r.session, nil)
		s.logger.Info("agent session completed",
			zap.String("feature_id", r.session.FeatureID),
			zap.String("session_id", r.session.ID))
	}
}

// Send enqueues a follow-up message to a running session. The enqueue is
// non-blocking; the agent's response arrives on the event stream.
func (s *Supervisor) Send(ctx context.Context, sessionID string, message string, attachments []string) error {
	s.mu.Lock()
	r, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	select {
	case r.messages <- Message{Text: message, Attachments: attachments}:
		return nil
	default:
		return fmt.Errorf("%w: message queue full for %s", ErrSessionNotRunning, sessionID)
	}
}

// Stop requests cooperative cancellation of a session. Stopping a session
// that is unknown or already finished is a no-op.
func (s *Supervisor) Stop(sessionID string) {
	s.mu.Lock()
	r, ok := s.bySession[sessionID]
	if ok {
		r.stopped = true
		r.session.RunState = models.RunStateStopping
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("stopping agent session", zap.String("session_id", sessionID))
	r.cancel()
}

// StopFeature stops the running session for a feature, if any, and returns
// its session id.
func (s *Supervisor) StopFeature(featureID string) (string, bool) {
	s.mu.Lock()
	r, ok := s.byFeature[featureID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	s.Stop(r.session.ID)
	return r.session.ID, true
}

// Wait blocks until the session finishes or ctx expires.
func (s *Supervisor) Wait(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	r, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil // already finished
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a feature currently has a live session.
func (s *Supervisor) IsRunning(featureID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byFeature[featureID]
	return ok
}

// RunningSession returns the live session for a feature, if any.
func (s *Supervisor) RunningSession(featureID string) (*models.AgentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byFeature[featureID]
	if !ok {
		return nil, false
	}
	clone := *r.session
	return &clone, true
}

// StopAll cancels every running session and waits for them to finish.
// Used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	var all []*running
	for _, r := range s.byFeature {
		r.stopped = true
		r.session.RunState = models.RunStateStopping
		all = append(all, r)
	}
	s.mu.Unlock()

	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) publish(ctx context.Context, subject string, session *models.AgentSession, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"feature_id": session.FeatureID,
		"session_id": session.ID,
		"run_state":  string(session.RunState),
	}
	if session.ErrorMessage != "" {
		data["error_message"] = session.ErrorMessage
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(subject, "session-supervisor", data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish session event",
			zap.String("subject", subject),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

// busNotifier forwards runner output onto the event bus.
type busNotifier struct {
	supervisor *Supervisor
	session    *models.AgentSession
}

func (n *busNotifier) Progress(text string) {
	n.supervisor.publish(context.Background(), events.FeatureProgress, n.session, map[string]interface{}{
		"text": text,
	})
}

func (n *busNotifier) ToolUse(tool string, input map[string]interface{}) {
	n.supervisor.publish(context.Background(), events.FeatureToolUse, n.session, map[string]interface{}{
		"tool":  tool,
		"input": input,
	})
}
