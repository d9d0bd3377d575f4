package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
	"github.com/shwaaa21/automaker-sub000/internal/events"
	"github.com/shwaaa21/automaker-sub000/internal/events/bus"
	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
	"github.com/shwaaa21/automaker-sub000/internal/feature/repository"
	"github.com/shwaaa21/automaker-sub000/internal/workspace"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	return log
}

// fakeWorkspaces implements WorkspaceManager without touching git.
type fakeWorkspaces struct {
	mu         sync.Mutex
	byFeature  map[string]*workspace.Workspace
	dirty      map[string]bool // feature id -> workspace has uncommitted changes
	allocErr   error
	commitErr  error
	reclaimErr error
	commits    []string
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{
		byFeature: make(map[string]*workspace.Workspace),
		dirty:     make(map[string]bool),
	}
}

func (w *fakeWorkspaces) Allocate(ctx context.Context, req workspace.AllocateRequest) (*workspace.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.allocErr != nil {
		return nil, w.allocErr
	}
	if ws, ok := w.byFeature[req.FeatureID]; ok {
		return ws, nil
	}
	ws := &workspace.Workspace{
		ID:        "ws-" + req.FeatureID,
		FeatureID: req.FeatureID,
		Path:      "/tmp/ws/" + req.FeatureID,
		Branch:    "automaker/" + req.FeatureID,
		Status:    workspace.StatusActive,
	}
	w.byFeature[req.FeatureID] = ws
	return ws, nil
}

func (w *fakeWorkspaces) GetByFeatureID(ctx context.Context, featureID string) (*workspace.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.byFeature[featureID]
	if !ok {
		return nil, workspace.ErrWorkspaceNotFound
	}
	return ws, nil
}

func (w *fakeWorkspaces) Reclaim(ctx context.Context, featureID string, deleteBranch bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reclaimErr != nil {
		return w.reclaimErr
	}
	delete(w.byFeature, featureID)
	return nil
}

func (w *fakeWorkspaces) Commit(ctx context.Context, featureID, message string) (*workspace.CommitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.commitErr != nil {
		return nil, w.commitErr
	}
	if !w.dirty[featureID] {
		return nil, workspace.ErrNothingToCommit
	}
	w.dirty[featureID] = false
	w.commits = append(w.commits, featureID)
	return &workspace.CommitResult{SHA: "abc123", Message: message, FilesChanged: 2}, nil
}

func (w *fakeWorkspaces) DiffAndStatus(ctx context.Context, featureID string) (*workspace.StatusResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &workspace.StatusResult{Clean: !w.dirty[featureID]}, nil
}

func (w *fakeWorkspaces) Reconcile(ctx context.Context, ownedFeatureIDs []string) ([]*workspace.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	owned := make(map[string]bool, len(ownedFeatureIDs))
	for _, id := range ownedFeatureIDs {
		owned[id] = true
	}
	var remaining []*workspace.Workspace
	for id, ws := range w.byFeature {
		if owned[id] {
			remaining = append(remaining, ws)
		} else {
			delete(w.byFeature, id)
		}
	}
	return remaining, nil
}

// fakeSessions implements Sessions with instantly-finishing runs.
type fakeSessions struct {
	mu       sync.Mutex
	running  map[string]string // feature id -> session id
	startErr error
	sent     []string
	stopped  []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{running: make(map[string]string)}
}

func (s *fakeSessions) Start(ctx context.Context, featureID string, ws *workspace.Workspace, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	id := "session-" + featureID
	s.running[featureID] = id
	return id, nil
}

func (s *fakeSessions) Send(ctx context.Context, sessionID, message string, attachments []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, message)
	return nil
}

func (s *fakeSessions) Stop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for featureID, id := range s.running {
		if id == sessionID {
			delete(s.running, featureID)
		}
	}
	s.stopped = append(s.stopped, sessionID)
}

func (s *fakeSessions) StopFeature(featureID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.running[featureID]
	if ok {
		delete(s.running, featureID)
	}
	return id, ok
}

func (s *fakeSessions) Wait(ctx context.Context, sessionID string) error { return nil }

func (s *fakeSessions) IsRunning(featureID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[featureID]
	return ok
}

func (s *fakeSessions) StopAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = make(map[string]string)
}

// finish simulates the supervisor reporting the end of a feature's session.
func (s *fakeSessions) finish(featureID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.running[featureID]
	delete(s.running, featureID)
	return id
}

type testHarness struct {
	controller *Controller
	repo       *repository.MemoryRepository
	workspaces *fakeWorkspaces
	sessions   *fakeSessions
	eventBus   *bus.MemoryEventBus
}

func newHarness(t *testing.T) *testHarness {
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	t.Cleanup(eventBus.Close)

	h := &testHarness{
		repo:       repository.NewMemoryRepository(),
		workspaces: newFakeWorkspaces(),
		sessions:   newFakeSessions(),
		eventBus:   eventBus,
	}
	h.controller = New(Config{ProjectRoot: "/repo"}, h.repo, h.workspaces, h.sessions, eventBus, newTestLogger())
	t.Cleanup(h.controller.Close)
	return h
}

func (h *testHarness) create(t *testing.T, id string, priority int, deps ...string) *models.Feature {
	t.Helper()
	f, err := h.controller.CreateFeature(context.Background(), CreateFeatureRequest{
		ID:           id,
		Title:        "Feature " + id,
		Priority:     priority,
		Dependencies: deps,
	})
	require.NoError(t, err)
	return f
}

func (h *testHarness) status(t *testing.T, id string) models.Status {
	t.Helper()
	f, err := h.repo.GetFeature(context.Background(), id)
	require.NoError(t, err)
	return f.Status
}

func TestController_CreateFeature(t *testing.T) {
	h := newHarness(t)

	f := h.create(t, "", 1)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, models.StatusBacklog, f.Status)

	_, err := h.controller.CreateFeature(context.Background(), CreateFeatureRequest{Title: "  "})
	require.Error(t, err)

	_, err = h.controller.CreateFeature(context.Background(), CreateFeatureRequest{
		Title:        "bad deps",
		Dependencies: []string{""},
	})
	require.Error(t, err)
}

func TestController_StartFeature(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)

	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, f.Status)
	require.NotNil(t, f.WorkspaceRef)
	assert.Equal(t, "automaker/feat-1", f.WorkspaceRef.Branch)
	assert.Equal(t, "session-feat-1", f.SessionID)
}

func TestController_StartFeature_UnsatisfiedDependency(t *testing.T) {
	h := newHarness(t)
	h.create(t, "db", 1)
	h.create(t, "api", 2, "db")

	err := h.controller.StartFeature(context.Background(), "api")
	require.ErrorIs(t, err, ErrDependenciesNotSatisfied)
	assert.Contains(t, err.Error(), "db")
	assert.Equal(t, models.StatusBacklog, h.status(t, "api"))
}

func TestController_StartFeature_MissingDependencyIsSatisfied(t *testing.T) {
	h := newHarness(t)
	h.create(t, "api", 1, "gone")

	require.NoError(t, h.controller.StartFeature(context.Background(), "api"))
	assert.Equal(t, models.StatusInProgress, h.status(t, "api"))
}

func TestController_StartFeature_AllocationFailureKeepsBacklog(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	h.workspaces.allocErr = errors.New("disk full")

	err := h.controller.StartFeature(context.Background(), "feat-1")
	require.Error(t, err)
	assert.Equal(t, models.StatusBacklog, h.status(t, "feat-1"))
	assert.False(t, h.sessions.IsRunning("feat-1"))
}

func TestController_StartFeature_SessionFailureKeepsBacklog(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	h.sessions.startErr = errors.New("agent missing")

	err := h.controller.StartFeature(context.Background(), "feat-1")
	require.Error(t, err)
	assert.Equal(t, models.StatusBacklog, h.status(t, "feat-1"))
}

// failingRepo wraps a repository and fails UpdateFeature on demand.
type failingRepo struct {
	repository.Repository
	updateErr error
}

func (r *failingRepo) UpdateFeature(ctx context.Context, f *models.Feature) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	return r.Repository.UpdateFeature(ctx, f)
}

func TestController_StartFeature_PersistFailureStopsSession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	h.controller.repo = &failingRepo{Repository: h.repo, updateErr: errors.New("disk full")}

	err := h.controller.StartFeature(context.Background(), "feat-1")
	require.Error(t, err)

	// The session must not be left running with no persisted session id.
	assert.Equal(t, models.StatusBacklog, h.status(t, "feat-1"))
	assert.False(t, h.sessions.IsRunning("feat-1"))
	assert.Equal(t, []string{"session-feat-1"}, h.sessions.stopped)
}

func TestController_StartFeature_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	err := h.controller.StartFeature(context.Background(), "feat-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestController_SessionCompletionMovesToWaitingApproval(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeCompleted))

	f, err = h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingApproval, f.Status)
	assert.Empty(t, f.SessionID)
	assert.NotNil(t, f.WorkspaceRef)
}

func TestController_SessionErrorStaysInProgress(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeError))

	assert.Equal(t, models.StatusInProgress, h.status(t, "feat-1"))
}

func TestController_FinishSessionIgnoresStaleSession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	require.NoError(t, h.controller.finishSession(context.Background(), f, "other-session", sessionOutcomeCompleted))

	assert.Equal(t, models.StatusInProgress, h.status(t, "feat-1"))
}

func TestController_CommitFeature(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))
	h.workspaces.dirty["feat-1"] = true

	f, _ := h.repo.GetFeature(context.Background(), "feat-1")
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeCompleted))

	result, err := h.controller.CommitFeature(context.Background(), "feat-1", "add login")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "abc123", result.SHA)
	assert.Equal(t, models.StatusVerified, h.status(t, "feat-1"))

	status, err := h.workspaces.DiffAndStatus(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.True(t, status.Clean)
}

func TestController_CommitFeature_CleanWorkspacePassesThrough(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, _ := h.repo.GetFeature(context.Background(), "feat-1")
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeCompleted))

	result, err := h.controller.CommitFeature(context.Background(), "feat-1", "noop")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, models.StatusVerified, h.status(t, "feat-1"))
}

func TestController_CommitFeature_FailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, _ := h.repo.GetFeature(context.Background(), "feat-1")
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeCompleted))

	h.workspaces.commitErr = errors.New("index locked")
	_, err := h.controller.CommitFeature(context.Background(), "feat-1", "msg")
	require.Error(t, err)
	assert.Equal(t, models.StatusWaitingApproval, h.status(t, "feat-1"))
}

func TestController_CommitFeature_WrongState(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)

	_, err := h.controller.CommitFeature(context.Background(), "feat-1", "msg")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestController_ForceStop(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))
	h.workspaces.dirty["feat-1"] = true

	require.NoError(t, h.controller.ForceStop(context.Background(), "feat-1"))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingApproval, f.Status)
	assert.NotNil(t, f.WorkspaceRef, "workspace must be retained after stop")
}

func TestController_ForceStop_NoProgressStaysInProgress(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	require.NoError(t, h.controller.ForceStop(context.Background(), "feat-1"))
	assert.Equal(t, models.StatusInProgress, h.status(t, "feat-1"))
}

func TestController_ForceStop_NotRunning(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)

	err := h.controller.ForceStop(context.Background(), "feat-1")
	require.ErrorIs(t, err, ErrFeatureNotRunning)
}

func TestController_ArchiveAndRestore(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, _ := h.repo.GetFeature(context.Background(), "feat-1")
	ref := *f.WorkspaceRef
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeCompleted))
	_, err := h.controller.CommitFeature(context.Background(), "feat-1", "done")
	require.NoError(t, err)

	require.NoError(t, h.controller.Archive(context.Background(), "feat-1"))
	assert.Equal(t, models.StatusCompleted, h.status(t, "feat-1"))

	require.NoError(t, h.controller.Restore(context.Background(), "feat-1"))
	f, err = h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, f.Status)
	require.NotNil(t, f.WorkspaceRef)
	assert.Equal(t, ref, *f.WorkspaceRef, "workspace ref survives archive/restore")
}

func TestController_Archive_FromBacklogRejected(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)

	err := h.controller.Archive(context.Background(), "feat-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestController_DeleteFeature(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))
	require.NoError(t, h.controller.ForceStop(context.Background(), "feat-1"))

	require.NoError(t, h.controller.DeleteFeature(context.Background(), "feat-1"))

	_, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.ErrorIs(t, err, repository.ErrFeatureNotFound)

	_, err = h.workspaces.GetByFeatureID(context.Background(), "feat-1")
	require.ErrorIs(t, err, workspace.ErrWorkspaceNotFound)
}

func TestController_DeleteFeature_RunningRejected(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	err := h.controller.DeleteFeature(context.Background(), "feat-1")
	require.ErrorIs(t, err, ErrFeatureRunning)
	assert.Equal(t, models.StatusInProgress, h.status(t, "feat-1"))
}

func TestController_SendFollowUp_Running(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	require.NoError(t, h.controller.SendFollowUp(context.Background(), "feat-1", "also add tests", nil))
	assert.Equal(t, []string{"also add tests"}, h.sessions.sent)
	assert.Equal(t, models.StatusInProgress, h.status(t, "feat-1"))
}

func TestController_SendFollowUp_ResumesWaitingApproval(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, _ := h.repo.GetFeature(context.Background(), "feat-1")
	sessionID := h.sessions.finish("feat-1")
	require.NoError(t, h.controller.finishSession(context.Background(), f, sessionID, sessionOutcomeCompleted))

	require.NoError(t, h.controller.SendFollowUp(context.Background(), "feat-1", "tweak the copy", nil))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, f.Status)
	assert.NotEmpty(t, f.SessionID)
}

func TestController_SendFollowUp_BacklogRejected(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 1)

	err := h.controller.SendFollowUp(context.Background(), "feat-1", "hello", nil)
	require.Error(t, err)
}

func TestController_Reprioritize(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1", 5)

	require.NoError(t, h.controller.Reprioritize(context.Background(), "feat-1", 1))

	f, err := h.repo.GetFeature(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.Priority)
}

func TestController_SessionEventsAdvanceLifecycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.SubscribeSessionEvents())
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(context.Background(), "feat-1"))

	f, _ := h.repo.GetFeature(context.Background(), "feat-1")
	event := bus.NewEvent(events.FeatureCompleted, "session-supervisor", map[string]interface{}{
		"feature_id": "feat-1",
		"session_id": f.SessionID,
	})
	require.NoError(t, h.eventBus.Publish(context.Background(), events.FeatureCompleted, event))

	require.Eventually(t, func() bool {
		return h.status(t, "feat-1") == models.StatusWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)
}

func TestController_Reconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A feature left in_progress by a crash, with its workspace surviving.
	h.create(t, "feat-1", 1)
	require.NoError(t, h.controller.StartFeature(ctx, "feat-1"))
	h.sessions.finish("feat-1") // the session died with the old process

	// A feature whose workspace directory vanished.
	h.create(t, "feat-2", 2)
	f2, _ := h.repo.GetFeature(ctx, "feat-2")
	f2.Status = models.StatusWaitingApproval
	f2.WorkspaceRef = &models.WorkspaceRef{Branch: "automaker/feat-2", Path: "/gone"}
	require.NoError(t, h.repo.UpdateFeature(ctx, f2))

	require.NoError(t, h.controller.Reconcile(ctx))

	f1, err := h.repo.GetFeature(ctx, "feat-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingApproval, f1.Status)
	assert.Empty(t, f1.SessionID)
	assert.NotNil(t, f1.WorkspaceRef)

	f2, err = h.repo.GetFeature(ctx, "feat-2")
	require.NoError(t, err)
	assert.Nil(t, f2.WorkspaceRef, "stale workspace ref is dropped")
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to models.Status }{
		{models.StatusBacklog, models.StatusInProgress},
		{models.StatusInProgress, models.StatusWaitingApproval},
		{models.StatusWaitingApproval, models.StatusVerified},
		{models.StatusWaitingApproval, models.StatusInProgress},
		{models.StatusVerified, models.StatusCompleted},
		{models.StatusCompleted, models.StatusVerified},
		{models.StatusBacklog, models.StatusDeleted},
		{models.StatusCompleted, models.StatusDeleted},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to models.Status }{
		{models.StatusBacklog, models.StatusVerified},
		{models.StatusBacklog, models.StatusWaitingApproval},
		{models.StatusVerified, models.StatusInProgress},
		{models.StatusDeleted, models.StatusBacklog},
		{models.StatusInProgress, models.StatusCompleted},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}
