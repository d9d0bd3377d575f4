package session

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
	"github.com/shwaaa21/automaker-sub000/internal/workspace"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	return log
}

// eventRecorder collects events published to the bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) handler(ctx context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []string
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func (r *eventRecorder) waitFor(t *testing.T, eventType string) *bus.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Type == eventType {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event, saw %v", eventType, r.types())
	return nil
}

func newTestSupervisor(t *testing.T, runner Runner) (*Supervisor, *eventRecorder) {
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	t.Cleanup(eventBus.Close)

	recorder := &eventRecorder{}
	_, err := eventBus.Subscribe(events.AllFeatureEvents, recorder.handler)
	require.NoError(t, err)

	return NewSupervisor(runner, eventBus, newTestLogger()), recorder
}

func testWorkspace() *workspace.Workspace {
	return &workspace.Workspace{
		ID:        "ws-1",
		FeatureID: "feat-1",
		Path:      "/tmp/ws/feat-1",
		Branch:    "automaker/feat-1",
	}
}

func TestSupervisor_StartAndComplete(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		notify.Progress("working")
		notify.ToolUse("edit_file", map[string]interface{}{"path": "main.go"})
		return nil
	})
	sup, recorder := newTestSupervisor(t, runner)

	sessionID, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "build it")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	recorder.waitFor(t, events.FeatureCompleted)

	types := recorder.types()
	assert.Equal(t, []string{
		events.FeatureStarted,
		events.FeatureProgress,
		events.FeatureToolUse,
		events.FeatureCompleted,
	}, types)

	assert.False(t, sup.IsRunning("feat-1"))
}

func TestSupervisor_EventPayloads(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		notify.Progress("hello")
		return nil
	})
	sup, recorder := newTestSupervisor(t, runner)

	sessionID, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	started := recorder.waitFor(t, events.FeatureStarted)
	assert.Equal(t, "feat-1", started.FeatureID())
	assert.Equal(t, sessionID, started.Data["session_id"])
	assert.Equal(t, "/tmp/ws/feat-1", started.Data["workspace_path"])

	progress := recorder.waitFor(t, events.FeatureProgress)
	assert.Equal(t, "hello", progress.Data["text"])
}

func TestSupervisor_RejectsSecondSession(t *testing.T) {
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		<-release
		return nil
	})
	sup, recorder := newTestSupervisor(t, runner)

	first, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), "feat-1", testWorkspace(), "again")
	require.ErrorIs(t, err, ErrFeatureAlreadyRunning)

	close(release)
	require.NoError(t, sup.Wait(context.Background(), first))
	recorder.waitFor(t, events.FeatureCompleted)

	// A new session is allowed once the first finished.
	_, err = sup.Start(context.Background(), "feat-1", testWorkspace(), "next turn")
	require.NoError(t, err)
}

func TestSupervisor_Stop(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup, recorder := newTestSupervisor(t, runner)

	sessionID, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	sup.Stop(sessionID)
	recorder.waitFor(t, events.FeatureStopped)

	assert.False(t, sup.IsRunning("feat-1"))
	assert.NotContains(t, recorder.types(), events.FeatureError)

	// Stopping again is a no-op.
	sup.Stop(sessionID)
}

func TestSupervisor_RunnerError(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		return errors.New("model refused")
	})
	sup, recorder := newTestSupervisor(t, runner)

	_, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	errEvent := recorder.waitFor(t, events.FeatureError)
	assert.Equal(t, "model refused", errEvent.Data["error"])
	assert.False(t, sup.IsRunning("feat-1"))
}

func TestSupervisor_Send(t *testing.T) {
	received := make(chan Message, 1)
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		select {
		case msg := <-messages:
			received <- msg
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	sup, recorder := newTestSupervisor(t, runner)

	sessionID, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	require.NoError(t, sup.Send(context.Background(), sessionID, "also add tests", []string{"notes.md"}))

	select {
	case msg := <-received:
		assert.Equal(t, "also add tests", msg.Text)
		assert.Equal(t, []string{"notes.md"}, msg.Attachments)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never received the message")
	}

	recorder.waitFor(t, events.FeatureCompleted)
}

func TestSupervisor_SendToUnknownSession(t *testing.T) {
	sup, _ := newTestSupervisor(t, RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		return nil
	}))

	err := sup.Send(context.Background(), "no-such-session", "hello", nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSupervisor_StopFeature(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup, recorder := newTestSupervisor(t, runner)

	sessionID, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	stopped, ok := sup.StopFeature("feat-1")
	require.True(t, ok)
	assert.Equal(t, sessionID, stopped)

	recorder.waitFor(t, events.FeatureStopped)

	_, ok = sup.StopFeature("feat-1")
	assert.False(t, ok)
}

func TestSupervisor_StopAll(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup, _ := newTestSupervisor(t, runner)

	for _, id := range []string{"feat-1", "feat-2"} {
		ws := testWorkspace()
		ws.FeatureID = id
		_, err := sup.Start(context.Background(), id, ws, "prompt")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.StopAll(ctx)

	assert.False(t, sup.IsRunning("feat-1"))
	assert.False(t, sup.IsRunning("feat-2"))
}

func TestSupervisor_RunningSession(t *testing.T) {
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
		<-release
		return nil
	})
	sup, _ := newTestSupervisor(t, runner)

	sessionID, err := sup.Start(context.Background(), "feat-1", testWorkspace(), "prompt")
	require.NoError(t, err)

	session, ok := sup.RunningSession("feat-1")
	require.True(t, ok)
	assert.Equal(t, sessionID, session.ID)
	assert.Equal(t, "feat-1", session.FeatureID)

	close(release)
	require.NoError(t, sup.Wait(context.Background(), sessionID))
}
