// Package session supervises agent executions, one per feature, and relays
// their activity onto the event bus.
package session

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrFeatureAlreadyRunning = errors.New("feature already has a running session")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionNotRunning     = errors.New("session is not running")
)

// RunRequest describes one agent turn inside a feature's workspace.
type RunRequest struct {
	SessionID     string
	FeatureID     string
	WorkspacePath string
	Prompt        string
}

// Message is a follow-up delivered to a running session.
type Message struct {
	Text        string
	Attachments []string
}

// Notifier receives incremental output from a running agent turn.
type Notifier interface {
	// Progress reports free-form agent output.
	Progress(text string)

	// ToolUse reports that the agent invoked a tool.
	ToolUse(tool string, input map[string]interface{})
}

// Runner executes a single agent turn. Implementations block until the turn
// finishes, the messages channel is for follow-ups injected mid-turn, and a
// cancelled ctx must be honored promptly. The supervisor treats the runner
// as opaque: anything that can edit files in a workspace directory and
// stream its activity qualifies.
type Runner interface {
	Run(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error

func (f RunnerFunc) Run(ctx context.Context, req RunRequest, messages <-chan Message, notify Notifier) error {
	return f(ctx, req, messages, notify)
}
