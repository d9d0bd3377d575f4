// Package models defines the feature domain types shared across the
// orchestration engine.
package models

import "time"

// Status represents the lifecycle state of a feature.
type Status string

const (
	// StatusBacklog - feature is waiting to be scheduled.
	StatusBacklog Status = "backlog"
	// StatusInProgress - an agent session is (or was) working on the feature.
	StatusInProgress Status = "in_progress"
	// StatusWaitingApproval - the agent run finished and the workspace diff
	// awaits review.
	StatusWaitingApproval Status = "waiting_approval"
	// StatusVerified - the workspace changes were committed.
	StatusVerified Status = "verified"
	// StatusCompleted - the feature was archived off the active board.
	StatusCompleted Status = "completed"
	// StatusDeleted - terminal; the durable record is gone.
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusWaitingApproval,
		StatusVerified, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// Satisfied reports whether a feature in this status satisfies dependents.
func (s Status) Satisfied() bool {
	return s == StatusVerified || s == StatusCompleted
}

// WorkspaceRef points at the active workspace allocated for a feature.
type WorkspaceRef struct {
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// Feature is a unit of work tracked on the board.
type Feature struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Status      Status `json:"status"`
	// Priority orders scheduling; lower value means higher priority.
	Priority int `json:"priority"`
	// Dependencies lists feature ids that must be satisfied before this
	// feature can start. Ids absent from the current set are tolerated and
	// treated as satisfied.
	Dependencies []string `json:"dependencies,omitempty"`
	Tags         []string `json:"tags,omitempty"`

	// WorkspaceRef is set while an isolated workspace is allocated.
	WorkspaceRef *WorkspaceRef `json:"workspace_ref,omitempty"`
	// SessionID is set while an agent session is bound to the feature.
	SessionID string `json:"session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunState represents the execution state of an agent session.
type RunState string

const (
	RunStateIdle     RunState = "idle"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
)

// AgentSession is a running or recently-finished agent execution bound to a
// feature's workspace.
type AgentSession struct {
	ID            string     `json:"id"`
	FeatureID     string     `json:"feature_id"`
	WorkspacePath string     `json:"workspace_path"`
	RunState      RunState   `json:"run_state"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
