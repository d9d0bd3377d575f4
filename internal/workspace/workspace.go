// Package workspace manages isolated Git worktree checkouts, one per
// in-flight feature.
package workspace

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotGitRepo        = errors.New("project root is not a git repository")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrBranchInUse       = errors.New("branch is already bound to another feature")
	ErrMaxWorkspaces     = errors.New("maximum active workspaces reached")
	ErrGitCommandFailed  = errors.New("git command failed")
	ErrNothingToCommit   = errors.New("nothing to commit")
	ErrProtectedBranch   = errors.New("refusing to delete protected branch")
)

// Workspace represents an isolated checkout bound to exactly one feature.
type Workspace struct {
	// ID is the unique identifier for this workspace record.
	ID string `json:"id"`

	// FeatureID is the feature this workspace is bound to. 1:1 while active.
	FeatureID string `json:"feature_id"`

	// ProjectRoot is the path to the main repository the workspace was
	// carved from. Stored so the workspace can be reclaimed after restart.
	ProjectRoot string `json:"project_root"`

	// Path is the absolute filesystem path of the worktree directory.
	Path string `json:"path"`

	// Branch is the branch checked out in this workspace, deterministically
	// derived from the feature id.
	Branch string `json:"branch"`

	// BaseRevision is the commit the workspace branch was created from.
	BaseRevision string `json:"base_revision"`

	// Status is active or released.
	Status string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Workspace status values.
const (
	StatusActive   = "active"
	StatusReleased = "released"
)

// AllocateRequest contains the parameters for allocating a workspace.
type AllocateRequest struct {
	// FeatureID is the feature to bind the workspace to (required).
	FeatureID string

	// ProjectRoot is the path to the main repository (required).
	ProjectRoot string
}

// Validate checks the request fields.
func (r *AllocateRequest) Validate() error {
	if r.FeatureID == "" {
		return errors.New("feature id is required")
	}
	if r.ProjectRoot == "" {
		return errors.New("project root is required")
	}
	return nil
}

// CommitResult describes a commit made in a workspace.
type CommitResult struct {
	SHA          string `json:"sha"`
	Message      string `json:"message"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
}

// FileState classifies a single path in the workspace status.
type FileState string

const (
	FileAdded     FileState = "added"
	FileModified  FileState = "modified"
	FileDeleted   FileState = "deleted"
	FileRenamed   FileState = "renamed"
	FileUntracked FileState = "untracked"
)

// FileStatus is the structured status of one path.
type FileStatus struct {
	Path    string    `json:"path"`
	OldPath string    `json:"old_path,omitempty"` // set for renames
	State   FileState `json:"state"`
	Staged  bool      `json:"staged"`
	Binary  bool      `json:"binary"`
}

// StatusResult bundles per-file statuses with the synthesized diff text.
type StatusResult struct {
	Files []FileStatus `json:"files"`
	Diff  string       `json:"diff"`
	Clean bool         `json:"clean"`
}
