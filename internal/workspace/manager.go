package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
)

// Manager handles Git worktree operations for isolated feature workspaces.
type Manager struct {
	config     Config
	logger     *logger.Logger
	registry   Registry
	workspaces map[string]*Workspace // featureID -> workspace (in-memory cache)
	mu         sync.RWMutex          // Protects workspaces map
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a new workspace manager.
func NewManager(cfg Config, registry Registry, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
	}

	return &Manager{
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "workspace-manager")),
		registry:   registry,
		workspaces: make(map[string]*Workspace),
		repoLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns the mutex serializing worktree mutations for one
// repository. Git worktree add/remove race on shared refs.
func (m *Manager) getRepoLock(projectRoot string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[projectRoot]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[projectRoot] = lock
	return lock
}

// Allocate creates an isolated workspace for a feature off the project's
// current head. If a valid workspace already exists for the feature it is
// returned unchanged.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (*Workspace, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, err := m.GetByFeatureID(ctx, req.FeatureID); err == nil && existing != nil {
		if m.IsValid(existing.Path) {
			m.logger.Info("reusing existing workspace",
				zap.String("feature_id", req.FeatureID),
				zap.String("path", existing.Path))
			return existing, nil
		}
		m.logger.Warn("workspace directory invalid, recreating",
			zap.String("feature_id", req.FeatureID))
		return m.recreate(ctx, existing, req)
	}

	if !isGitRepo(req.ProjectRoot) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, req.ProjectRoot)
	}

	branch := m.config.BranchName(req.FeatureID)
	if held, err := m.registry.GetByBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("failed to check branch registry: %w", err)
	} else if held != nil && held.FeatureID != req.FeatureID {
		return nil, fmt.Errorf("%w: %s held by feature %s", ErrBranchInUse, branch, held.FeatureID)
	}

	active, err := m.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count workspaces: %w", err)
	}
	if len(active) >= m.config.MaxActive {
		return nil, fmt.Errorf("%w: %d", ErrMaxWorkspaces, m.config.MaxActive)
	}

	repoLock := m.getRepoLock(req.ProjectRoot)
	repoLock.Lock()
	defer repoLock.Unlock()

	return m.createWorkspace(ctx, req, branch)
}

// createWorkspace performs the actual git worktree creation.
func (m *Manager) createWorkspace(ctx context.Context, req AllocateRequest, branch string) (*Workspace, error) {
	path, err := m.config.WorkspacePath(req.FeatureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace path: %w", err)
	}

	baseRevision, err := resolveHead(ctx, req.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project head: %w", err)
	}

	// git worktree add -b <branch> <path> HEAD
	output, err := runGit(ctx, req.ProjectRoot, "worktree", "add", "-b", branch, path, "HEAD")
	if err != nil {
		if strings.Contains(output, "already exists") {
			// Branch survives from an earlier run; reattach without -b.
			output, err = runGit(ctx, req.ProjectRoot, "worktree", "add", path, branch)
		}
		if err != nil {
			m.logger.Error("git worktree add failed",
				zap.String("output", output),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
		}
	}

	now := time.Now().UTC()
	ws := &Workspace{
		FeatureID:    req.FeatureID,
		ProjectRoot:  req.ProjectRoot,
		Path:         path,
		Branch:       branch,
		BaseRevision: baseRevision,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.registry.CreateWorkspace(ctx, ws); err != nil {
		// Undo the checkout so the branch registry stays authoritative.
		m.removeWorkspaceDir(ctx, path, req.ProjectRoot)
		return nil, fmt.Errorf("failed to persist workspace: %w", err)
	}

	m.mu.Lock()
	m.workspaces[req.FeatureID] = ws
	m.mu.Unlock()

	m.logger.Info("allocated workspace",
		zap.String("feature_id", req.FeatureID),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base_revision", baseRevision))

	return ws, nil
}

// GetByFeatureID returns the active workspace for a feature, if one exists.
func (m *Manager) GetByFeatureID(ctx context.Context, featureID string) (*Workspace, error) {
	m.mu.RLock()
	if ws, ok := m.workspaces[featureID]; ok {
		m.mu.RUnlock()
		return ws, nil
	}
	m.mu.RUnlock()

	ws, err := m.registry.GetByFeatureID(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, ErrWorkspaceNotFound
	}

	m.mu.Lock()
	m.workspaces[featureID] = ws
	m.mu.Unlock()
	return ws, nil
}

// IsValid checks if a workspace directory is a usable worktree checkout.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees have a .git file (not directory) containing "gitdir: <path>".
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Reclaim removes a feature's workspace and optionally its branch. Directory
// removal failures fall back to a prune pass; branch-deletion failures are
// non-fatal and protected default branches are never deleted.
func (m *Manager) Reclaim(ctx context.Context, featureID string, deleteBranch bool) error {
	ws, err := m.GetByFeatureID(ctx, featureID)
	if err != nil {
		return err
	}

	repoLock := m.getRepoLock(ws.ProjectRoot)
	repoLock.Lock()
	defer repoLock.Unlock()

	if err := m.removeWorkspaceDir(ctx, ws.Path, ws.ProjectRoot); err != nil {
		m.logger.Warn("failed to remove workspace directory",
			zap.String("path", ws.Path),
			zap.Error(err))
	}

	if deleteBranch {
		if IsProtectedBranch(ws.Branch) {
			m.logger.Warn("skipping protected branch deletion", zap.String("branch", ws.Branch))
		} else if output, err := runGit(ctx, ws.ProjectRoot, "branch", "-D", ws.Branch); err != nil {
			m.logger.Warn("failed to delete branch",
				zap.String("branch", ws.Branch),
				zap.String("output", output),
				zap.Error(err))
		}
	}

	ws.Status = StatusReleased
	if err := m.registry.UpdateWorkspace(ctx, ws); err != nil {
		m.logger.Warn("failed to update workspace status", zap.Error(err))
	}

	m.mu.Lock()
	delete(m.workspaces, featureID)
	m.mu.Unlock()

	m.logger.Info("reclaimed workspace",
		zap.String("feature_id", featureID),
		zap.String("path", ws.Path),
		zap.Bool("branch_deleted", deleteBranch))

	return nil
}

// removeWorkspaceDir removes a worktree directory, preferring git worktree
// remove and falling back to direct removal plus a prune pass.
func (m *Manager) removeWorkspaceDir(ctx context.Context, path, projectRoot string) error {
	if output, err := runGit(ctx, projectRoot, "worktree", "remove", "--force", path); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", output),
			zap.Error(err))

		if err := os.RemoveAll(path); err != nil {
			return err
		}
		// Prune stale worktree bookkeeping left behind by the direct removal.
		_, _ = runGit(ctx, projectRoot, "worktree", "prune")
	}
	return nil
}

// recreate rebuilds a workspace directory from its registry record, reusing
// the recorded branch.
func (m *Manager) recreate(ctx context.Context, existing *Workspace, req AllocateRequest) (*Workspace, error) {
	if existing.Path != "" {
		_ = os.RemoveAll(existing.Path)
	}
	_, _ = runGit(ctx, req.ProjectRoot, "worktree", "prune")

	repoLock := m.getRepoLock(req.ProjectRoot)
	repoLock.Lock()
	defer repoLock.Unlock()

	path, err := m.config.WorkspacePath(req.FeatureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace path: %w", err)
	}

	if output, err := runGit(ctx, req.ProjectRoot, "worktree", "add", path, existing.Branch); err != nil {
		m.logger.Error("failed to recreate workspace",
			zap.String("output", output),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}

	existing.Path = path
	existing.Status = StatusActive
	if err := m.registry.UpdateWorkspace(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update workspace record: %w", err)
	}

	m.mu.Lock()
	m.workspaces[req.FeatureID] = existing
	m.mu.Unlock()

	m.logger.Info("recreated workspace",
		zap.String("feature_id", req.FeatureID),
		zap.String("path", path))

	return existing, nil
}

// Reconcile syncs the registry and the base directory with the set of
// features that may legitimately hold a workspace. Registry rows whose
// directories vanished are dropped; directories with no owning feature are
// removed. Returns the workspaces that remain active.
func (m *Manager) Reconcile(ctx context.Context, ownedFeatureIDs []string) ([]*Workspace, error) {
	owned := make(map[string]bool, len(ownedFeatureIDs))
	for _, id := range ownedFeatureIDs {
		owned[id] = true
	}

	active, err := m.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workspaces: %w", err)
	}

	remaining := make([]*Workspace, 0, len(active))
	knownPaths := make(map[string]bool, len(active))
	for _, ws := range active {
		switch {
		case !owned[ws.FeatureID]:
			m.logger.Info("reclaiming workspace with no owning feature",
				zap.String("feature_id", ws.FeatureID),
				zap.String("path", ws.Path))
			if err := m.removeWorkspaceDir(ctx, ws.Path, ws.ProjectRoot); err != nil {
				m.logger.Warn("failed to remove orphaned workspace", zap.Error(err))
			}
			ws.Status = StatusReleased
			_ = m.registry.UpdateWorkspace(ctx, ws)
		case !m.IsValid(ws.Path):
			m.logger.Warn("registry row points at missing checkout, releasing",
				zap.String("feature_id", ws.FeatureID),
				zap.String("path", ws.Path))
			ws.Status = StatusReleased
			_ = m.registry.UpdateWorkspace(ctx, ws)
		default:
			knownPaths[ws.Path] = true
			remaining = append(remaining, ws)
			m.mu.Lock()
			m.workspaces[ws.FeatureID] = ws
			m.mu.Unlock()
		}
	}

	// Remove directories under the base path that no registry row claims.
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return remaining, nil
	}
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return remaining, nil
		}
		return remaining, fmt.Errorf("failed to read workspace directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(basePath, entry.Name())
		if knownPaths[dir] {
			continue
		}
		m.logger.Info("removing orphaned workspace directory", zap.String("path", dir))
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("failed to remove orphaned directory",
				zap.String("path", dir),
				zap.Error(err))
		}
	}

	return remaining, nil
}

// isGitRepo checks if a path is a Git repository.
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git is a directory for regular repos, a file for worktrees.
	return info.IsDir() || info.Mode().IsRegular()
}
