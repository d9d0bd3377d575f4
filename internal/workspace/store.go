package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Registry persists the branch -> feature binding so a restarted process can
// recover which branches and checkouts are in use.
type Registry interface {
	// CreateWorkspace persists a new workspace record.
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	// GetByFeatureID retrieves the active workspace for a feature, or nil.
	GetByFeatureID(ctx context.Context, featureID string) (*Workspace, error)
	// GetByBranch retrieves the active workspace holding a branch, or nil.
	GetByBranch(ctx context.Context, branch string) (*Workspace, error)
	// UpdateWorkspace updates an existing record.
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	// DeleteWorkspace removes a record.
	DeleteWorkspace(ctx context.Context, id string) error
	// ListActive returns all workspaces with status active.
	ListActive(ctx context.Context) ([]*Workspace, error)
}

// SQLiteRegistry implements Registry using SQLite.
type SQLiteRegistry struct {
	db *sql.DB
}

// Ensure SQLiteRegistry implements Registry.
var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry creates a SQLite-backed registry and ensures the
// workspaces table exists.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	registry := &SQLiteRegistry{db: db}
	if err := registry.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return registry, nil
}

func (s *SQLiteRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		feature_id TEXT NOT NULL,
		project_root TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_revision TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_feature_id ON workspaces(feature_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_branch ON workspaces(branch);
	CREATE INDEX IF NOT EXISTS idx_workspaces_status ON workspaces(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateWorkspace persists a new workspace record.
func (s *SQLiteRegistry) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, feature_id, project_root, path, branch, base_revision, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ws.ID, ws.FeatureID, ws.ProjectRoot, ws.Path, ws.Branch, ws.BaseRevision, ws.Status, ws.CreatedAt, ws.UpdatedAt)
	return err
}

// GetByFeatureID retrieves the active workspace for a feature.
func (s *SQLiteRegistry) GetByFeatureID(ctx context.Context, featureID string) (*Workspace, error) {
	return s.getOne(ctx, `
		SELECT id, feature_id, project_root, path, branch, base_revision, status, created_at, updated_at
		FROM workspaces WHERE feature_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1
	`, featureID, StatusActive)
}

// GetByBranch retrieves the active workspace holding a branch.
func (s *SQLiteRegistry) GetByBranch(ctx context.Context, branch string) (*Workspace, error) {
	return s.getOne(ctx, `
		SELECT id, feature_id, project_root, path, branch, base_revision, status, created_at, updated_at
		FROM workspaces WHERE branch = ? AND status = ? ORDER BY created_at DESC LIMIT 1
	`, branch, StatusActive)
}

func (s *SQLiteRegistry) getOne(ctx context.Context, query string, args ...interface{}) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&ws.ID, &ws.FeatureID, &ws.ProjectRoot, &ws.Path, &ws.Branch,
		&ws.BaseRevision, &ws.Status, &ws.CreatedAt, &ws.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, return nil without error
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// UpdateWorkspace updates an existing workspace record.
func (s *SQLiteRegistry) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	ws.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET feature_id = ?, project_root = ?, path = ?, branch = ?, base_revision = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, ws.FeatureID, ws.ProjectRoot, ws.Path, ws.Branch, ws.BaseRevision, ws.Status, ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, ws.ID)
	}
	return nil
}

// DeleteWorkspace removes a workspace record.
func (s *SQLiteRegistry) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return nil
}

// ListActive returns all workspaces with status active.
func (s *SQLiteRegistry) ListActive(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feature_id, project_root, path, branch, base_revision, status, created_at, updated_at
		FROM workspaces WHERE status = ?
	`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		err := rows.Scan(&ws.ID, &ws.FeatureID, &ws.ProjectRoot, &ws.Path, &ws.Branch,
			&ws.BaseRevision, &ws.Status, &ws.CreatedAt, &ws.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}
