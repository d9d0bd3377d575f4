package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
)

// SQLiteRepository provides SQLite-backed feature storage.
type SQLiteRepository struct {
	db *sqlx.DB
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository wraps an existing connection (shared ownership) and
// ensures the features table exists.
func NewSQLiteRepository(sqlDB *sql.DB) (*SQLiteRepository, error) {
	repo := &SQLiteRepository{db: sqlx.NewDb(sqlDB, "sqlite3")}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize feature schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		dependencies TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		workspace_branch TEXT,
		workspace_path TEXT,
		session_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_features_status ON features(status);
	CREATE INDEX IF NOT EXISTS idx_features_priority ON features(priority);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close is a no-op: the connection is shared with the workspace registry
// and closed by the caller that opened it.
func (r *SQLiteRepository) Close() error {
	return nil
}

// CreateFeature persists a new feature record.
func (r *SQLiteRepository) CreateFeature(ctx context.Context, f *models.Feature) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	deps, tags := marshalLists(f)
	branch, path := workspaceColumns(f)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO features (id, title, description, category, status, priority, dependencies, tags, workspace_branch, workspace_path, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), f.ID, f.Title, f.Description, f.Category, f.Status, f.Priority, deps, tags, branch, path, f.SessionID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrFeatureExists, f.ID)
		}
		return err
	}
	return nil
}

// GetFeature retrieves a feature by id.
func (r *SQLiteRepository) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, title, description, category, status, priority, dependencies, tags, workspace_branch, workspace_path, session_id, created_at, updated_at
		FROM features WHERE id = ?
	`), id)

	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFeatures returns all features ordered by priority, then creation time.
func (r *SQLiteRepository) ListFeatures(ctx context.Context) ([]*models.Feature, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, description, category, status, priority, dependencies, tags, workspace_branch, workspace_path, session_id, created_at, updated_at
		FROM features ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// UpdateFeature replaces an existing feature record.
func (r *SQLiteRepository) UpdateFeature(ctx context.Context, f *models.Feature) error {
	f.UpdatedAt = time.Now().UTC()

	deps, tags := marshalLists(f)
	branch, path := workspaceColumns(f)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE features SET title = ?, description = ?, category = ?, status = ?, priority = ?, dependencies = ?, tags = ?, workspace_branch = ?, workspace_path = ?, session_id = ?, updated_at = ?
		WHERE id = ?
	`), f.Title, f.Description, f.Category, f.Status, f.Priority, deps, tags, branch, path, f.SessionID, f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, f.ID)
	}
	return nil
}

// DeleteFeature removes a feature record.
func (r *SQLiteRepository) DeleteFeature(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM features WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFeature(s scanner) (*models.Feature, error) {
	f := &models.Feature{}
	var deps, tags string
	var branch, path sql.NullString

	err := s.Scan(&f.ID, &f.Title, &f.Description, &f.Category, &f.Status, &f.Priority,
		&deps, &tags, &branch, &path, &f.SessionID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(deps), &f.Dependencies)
	_ = json.Unmarshal([]byte(tags), &f.Tags)
	if branch.Valid {
		f.WorkspaceRef = &models.WorkspaceRef{Branch: branch.String, Path: path.String}
	}
	return f, nil
}

func marshalLists(f *models.Feature) (deps string, tags string) {
	depsBytes, err := json.Marshal(f.Dependencies)
	if err != nil || f.Dependencies == nil {
		depsBytes = []byte("[]")
	}
	tagsBytes, err := json.Marshal(f.Tags)
	if err != nil || f.Tags == nil {
		tagsBytes = []byte("[]")
	}
	return string(depsBytes), string(tagsBytes)
}

func workspaceColumns(f *models.Feature) (branch, path interface{}) {
	if f.WorkspaceRef == nil {
		return nil, nil
	}
	return f.WorkspaceRef.Branch, f.WorkspaceRef.Path
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
