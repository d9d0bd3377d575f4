package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-memory Registry used by tests.
type MemoryRegistry struct {
	records map[string]*Workspace // id -> workspace
	mu      sync.RWMutex
}

// Ensure MemoryRegistry implements Registry.
var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Workspace)}
}

// CreateWorkspace persists a new workspace record.
func (r *MemoryRegistry) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now

	clone := *ws
	r.records[ws.ID] = &clone
	return nil
}

// GetByFeatureID retrieves the active workspace for a feature, or nil.
func (r *MemoryRegistry) GetByFeatureID(ctx context.Context, featureID string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *Workspace
	for _, ws := range r.records {
		if ws.FeatureID != featureID || ws.Status != StatusActive {
			continue
		}
		if newest == nil || ws.CreatedAt.After(newest.CreatedAt) {
			newest = ws
		}
	}
	if newest == nil {
		return nil, nil
	}
	clone := *newest
	return &clone, nil
}

// GetByBranch retrieves the active workspace holding a branch, or nil.
func (r *MemoryRegistry) GetByBranch(ctx context.Context, branch string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ws := range r.records {
		if ws.Branch == branch && ws.Status == StatusActive {
			clone := *ws
			return &clone, nil
		}
	}
	return nil, nil
}

// UpdateWorkspace updates an existing record.
func (r *MemoryRegistry) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[ws.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, ws.ID)
	}
	ws.UpdatedAt = time.Now().UTC()
	clone := *ws
	r.records[ws.ID] = &clone
	return nil
}

// DeleteWorkspace removes a record.
func (r *MemoryRegistry) DeleteWorkspace(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	delete(r.records, id)
	return nil
}

// ListActive returns all workspaces with status active.
func (r *MemoryRegistry) ListActive(ctx context.Context) ([]*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Workspace
	for _, ws := range r.records {
		if ws.Status == StatusActive {
			clone := *ws
			result = append(result, &clone)
		}
	}
	return result, nil
}
