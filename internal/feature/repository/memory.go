package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
)

// MemoryRepository provides in-memory feature storage, used by tests and as
// a fallback when no database is configured.
type MemoryRepository struct {
	features map[string]*models.Feature
	mu       sync.RWMutex
}

// Ensure MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory feature repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{features: make(map[string]*models.Feature)}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateFeature persists a new feature record.
func (r *MemoryRepository) CreateFeature(ctx context.Context, f *models.Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.features[f.ID]; exists {
		return fmt.Errorf("%w: %s", ErrFeatureExists, f.ID)
	}

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	r.features[f.ID] = cloneFeature(f)
	return nil
}

// GetFeature retrieves a feature by id.
func (r *MemoryRepository) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.features[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	return cloneFeature(f), nil
}

// ListFeatures returns all features ordered by priority, then creation time.
func (r *MemoryRepository) ListFeatures(ctx context.Context) ([]*models.Feature, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Feature, 0, len(r.features))
	for _, f := range r.features {
		result = append(result, cloneFeature(f))
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateFeature replaces an existing feature record.
func (r *MemoryRepository) UpdateFeature(ctx context.Context, f *models.Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.features[f.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, f.ID)
	}
	f.UpdatedAt = time.Now().UTC()
	r.features[f.ID] = cloneFeature(f)
	return nil
}

// DeleteFeature removes a feature record.
func (r *MemoryRepository) DeleteFeature(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.features[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	delete(r.features, id)
	return nil
}

// cloneFeature copies a feature so callers cannot mutate stored state.
func cloneFeature(f *models.Feature) *models.Feature {
	clone := *f
	if f.Dependencies != nil {
		clone.Dependencies = append([]string(nil), f.Dependencies...)
	}
	if f.Tags != nil {
		clone.Tags = append([]string(nil), f.Tags...)
	}
	if f.WorkspaceRef != nil {
		ref := *f.WorkspaceRef
		clone.WorkspaceRef = &ref
	}
	return &clone
}
