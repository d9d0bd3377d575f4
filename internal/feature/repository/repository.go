// Package repository provides durable storage for feature records.
package repository

import (
	"context"
	"errors"

	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
)

// Common errors
var (
	ErrFeatureNotFound = errors.New("feature not found")
	ErrFeatureExists   = errors.New("feature already exists")
)

// Repository stores feature records. The controller is the only writer; the
// repository itself does not enforce lifecycle rules.
type Repository interface {
	// CreateFeature persists a new feature record.
	CreateFeature(ctx context.Context, f *models.Feature) error
	// GetFeature retrieves a feature by id.
	GetFeature(ctx context.Context, id string) (*models.Feature, error)
	// ListFeatures returns all features, ordered by priority then creation time.
	ListFeatures(ctx context.Context) ([]*models.Feature, error)
	// UpdateFeature replaces an existing feature record.
	UpdateFeature(ctx context.Context, f *models.Feature) error
	// DeleteFeature removes a feature record.
	DeleteFeature(ctx context.Context, id string) error
	// Close releases the underlying store.
	Close() error
}
