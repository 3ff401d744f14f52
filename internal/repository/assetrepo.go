package repository

import (
	"context"

	"github.com/and161185/televault/internal/model"
)

// AssetRepository provides access to the fingerprint-keyed asset catalog.
type AssetRepository interface {
	// FindByFingerprint returns the asset stored for a content fingerprint or errs.ErrNotFound.
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.Asset, error)

	// InsertAsset stores a new asset and returns it with ID and CreatedAt assigned.
	// It fails with errs.ErrConflict when the fingerprint is already indexed.
	InsertAsset(ctx context.Context, a *model.Asset) (*model.Asset, error)

	// GetAsset returns a single asset by local id or errs.ErrNotFound.
	GetAsset(ctx context.Context, id int64) (*model.Asset, error)

	// ListAssets returns assets matching the filter ordered by id descending.
	ListAssets(ctx context.Context, f model.ListFilter) ([]model.Asset, error)

	// ListLocalCopies returns every asset that recorded a local source path, oldest first.
	ListLocalCopies(ctx context.Context) ([]model.Asset, error)

	// Stats returns catalog totals.
	Stats(ctx context.Context) (model.Stats, error)
}

// SyncStateRepository stores the rebuild-from-remote cursor.
type SyncStateRepository interface {
	// RebuildCursor returns the last channel message id replayed into the index (0 if none).
	RebuildCursor(ctx context.Context) (int, error)
	// SetRebuildCursor persists the replay cursor.
	SetRebuildCursor(ctx context.Context, messageID int) error
}

// Index is the complete durable catalog handle passed to services.
type Index interface {
	AssetRepository
	AlbumRepository
	SyncStateRepository
	// Close releases the underlying store.
	Close() error
}
