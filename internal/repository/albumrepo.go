// Package repository defines storage interfaces implemented by concrete index backends.
package repository

import (
	"context"

	"github.com/and161185/televault/internal/model"
)

// AlbumRepository provides album and membership operations.
type AlbumRepository interface {
	// CreateOrGetAlbum returns the album with the given name, creating it if needed.
	CreateOrGetAlbum(ctx context.Context, name, description string) (*model.Album, error)
	// GetAlbumByName loads an album by its unique name.
	GetAlbumByName(ctx context.Context, name string) (*model.Album, error)
	// AddToAlbum links an asset to an album; linking twice is a no-op.
	AddToAlbum(ctx context.Context, albumID, assetID int64) error
	// ListAlbums returns all albums with their asset counts, ordered by name.
	ListAlbums(ctx context.Context) ([]model.Album, error)
}
