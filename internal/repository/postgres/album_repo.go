package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
)

const (
	sqlInsertAlbum      = `INSERT INTO albums (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`
	sqlAlbumByName      = `SELECT id, name, description, created_at FROM albums WHERE name=$1`
	sqlInsertMembership = `INSERT INTO album_assets (album_id, asset_id) VALUES ($1, $2) ON CONFLICT (album_id, asset_id) DO NOTHING`
	sqlListAlbums       = `
SELECT al.id, al.name, al.description, al.created_at, COUNT(aa.asset_id)
FROM albums al LEFT JOIN album_assets aa ON aa.album_id = al.id
GROUP BY al.id, al.name, al.description, al.created_at
ORDER BY al.name`
)

// AlbumRepo implements repository.AlbumRepository using PostgreSQL.
type AlbumRepo struct{ db *DB }

// NewAlbumRepo constructs an album repository.
func NewAlbumRepo(db *DB) *AlbumRepo { return &AlbumRepo{db: db} }

// CreateOrGetAlbum inserts the album unless it exists and returns the stored row.
func (r *AlbumRepo) CreateOrGetAlbum(ctx context.Context, name, description string) (*model.Album, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty album name", errs.ErrInvalidInput)
	}
	if _, err := r.db.Pool.Exec(ctx, sqlInsertAlbum, name, description); err != nil {
		return nil, mapErr(err)
	}
	return r.GetAlbumByName(ctx, name)
}

// GetAlbumByName selects an album by name.
func (r *AlbumRepo) GetAlbumByName(ctx context.Context, name string) (*model.Album, error) {
	var al model.Album
	err := r.db.Pool.QueryRow(ctx, sqlAlbumByName, name).Scan(&al.ID, &al.Name, &al.Description, &al.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return &al, nil
}

// AddToAlbum links an asset to an album; repeated links are ignored.
func (r *AlbumRepo) AddToAlbum(ctx context.Context, albumID, assetID int64) error {
	_, err := r.db.Pool.Exec(ctx, sqlInsertMembership, albumID, assetID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("album %d / asset %d: %w", albumID, assetID, errs.ErrNotFound)
	}
	return mapErr(err)
}

// ListAlbums returns every album with its member count.
func (r *AlbumRepo) ListAlbums(ctx context.Context) ([]model.Album, error) {
	rows, err := r.db.Pool.Query(ctx, sqlListAlbums)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Album
	for rows.Next() {
		var al model.Album
		if err := rows.Scan(&al.ID, &al.Name, &al.Description, &al.CreatedAt, &al.AssetCount); err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

const (
	rebuildCursorKey   = "rebuild_cursor"
	sqlGetSyncState    = `SELECT value FROM sync_state WHERE key=$1`
	sqlUpsertSyncState = `INSERT INTO sync_state (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
)

// SyncStateRepo implements repository.SyncStateRepository using PostgreSQL.
type SyncStateRepo struct{ db *DB }

// NewSyncStateRepo constructs the rebuild cursor repository.
func NewSyncStateRepo(db *DB) *SyncStateRepo { return &SyncStateRepo{db: db} }

// RebuildCursor returns the stored replay cursor or 0.
func (r *SyncStateRepo) RebuildCursor(ctx context.Context) (int, error) {
	var v int64
	err := r.db.Pool.QueryRow(ctx, sqlGetSyncState, rebuildCursorKey).Scan(&v)
	switch {
	case err == nil:
		return int(v), nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	default:
		return 0, mapErr(err)
	}
}

// SetRebuildCursor stores the replay cursor.
func (r *SyncStateRepo) SetRebuildCursor(ctx context.Context, messageID int) error {
	_, err := r.db.Pool.Exec(ctx, sqlUpsertSyncState, rebuildCursorKey, int64(messageID))
	return mapErr(err)
}
