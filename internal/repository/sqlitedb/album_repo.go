package sqlitedb

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
)

const (
	sqlInsertAlbum      = `INSERT INTO albums (name, description, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`
	sqlAlbumByName      = `SELECT id, name, description, created_at FROM albums WHERE name=?`
	sqlInsertMembership = `INSERT INTO album_assets (album_id, asset_id) VALUES (?, ?) ON CONFLICT (album_id, asset_id) DO NOTHING`
	sqlListAlbums       = `
SELECT al.id, al.name, al.description, al.created_at, COUNT(aa.asset_id)
FROM albums al LEFT JOIN album_assets aa ON aa.album_id = al.id
GROUP BY al.id
ORDER BY al.name`
)

// AlbumRepo implements repository.AlbumRepository on SQLite.
type AlbumRepo struct{ db *DB }

// CreateOrGetAlbum inserts the album unless it exists and returns the stored row.
func (r *AlbumRepo) CreateOrGetAlbum(ctx context.Context, name, description string) (*model.Album, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty album name", errs.ErrInvalidInput)
	}
	var al *model.Album
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, sqlInsertAlbum, &sqlitex.ExecOptions{
			Args: []any{name, description, now().Unix()},
		})
		if err != nil {
			return err
		}
		al, err = albumByName(conn, name)
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if al == nil {
		return nil, errs.ErrNotFound
	}
	return al, nil
}

// GetAlbumByName selects an album by name.
func (r *AlbumRepo) GetAlbumByName(ctx context.Context, name string) (*model.Album, error) {
	var al *model.Album
	err := r.db.with(ctx, func(conn *sqlite.Conn) (err error) {
		al, err = albumByName(conn, name)
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if al == nil {
		return nil, errs.ErrNotFound
	}
	return al, nil
}

func albumByName(conn *sqlite.Conn, name string) (*model.Album, error) {
	var al *model.Album
	err := sqlitex.Execute(conn, sqlAlbumByName, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			al = &model.Album{
				ID:          stmt.ColumnInt64(0),
				Name:        stmt.ColumnText(1),
				Description: stmt.ColumnText(2),
				CreatedAt:   unixTime(stmt.ColumnInt64(3)),
			}
			return nil
		},
	})
	return al, err
}

// AddToAlbum links an asset to an album; repeated links are ignored.
func (r *AlbumRepo) AddToAlbum(ctx context.Context, albumID, assetID int64) error {
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqlInsertMembership, &sqlitex.ExecOptions{
			Args: []any{albumID, assetID},
		})
	})
	if isForeignKeyViolation(err) {
		return fmt.Errorf("album %d / asset %d: %w", albumID, assetID, errs.ErrNotFound)
	}
	return mapErr(err)
}

// ListAlbums returns every album with its member count.
func (r *AlbumRepo) ListAlbums(ctx context.Context) ([]model.Album, error) {
	var out []model.Album
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqlListAlbums, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, model.Album{
					ID:          stmt.ColumnInt64(0),
					Name:        stmt.ColumnText(1),
					Description: stmt.ColumnText(2),
					CreatedAt:   unixTime(stmt.ColumnInt64(3)),
					AssetCount:  stmt.ColumnInt64(4),
				})
				return nil
			},
		})
	})
	return out, mapErr(err)
}

const (
	rebuildCursorKey   = "rebuild_cursor"
	sqlGetSyncState    = `SELECT value FROM sync_state WHERE key=?`
	sqlUpsertSyncState = `INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`
)

// SyncStateRepo implements repository.SyncStateRepository on SQLite.
type SyncStateRepo struct{ db *DB }

// RebuildCursor returns the stored replay cursor or 0.
func (r *SyncStateRepo) RebuildCursor(ctx context.Context) (int, error) {
	var v int
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqlGetSyncState, &sqlitex.ExecOptions{
			Args: []any{rebuildCursorKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	return v, mapErr(err)
}

// SetRebuildCursor stores the replay cursor.
func (r *SyncStateRepo) SetRebuildCursor(ctx context.Context, messageID int) error {
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqlUpsertSyncState, &sqlitex.ExecOptions{
			Args: []any{rebuildCursorKey, messageID},
		})
	})
	return mapErr(err)
}
