package sqlitedb

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/repository"
)

const assetColumns = `a.id, a.fingerprint, a.channel_id, a.message_id, a.file_id, a.size_bytes, a.mime_type, a.original_name, a.transport_used, a.created_at, a.original_path, a.metadata`

const (
	sqlInsertAsset = `
INSERT INTO assets (fingerprint, channel_id, message_id, file_id, size_bytes, mime_type, original_name, transport_used, created_at, original_path, metadata)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	sqlAssetByFingerprint = `SELECT ` + assetColumns + ` FROM assets a WHERE a.fingerprint=?`
	sqlAssetByID          = `SELECT ` + assetColumns + ` FROM assets a WHERE a.id=?`
	sqlAssetTotals        = `SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM assets`
	sqlAlbumTotal         = `SELECT COUNT(*) FROM albums`
	sqlAssetsByTransport  = `SELECT transport_used, COUNT(*) FROM assets GROUP BY transport_used`
	sqlLocalCopies        = `SELECT ` + assetColumns + ` FROM assets a WHERE a.original_path <> '' ORDER BY a.id`
	sqlDBSize             = `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`
)

// AssetRepo implements repository.AssetRepository on SQLite.
type AssetRepo struct{ db *DB }

// InsertAsset stores a new asset; the unique fingerprint index decides concurrent races.
func (r *AssetRepo) InsertAsset(ctx context.Context, a *model.Asset) (*model.Asset, error) {
	meta, err := repository.EncodeMetadata(a.Metadata)
	if err != nil {
		return nil, err
	}
	out := *a
	out.CreatedAt = now()
	err = r.db.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, sqlInsertAsset, &sqlitex.ExecOptions{
			Args: []any{
				a.Fingerprint, a.Remote.ChannelID, a.Remote.MessageID, a.Remote.FileID,
				a.SizeBytes, a.MIMEType, a.OriginalName, string(a.TransportUsed), out.CreatedAt.Unix(),
				a.OriginalPath, meta,
			},
		})
		if err != nil {
			return err
		}
		out.ID = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("fingerprint %s: %w", a.Fingerprint, errs.ErrConflict)
		}
		return nil, mapErr(err)
	}
	return &out, nil
}

// FindByFingerprint selects an asset by content fingerprint.
func (r *AssetRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*model.Asset, error) {
	return r.scanOne(ctx, sqlAssetByFingerprint, fingerprint)
}

// GetAsset selects an asset by id.
func (r *AssetRepo) GetAsset(ctx context.Context, id int64) (*model.Asset, error) {
	return r.scanOne(ctx, sqlAssetByID, id)
}

func (r *AssetRepo) scanOne(ctx context.Context, q string, arg any) (*model.Asset, error) {
	var found *model.Asset
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				a, err := scanAsset(stmt)
				if err != nil {
					return err
				}
				found = a
				return nil
			},
		})
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if found == nil {
		return nil, errs.ErrNotFound
	}
	return found, nil
}

// ListAssets returns filtered assets, newest first.
func (r *AssetRepo) ListAssets(ctx context.Context, f model.ListFilter) ([]model.Asset, error) {
	f = f.Normalize()
	q := repository.BuildAssetQuery(f, func(int) string { return "?" }, "LIKE")
	query := `SELECT ` + assetColumns + ` FROM assets a` + q.Join + q.Where + ` ORDER BY a.id DESC LIMIT ? OFFSET ?`
	args := append(q.Args, f.Limit, f.Offset)
	return r.scanMany(ctx, query, args, f.Limit)
}

// ListLocalCopies returns assets uploaded from a local file, oldest first.
func (r *AssetRepo) ListLocalCopies(ctx context.Context) ([]model.Asset, error) {
	return r.scanMany(ctx, sqlLocalCopies, nil, 0)
}

func (r *AssetRepo) scanMany(ctx context.Context, query string, args []any, capHint int) ([]model.Asset, error) {
	out := make([]model.Asset, 0, capHint)
	err := r.db.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				a, err := scanAsset(stmt)
				if err != nil {
					return err
				}
				out = append(out, *a)
				return nil
			},
		})
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// Stats returns catalog totals from a single read transaction.
func (r *AssetRepo) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{ByTransport: make(map[model.Profile]int64, 2)}
	err := r.db.with(ctx, func(conn *sqlite.Conn) (err error) {
		endFn := sqlitex.Transaction(conn)
		defer endFn(&err)

		err = sqlitex.Execute(conn, sqlAssetTotals, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st.TotalAssets = stmt.ColumnInt64(0)
				st.TotalBytes = stmt.ColumnInt64(1)
				return nil
			},
		})
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, sqlAlbumTotal, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st.Albums = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, sqlAssetsByTransport, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st.ByTransport[model.Profile(stmt.ColumnText(0))] = stmt.ColumnInt64(1)
				return nil
			},
		})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, sqlDBSize, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st.DBSizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return model.Stats{}, mapErr(err)
	}
	return st, nil
}

// Column order matches assetColumns.
func scanAsset(stmt *sqlite.Stmt) (*model.Asset, error) {
	a := model.Asset{
		ID:          stmt.ColumnInt64(0),
		Fingerprint: stmt.ColumnText(1),
		Remote: model.RemoteRef{
			ChannelID: stmt.ColumnInt64(2),
			MessageID: stmt.ColumnInt(3),
			FileID:    stmt.ColumnText(4),
		},
		SizeBytes:    stmt.ColumnInt64(5),
		MIMEType:     stmt.ColumnText(6),
		OriginalName: stmt.ColumnText(7),
		CreatedAt:    unixTime(stmt.ColumnInt64(9)),
		OriginalPath: stmt.ColumnText(10),
	}
	p, err := model.ParseProfile(stmt.ColumnText(8))
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w: %v", a.ID, errs.ErrCorruptIndex, err)
	}
	a.TransportUsed = p
	if a.Metadata, err = repository.DecodeMetadata(stmt.ColumnText(11)); err != nil {
		return nil, fmt.Errorf("asset %d: %w", a.ID, err)
	}
	return &a, nil
}
