package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/repository"
)

const assetColumns = `a.id, a.fingerprint, a.channel_id, a.message_id, a.file_id, a.size_bytes, a.mime_type, a.original_name, a.transport_used, a.created_at, a.original_path, a.metadata`

const (
	sqlInsertAsset = `
INSERT INTO assets (fingerprint, channel_id, message_id, file_id, size_bytes, mime_type, original_name, transport_used, original_path, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id, created_at`
	sqlAssetByFingerprint = `SELECT ` + assetColumns + ` FROM assets a WHERE a.fingerprint=$1`
	sqlAssetByID          = `SELECT ` + assetColumns + ` FROM assets a WHERE a.id=$1`
	sqlAssetTotals        = `SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM assets`
	sqlAlbumTotal         = `SELECT COUNT(*) FROM albums`
	sqlAssetsByTransport  = `SELECT transport_used, COUNT(*) FROM assets GROUP BY transport_used`
	sqlLocalCopies        = `SELECT ` + assetColumns + ` FROM assets a WHERE a.original_path <> '' ORDER BY a.id`
	sqlDBSize             = `SELECT pg_database_size(current_database())`
)

// AssetRepo implements repository.AssetRepository using PostgreSQL.
type AssetRepo struct{ db *DB }

// NewAssetRepo constructs an asset repository.
func NewAssetRepo(db *DB) *AssetRepo { return &AssetRepo{db: db} }

// InsertAsset stores a new asset; the unique fingerprint index decides concurrent races.
func (r *AssetRepo) InsertAsset(ctx context.Context, a *model.Asset) (*model.Asset, error) {
	meta, err := repository.EncodeMetadata(a.Metadata)
	if err != nil {
		return nil, err
	}
	out := *a
	err = r.db.Pool.QueryRow(ctx, sqlInsertAsset,
		a.Fingerprint, a.Remote.ChannelID, a.Remote.MessageID, a.Remote.FileID,
		a.SizeBytes, a.MIMEType, a.OriginalName, string(a.TransportUsed), a.OriginalPath, meta,
	).Scan(&out.ID, &out.CreatedAt)
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
	a, err := scanAsset(r.db.Pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return a, nil
}

// ListAssets returns filtered assets, newest first.
func (r *AssetRepo) ListAssets(ctx context.Context, f model.ListFilter) ([]model.Asset, error) {
	f = f.Normalize()
	q := repository.BuildAssetQuery(f, func(n int) string { return fmt.Sprintf("$%d", n) }, "ILIKE")
	n := len(q.Args)
	sql := `SELECT ` + assetColumns + ` FROM assets a` + q.Join + q.Where +
		fmt.Sprintf(` ORDER BY a.id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args := append(q.Args, f.Limit, f.Offset)
	return r.scanMany(ctx, sql, args, f.Limit)
}

// ListLocalCopies returns assets uploaded from a local file, oldest first.
func (r *AssetRepo) ListLocalCopies(ctx context.Context) ([]model.Asset, error) {
	return r.scanMany(ctx, sqlLocalCopies, nil, 0)
}

func (r *AssetRepo) scanMany(ctx context.Context, sql string, args []any, capHint int) ([]model.Asset, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := make([]model.Asset, 0, capHint)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Stats returns catalog totals from a single snapshot.
func (r *AssetRepo) Stats(ctx context.Context) (st model.Stats, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.Stats{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if err = tx.QueryRow(ctx, sqlAssetTotals).Scan(&st.TotalAssets, &st.TotalBytes); err != nil {
		return model.Stats{}, mapErr(err)
	}
	if err = tx.QueryRow(ctx, sqlAlbumTotal).Scan(&st.Albums); err != nil {
		return model.Stats{}, mapErr(err)
	}
	rows, err := tx.Query(ctx, sqlAssetsByTransport)
	if err != nil {
		return model.Stats{}, mapErr(err)
	}
	defer rows.Close()

	st.ByTransport = make(map[model.Profile]int64, 2)
	for rows.Next() {
		var (
			p string
			n int64
		)
		if err = rows.Scan(&p, &n); err != nil {
			return model.Stats{}, err
		}
		st.ByTransport[model.Profile(p)] = n
	}
	if err = rows.Err(); err != nil {
		return model.Stats{}, err
	}
	rows.Close()
	if err = tx.QueryRow(ctx, sqlDBSize).Scan(&st.DBSizeBytes); err != nil {
		return model.Stats{}, mapErr(err)
	}
	return st, nil
}

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var (
		a         model.Asset
		transport string
		meta      string
	)
	if err := row.Scan(&a.ID, &a.Fingerprint, &a.Remote.ChannelID, &a.Remote.MessageID, &a.Remote.FileID,
		&a.SizeBytes, &a.MIMEType, &a.OriginalName, &transport, &a.CreatedAt, &a.OriginalPath, &meta); err != nil {
		return nil, err
	}
	p, err := model.ParseProfile(transport)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w: %v", a.ID, errs.ErrCorruptIndex, err)
	}
	a.TransportUsed = p
	if a.Metadata, err = repository.DecodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("asset %d: %w", a.ID, err)
	}
	return &a, nil
}
