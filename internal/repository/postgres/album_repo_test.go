package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/televault/internal/errs"
)

func TestAlbumRepo_CreateOrGetAlbum_Idempotent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAlbumRepo(db)
	ctx := context.Background()
	ts := time.Now().UTC()

	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta(sqlInsertAlbum)).
			WithArgs("trip", "").
			WillReturnResult(pgxmock.NewResult("INSERT", int64(1-i)))
		mock.ExpectQuery(regexp.QuoteMeta(sqlAlbumByName)).
			WithArgs("trip").
			WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at"}).
				AddRow(int64(4), "trip", "", ts))
	}

	a1, err := r.CreateOrGetAlbum(ctx, "trip", "")
	require.NoError(t, err)
	a2, err := r.CreateOrGetAlbum(ctx, "trip", "")
	require.NoError(t, err)
	require.Equal(t, a1.ID, a2.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlbumRepo_CreateOrGetAlbum_EmptyName(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	_, err := NewAlbumRepo(db).CreateOrGetAlbum(context.Background(), "", "")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestAlbumRepo_GetAlbumByName_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(sqlAlbumByName)).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err := NewAlbumRepo(db).GetAlbumByName(context.Background(), "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAlbumRepo_AddToAlbum(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAlbumRepo(db)
	ctx := context.Background()

	// second insert hits ON CONFLICT DO NOTHING: zero rows, no error
	mock.ExpectExec(regexp.QuoteMeta(sqlInsertMembership)).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(sqlInsertMembership)).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.NoError(t, r.AddToAlbum(ctx, 1, 2))
	require.NoError(t, r.AddToAlbum(ctx, 1, 2))

	mock.ExpectExec(regexp.QuoteMeta(sqlInsertMembership)).
		WithArgs(int64(1), int64(99)).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	require.ErrorIs(t, r.AddToAlbum(ctx, 1, 99), errs.ErrNotFound)
}

func TestAlbumRepo_ListAlbums(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	ts := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(sqlListAlbums)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at", "count"}).
			AddRow(int64(1), "a", "", ts, int64(3)).
			AddRow(int64(2), "b", "d", ts, int64(0)))

	out, err := NewAlbumRepo(db).ListAlbums(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(3), out[0].AssetCount)
}

func TestSyncStateRepo_Cursor(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncStateRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(sqlGetSyncState)).
		WithArgs(rebuildCursorKey).
		WillReturnError(pgx.ErrNoRows)
	c, err := r.RebuildCursor(ctx)
	require.NoError(t, err)
	require.Zero(t, c)

	mock.ExpectExec(regexp.QuoteMeta(sqlUpsertSyncState)).
		WithArgs(rebuildCursorKey, int64(120)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.SetRebuildCursor(ctx, 120))

	mock.ExpectQuery(regexp.QuoteMeta(sqlGetSyncState)).
		WithArgs(rebuildCursorKey).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(int64(120)))
	c, err = r.RebuildCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, 120, c)
}
