// Package sqlitedb is the embedded single-file implementation of the index
// repositories. It is the default backend: no server, one file next to the
// config, WAL journaling so listings never block uploads.
package sqlitedb

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/and161185/televault/internal/errs"
)

// Config holds the parameters for opening the index file.
type Config struct {
	// Path of the database file; created if missing. The schema is applied
	// separately by migrate.Up.
	Path string
	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DB is a pool of connections to one index file.
type DB struct {
	pool   *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// Open creates the connection pool. Connections are prepared lazily on first use.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: index path is required", errs.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", cfg.Path, mapErr(err))
	}
	logger.Info("index opened", zap.String("path", cfg.Path), zap.Int("pool_size", size))
	return &DB{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close waits for borrowed connections and closes the pool.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		db.logger.Error("index close", zap.String("path", db.path), zap.Error(err))
		return fmt.Errorf("close index %s: %w", db.path, err)
	}
	return nil
}

// with borrows a connection for the duration of fn. The connection is
// interrupted when ctx is done.
func (db *DB) with(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take index connection: %w", err)
	}
	defer db.pool.Put(conn)
	return fn(conn)
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("%s: %w", p, mapErr(err))
		}
	}
	return nil
}

// Index bundles the SQLite repositories into one catalog handle.
type Index struct {
	*AssetRepo
	*AlbumRepo
	*SyncStateRepo
	db *DB
}

// NewIndex constructs the catalog over an open pool.
func NewIndex(db *DB) *Index {
	return &Index{
		AssetRepo:     &AssetRepo{db: db},
		AlbumRepo:     &AlbumRepo{db: db},
		SyncStateRepo: &SyncStateRepo{db: db},
		db:            db,
	}
}

// Close closes the pool.
func (i *Index) Close() error { return i.db.Close() }

func isUniqueViolation(err error) bool {
	c := sqlite.ErrCode(err)
	return c == sqlite.ResultConstraintUnique || c == sqlite.ResultConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.ResultConstraintForeignKey
}

// Pool preparation errors may lose their result code, so the text is checked too.
var corruptMarkers = []string{"no such table", "no such column", "file is not a database", "malformed"}

// mapErr translates damaged-file and missing-schema failures into errs.ErrCorruptIndex.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultCorrupt, sqlite.ResultNotADB:
		return fmt.Errorf("%w: %v", errs.ErrCorruptIndex, err)
	}
	msg := err.Error()
	for _, marker := range corruptMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", errs.ErrCorruptIndex, err)
		}
	}
	return err
}

func unixTime(v int64) time.Time { return time.Unix(v, 0).UTC() }

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }
