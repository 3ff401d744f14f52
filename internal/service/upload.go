package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/limiter"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/repository"
	"github.com/and161185/televault/internal/transport"
)

// DefaultUploadWorkers bounds UploadDirectory concurrency.
const DefaultUploadWorkers = 2

// Pipeline states, logged at debug for every run.
const (
	stateHashing         = "HASHING"
	stateDedupCheck      = "DEDUP_CHECK"
	stateDuplicate       = "DUPLICATE"
	stateRateLimitWait   = "RATE_LIMIT_WAIT"
	stateTransportUpload = "TRANSPORT_UPLOAD"
	stateIndexWrite      = "INDEX_WRITE"
)

// UploadOptions applies to every file of an upload call.
type UploadOptions struct {
	Album    string            // added to this album (created on demand) when set
	Caption  string            // free text stored in front of the fingerprint marker
	Metadata map[string]string // stored with new assets; duplicates keep theirs
}

// UploadService defines the upload pipeline.
type UploadService interface {
	// UploadFile stores one file, reusing the existing asset when its content is already indexed.
	UploadFile(ctx context.Context, path string, opts UploadOptions) (*model.UploadResult, error)
	// UploadStream stores the content of r under name.
	UploadStream(ctx context.Context, r io.Reader, name string, opts UploadOptions) (*model.UploadResult, error)
	// UploadDirectory stores every regular file below root and reports per-file outcomes.
	UploadDirectory(ctx context.Context, root string, opts UploadOptions) model.BatchReport
}

// UploadConfig tunes an UploadServiceImpl.
type UploadConfig struct {
	Workers int    // UploadDirectory concurrency; DefaultUploadWorkers when <= 0
	TempDir string // staging area for non-seekable streams; os.TempDir when empty
}

type UploadServiceImpl struct {
	index     repository.Index
	limiter   limiter.Limiter
	transport Uploader
	workers   int
	tempDir   string
	logger    *zap.Logger

	openFile func(name string) (*os.File, error)
	group    singleflight.Group
}

var _ UploadService = (*UploadServiceImpl)(nil)

// NewUploadService wires the pipeline over an index, a shared limiter and a transport.
func NewUploadService(index repository.Index, lim limiter.Limiter, tr Uploader, cfg UploadConfig, logger *zap.Logger) *UploadServiceImpl {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultUploadWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadServiceImpl{
		index:     index,
		limiter:   lim,
		transport: tr,
		workers:   cfg.Workers,
		tempDir:   cfg.TempDir,
		logger:    logger.Named("upload"),
		openFile:  os.Open,
	}
}

// pending is hashed content ready for the dedup check.
type pending struct {
	name        string
	path        string // absolute source path; "" for streams
	size        int64
	fingerprint string
	mimeType    string
	open        func() (io.ReadCloser, error)
}

func checkSize(name string, size int64) error {
	if size == 0 {
		return fmt.Errorf("%w: %s is empty", errs.ErrInvalidInput, name)
	}
	if size > transport.FullMaxObjectSize {
		return fmt.Errorf("%w: %s is %d bytes, over the %d byte ceiling",
			errs.ErrInvalidInput, name, size, transport.FullMaxObjectSize)
	}
	return nil
}

// UploadFile hashes the file once and runs the pipeline. The file is reopened
// for every transport attempt.
func (s *UploadServiceImpl) UploadFile(ctx context.Context, path string, opts UploadOptions) (*model.UploadResult, error) {
	log := s.logger.With(zap.String("op", newOpID()), zap.String("path", path))

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errs.ErrInvalidInput, path)
	}
	if err := checkSize(path, fi.Size()); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	log.Debug("state", zap.String("state", stateHashing))
	f, err := s.openFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fp, size, head, err := digest(f, nil)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := checkSize(path, size); err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	return s.run(ctx, log, pending{
		name:        name,
		path:        abs,
		size:        size,
		fingerprint: fp,
		mimeType:    detectMIME(name, head),
		open:        func() (io.ReadCloser, error) { return s.openFile(path) },
	}, opts)
}

// UploadStream hashes r from its current position and runs the pipeline.
// Seekable sources are rewound to that position for each attempt; others,
// pipes included, are staged to a temp file removed before return.
func (s *UploadServiceImpl) UploadStream(ctx context.Context, r io.Reader, name string, opts UploadOptions) (*model.UploadResult, error) {
	log := s.logger.With(zap.String("op", newOpID()), zap.String("name", name))
	if name == "" {
		return nil, fmt.Errorf("%w: empty object name", errs.ErrInvalidInput)
	}

	log.Debug("state", zap.String("state", stateHashing))
	if rs, base, ok := seekable(r); ok {
		fp, size, head, err := digest(io.LimitReader(rs, transport.FullMaxObjectSize+1), nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := checkSize(name, size); err != nil {
			return nil, err
		}
		return s.run(ctx, log, pending{
			name:        name,
			size:        size,
			fingerprint: fp,
			mimeType:    detectMIME(name, head),
			open: func() (io.ReadCloser, error) {
				if _, err := rs.Seek(base, io.SeekStart); err != nil {
					return nil, err
				}
				return io.NopCloser(io.LimitReader(rs, size)), nil
			},
		}, opts)
	}

	tmp, err := os.CreateTemp(s.tempDir, "televault-stage-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	staged := tmp.Name()
	defer func() { _ = os.Remove(staged) }()

	fp, size, head, err := digest(io.LimitReader(r, transport.FullMaxObjectSize+1), tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	if err := checkSize(name, size); err != nil {
		return nil, err
	}
	return s.run(ctx, log, pending{
		name:        name,
		size:        size,
		fingerprint: fp,
		mimeType:    detectMIME(name, head),
		open:        func() (io.ReadCloser, error) { return os.Open(staged) },
	}, opts)
}

// seekable reports whether r can really seek, returning its current offset.
// Pipes and terminals satisfy io.Seeker but reject Seek.
func seekable(r io.Reader) (io.ReadSeeker, int64, bool) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return nil, 0, false
	}
	off, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, false
	}
	return rs, off, true
}

// run collapses concurrent runs for the same fingerprint onto one pipeline
// pass and applies album membership per caller.
func (s *UploadServiceImpl) run(ctx context.Context, log *zap.Logger, p pending, opts UploadOptions) (*model.UploadResult, error) {
	log = log.With(zap.String("fingerprint", p.fingerprint))

	var (
		v   any
		err error
		led bool
	)
	for {
		led = false
		v, err, _ = s.group.Do(p.fingerprint, func() (any, error) {
			led = true
			return s.store(ctx, log, p, opts)
		})
		// A leader that gave up must not fail callers still willing to wait.
		if err == nil || led || !isContextErr(err) || ctx.Err() != nil {
			break
		}
		log.Debug("leader abandoned upload, retrying")
	}
	if err != nil {
		uploadsTotal.WithLabelValues(outcomeFailed).Inc()
		log.Error("upload failed", zap.Error(err))
		return nil, err
	}
	res := *v.(*model.UploadResult)
	if !led {
		res.Duplicate = true
	}

	if opts.Album != "" {
		if err := s.addToAlbum(ctx, opts.Album, res.Asset.ID); err != nil {
			uploadsTotal.WithLabelValues(outcomeFailed).Inc()
			return nil, err
		}
	}

	if res.Duplicate {
		uploadsTotal.WithLabelValues(outcomeDuplicate).Inc()
		log.Info("already stored", zap.Int64("asset_id", res.Asset.ID))
	} else {
		uploadsTotal.WithLabelValues(outcomeUploaded).Inc()
		uploadBytesTotal.Add(float64(res.Asset.SizeBytes))
		log.Info("uploaded",
			zap.Int64("asset_id", res.Asset.ID),
			zap.Int64("size", res.Asset.SizeBytes),
			zap.String("profile", string(res.Asset.TransportUsed)),
		)
	}
	return &res, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *UploadServiceImpl) store(ctx context.Context, log *zap.Logger, p pending, opts UploadOptions) (*model.UploadResult, error) {
	log.Debug("state", zap.String("state", stateDedupCheck))
	existing, err := s.index.FindByFingerprint(ctx, p.fingerprint)
	switch {
	case err == nil:
		log.Debug("state", zap.String("state", stateDuplicate))
		return &model.UploadResult{Asset: *existing, Duplicate: true}, nil
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	log.Debug("state", zap.String("state", stateRateLimitWait))
	started := time.Now()
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	rateLimitWaitSeconds.Observe(time.Since(started).Seconds())

	log.Debug("state", zap.String("state", stateTransportUpload), zap.Int64("size", p.size))
	ref, profile, err := s.transport.Upload(ctx, transport.Object{
		Name:     p.name,
		MIMEType: p.mimeType,
		Size:     p.size,
		Caption:  buildCaption(opts.Caption, p.fingerprint),
		Open:     p.open,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		log.Warn("upload finished after cancellation, message left unindexed",
			zap.Int("message_id", ref.MessageID))
		return nil, err
	}

	log.Debug("state", zap.String("state", stateIndexWrite))
	a, err := s.index.InsertAsset(ctx, &model.Asset{
		Fingerprint:   p.fingerprint,
		Remote:        ref,
		SizeBytes:     p.size,
		MIMEType:      p.mimeType,
		OriginalName:  p.name,
		OriginalPath:  p.path,
		Metadata:      opts.Metadata,
		TransportUsed: profile,
	})
	if errors.Is(err, errs.ErrConflict) {
		log.Warn("lost insert race, keeping the indexed copy", zap.Int("orphan_message_id", ref.MessageID))
		existing, ferr := s.index.FindByFingerprint(ctx, p.fingerprint)
		if ferr != nil {
			return nil, ferr
		}
		return &model.UploadResult{Asset: *existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.UploadResult{Asset: *a}, nil
}

func (s *UploadServiceImpl) addToAlbum(ctx context.Context, name string, assetID int64) error {
	al, err := s.index.CreateOrGetAlbum(ctx, name, "")
	if err != nil {
		return fmt.Errorf("album %q: %w", name, err)
	}
	if err := s.index.AddToAlbum(ctx, al.ID, assetID); err != nil {
		return fmt.Errorf("add asset %d to album %q: %w", assetID, name, err)
	}
	return nil
}

// UploadDirectory walks root and uploads every regular file with bounded
// concurrency. Item failures are reported, never returned.
func (s *UploadServiceImpl) UploadDirectory(ctx context.Context, root string, opts UploadOptions) model.BatchReport {
	var (
		mu     sync.Mutex
		report model.BatchReport
	)
	fail := func(path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Failed++
		report.Failures = append(report.Failures, model.FileFailure{Path: path, Err: err})
	}

	var g errgroup.Group
	g.SetLimit(s.workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			fail(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		g.Go(func() error {
			res, err := s.UploadFile(ctx, path, opts)
			if err != nil {
				fail(path, err)
				return nil
			}
			mu.Lock()
			if res.Duplicate {
				report.Skipped++
			} else {
				report.Uploaded++
			}
			mu.Unlock()
			return nil
		})
		return nil
	})
	_ = g.Wait()

	if walkErr != nil && !errors.Is(walkErr, ctx.Err()) {
		fail(root, walkErr)
	}
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Path < report.Failures[j].Path })

	s.logger.Info("directory upload finished",
		zap.String("root", root),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report
}

func newOpID() string { return uuid.Must(uuid.NewV4()).String() }
