package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/televault/internal/cache"
	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/repository"
)

// AssetStream is an open read of an asset or a range of it. Bytes are pulled
// from the channel as the caller reads; Close must always be called.
type AssetStream struct {
	io.ReadCloser
	Asset   model.Asset
	Range   model.ByteRange // resolved, closed range being served
	Profile model.Profile   // transport serving the bytes; "" for an empty range
}

// DownloadService defines read access to stored assets.
type DownloadService interface {
	// FetchAsset opens the asset, or the given range of it when rng is non-nil.
	FetchAsset(ctx context.Context, id int64, rng *model.ByteRange) (*AssetStream, error)
	// FetchToFile writes the whole asset into dir and returns the file path.
	FetchToFile(ctx context.Context, id int64, dir string) (string, error)
	// ReadAt returns up to length bytes starting at offset.
	ReadAt(ctx context.Context, id int64, offset, length int64) ([]byte, error)
}

type DownloadServiceImpl struct {
	index     repository.AssetRepository
	transport Downloader
	cache     *cache.Cache
	logger    *zap.Logger
}

var _ DownloadService = (*DownloadServiceImpl)(nil)

// NewDownloadService wires the read path. A nil cache sends every ReadAt to the transport.
func NewDownloadService(index repository.AssetRepository, tr Downloader, c *cache.Cache, logger *zap.Logger) *DownloadServiceImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadServiceImpl{index: index, transport: tr, cache: c, logger: logger.Named("download")}
}

// FetchAsset resolves rng against the asset size: an end past the object is
// clamped, a start at or past the end yields an empty stream.
func (s *DownloadServiceImpl) FetchAsset(ctx context.Context, id int64, rng *model.ByteRange) (*AssetStream, error) {
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
	}
	a, err := s.index.GetAsset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", id, err)
	}

	resolved := model.ClosedRange(0, a.SizeBytes)
	var want *model.ByteRange
	if rng != nil {
		resolved = rng.Clamp(a.SizeBytes)
		if !resolved.IsWhole(a.SizeBytes) {
			want = &resolved
		}
	}
	if resolved.Len() == 0 {
		return &AssetStream{ReadCloser: io.NopCloser(strings.NewReader("")), Asset: *a, Range: resolved}, nil
	}

	rc, profile, err := s.transport.Download(ctx, *a, want)
	if err != nil {
		downloadsTotal.WithLabelValues(string(profile), outcomeFailed).Inc()
		s.logger.Error("download failed", zap.Int64("asset_id", id), zap.Stringer("range", resolved), zap.Error(err))
		return nil, err
	}
	downloadsTotal.WithLabelValues(string(profile), outcomeOK).Inc()
	if profile != a.TransportUsed {
		transportFallbacksTotal.Inc()
	}
	s.logger.Debug("streaming",
		zap.Int64("asset_id", id),
		zap.Stringer("range", resolved),
		zap.String("profile", string(profile)),
	)
	return &AssetStream{ReadCloser: countingReader{rc}, Asset: *a, Range: resolved, Profile: profile}, nil
}

// FetchToFile streams the asset into dir under its original name, or under
// name-N.ext when that is taken. Existing files are never replaced and nothing
// is left behind when the copy fails.
func (s *DownloadServiceImpl) FetchToFile(ctx context.Context, id int64, dir string) (path string, err error) {
	st, err := s.FetchAsset(ctx, id, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = st.Close() }()

	name := filepath.Base(st.Asset.OriginalName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = fmt.Sprintf("asset-%d", id)
	}
	tmp, err := os.CreateTemp(dir, ".televault-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, st)
	if err != nil {
		return "", fmt.Errorf("asset %d: %w", id, err)
	}
	if n != st.Asset.SizeBytes {
		return "", fmt.Errorf("asset %d: %w: got %d of %d bytes", id, errs.ErrTransportIO, n, st.Asset.SizeBytes)
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	path, err = linkUnique(tmp.Name(), dir, name)
	if err != nil {
		return "", err
	}
	_ = os.Remove(tmp.Name())
	return path, nil
}

const maxNameAttempts = 1000

// linkUnique gives src a second name in dir that did not exist before.
func linkUnique(src, dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		err := os.Link(src, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free name for %s in %s", errs.ErrConflict, name, dir)
}

// ReadAt serves a block through the cache when one is configured.
func (s *DownloadServiceImpl) ReadAt(ctx context.Context, id int64, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("%w: read of %d bytes at %d", errs.ErrInvalidInput, length, offset)
	}
	a, err := s.index.GetAsset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", id, err)
	}
	r := model.ClosedRange(offset, offset+length).Clamp(a.SizeBytes)
	if r.Len() == 0 {
		return []byte{}, nil
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		st, err := s.FetchAsset(ctx, id, &r)
		if err != nil {
			return nil, err
		}
		defer func() { _ = st.Close() }()
		b, err := io.ReadAll(st)
		if err != nil {
			return nil, err
		}
		if int64(len(b)) != r.Len() {
			return nil, fmt.Errorf("asset %d %s: %w: got %d bytes", id, r, errs.ErrTransportIO, len(b))
		}
		return b, nil
	}
	if s.cache == nil {
		return fetch(ctx)
	}
	return s.cache.GetOrFetch(ctx, cache.Key{AssetID: id, Start: r.Start, End: r.End}, fetch)
}
