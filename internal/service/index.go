package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/repository"
	"github.com/and161185/televault/internal/transport"
)

// DefaultRebuildBatch is the number of history messages replayed per cursor step.
const DefaultRebuildBatch = 100

var mimeCategories = map[string]bool{
	"image":       true,
	"video":       true,
	"audio":       true,
	"text":        true,
	"application": true,
}

// IndexService defines catalog queries, albums and recovery from the channel.
type IndexService interface {
	ListAssets(ctx context.Context, f model.ListFilter) ([]model.Asset, error)
	GetAsset(ctx context.Context, id int64) (*model.Asset, error)
	CreateAlbum(ctx context.Context, name, description string) (*model.Album, error)
	// AddToAlbum links an asset to the named album, creating the album if needed.
	AddToAlbum(ctx context.Context, album string, assetID int64) error
	ListAlbums(ctx context.Context) ([]model.Album, error)
	Stats(ctx context.Context) (model.Stats, error)
	// RebuildFromRemote replays channel history from the stored cursor and
	// restores rows for every document not yet indexed.
	RebuildFromRemote(ctx context.Context) (model.RebuildReport, error)
	// CleanupLocal deletes local source files whose content is safely stored.
	CleanupLocal(ctx context.Context) (model.CleanupReport, error)
}

type IndexServiceImpl struct {
	index  repository.Index
	remote Replayer
	batch  int
	logger *zap.Logger
}

var _ IndexService = (*IndexServiceImpl)(nil)

// NewIndexService wires catalog operations. remote may be nil when rebuilds are not needed.
func NewIndexService(index repository.Index, remote Replayer, batch int, logger *zap.Logger) *IndexServiceImpl {
	if batch <= 0 {
		batch = DefaultRebuildBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexServiceImpl{index: index, remote: remote, batch: batch, logger: logger.Named("index")}
}

// ListAssets validates the filter and delegates to the index.
func (s *IndexServiceImpl) ListAssets(ctx context.Context, f model.ListFilter) ([]model.Asset, error) {
	if f.Offset < 0 || f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", errs.ErrInvalidInput)
	}
	f = f.Normalize()
	if c := f.MIMECategory; c != "" && !strings.Contains(c, "/") && !mimeCategories[c] {
		return nil, fmt.Errorf("%w: unknown mime category %q", errs.ErrInvalidInput, c)
	}
	return s.index.ListAssets(ctx, f)
}

func (s *IndexServiceImpl) GetAsset(ctx context.Context, id int64) (*model.Asset, error) {
	return s.index.GetAsset(ctx, id)
}

func (s *IndexServiceImpl) CreateAlbum(ctx context.Context, name, description string) (*model.Album, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty album name", errs.ErrInvalidInput)
	}
	return s.index.CreateOrGetAlbum(ctx, name, description)
}

func (s *IndexServiceImpl) AddToAlbum(ctx context.Context, album string, assetID int64) error {
	if _, err := s.index.GetAsset(ctx, assetID); err != nil {
		return fmt.Errorf("asset %d: %w", assetID, err)
	}
	al, err := s.CreateAlbum(ctx, album, "")
	if err != nil {
		return err
	}
	return s.index.AddToAlbum(ctx, al.ID, assetID)
}

func (s *IndexServiceImpl) ListAlbums(ctx context.Context) ([]model.Album, error) {
	return s.index.ListAlbums(ctx)
}

func (s *IndexServiceImpl) Stats(ctx context.Context) (model.Stats, error) {
	return s.index.Stats(ctx)
}

// RebuildFromRemote stores the cursor after each batch, so an interrupted
// rebuild resumes where it stopped. Messages carrying the fingerprint marker
// are restored without downloading; others are hashed by streaming them.
func (s *IndexServiceImpl) RebuildFromRemote(ctx context.Context) (model.RebuildReport, error) {
	var rep model.RebuildReport
	if s.remote == nil {
		return rep, fmt.Errorf("%w: no channel transport configured", errs.ErrTransportUnavailable)
	}
	cursor, err := s.index.RebuildCursor(ctx)
	if err != nil {
		return rep, err
	}
	rep.LastMessageID = cursor
	s.logger.Info("rebuild started", zap.Int("cursor", cursor))

	for {
		msgs, err := s.remote.History(ctx, cursor, s.batch)
		if err != nil {
			return rep, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if err := s.restore(ctx, m, &rep); err != nil {
				return rep, err
			}
			if m.Ref.MessageID > cursor {
				cursor = m.Ref.MessageID
			}
		}
		if err := s.index.SetRebuildCursor(ctx, cursor); err != nil {
			return rep, err
		}
		rep.LastMessageID = cursor
		s.logger.Debug("rebuild batch", zap.Int("cursor", cursor), zap.Int("messages", len(msgs)))
		if len(msgs) < s.batch {
			break
		}
	}

	s.logger.Info("rebuild finished",
		zap.Int("scanned", rep.Scanned),
		zap.Int("recovered", rep.Recovered),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Int("cursor", rep.LastMessageID),
	)
	return rep, nil
}

// restore handles one message. Only errors that make the whole pass pointless
// are returned; the rest are counted as failed.
func (s *IndexServiceImpl) restore(ctx context.Context, m model.RemoteMessage, rep *model.RebuildReport) error {
	rep.Scanned++
	log := s.logger.With(zap.Int("message_id", m.Ref.MessageID))

	fatal := func(err error) bool {
		return ctx.Err() != nil || errors.Is(err, errs.ErrCorruptIndex) || errors.Is(err, errs.ErrTransportUnavailable)
	}

	if m.Size <= 0 {
		rep.Failed++
		log.Warn("skipping empty document")
		return nil
	}

	fp, ok := parseCaption(m.Caption)
	if !ok {
		var err error
		if fp, err = s.hashRemote(ctx, m); err != nil {
			if fatal(err) {
				return err
			}
			rep.Failed++
			log.Warn("cannot hash document", zap.Error(err))
			return nil
		}
	}

	_, err := s.index.FindByFingerprint(ctx, fp)
	switch {
	case err == nil:
		rep.Skipped++
		return nil
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	mimeType := m.MIMEType
	if mimeType == "" {
		mimeType = detectMIME(m.FileName, nil)
	}
	name := m.FileName
	if name == "" {
		name = fmt.Sprintf("message-%d", m.Ref.MessageID)
	}
	_, err = s.index.InsertAsset(ctx, &model.Asset{
		Fingerprint:   fp,
		Remote:        m.Ref,
		SizeBytes:     m.Size,
		MIMEType:      mimeType,
		OriginalName:  name,
		TransportUsed: profileForSize(m.Size),
	})
	switch {
	case err == nil:
		rep.Recovered++
		rebuildRecoveredTotal.Inc()
		return nil
	case errors.Is(err, errs.ErrConflict):
		rep.Skipped++
		return nil
	case fatal(err):
		return err
	default:
		rep.Failed++
		log.Warn("cannot restore document", zap.Error(err))
		return nil
	}
}

// CleanupLocal walks every asset that recorded its source path and removes the
// file when it still holds exactly the stored content. Files that changed since
// upload are kept and counted; per-file errors do not stop the pass.
func (s *IndexServiceImpl) CleanupLocal(ctx context.Context) (model.CleanupReport, error) {
	var rep model.CleanupReport
	assets, err := s.index.ListLocalCopies(ctx)
	if err != nil {
		return rep, err
	}
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := s.logger.With(zap.Int64("asset_id", a.ID), zap.String("path", a.OriginalPath))
		removed, err := removeIfStored(a)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			rep.Missing++
		case errors.Is(err, errLocalChanged):
			rep.Changed++
			log.Info("local copy changed, kept")
		case err != nil:
			rep.Failures = append(rep.Failures, model.FileFailure{Path: a.OriginalPath, Err: err})
			log.Warn("cleanup failed", zap.Error(err))
		case removed:
			rep.Removed++
			rep.FreedBytes += a.SizeBytes
			log.Debug("local copy removed")
		}
	}
	s.logger.Info("cleanup finished",
		zap.Int("removed", rep.Removed),
		zap.Int64("freed_bytes", rep.FreedBytes),
		zap.Int("changed", rep.Changed),
		zap.Int("missing", rep.Missing),
		zap.Int("failed", len(rep.Failures)),
	)
	return rep, nil
}

var errLocalChanged = errors.New("local file differs from stored asset")

func removeIfStored(a model.Asset) (bool, error) {
	fi, err := os.Lstat(a.OriginalPath)
	if err != nil {
		return false, err
	}
	if !fi.Mode().IsRegular() || fi.Size() != a.SizeBytes {
		return false, errLocalChanged
	}
	f, err := os.Open(a.OriginalPath)
	if err != nil {
		return false, err
	}
	fp, _, _, err := digest(f, nil)
	_ = f.Close()
	if err != nil {
		return false, err
	}
	if fp != a.Fingerprint {
		return false, errLocalChanged
	}
	if err := os.Remove(a.OriginalPath); err != nil {
		return false, err
	}
	return true, nil
}

func (s *IndexServiceImpl) hashRemote(ctx context.Context, m model.RemoteMessage) (string, error) {
	rc, err := s.remote.Fetch(ctx, m.Ref, m.Size)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	fp, n, _, err := digest(rc, nil)
	if err != nil {
		return "", err
	}
	if n != m.Size {
		return "", fmt.Errorf("%w: read %d of %d bytes", errs.ErrTransportIO, n, m.Size)
	}
	return fp, nil
}

// profileForSize is the profile an upload of that size would have used.
func profileForSize(size int64) model.Profile {
	if size <= transport.LightMaxObjectSize {
		return model.ProfileLight
	}
	return model.ProfileFull
}
