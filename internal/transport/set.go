package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
)

// SetOptions configures a Set.
type SetOptions struct {
	Light  Factory
	Full   Factory
	Retry  RetryPolicy
	Logger *zap.Logger
}

// Set selects a transport per call from whatever credentials are configured
// at that moment.
type Set struct {
	src      CredentialsSource
	newLight Factory
	newFull  Factory
	retry    RetryPolicy
	logger   *zap.Logger

	mu    sync.Mutex
	built bool
	creds Credentials
	light Transport
	full  Transport
}

// NewSet constructs a selector. A nil factory leaves that profile unavailable.
func NewSet(src CredentialsSource, opts SetOptions) *Set {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		src:      src,
		newLight: opts.Light,
		newFull:  opts.Full,
		retry:    opts.Retry,
		logger:   logger.Named("transport"),
	}
}

// current returns the clients for the current credentials, rebuilding them
// when the credentials changed since the last call.
func (s *Set) current() (light, full Transport) {
	creds := s.src.Credentials()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built && creds == s.creds {
		return s.light, s.full
	}

	closeTransport(s.light)
	closeTransport(s.full)
	s.light, s.full = nil, nil

	if creds.LightConfigured() && s.newLight != nil {
		t, err := s.newLight(creds)
		if err != nil {
			s.logger.Warn("light transport unavailable", zap.Error(err))
		} else {
			s.light = t
		}
	}
	if creds.FullConfigured() && s.newFull != nil {
		t, err := s.newFull(creds)
		if err != nil {
			s.logger.Warn("full transport unavailable", zap.Error(err))
		} else {
			s.full = t
		}
	}
	s.creds, s.built = creds, true
	s.logger.Info("transports configured",
		zap.Bool("light", s.light != nil),
		zap.Bool("full", s.full != nil),
	)
	return s.light, s.full
}

// closeTransport releases clients holding connections between calls. The
// full client opens a session per call and has nothing to release.
func closeTransport(t Transport) {
	if c, ok := t.(io.Closer); ok {
		_ = c.Close()
	}
}

// Close releases the current clients. The next call rebuilds them.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeTransport(s.light)
	closeTransport(s.full)
	s.light, s.full = nil, nil
	s.built = false
	return nil
}

// AvailableProfiles lists the profiles usable right now.
func (s *Set) AvailableProfiles() []model.Profile {
	light, full := s.current()
	var out []model.Profile
	if light != nil {
		out = append(out, model.ProfileLight)
	}
	if full != nil {
		out = append(out, model.ProfileFull)
	}
	return out
}

// MaxObjectSize is the largest object any configured transport accepts.
func (s *Set) MaxObjectSize() int64 {
	light, full := s.current()
	switch {
	case full != nil:
		return full.MaxObjectSize()
	case light != nil:
		return light.MaxObjectSize()
	default:
		return 0
	}
}

// Upload sends obj through light when it fits and light is configured,
// otherwise through full.
func (s *Set) Upload(ctx context.Context, obj Object) (model.RemoteRef, model.Profile, error) {
	light, full := s.current()

	t := full
	if light != nil && obj.Size <= light.MaxObjectSize() {
		t = light
	}
	if t == nil {
		return model.RemoteRef{}, "", fmt.Errorf("%w: object of %d bytes needs the full profile: set api_id and api_hash",
			errs.ErrTransportUnavailable, obj.Size)
	}
	if obj.Size > t.MaxObjectSize() {
		return model.RemoteRef{}, "", fmt.Errorf("%w: object of %d bytes exceeds the %s ceiling of %d",
			errs.ErrInvalidInput, obj.Size, t.Profile(), t.MaxObjectSize())
	}

	var ref model.RemoteRef
	err := Retry(ctx, s.retry, func() error {
		var err error
		ref, err = t.Upload(ctx, obj)
		if err != nil && IsTransient(err) {
			s.logger.Debug("upload attempt failed", zap.String("profile", string(t.Profile())), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return model.RemoteRef{}, t.Profile(), err
	}
	return ref, t.Profile(), nil
}

// Download opens the asset through the recorded profile, falling back to the
// other eligible profile on a transport failure. A range on a transport
// without range support is served by clipping the full object locally.
func (s *Set) Download(ctx context.Context, a model.Asset, rng *model.ByteRange) (io.ReadCloser, model.Profile, error) {
	light, full := s.current()

	var candidates []Transport
	for _, t := range order(a.TransportUsed, light, full) {
		if t != nil && a.SizeBytes <= t.MaxObjectSize() {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: no configured transport can read %d bytes (recorded %s); set api_id and api_hash",
			errs.ErrTransportUnavailable, a.SizeBytes, a.TransportUsed)
	}

	var lastErr error
	for i, t := range candidates {
		rc, err := s.open(ctx, t, a, rng)
		if err == nil {
			if i > 0 {
				s.logger.Warn("download fell back",
					zap.Int64("asset_id", a.ID),
					zap.String("from", string(candidates[0].Profile())),
					zap.String("to", string(t.Profile())),
				)
			}
			return rc, t.Profile(), nil
		}
		if ctx.Err() != nil || !errors.Is(err, errs.ErrTransportIO) {
			return nil, t.Profile(), err
		}
		s.logger.Warn("download failed", zap.Int64("asset_id", a.ID),
			zap.String("profile", string(t.Profile())), zap.Error(err))
		lastErr = err
	}
	return nil, "", lastErr
}

func (s *Set) open(ctx context.Context, t Transport, a model.Asset, rng *model.ByteRange) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := Retry(ctx, s.retry, func() error {
		var err error
		if t.SupportsRange() {
			rc, err = t.Download(ctx, a.Remote, rng)
		} else {
			rc, err = t.Download(ctx, a.Remote, nil)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if rng == nil || t.SupportsRange() {
		return rc, nil
	}
	r := rng.Clamp(a.SizeBytes)
	if r.IsWhole(a.SizeBytes) {
		return rc, nil
	}
	return clip(rc, r)
}

// History replays the channel through the full transport.
func (s *Set) History(ctx context.Context, afterMessageID, limit int) ([]model.RemoteMessage, error) {
	_, full := s.current()
	hr, ok := full.(HistoryReader)
	if full == nil || !ok {
		return nil, fmt.Errorf("%w: reading channel history needs the full profile: set api_id and api_hash",
			errs.ErrTransportUnavailable)
	}
	var out []model.RemoteMessage
	err := Retry(ctx, s.retry, func() error {
		var err error
		out, err = hr.History(ctx, afterMessageID, limit)
		return err
	})
	return out, err
}

// Fetch downloads a whole remote object by reference and size, for callers
// that have no Index row yet.
func (s *Set) Fetch(ctx context.Context, ref model.RemoteRef, size int64) (io.ReadCloser, error) {
	rc, _, err := s.Download(ctx, model.Asset{Remote: ref, SizeBytes: size, TransportUsed: model.ProfileFull}, nil)
	return rc, err
}

func order(recorded model.Profile, light, full Transport) []Transport {
	if recorded == model.ProfileLight {
		return []Transport{light, full}
	}
	return []Transport{full, light}
}

type clipped struct {
	io.Reader
	io.Closer
}

// clip skips to r.Start and limits the stream to r.Len bytes.
func clip(rc io.ReadCloser, r model.ByteRange) (io.ReadCloser, error) {
	if r.Start > 0 {
		if _, err := io.CopyN(io.Discard, rc, r.Start); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("%w: skip to offset %d: %v", errs.ErrTransportIO, r.Start, err)
		}
	}
	return clipped{Reader: io.LimitReader(rc, r.Len()), Closer: rc}, nil
}
