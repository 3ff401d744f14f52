package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/limiter"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/repository"
	"github.com/and161185/televault/internal/transport"
)

// fakeIndex is an in-memory repository.Index with a unique fingerprint.
type fakeIndex struct {
	mu      sync.Mutex
	nextID  int64
	assets  map[int64]model.Asset
	byFP    map[string]int64
	albums  map[string]*model.Album
	members map[int64]map[int64]bool
	cursor  int

	// beforeInsert runs inside InsertAsset before the uniqueness check.
	beforeInsert func(a *model.Asset)
	inserts      atomic.Int32
	cursorWrites []int
}

var _ repository.Index = (*fakeIndex)(nil)

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		assets:  map[int64]model.Asset{},
		byFP:    map[string]int64{},
		albums:  map[string]*model.Album{},
		members: map[int64]map[int64]bool{},
	}
}

func (f *fakeIndex) FindByFingerprint(_ context.Context, fp string) (*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byFP[fp]
	if !ok {
		return nil, errs.ErrNotFound
	}
	a := f.assets[id]
	return &a, nil
}

func (f *fakeIndex) InsertAsset(_ context.Context, a *model.Asset) (*model.Asset, error) {
	if f.beforeInsert != nil {
		f.beforeInsert(a)
	}
	f.inserts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byFP[a.Fingerprint]; ok {
		return nil, errs.ErrConflict
	}
	f.nextID++
	out := *a
	out.ID = f.nextID
	out.CreatedAt = time.Now()
	f.assets[out.ID] = out
	f.byFP[out.Fingerprint] = out.ID
	return &out, nil
}

// seed stores a row directly, as another process would.
func (f *fakeIndex) seed(a model.Asset) model.Asset {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = f.nextID
	f.assets[a.ID] = a
	f.byFP[a.Fingerprint] = a.ID
	return a
}

func (f *fakeIndex) GetAsset(_ context.Context, id int64) (*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (f *fakeIndex) ListAssets(_ context.Context, flt model.ListFilter) ([]model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Asset
	for _, a := range f.assets {
		if flt.MIMECategory != "" && !strings.HasPrefix(a.MIMEType, strings.TrimSuffix(flt.MIMEPattern(), "%")) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeIndex) ListLocalCopies(_ context.Context) ([]model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Asset
	for _, a := range f.assets {
		if a.OriginalPath != "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeIndex) Stats(_ context.Context) (model.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := model.Stats{ByTransport: map[model.Profile]int64{}, Albums: int64(len(f.albums))}
	for _, a := range f.assets {
		st.TotalAssets++
		st.TotalBytes += a.SizeBytes
		st.ByTransport[a.TransportUsed]++
	}
	return st, nil
}

func (f *fakeIndex) CreateOrGetAlbum(_ context.Context, name, description string) (*model.Album, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if al, ok := f.albums[name]; ok {
		c := *al
		return &c, nil
	}
	al := &model.Album{ID: int64(len(f.albums) + 1), Name: name, Description: description, CreatedAt: time.Now()}
	f.albums[name] = al
	c := *al
	return &c, nil
}

func (f *fakeIndex) GetAlbumByName(_ context.Context, name string) (*model.Album, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	al, ok := f.albums[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *al
	return &c, nil
}

func (f *fakeIndex) AddToAlbum(_ context.Context, albumID, assetID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assets[assetID]; !ok {
		return errs.ErrNotFound
	}
	if f.members[albumID] == nil {
		f.members[albumID] = map[int64]bool{}
	}
	f.members[albumID][assetID] = true
	return nil
}

func (f *fakeIndex) ListAlbums(_ context.Context) ([]model.Album, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Album
	for _, al := range f.albums {
		c := *al
		c.AssetCount = int64(len(f.members[al.ID]))
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeIndex) albumSize(album string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	al, ok := f.albums[album]
	if !ok {
		return 0
	}
	return len(f.members[al.ID])
}

func (f *fakeIndex) RebuildCursor(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, nil
}

func (f *fakeIndex) SetRebuildCursor(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = id
	f.cursorWrites = append(f.cursorWrites, id)
	return nil
}

func (f *fakeIndex) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assets)
}

func (f *fakeIndex) Close() error { return nil }

type fakeLimiter struct {
	calls atomic.Int32
	err   error
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.calls.Add(1)
	if l.err != nil {
		return l.err
	}
	return ctx.Err()
}

// fakeRemote plays the channel: it stores uploaded bytes by message id and
// picks profiles by size like transport.Set.
type fakeRemote struct {
	mu        sync.Mutex
	nextMsg   int
	objects   map[int][]byte
	captions  map[int]string
	fullReady bool

	uploads   atomic.Int32
	downloads atomic.Int32
	fetches   atomic.Int32

	uploadErr   error
	failNames   map[string]error // per object name, checked after the gate
	gate        chan struct{} // blocks Upload until closed when non-nil
	onUpload    func()
	downloadErr error
	served      model.Profile // overrides the serving profile when set
	lastRange   *model.ByteRange
}

var (
	_ Uploader   = (*fakeRemote)(nil)
	_ Downloader = (*fakeRemote)(nil)
	_ Replayer   = (*fakeRemote)(nil)
)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: map[int][]byte{}, captions: map[int]string{}, fullReady: true}
}

func (r *fakeRemote) Upload(ctx context.Context, obj transport.Object) (model.RemoteRef, model.Profile, error) {
	r.uploads.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return model.RemoteRef{}, "", ctx.Err()
		}
	}
	if r.onUpload != nil {
		r.onUpload()
	}
	if r.uploadErr != nil {
		return model.RemoteRef{}, "", r.uploadErr
	}
	if err := r.failNames[obj.Name]; err != nil {
		return model.RemoteRef{}, "", err
	}
	profile := model.ProfileLight
	if obj.Size > transport.LightMaxObjectSize {
		if !r.fullReady {
			return model.RemoteRef{}, "", fmt.Errorf("%w: set api_id and api_hash", errs.ErrTransportUnavailable)
		}
		profile = model.ProfileFull
	}
	rc, err := obj.Open()
	if err != nil {
		return model.RemoteRef{}, "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return model.RemoteRef{}, "", err
	}
	if int64(len(b)) != obj.Size {
		return model.RemoteRef{}, "", fmt.Errorf("object %s: read %d of %d", obj.Name, len(b), obj.Size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextMsg++
	r.objects[r.nextMsg] = b
	r.captions[r.nextMsg] = obj.Caption
	return model.RemoteRef{ChannelID: -1001, MessageID: r.nextMsg, FileID: fmt.Sprintf("file-%d", r.nextMsg)}, profile, nil
}

func (r *fakeRemote) put(b []byte, caption string) model.RemoteRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextMsg++
	r.objects[r.nextMsg] = b
	r.captions[r.nextMsg] = caption
	return model.RemoteRef{ChannelID: -1001, MessageID: r.nextMsg, FileID: fmt.Sprintf("file-%d", r.nextMsg)}
}

func (r *fakeRemote) Download(_ context.Context, a model.Asset, rng *model.ByteRange) (io.ReadCloser, model.Profile, error) {
	r.downloads.Add(1)
	if r.downloadErr != nil {
		return nil, "", r.downloadErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.objects[a.Remote.MessageID]
	if !ok {
		return nil, "", fmt.Errorf("%w: message %d", errs.ErrTransportIO, a.Remote.MessageID)
	}
	r.lastRange = rng
	if rng != nil {
		c := rng.Clamp(int64(len(b)))
		b = b[c.Start:c.End]
	}
	profile := a.TransportUsed
	if r.served != "" {
		profile = r.served
	}
	return io.NopCloser(bytes.NewReader(b)), profile, nil
}

func (r *fakeRemote) History(_ context.Context, after, limit int) ([]model.RemoteMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for id := range r.objects {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.RemoteMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.RemoteMessage{
			Ref:      model.RemoteRef{ChannelID: -1001, MessageID: id, FileID: fmt.Sprintf("file-%d", id)},
			Caption:  r.captions[id],
			FileName: fmt.Sprintf("doc-%d.bin", id),
			Size:     int64(len(r.objects[id])),
		})
	}
	return out, nil
}

func (r *fakeRemote) Fetch(_ context.Context, ref model.RemoteRef, _ int64) (io.ReadCloser, error) {
	r.fetches.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.objects[ref.MessageID]
	if !ok {
		return nil, fmt.Errorf("%w: message %d", errs.ErrTransportIO, ref.MessageID)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
