package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
)

// fakeTransport keeps uploaded objects in memory.
type fakeTransport struct {
	profile  model.Profile
	max      int64
	ranges   bool
	mu       sync.Mutex
	objects  map[int][]byte
	nextID   int
	uploads  int
	failNext int // transient failures to inject before succeeding
	dlErr    error
	lastRng  *model.ByteRange
	closed   bool
}

var _ Transport = (*fakeTransport)(nil)

func newFake(p model.Profile, max int64, ranges bool) *fakeTransport {
	return &fakeTransport{profile: p, max: max, ranges: ranges, objects: map[int][]byte{}}
}

func (f *fakeTransport) Profile() model.Profile { return f.profile }
func (f *fakeTransport) MaxObjectSize() int64   { return f.max }
func (f *fakeTransport) SupportsRange() bool    { return f.ranges }
func (f *fakeTransport) Close() error           { f.closed = true; return nil }

func (f *fakeTransport) Upload(_ context.Context, obj Object) (model.RemoteRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.failNext > 0 {
		f.failNext--
		return model.RemoteRef{}, fmt.Errorf("%w: injected", errs.ErrTransportIO)
	}
	rc, err := obj.Open()
	if err != nil {
		return model.RemoteRef{}, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return model.RemoteRef{}, err
	}
	f.nextID++
	f.objects[f.nextID] = b
	return model.RemoteRef{ChannelID: -100, MessageID: f.nextID, FileID: fmt.Sprintf("%s-%d", f.profile, f.nextID)}, nil
}

func (f *fakeTransport) Download(_ context.Context, ref model.RemoteRef, rng *model.ByteRange) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRng = rng
	if f.dlErr != nil {
		return nil, f.dlErr
	}
	b, ok := f.objects[ref.MessageID]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: no message %d", errs.ErrTransportIO, ref.MessageID))
	}
	if rng != nil && f.ranges {
		r := rng.Clamp(int64(len(b)))
		b = b[r.Start:r.End]
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func bytesObject(name string, b []byte) Object {
	return Object{
		Name:     name,
		MIMEType: "application/octet-stream",
		Size:     int64(len(b)),
		Open:     func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil },
	}
}

// sizedObject claims a size without carrying the bytes.
func sizedObject(size int64) Object {
	return Object{
		Name: "big.bin",
		Size: size,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("x"))), nil },
	}
}
