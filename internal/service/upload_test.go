package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/transport"
)

const (
	waitFor   = 2 * time.Second
	pollEvery = 5 * time.Millisecond
)

type uploadFixture struct {
	index  *fakeIndex
	lim    *fakeLimiter
	remote *fakeRemote
	svc    *UploadServiceImpl
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	f := &uploadFixture{index: newFakeIndex(), lim: &fakeLimiter{}, remote: newFakeRemote()}
	f.svc = NewUploadService(f.index, f.lim, f.remote, UploadConfig{TempDir: t.TempDir()}, nil)
	return f
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestUploadFile_StoresNewContent(t *testing.T) {
	f := newUploadFixture(t)
	data := []byte("hello televault")
	p := writeFile(t, t.TempDir(), "greeting.txt", data)

	res, err := f.svc.UploadFile(context.Background(), p, UploadOptions{
		Caption:  "first",
		Metadata: map[string]string{"camera": "x100"},
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, p, res.Asset.OriginalPath)
	require.Equal(t, map[string]string{"camera": "x100"}, res.Asset.Metadata)
	require.Equal(t, sha(data), res.Asset.Fingerprint)
	require.Equal(t, int64(len(data)), res.Asset.SizeBytes)
	require.Equal(t, "text/plain", res.Asset.MIMEType)
	require.Equal(t, "greeting.txt", res.Asset.OriginalName)
	require.Equal(t, model.ProfileLight, res.Asset.TransportUsed)
	require.NotZero(t, res.Asset.ID)

	require.EqualValues(t, 1, f.lim.calls.Load())
	require.EqualValues(t, 1, f.remote.uploads.Load())
	caption := f.remote.captions[res.Asset.Remote.MessageID]
	require.Equal(t, "first\ntelevault sha256:"+sha(data), caption)
}

func TestUploadFile_DuplicateSkipsLimiterAndTransport(t *testing.T) {
	f := newUploadFixture(t)
	dir := t.TempDir()
	data := bytes.Repeat([]byte("x"), 4096)
	p1 := writeFile(t, dir, "a.bin", data)
	p2 := writeFile(t, dir, "copy-of-a.bin", data)
	before := testutil.ToFloat64(uploadsTotal.WithLabelValues(outcomeDuplicate))

	first, err := f.svc.UploadFile(context.Background(), p1, UploadOptions{})
	require.NoError(t, err)
	second, err := f.svc.UploadFile(context.Background(), p2, UploadOptions{})
	require.NoError(t, err)

	require.True(t, second.Duplicate)
	require.Equal(t, first.Asset.ID, second.Asset.ID)
	require.Equal(t, "a.bin", second.Asset.OriginalName)
	require.Equal(t, 1, f.index.count())
	require.EqualValues(t, 1, f.lim.calls.Load())
	require.EqualValues(t, 1, f.remote.uploads.Load())
	require.Equal(t, before+1, testutil.ToFloat64(uploadsTotal.WithLabelValues(outcomeDuplicate)))
}

func TestUploadFile_Validation(t *testing.T) {
	f := newUploadFixture(t)
	dir := t.TempDir()

	_, err := f.svc.UploadFile(context.Background(), writeFile(t, dir, "empty", nil), UploadOptions{})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.svc.UploadFile(context.Background(), dir, UploadOptions{})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.svc.UploadFile(context.Background(), filepath.Join(dir, "missing"), UploadOptions{})
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Zero(t, f.lim.calls.Load())
	require.Zero(t, f.remote.uploads.Load())
}

func TestUploadFile_AlbumAppliedOnDuplicateToo(t *testing.T) {
	f := newUploadFixture(t)
	p := writeFile(t, t.TempDir(), "pic.png", []byte("\x89PNG\r\n\x1a\nrest"))

	_, err := f.svc.UploadFile(context.Background(), p, UploadOptions{Album: "trip"})
	require.NoError(t, err)
	res, err := f.svc.UploadFile(context.Background(), p, UploadOptions{Album: "family"})
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	require.Equal(t, 1, f.index.albumSize("trip"))
	require.Equal(t, 1, f.index.albumSize("family"))
	require.EqualValues(t, 1, f.remote.uploads.Load())
}

func TestUploadFile_LostInsertRaceReturnsWinner(t *testing.T) {
	f := newUploadFixture(t)
	data := []byte("raced content")
	var winner model.Asset
	f.index.beforeInsert = func(a *model.Asset) {
		winner = f.index.seed(model.Asset{
			Fingerprint:   a.Fingerprint,
			Remote:        model.RemoteRef{ChannelID: -1001, MessageID: 999},
			SizeBytes:     a.SizeBytes,
			TransportUsed: model.ProfileLight,
		})
	}

	res, err := f.svc.UploadFile(context.Background(), writeFile(t, t.TempDir(), "r.txt", data), UploadOptions{})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, winner.ID, res.Asset.ID)
	require.Equal(t, 999, res.Asset.Remote.MessageID)
	require.Equal(t, 1, f.index.count())
}

func TestUploadFile_CancelledDuringTransportWritesNoRow(t *testing.T) {
	f := newUploadFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.remote.onUpload = cancel

	_, err := f.svc.UploadFile(ctx, writeFile(t, t.TempDir(), "c.txt", []byte("abc")), UploadOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, f.index.inserts.Load())
	require.Zero(t, f.index.count())
}

func TestUploadFile_LimiterTimeoutStopsBeforeTransport(t *testing.T) {
	f := newUploadFixture(t)
	f.lim.err = errs.ErrRateLimitTimeout

	_, err := f.svc.UploadFile(context.Background(), writeFile(t, t.TempDir(), "l.txt", []byte("abc")), UploadOptions{})
	require.ErrorIs(t, err, errs.ErrRateLimitTimeout)
	require.Zero(t, f.remote.uploads.Load())
	require.Zero(t, f.index.count())
}

func TestUploadStream_LargeNeedsFullProfile(t *testing.T) {
	f := newUploadFixture(t)
	f.remote.fullReady = false
	data := make([]byte, transport.LightMaxObjectSize+1)

	_, err := f.svc.UploadStream(context.Background(), bytes.NewReader(data), "big.bin", UploadOptions{})
	require.ErrorIs(t, err, errs.ErrTransportUnavailable)
	require.Zero(t, f.index.count())

	f.remote.fullReady = true
	res, err := f.svc.UploadStream(context.Background(), bytes.NewReader(data), "big.bin", UploadOptions{})
	require.NoError(t, err)
	require.Equal(t, model.ProfileFull, res.Asset.TransportUsed)
}

func TestUploadStream_NonSeekableIsStagedAndCleaned(t *testing.T) {
	f := newUploadFixture(t)
	data := bytes.Repeat([]byte("stream-"), 5000)

	res, err := f.svc.UploadStream(context.Background(), io.MultiReader(bytes.NewReader(data)), "s.log", UploadOptions{})
	require.NoError(t, err)
	require.Equal(t, sha(data), res.Asset.Fingerprint)
	require.Equal(t, data, f.remote.objects[res.Asset.Remote.MessageID])

	left, err := os.ReadDir(f.svc.tempDir)
	require.NoError(t, err)
	require.Empty(t, left)

	_, err = f.svc.UploadStream(context.Background(), strings.NewReader(""), "e", UploadOptions{})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = f.svc.UploadStream(context.Background(), io.MultiReader(), "e", UploadOptions{})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	left, err = os.ReadDir(f.svc.tempDir)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestUploadStream_PipeIsStaged(t *testing.T) {
	f := newUploadFixture(t)
	data := bytes.Repeat([]byte("piped-"), 3000)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Close() })
	go func() {
		_, _ = pw.Write(data)
		_ = pw.Close()
	}()

	res, err := f.svc.UploadStream(context.Background(), pr, "piped.bin", UploadOptions{})
	require.NoError(t, err)
	require.Equal(t, sha(data), res.Asset.Fingerprint)
	require.Equal(t, data, f.remote.objects[res.Asset.Remote.MessageID])
	require.Empty(t, res.Asset.OriginalPath)

	left, err := os.ReadDir(f.svc.tempDir)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestUploadStream_SeekableStartsAtCurrentOffset(t *testing.T) {
	f := newUploadFixture(t)
	data := []byte("HDRpayload after a consumed header")
	rd := bytes.NewReader(data)
	hdr := make([]byte, 3)
	_, err := io.ReadFull(rd, hdr)
	require.NoError(t, err)

	res, err := f.svc.UploadStream(context.Background(), rd, "payload.txt", UploadOptions{})
	require.NoError(t, err)
	require.Equal(t, sha(data[3:]), res.Asset.Fingerprint)
	require.Equal(t, int64(len(data)-3), res.Asset.SizeBytes)
	require.Equal(t, data[3:], f.remote.objects[res.Asset.Remote.MessageID])
}

// eofSignal closes eof once the wrapped reader is drained.
type eofSignal struct {
	r    io.Reader
	eof  chan struct{}
	once sync.Once
}

func (e *eofSignal) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.eof) })
	}
	return n, err
}

func TestUpload_CancelledLeaderDoesNotFailWaitingCaller(t *testing.T) {
	f := newUploadFixture(t)
	f.remote.gate = make(chan struct{})
	data := []byte("shared content")

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.svc.UploadStream(leaderCtx, bytes.NewReader(data), "a.txt", UploadOptions{})
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return f.remote.uploads.Load() == 1 }, waitFor, pollEvery)

	type outcome struct {
		res *model.UploadResult
		err error
	}
	follower := make(chan outcome, 1)
	src := &eofSignal{r: bytes.NewReader(data), eof: make(chan struct{})}
	go func() {
		res, err := f.svc.UploadStream(context.Background(), src, "b.txt", UploadOptions{})
		follower <- outcome{res, err}
	}()
	<-src.eof
	// let the second caller join the in-flight upload
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	close(f.remote.gate)

	got := <-follower
	require.NoError(t, got.err)
	require.False(t, got.res.Duplicate)
	require.Equal(t, sha(data), got.res.Asset.Fingerprint)
	require.Equal(t, 1, f.index.count())
	require.EqualValues(t, 2, f.remote.uploads.Load())
}

func TestUpload_ConcurrentSameContentUploadsOnce(t *testing.T) {
	f := newUploadFixture(t)
	f.remote.gate = make(chan struct{})
	data := []byte("same bytes everywhere")

	const n = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*model.UploadResult
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.UploadStream(context.Background(), bytes.NewReader(data), "same.txt", UploadOptions{})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	require.Eventually(t, func() bool { return f.remote.uploads.Load() == 1 }, waitFor, pollEvery)
	close(f.remote.gate)
	wg.Wait()

	require.Len(t, results, n)
	fresh := 0
	for _, r := range results {
		require.Equal(t, results[0].Asset.ID, r.Asset.ID)
		if !r.Duplicate {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)
	require.EqualValues(t, 1, f.remote.uploads.Load())
	require.Equal(t, 1, f.index.count())
}

func TestUploadDirectory_ReportsPerFileOutcome(t *testing.T) {
	f := newUploadFixture(t)
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("a"))
	writeFile(t, root, "b.txt", []byte("b"))
	writeFile(t, root, "nested/c.txt", []byte("c"))
	writeFile(t, root, "nested/deeper/d.jpg", []byte("d"))
	writeFile(t, root, "nested/dup-of-a.txt", []byte("a"))
	writeFile(t, root, "broken-1", nil)
	writeFile(t, root, "nested/broken-2", nil)
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))

	rep := f.svc.UploadDirectory(context.Background(), root, UploadOptions{Album: "dump"})

	require.Equal(t, 5, rep.Uploaded+rep.Skipped)
	require.Equal(t, 1, rep.Skipped)
	require.Equal(t, 2, rep.Failed)
	require.Len(t, rep.Failures, 2)
	require.Equal(t, filepath.Join(root, "broken-1"), rep.Failures[0].Path)
	require.ErrorIs(t, rep.Failures[1].Err, errs.ErrInvalidInput)
	require.Equal(t, 4, f.index.count())
	require.Equal(t, 4, f.index.albumSize("dump"))
}

func TestUploadDirectory_UnreadableAndRejectedFilesAreKept(t *testing.T) {
	f := newUploadFixture(t)
	root := t.TempDir()
	writeFile(t, root, "ok-1.txt", []byte("one"))
	writeFile(t, root, "ok-2.txt", []byte("two"))
	writeFile(t, root, "sub/ok-3.txt", []byte("three"))
	locked := writeFile(t, root, "locked.txt", []byte("secret"))
	rejected := writeFile(t, root, "rejected.txt", []byte("too spicy"))

	// root ignores mode bits, so the open failure is injected as well
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o644) })
	f.svc.openFile = func(name string) (*os.File, error) {
		if name == locked {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
		}
		return os.Open(name)
	}
	f.remote.failNames = map[string]error{
		"rejected.txt": fmt.Errorf("%w: upload refused", errs.ErrTransportIO),
	}

	rep := f.svc.UploadDirectory(context.Background(), root, UploadOptions{})

	require.Equal(t, 3, rep.Uploaded)
	require.Zero(t, rep.Skipped)
	require.Equal(t, 2, rep.Failed)
	require.Len(t, rep.Failures, 2)
	require.Equal(t, locked, rep.Failures[0].Path)
	require.ErrorIs(t, rep.Failures[0].Err, fs.ErrPermission)
	require.Equal(t, rejected, rep.Failures[1].Path)
	require.ErrorIs(t, rep.Failures[1].Err, errs.ErrTransportIO)
	require.Equal(t, 3, f.index.count())
}

func TestUploadDirectory_MissingRootIsAFailure(t *testing.T) {
	f := newUploadFixture(t)
	rep := f.svc.UploadDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"), UploadOptions{})
	require.Equal(t, 1, rep.Failed)
	require.Zero(t, rep.Uploaded)
}

func TestCaption_RoundTrip(t *testing.T) {
	fp := sha([]byte("x"))

	got, ok := parseCaption(buildCaption("", fp))
	require.True(t, ok)
	require.Equal(t, fp, got)

	long := strings.Repeat("é", 2000)
	c := buildCaption(long, fp)
	require.LessOrEqual(t, len([]rune(c)), maxCaption)
	got, ok = parseCaption(c)
	require.True(t, ok)
	require.Equal(t, fp, got)

	_, ok = parseCaption("holiday photos")
	require.False(t, ok)
}

func TestDetectMIME(t *testing.T) {
	require.Equal(t, "image/png", detectMIME("x.PNG", nil))
	require.Equal(t, "image/png", detectMIME("noext", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")))
	require.Equal(t, "text/plain", detectMIME("noext", []byte("just words")))
	require.Equal(t, defaultMIME, detectMIME("noext", nil))
}
