package transport

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
)

type fixture struct {
	creds atomic.Value // Credentials
	light *fakeTransport
	full  *fakeTransport
	built struct{ light, full int }
	set   *Set
}

func newFixture(t *testing.T, c Credentials) *fixture {
	t.Helper()
	f := &fixture{
		light: newFake(model.ProfileLight, LightMaxObjectSize, false),
		full:  newFake(model.ProfileFull, FullMaxObjectSize, true),
	}
	f.creds.Store(c)
	f.set = NewSet(CredentialsFunc(func() Credentials { return f.creds.Load().(Credentials) }), SetOptions{
		Light: func(Credentials) (Transport, error) { f.built.light++; return f.light, nil },
		Full:  func(Credentials) (Transport, error) { f.built.full++; return f.full, nil },
		Retry: fastRetry(),
	})
	return f
}

var (
	lightOnly = Credentials{BotToken: "t", ChannelID: -1001}
	both      = Credentials{BotToken: "t", ChannelID: -1001, APIID: 1, APIHash: "h"}
)

func TestCredentials_Configured(t *testing.T) {
	require.False(t, Credentials{}.LightConfigured())
	require.True(t, lightOnly.LightConfigured())
	require.False(t, lightOnly.FullConfigured())
	require.True(t, both.FullConfigured())
	require.False(t, Credentials{APIID: 1, APIHash: "h"}.FullConfigured(), "full still logs in with the bot token")
}

func TestSet_AvailableProfiles(t *testing.T) {
	f := newFixture(t, Credentials{})
	require.Empty(t, f.set.AvailableProfiles())

	f.creds.Store(lightOnly)
	require.Equal(t, []model.Profile{model.ProfileLight}, f.set.AvailableProfiles())

	f.creds.Store(both)
	require.Equal(t, []model.Profile{model.ProfileLight, model.ProfileFull}, f.set.AvailableProfiles())
	require.True(t, f.light.closed, "replaced clients are closed")
}

func TestSet_ClientsCachedUntilCredentialsChange(t *testing.T) {
	f := newFixture(t, both)
	f.set.AvailableProfiles()
	f.set.AvailableProfiles()
	require.Equal(t, 1, f.built.light)
	require.Equal(t, 1, f.built.full)
}

func TestSet_CloseReleasesClients(t *testing.T) {
	f := newFixture(t, both)
	require.Len(t, f.set.AvailableProfiles(), 2)

	require.NoError(t, f.set.Close())
	require.True(t, f.light.closed)
	require.True(t, f.full.closed)

	require.Len(t, f.set.AvailableProfiles(), 2)
	require.Equal(t, 2, f.built.light)
	require.Equal(t, 2, f.built.full)
}

func TestSet_UploadSmallGoesLight(t *testing.T) {
	f := newFixture(t, both)
	ref, p, err := f.set.Upload(context.Background(), bytesObject("a.txt", []byte("hello")))
	require.NoError(t, err)
	require.Equal(t, model.ProfileLight, p)
	require.Equal(t, 1, ref.MessageID)
	require.Zero(t, f.full.uploads)
}

func TestSet_UploadLargeWithLightOnlyUnavailable(t *testing.T) {
	f := newFixture(t, lightOnly)
	_, _, err := f.set.Upload(context.Background(), sizedObject(50<<20))
	require.ErrorIs(t, err, errs.ErrTransportUnavailable)
	require.Contains(t, err.Error(), "api_id")
	require.Zero(t, f.light.uploads, "never attempted")

	f.creds.Store(both)
	_, p, err := f.set.Upload(context.Background(), sizedObject(50<<20))
	require.NoError(t, err)
	require.Equal(t, model.ProfileFull, p)
}

func TestSet_UploadNoCredentials(t *testing.T) {
	f := newFixture(t, Credentials{})
	_, _, err := f.set.Upload(context.Background(), bytesObject("a", []byte("x")))
	require.ErrorIs(t, err, errs.ErrTransportUnavailable)
}

func TestSet_UploadOverFullCeiling(t *testing.T) {
	f := newFixture(t, both)
	_, _, err := f.set.Upload(context.Background(), sizedObject(FullMaxObjectSize+1))
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestSet_UploadRetriesAndReopens(t *testing.T) {
	f := newFixture(t, both)
	f.light.failNext = 2
	opens := 0
	obj := bytesObject("r.txt", []byte("payload"))
	open := obj.Open
	obj.Open = func() (io.ReadCloser, error) { opens++; return open() }

	ref, _, err := f.set.Upload(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, 3, f.light.uploads)
	require.Equal(t, 1, opens, "failed attempts were injected before Open")
	require.Equal(t, []byte("payload"), f.light.objects[ref.MessageID])
}

func TestSet_DownloadRangeOnFullIsNative(t *testing.T) {
	f := newFixture(t, both)
	ref, p, err := f.set.Upload(context.Background(), sizedObject(50<<20))
	require.NoError(t, err)
	f.full.objects[ref.MessageID] = []byte("0123456789")

	a := model.Asset{ID: 1, Remote: ref, SizeBytes: 10, TransportUsed: p}
	rng := model.ClosedRange(2, 5)
	rc, used, err := f.set.Download(context.Background(), a, &rng)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, model.ProfileFull, used)
	b, _ := io.ReadAll(rc)
	require.Equal(t, "234", string(b))
	require.NotNil(t, f.full.lastRng)
}

func TestSet_DownloadRangeOnLightIsClipped(t *testing.T) {
	f := newFixture(t, lightOnly)
	data := []byte("abcdefghij")
	ref, p, err := f.set.Upload(context.Background(), bytesObject("x", data))
	require.NoError(t, err)

	a := model.Asset{ID: 1, Remote: ref, SizeBytes: int64(len(data)), TransportUsed: p}
	for _, tc := range []struct {
		rng  model.ByteRange
		want string
	}{
		{model.ClosedRange(0, 3), "abc"},
		{model.ClosedRange(7, 100), "hij"},
		{model.OpenRange(4), "efghij"},
		{model.OpenRange(10), ""},
		{model.ClosedRange(0, 10), "abcdefghij"},
	} {
		rng := tc.rng
		rc, _, err := f.set.Download(context.Background(), a, &rng)
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, tc.want, string(b), tc.rng.String())
		require.Nil(t, f.light.lastRng, "light never receives a range")
	}
}

func TestSet_DownloadFallsBackOnIOError(t *testing.T) {
	f := newFixture(t, both)
	data := []byte("small")
	ref, _, err := f.set.Upload(context.Background(), bytesObject("s", data))
	require.NoError(t, err)
	f.full.objects[ref.MessageID] = data
	f.light.dlErr = Permanent(fmt.Errorf("%w: 502", errs.ErrTransportIO))

	a := model.Asset{ID: 1, Remote: ref, SizeBytes: int64(len(data)), TransportUsed: model.ProfileLight}
	rc, used, err := f.set.Download(context.Background(), a, nil)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, model.ProfileFull, used)
	b, _ := io.ReadAll(rc)
	require.Equal(t, data, b)
}

func TestSet_DownloadLargeWithLightOnly(t *testing.T) {
	f := newFixture(t, lightOnly)
	a := model.Asset{ID: 1, Remote: model.RemoteRef{MessageID: 1}, SizeBytes: 50 << 20, TransportUsed: model.ProfileFull}
	_, _, err := f.set.Download(context.Background(), a, nil)
	require.ErrorIs(t, err, errs.ErrTransportUnavailable)
}

func TestSet_History(t *testing.T) {
	f := newFixture(t, lightOnly)
	_, err := f.set.History(context.Background(), 0, 10)
	require.ErrorIs(t, err, errs.ErrTransportUnavailable)
}
