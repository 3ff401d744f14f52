// Package transport abstracts the two channel clients behind one capability
// interface and picks between them per call.
package transport

import (
	"context"
	"io"

	"github.com/and161185/televault/internal/model"
)

// Object ceilings per profile.
const (
	LightMaxObjectSize int64 = 20 << 20
	FullMaxObjectSize  int64 = 2 << 30
)

// Object is one upload payload. Open may be called more than once so a
// failed attempt can be resent from the start.
type Object struct {
	Name     string
	MIMEType string
	Size     int64
	Caption  string
	Open     func() (io.ReadCloser, error)
}

// Transport is one concrete channel client.
type Transport interface {
	Profile() model.Profile
	MaxObjectSize() int64
	SupportsRange() bool
	// Upload posts the object to the channel as a document.
	Upload(ctx context.Context, obj Object) (model.RemoteRef, error)
	// Download opens the referenced object. Transports without range support
	// ignore rng and return the whole object.
	Download(ctx context.Context, ref model.RemoteRef, rng *model.ByteRange) (io.ReadCloser, error)
}

// HistoryReader replays document messages posted to the channel.
type HistoryReader interface {
	// History returns document messages with ids greater than afterMessageID
	// in ascending order, at most limit of them.
	History(ctx context.Context, afterMessageID, limit int) ([]model.RemoteMessage, error)
}

// Credentials is the configuration both transports are built from.
type Credentials struct {
	BotToken    string
	ChannelID   int64
	APIID       int
	APIHash     string
	SessionPath string
}

// LightConfigured reports whether the bot-token transport can be built.
func (c Credentials) LightConfigured() bool { return c.BotToken != "" && c.ChannelID != 0 }

// FullConfigured reports whether the MTProto transport can be built.
func (c Credentials) FullConfigured() bool {
	return c.LightConfigured() && c.APIID != 0 && c.APIHash != ""
}

// CredentialsSource yields the current credentials. It is consulted on every
// Set call so edits to the configuration apply without a restart.
type CredentialsSource interface {
	Credentials() Credentials
}

// CredentialsFunc adapts a function to CredentialsSource.
type CredentialsFunc func() Credentials

// Credentials implements CredentialsSource.
func (f CredentialsFunc) Credentials() Credentials { return f() }

// StaticCredentials is a fixed CredentialsSource.
type StaticCredentials Credentials

// Credentials implements CredentialsSource.
func (s StaticCredentials) Credentials() Credentials { return Credentials(s) }

// Factory builds a transport from credentials.
type Factory func(Credentials) (Transport, error)
