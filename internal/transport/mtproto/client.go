// Package mtproto is the full transport: an MTProto session authenticated as
// the bot, which lifts the object ceiling to 2 GiB, serves byte ranges and
// can replay the channel history.
package mtproto

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/transport"
)

// ChunkSize is the upload.getFile request size; offsets are aligned to it.
const ChunkSize = 512 << 10

const (
	historyWindow = 100
	// DefaultMaxEmptyWindows stops a history scan after this many
	// consecutive id windows without any message.
	DefaultMaxEmptyWindows = 3
)

// document is the part of a remote document the client needs.
type document struct {
	ID            int64
	AccessHash    int64
	FileReference []byte
	DCID          int
	Size          int64
	MIMEType      string
	FileName      string
	FileID        string // Bot API handle
}

// post is one channel message; Doc is nil for anything but documents.
type post struct {
	ID      int
	Date    time.Time
	Caption string
	Doc     *document
}

// api is the session-scoped subset of MTProto calls the client makes.
type api interface {
	SendDocument(ctx context.Context, obj transport.Object, r io.Reader) (post, error)
	// Messages returns the existing messages among ids, in any order.
	Messages(ctx context.Context, ids []int) ([]post, error)
	ReadFile(ctx context.Context, doc document, offset int64, limit int) ([]byte, error)
}

// connector opens one authenticated session for the duration of fn.
type connector interface {
	Run(ctx context.Context, fn func(ctx context.Context, a api) error) error
}

// Config configures a Client.
type Config struct {
	APIID     int
	APIHash   string
	BotToken  string
	ChannelID int64 // Bot API form, -100…
	// SessionPath persists the authorization key between runs; empty keeps
	// it in memory.
	SessionPath     string
	MaxEmptyWindows int
	Logger          *zap.Logger
}

// Client implements transport.Transport and transport.HistoryReader.
type Client struct {
	conn      connector
	channelID int64
	maxEmpty  int
	logger    *zap.Logger
}

var (
	_ transport.Transport     = (*Client)(nil)
	_ transport.HistoryReader = (*Client)(nil)
)

// New constructs a client. No connection is made until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" || cfg.BotToken == "" || cfg.ChannelID == 0 {
		return nil, fmt.Errorf("%w: api_id, api_hash, bot token and channel id are required", errs.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mtproto")
	conn := &gotdConnector{
		apiID:       cfg.APIID,
		apiHash:     cfg.APIHash,
		botToken:    cfg.BotToken,
		channelID:   peerChannelID(cfg.ChannelID),
		sessionPath: cfg.SessionPath,
		logger:      logger,
	}
	return newClient(conn, cfg.ChannelID, cfg.MaxEmptyWindows, logger), nil
}

func newClient(conn connector, channelID int64, maxEmpty int, logger *zap.Logger) *Client {
	if maxEmpty <= 0 {
		maxEmpty = DefaultMaxEmptyWindows
	}
	return &Client{conn: conn, channelID: channelID, maxEmpty: maxEmpty, logger: logger}
}

// Factory adapts New to transport.Factory.
func Factory(maxEmptyWindows int, logger *zap.Logger) transport.Factory {
	return func(c transport.Credentials) (transport.Transport, error) {
		return New(Config{
			APIID:           c.APIID,
			APIHash:         c.APIHash,
			BotToken:        c.BotToken,
			ChannelID:       c.ChannelID,
			SessionPath:     c.SessionPath,
			MaxEmptyWindows: maxEmptyWindows,
			Logger:          logger,
		})
	}
}

// Profile implements transport.Transport.
func (c *Client) Profile() model.Profile { return model.ProfileFull }

// MaxObjectSize implements transport.Transport.
func (c *Client) MaxObjectSize() int64 { return transport.FullMaxObjectSize }

// SupportsRange implements transport.Transport.
func (c *Client) SupportsRange() bool { return true }

// Upload sends the object as a forced document.
func (c *Client) Upload(ctx context.Context, obj transport.Object) (model.RemoteRef, error) {
	var ref model.RemoteRef
	err := c.conn.Run(ctx, func(ctx context.Context, a api) error {
		body, err := obj.Open()
		if err != nil {
			return transport.Permanent(fmt.Errorf("open %s: %w", obj.Name, err))
		}
		defer body.Close()

		p, err := a.SendDocument(ctx, obj, body)
		if err != nil {
			return err
		}
		if p.Doc == nil {
			return transport.Permanent(fmt.Errorf("%w: message %d carries no document", errs.ErrTransportIO, p.ID))
		}
		ref = model.RemoteRef{ChannelID: c.channelID, MessageID: p.ID, FileID: p.Doc.FileID}
		return nil
	})
	if err != nil {
		return model.RemoteRef{}, err
	}
	c.logger.Debug("document sent", zap.Int("message_id", ref.MessageID), zap.Int64("size", obj.Size))
	return ref, nil
}

type sessionReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (r *sessionReader) Close() error {
	r.cancel()
	return r.PipeReader.Close()
}

// Download opens a lazy stream over the requested range. Chunks are fetched
// only as the caller reads; closing the stream ends the session.
func (c *Client) Download(ctx context.Context, ref model.RemoteRef, rng *model.ByteRange) (io.ReadCloser, error) {
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	ready := make(chan error, 1)

	go func() {
		err := c.conn.Run(ctx, func(ctx context.Context, a api) error {
			doc, err := c.document(ctx, a, ref)
			ready <- err
			if err != nil {
				return err
			}
			return stream(ctx, a, doc, rng, pw)
		})
		select {
		case ready <- err:
		default:
		}
		pw.CloseWithError(err)
	}()

	if err := <-ready; err != nil {
		cancel()
		return nil, err
	}
	return &sessionReader{PipeReader: pr, cancel: cancel}, nil
}

func (c *Client) document(ctx context.Context, a api, ref model.RemoteRef) (document, error) {
	posts, err := a.Messages(ctx, []int{ref.MessageID})
	if err != nil {
		return document{}, err
	}
	for _, p := range posts {
		if p.ID == ref.MessageID && p.Doc != nil {
			return *p.Doc, nil
		}
	}
	return document{}, transport.Permanent(fmt.Errorf("%w: message %d has no document", errs.ErrTransportIO, ref.MessageID))
}

// stream writes the clamped range of doc to w in aligned chunks.
func stream(ctx context.Context, a api, doc document, rng *model.ByteRange, w io.Writer) error {
	r := model.OpenRange(0)
	if rng != nil {
		r = *rng
	}
	r = r.Clamp(doc.Size)

	offset := r.Start - r.Start%ChunkSize
	skip := r.Start - offset
	remaining := r.Len()
	for remaining > 0 {
		chunk, err := a.ReadFile(ctx, doc, offset, ChunkSize)
		if err != nil {
			return err
		}
		if int64(len(chunk)) <= skip {
			return fmt.Errorf("%w: document %d ended at %d, want %d", errs.ErrTransportIO, doc.ID, offset+int64(len(chunk)), r.End)
		}
		b := chunk[skip:]
		skip = 0
		if int64(len(b)) > remaining {
			b = b[:remaining]
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		remaining -= int64(len(b))
		offset += ChunkSize
		if remaining > 0 && len(chunk) < ChunkSize {
			return fmt.Errorf("%w: document %d short read at %d", errs.ErrTransportIO, doc.ID, offset)
		}
	}
	return nil
}

// History scans message ids after afterMessageID in windows and returns the
// document messages found, oldest first.
func (c *Client) History(ctx context.Context, afterMessageID, limit int) ([]model.RemoteMessage, error) {
	if limit <= 0 {
		limit = historyWindow
	}
	var out []model.RemoteMessage
	err := c.conn.Run(ctx, func(ctx context.Context, a api) error {
		next, empty := afterMessageID+1, 0
		for len(out) < limit && empty < c.maxEmpty {
			ids := make([]int, historyWindow)
			for i := range ids {
				ids[i] = next + i
			}
			next += historyWindow

			posts, err := a.Messages(ctx, ids)
			if err != nil {
				return err
			}
			if len(posts) == 0 {
				empty++
				continue
			}
			empty = 0
			sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
			for _, p := range posts {
				if p.Doc == nil {
					continue
				}
				out = append(out, c.remoteMessage(p))
				if len(out) == limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) remoteMessage(p post) model.RemoteMessage {
	return model.RemoteMessage{
		Ref:      model.RemoteRef{ChannelID: c.channelID, MessageID: p.ID, FileID: p.Doc.FileID},
		Caption:  p.Caption,
		FileName: p.Doc.FileName,
		MIMEType: p.Doc.MIMEType,
		Size:     p.Doc.Size,
		Date:     p.Date,
	}
}

// peerChannelID converts a Bot API channel id (-100…) to the MTProto one.
func peerChannelID(botID int64) int64 {
	const prefix = 1_000_000_000_000
	if botID < -prefix {
		return -botID - prefix
	}
	if botID < 0 {
		return -botID
	}
	return botID
}
