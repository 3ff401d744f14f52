package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gotd/td/fileid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/transport"
)

// gotdConnector runs one gotd client per operation.
type gotdConnector struct {
	apiID       int
	apiHash     string
	botToken    string
	channelID   int64 // MTProto form
	sessionPath string
	logger      *zap.Logger
}

func (g *gotdConnector) Run(ctx context.Context, fn func(ctx context.Context, a api) error) error {
	opts := telegram.Options{Logger: g.logger}
	if g.sessionPath != "" {
		opts.SessionStorage = &session.FileStorage{Path: g.sessionPath}
	}
	client := telegram.NewClient(g.apiID, g.apiHash, opts)

	err := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			if _, err := client.Auth().Bot(ctx, g.botToken); err != nil {
				return transport.Permanent(fmt.Errorf("%w: bot login: %v", errs.ErrTransportIO, err))
			}
		}

		raw := client.API()
		ch, err := resolveChannel(ctx, raw, g.channelID)
		if err != nil {
			return err
		}
		a := &gotdAPI{client: client, raw: raw, channel: ch, dcs: map[int]*tg.Client{}}
		defer a.close()
		return fn(ctx, a)
	})
	return classify(err)
}

// classify maps gotd failures onto the transport error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrTransportIO), errors.Is(err, errs.ErrInvalidInput),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return transport.WithRetryAfter(fmt.Errorf("%w: flood wait: %v", errs.ErrTransportIO, err), d)
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Code < 500 {
		return transport.Permanent(fmt.Errorf("%w: %v", errs.ErrTransportIO, err))
	}
	return fmt.Errorf("%w: %v", errs.ErrTransportIO, err)
}

func resolveChannel(ctx context.Context, raw *tg.Client, id int64) (*tg.InputChannel, error) {
	res, err := raw.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: id}})
	if err != nil {
		return nil, fmt.Errorf("resolve channel %d: %w", id, err)
	}
	for _, chat := range res.GetChats() {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == id {
			return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		}
	}
	return nil, transport.Permanent(fmt.Errorf("%w: channel %d not visible to the bot", errs.ErrTransportIO, id))
}

type gotdAPI struct {
	client  *telegram.Client
	raw     *tg.Client
	channel *tg.InputChannel
	dcs     map[int]*tg.Client
	closers []io.Closer
}

func (g *gotdAPI) close() {
	for _, c := range g.closers {
		_ = c.Close()
	}
}

func (g *gotdAPI) SendDocument(ctx context.Context, obj transport.Object, r io.Reader) (post, error) {
	f, err := uploader.NewUploader(g.raw).Upload(ctx, uploader.NewUpload(obj.Name, r, obj.Size))
	if err != nil {
		return post{}, fmt.Errorf("upload parts: %w", err)
	}

	var caption []styling.StyledTextOption
	if obj.Caption != "" {
		caption = append(caption, styling.Plain(obj.Caption))
	}
	doc := message.UploadedDocument(f, caption...).
		Filename(obj.Name).
		MIME(obj.MIMEType).
		ForceFile(true)

	peer := &tg.InputPeerChannel{ChannelID: g.channel.ChannelID, AccessHash: g.channel.AccessHash}
	upd, err := message.NewSender(g.raw).To(peer).Media(ctx, doc)
	if err != nil {
		return post{}, fmt.Errorf("send document: %w", err)
	}
	msg, err := sentMessage(upd)
	if err != nil {
		return post{}, err
	}
	return toPost(msg), nil
}

func sentMessage(u tg.UpdatesClass) (*tg.Message, error) {
	var list []tg.UpdateClass
	switch v := u.(type) {
	case *tg.Updates:
		list = v.Updates
	case *tg.UpdatesCombined:
		list = v.Updates
	}
	for _, upd := range list {
		if m, ok := upd.(*tg.UpdateNewChannelMessage); ok {
			if msg, ok := m.Message.(*tg.Message); ok {
				return msg, nil
			}
		}
	}
	return nil, transport.Permanent(fmt.Errorf("%w: no channel message in send result %T", errs.ErrTransportIO, u))
}

func (g *gotdAPI) Messages(ctx context.Context, ids []int) ([]post, error) {
	in := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		in[i] = &tg.InputMessageID{ID: id}
	}
	res, err := g.raw.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{Channel: g.channel, ID: in})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	var msgs []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		msgs = v.Messages
	case *tg.MessagesMessages:
		msgs = v.Messages
	case *tg.MessagesMessagesSlice:
		msgs = v.Messages
	}

	out := make([]post, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.(type) {
		case *tg.Message:
			out = append(out, toPost(v))
		case *tg.MessageService:
			out = append(out, post{ID: v.ID, Date: unixDate(v.Date)})
		}
	}
	return out, nil
}

func (g *gotdAPI) ReadFile(ctx context.Context, doc document, offset int64, limit int) ([]byte, error) {
	req := &tg.UploadGetFileRequest{
		Location: &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		},
		Offset: offset,
		Limit:  limit,
	}
	res, err := g.raw.UploadGetFile(ctx, req)
	if rpcErr, ok := tgerr.AsType(err, "FILE_MIGRATE"); ok {
		var dc *tg.Client
		if dc, err = g.dc(ctx, rpcErr.Argument); err != nil {
			return nil, err
		}
		res, err = dc.UploadGetFile(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("get file at %d: %w", offset, err)
	}
	f, ok := res.(*tg.UploadFile)
	if !ok {
		return nil, transport.Permanent(fmt.Errorf("%w: unsupported file response %T", errs.ErrTransportIO, res))
	}
	return f.Bytes, nil
}

func (g *gotdAPI) dc(ctx context.Context, id int) (*tg.Client, error) {
	if c, ok := g.dcs[id]; ok {
		return c, nil
	}
	inv, err := g.client.DC(ctx, id, 1)
	if err != nil {
		return nil, fmt.Errorf("connect dc %d: %w", id, err)
	}
	g.closers = append(g.closers, inv)
	c := tg.NewClient(inv)
	g.dcs[id] = c
	return c, nil
}

func toPost(m *tg.Message) post {
	p := post{ID: m.ID, Date: unixDate(m.Date), Caption: m.Message}
	media, ok := m.GetMedia()
	if !ok {
		return p
	}
	md, ok := media.(*tg.MessageMediaDocument)
	if !ok {
		return p
	}
	dc, ok := md.GetDocument()
	if !ok {
		return p
	}
	if d, ok := dc.(*tg.Document); ok {
		p.Doc = toDocument(d)
	}
	return p
}

func toDocument(d *tg.Document) *document {
	doc := &document{
		ID:            d.ID,
		AccessHash:    d.AccessHash,
		FileReference: d.FileReference,
		DCID:          d.DCID,
		Size:          d.Size,
		MIMEType:      d.MimeType,
	}
	for _, attr := range d.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			doc.FileName = fn.FileName
		}
	}
	if id, err := fileid.EncodeFileID(fileid.FromDocument(d)); err == nil {
		doc.FileID = id
	}
	return doc
}

func unixDate(v int) time.Time { return time.Unix(int64(v), 0).UTC() }
