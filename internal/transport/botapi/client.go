// Package botapi is the light transport: the Telegram Bot API over HTTPS,
// authenticated by the bot token alone.
package botapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/transport"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Config configures a Client.
type Config struct {
	Token      string
	ChannelID  int64
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements transport.Transport over the Bot API.
type Client struct {
	token     string
	channelID int64
	baseURL   string
	http      *http.Client
	logger    *zap.Logger
}

var (
	_ transport.Transport = (*Client)(nil)
	_ io.Closer           = (*Client)(nil)
)

// New constructs a client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" || cfg.ChannelID == 0 {
		return nil, fmt.Errorf("%w: bot token and channel id are required", errs.ErrTransportUnavailable)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 10 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:     cfg.Token,
		channelID: cfg.ChannelID,
		baseURL:   base,
		http:      hc,
		logger:    logger.Named("botapi"),
	}, nil
}

// Factory adapts New to transport.Factory. An empty baseURL selects DefaultBaseURL.
func Factory(baseURL string, hc *http.Client, logger *zap.Logger) transport.Factory {
	return func(c transport.Credentials) (transport.Transport, error) {
		return New(Config{Token: c.BotToken, ChannelID: c.ChannelID, BaseURL: baseURL, HTTPClient: hc, Logger: logger})
	}
}

// Close drops idle keep-alive connections to the Bot API server.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Profile implements transport.Transport.
func (c *Client) Profile() model.Profile { return model.ProfileLight }

// MaxObjectSize implements transport.Transport.
func (c *Client) MaxObjectSize() int64 { return transport.LightMaxObjectSize }

// SupportsRange implements transport.Transport.
func (c *Client) SupportsRange() bool { return false }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type sentMessage struct {
	MessageID int `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Document *document `json:"document"`
}

type fileInfo struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

// Upload posts the object with sendDocument, which stores bytes verbatim.
func (c *Client) Upload(ctx context.Context, obj transport.Object) (model.RemoteRef, error) {
	body, err := obj.Open()
	if err != nil {
		return model.RemoteRef{}, transport.Permanent(fmt.Errorf("open %s: %w", obj.Name, err))
	}
	defer body.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeDocumentForm(mw, c.channelID, obj, body))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.method("sendDocument"), pr)
	if err != nil {
		_ = pr.Close()
		return model.RemoteRef{}, transport.Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg sentMessage
	if err := c.call(req, &msg); err != nil {
		_ = pr.Close()
		return model.RemoteRef{}, fmt.Errorf("sendDocument: %w", err)
	}
	if msg.Document == nil || msg.Document.FileID == "" {
		return model.RemoteRef{}, transport.Permanent(fmt.Errorf("%w: sendDocument returned no document", errs.ErrTransportIO))
	}
	c.logger.Debug("document sent", zap.Int("message_id", msg.MessageID), zap.Int64("size", obj.Size))
	return model.RemoteRef{ChannelID: c.channelID, MessageID: msg.MessageID, FileID: msg.Document.FileID}, nil
}

func writeDocumentForm(mw *multipart.Writer, channelID int64, obj transport.Object, body io.Reader) error {
	fields := [][2]string{
		{"chat_id", strconv.FormatInt(channelID, 10)},
		{"disable_content_type_detection", "true"},
	}
	if obj.Caption != "" {
		fields = append(fields, [2]string{"caption", obj.Caption})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename=%q`, obj.Name))
	ct := obj.MIMEType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

// Download resolves the file handle with getFile and streams the file.
// rng is ignored: the Bot API serves whole files only.
func (c *Client) Download(ctx context.Context, ref model.RemoteRef, _ *model.ByteRange) (io.ReadCloser, error) {
	if ref.FileID == "" {
		return nil, transport.Permanent(fmt.Errorf("%w: message %d has no bot file handle", errs.ErrTransportIO, ref.MessageID))
	}
	q := url.Values{"file_id": {ref.FileID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.method("getFile")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, transport.Permanent(err)
	}
	var fi fileInfo
	if err := c.call(req, &fi); err != nil {
		return nil, fmt.Errorf("getFile: %w", err)
	}
	if fi.FilePath == "" {
		return nil, transport.Permanent(fmt.Errorf("%w: getFile returned no path", errs.ErrTransportIO))
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/bot"+c.token+"/"+fi.FilePath, nil)
	if err != nil {
		return nil, transport.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.networkErr("file", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, statusErr(resp.StatusCode, resp.Status, 0)
	}
	return resp.Body, nil
}

func (c *Client) method(name string) string {
	return c.baseURL + "/bot" + c.token + "/" + name
}

// call performs req and decodes the result envelope into out.
func (c *Client) call(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return c.networkErr(req.URL.Path[strings.LastIndexByte(req.URL.Path, '/')+1:], err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return statusErr(resp.StatusCode, resp.Status, 0)
		}
		return fmt.Errorf("%w: decode response: %v", errs.ErrTransportIO, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return statusErr(code, env.Description, time.Duration(env.Parameters.RetryAfter)*time.Second)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return transport.Permanent(fmt.Errorf("%w: decode result: %v", errs.ErrTransportIO, err))
	}
	return nil
}

// networkErr strips the request URL, which carries the token, from err.
func (c *Client) networkErr(op string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrTransportIO, op, err)
}

// statusErr classifies a failed API call: 429 and 5xx are transient, other
// codes are permanent.
func statusErr(code int, desc string, retryAfter time.Duration) error {
	err := fmt.Errorf("%w: bot api %d: %s", errs.ErrTransportIO, code, desc)
	switch {
	case code == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return transport.WithRetryAfter(err, retryAfter)
	case code >= 500:
		return err
	default:
		return transport.Permanent(err)
	}
}
