package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/transport"
)

// Uploader is the part of transport.Set the upload pipeline drives.
type Uploader interface {
	Upload(ctx context.Context, obj transport.Object) (model.RemoteRef, model.Profile, error)
}

// Downloader is the part of transport.Set the download path drives.
type Downloader interface {
	Download(ctx context.Context, a model.Asset, rng *model.ByteRange) (io.ReadCloser, model.Profile, error)
}

// Replayer reads channel history back for index rebuilds.
type Replayer interface {
	History(ctx context.Context, afterMessageID, limit int) ([]model.RemoteMessage, error)
	Fetch(ctx context.Context, ref model.RemoteRef, size int64) (io.ReadCloser, error)
}

var (
	_ Uploader   = (*transport.Set)(nil)
	_ Downloader = (*transport.Set)(nil)
	_ Replayer   = (*transport.Set)(nil)
)

const (
	hashWindow = 8 << 10
	sniffLen   = 3072

	defaultMIME = "application/octet-stream"

	captionMarker = "televault sha256:"
	maxCaption    = 1024
)

var captionFingerprint = regexp.MustCompile(`televault sha256:([0-9a-f]{64})`)

// digest streams r once through SHA-256 and into w (when non-nil), keeping
// the first bytes for type sniffing.
func digest(r io.Reader, w io.Writer) (fingerprint string, size int64, head []byte, err error) {
	h := sha256.New()
	hw := &headWriter{limit: sniffLen}
	dst := io.MultiWriter(h, hw)
	if w != nil {
		dst = io.MultiWriter(h, hw, w)
	}
	size, err = io.CopyBuffer(dst, struct{ io.Reader }{r}, make([]byte, hashWindow))
	if err != nil {
		return "", 0, nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, hw.buf, nil
}

type headWriter struct {
	buf   []byte
	limit int
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}

// detectMIME resolves the media type by extension, then by content.
func detectMIME(name string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	if len(head) == 0 {
		return defaultMIME
	}
	if mt, _, err := mime.ParseMediaType(mimetype.Detect(head).String()); err == nil {
		return mt
	}
	return defaultMIME
}

// buildCaption appends the fingerprint marker to the user caption, trimming
// the user part so the whole caption fits the channel limit.
func buildCaption(user, fingerprint string) string {
	marker := captionMarker + fingerprint
	user = strings.TrimSpace(user)
	if user == "" {
		return marker
	}
	room := maxCaption - utf8.RuneCountInString(marker) - 1
	if utf8.RuneCountInString(user) > room {
		user = string([]rune(user)[:room])
	}
	return user + "\n" + marker
}

// parseCaption extracts the fingerprint written by buildCaption.
func parseCaption(caption string) (string, bool) {
	m := captionFingerprint.FindStringSubmatch(caption)
	if m == nil {
		return "", false
	}
	return m[1], true
}
