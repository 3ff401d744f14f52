// Package model defines domain entities used by services, repositories and transports.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Profile names a transport capability envelope.
type Profile string

const (
	// ProfileLight is the bot-token-only transport: small objects, whole reads.
	ProfileLight Profile = "light"
	// ProfileFull is the api_id/api_hash transport: large objects, byte ranges.
	ProfileFull Profile = "full"
)

// ParseProfile validates a stored or configured profile name.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileLight, ProfileFull:
		return p, nil
	default:
		return "", fmt.Errorf("unknown transport profile %q", s)
	}
}

// RemoteRef is the opaque handle needed to re-fetch an object from the channel.
type RemoteRef struct {
	ChannelID int64  // channel the message lives in
	MessageID int    // channel message id
	FileID    string // Bot API file handle of the attached document
}

// IsZero reports whether the reference was never assigned.
func (r RemoteRef) IsZero() bool { return r.MessageID == 0 && r.FileID == "" }

// Asset is one uploaded object.
type Asset struct {
	ID            int64     // local autoincrement id
	Fingerprint   string    // hex SHA-256 of the content, unique
	Remote        RemoteRef // immutable once written
	SizeBytes     int64
	MIMEType      string
	OriginalName  string
	OriginalPath  string            // absolute local path at upload time; "" for streams and rebuilt rows
	Metadata      map[string]string // free-form user attributes
	TransportUsed Profile
	CreatedAt     time.Time
}

// Album is a named grouping of assets.
type Album struct {
	ID          int64
	Name        string // unique
	Description string
	CreatedAt   time.Time
	AssetCount  int64 // filled by listing queries only
}

// ByteRange is a half-open range [Start, End). End < 0 means "to the end of the object".
type ByteRange struct {
	Start int64
	End   int64
}

// OpenRange returns the range [start, EOF).
func OpenRange(start int64) ByteRange { return ByteRange{Start: start, End: -1} }

// ClosedRange returns the range [start, end).
func ClosedRange(start, end int64) ByteRange { return ByteRange{Start: start, End: end} }

// Validate rejects ranges that are malformed regardless of object size.
func (r ByteRange) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("range start %d is negative", r.Start)
	}
	if r.End >= 0 && r.End < r.Start {
		return fmt.Errorf("range end %d before start %d", r.End, r.Start)
	}
	return nil
}

// Clamp resolves the range against an object of the given size. The result
// is always closed and lies within [0, size]; a start past the end yields an
// empty range at size.
func (r ByteRange) Clamp(size int64) ByteRange {
	start, end := r.Start, r.End
	if end < 0 || end > size {
		end = size
	}
	if start > end {
		start = end
	}
	return ByteRange{Start: start, End: end}
}

// Len returns the byte count of a closed range.
func (r ByteRange) Len() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start
}

// IsWhole reports whether the closed range covers an object of the given size entirely.
func (r ByteRange) IsWhole(size int64) bool { return r.Start == 0 && r.End == size }

// String renders the range in HTTP Range syntax (inclusive end).
func (r ByteRange) String() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

// ListFilter narrows ListAssets results.
type ListFilter struct {
	Album        string // album name, exact
	MIMECategory string // "image", "video" or a full type prefix like "image/png"
	Query        string // case-insensitive substring of the original name
	Limit        int
	Offset       int
}

// Listing bounds applied by repositories.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Normalize applies default and maximum limits.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.MIMECategory = strings.ToLower(strings.TrimSpace(f.MIMECategory))
	f.Query = strings.TrimSpace(f.Query)
	return f
}

// MIMEPattern returns the SQL LIKE pattern for the category, or "" for no filter.
func (f ListFilter) MIMEPattern() string {
	c := f.MIMECategory
	switch {
	case c == "":
		return ""
	case strings.Contains(c, "/"):
		return c + "%"
	default:
		return c + "/%"
	}
}

// UploadResult reports the outcome of a single upload.
type UploadResult struct {
	Asset     Asset
	Duplicate bool // the content was already indexed; no remote call was made
}

// FileFailure is one failed item of a batch upload.
type FileFailure struct {
	Path string
	Err  error
}

// BatchReport summarizes a directory upload.
type BatchReport struct {
	Uploaded int
	Skipped  int
	Failed   int
	Failures []FileFailure
}

// Stats summarizes the index.
type Stats struct {
	TotalAssets int64
	TotalBytes  int64
	Albums      int64
	ByTransport map[Profile]int64
	DBSizeBytes int64 // storage used by the index itself
}

// CleanupReport summarizes a local-copy cleanup pass.
type CleanupReport struct {
	Removed    int   // local files deleted
	FreedBytes int64 // bytes those files occupied
	Changed    int   // files kept because their content no longer matches the stored asset
	Missing    int   // recorded paths that no longer exist
	Failures   []FileFailure
}

// RemoteMessage is a document message read back from the channel history.
type RemoteMessage struct {
	Ref      RemoteRef
	Caption  string
	FileName string
	MIMEType string
	Size     int64
	Date     time.Time
}

// RebuildReport summarizes a rebuild-from-remote pass.
type RebuildReport struct {
	Scanned       int // document messages inspected
	Recovered     int // new asset rows written
	Skipped       int // fingerprint already indexed
	Failed        int // messages that could not be hashed or written
	LastMessageID int // cursor after the pass
}
