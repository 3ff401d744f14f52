package repository

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/and161185/televault/internal/errs"
)

// EncodeMetadata renders asset metadata for the metadata column. Empty maps
// are stored as "".
func EncodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata parses the metadata column. A malformed value means the
// row was not written by this program.
func DecodeMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", errs.ErrCorruptIndex, err)
	}
	return m, nil
}
