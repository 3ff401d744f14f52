package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestHint(t *testing.T) {
	wrapped := fmt.Errorf("upload big.bin: %w", ErrTransportUnavailable)
	if Hint(wrapped) == "" {
		t.Fatalf("want hint for wrapped ErrTransportUnavailable")
	}
	if Hint(fmt.Errorf("open: %w", ErrCorruptIndex)) == "" {
		t.Fatalf("want hint for ErrCorruptIndex")
	}
	if h := Hint(errors.New("boom")); h != "" {
		t.Fatalf("unexpected hint %q", h)
	}
	if h := Hint(ErrNotFound); h != "" {
		t.Fatalf("unexpected hint for not found: %q", h)
	}
}
