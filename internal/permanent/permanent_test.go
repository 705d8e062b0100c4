package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	root := errors.New("invalid phone number")
	marked := Mark(root)
	if !Is(marked) {
		t.Fatalf("expected permanent marker")
	}
	if !errors.Is(marked, root) {
		t.Fatalf("expected wrapped root cause")
	}
	if !Is(fmt.Errorf("send sms: %w", marked)) {
		t.Fatalf("expected marker through wrapping")
	}
	if Is(root) {
		t.Fatalf("plain error must not be permanent")
	}
	if Mark(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	err := Errorf("channel %s not configured", "sms")
	if !Is(err) || err.Error() != "channel sms not configured" {
		t.Fatalf("unexpected error: %v", err)
	}
}
