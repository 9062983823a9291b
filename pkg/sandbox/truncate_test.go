package sandbox

import (
	"strings"
	"testing"
)

func TestTruncateUnderCap(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Expected untouched string, got %q", got)
	}
}

func TestTruncateExactlyAtCap(t *testing.T) {
	s := strings.Repeat("a", 50)
	if got := Truncate(s, 50); got != s {
		t.Errorf("Expected untouched string at exact cap, got %d bytes", len(got))
	}
}

func TestTruncateOverCap(t *testing.T) {
	s := strings.Repeat("x", 200)
	got := Truncate(s, 50)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Errorf("Expected truncation marker suffix, got %q", got)
	}
	if len(got) != 50+len(TruncationMarker) {
		t.Errorf("Expected %d bytes, got %d", 50+len(TruncationMarker), len(got))
	}
	if !strings.HasPrefix(got, strings.Repeat("x", 50)) {
		t.Error("Expected truncated output to preserve the prefix")
	}
}

func TestTruncateZeroCapDisables(t *testing.T) {
	s := strings.Repeat("y", 5000)
	if got := Truncate(s, 0); got != s {
		t.Error("Expected zero cap to disable truncation")
	}
}
