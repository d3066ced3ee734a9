package shareerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorIsKind(t *testing.T) {
	err := Wrap(TunnelUnavailable, "start_seed", "abc123", errors.New("dial failed"), "relay unreachable")
	wrapped := fmt.Errorf("seeding: %w", err)

	if !errors.Is(wrapped, TunnelUnavailable) {
		t.Fatal("expected errors.Is to match TunnelUnavailable")
	}
	if errors.Is(wrapped, RateLimited) {
		t.Fatal("did not expect RateLimited to match")
	}
	if KindOf(wrapped) != TunnelUnavailable {
		t.Errorf("KindOf = %q, want %q", KindOf(wrapped), TunnelUnavailable)
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Errorf("KindOf(plain) = %q, want internal", KindOf(errors.New("plain")))
	}
}

func TestErrorMessageCarriesID(t *testing.T) {
	err := New(AlreadySeeding, "start_seed", "abc123", "export is already seeding")
	msg := err.Error()
	for _, want := range []string{"start_seed", "abc123", "already seeding", "already_seeding"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestErrorIsScopedByID(t *testing.T) {
	err := New(ConnectionLost, "download", "a", "peer went away")
	if !errors.Is(err, &Error{Kind: ConnectionLost}) {
		t.Error("expected match without id")
	}
	if errors.Is(err, &Error{Kind: ConnectionLost, ID: "b"}) {
		t.Error("did not expect match for a different id")
	}
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{TunnelUnavailable, true},
		{NetworkError, true},
		{RateLimited, true},
		{ChecksumMismatch, false},
		{AlreadySeeding, false},
	}
	for _, tt := range tests {
		if got := Retriable(tt.kind); got != tt.want {
			t.Errorf("Retriable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := BackoffDelay(1); d != time.Second {
		t.Errorf("attempt 1 = %s, want 1s", d)
	}
	if d := BackoffDelay(3); d != 4*time.Second {
		t.Errorf("attempt 3 = %s, want 4s", d)
	}
	if d := BackoffDelay(20); d != time.Minute {
		t.Errorf("attempt 20 = %s, want 1m", d)
	}
}
