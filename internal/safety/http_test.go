package safety

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateWebSocketURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"https://relay.example.net/", "wss://relay.example.net", false},
		{"wss://relay.example.net/base/", "wss://relay.example.net/base", false},
		{"http://127.0.0.1:9000", "ws://127.0.0.1:9000", false},
		{"ws://localhost:9000", "ws://localhost:9000", false},
		{"ws://relay.example.net", "", true},
		{"ftp://relay.example.net", "", true},
		{"wss://user:pw@relay.example.net", "", true},
		{"wss://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ValidateWebSocketURL(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateWebSocketURL(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err == nil && u.String() != tt.want {
				t.Errorf("ValidateWebSocketURL(%q) = %q, want %q", tt.raw, u.String(), tt.want)
			}
		})
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("https://quiet-river.trycloudflare.com"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, raw := range []string{"file:///etc/passwd", "https://a:b@host", "http://", "::"} {
		if _, err := ValidateHTTPURL(raw); err == nil {
			t.Errorf("ValidateHTTPURL(%q) should fail", raw)
		}
	}
}

func TestReadAllWithLimit(t *testing.T) {
	if _, err := ReadAllWithLimit(strings.NewReader(`{"hits":[]}`), 4); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}
