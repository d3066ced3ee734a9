package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BadgerOps/packshare/internal/shareerr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *CatalogClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewCatalogClient(srv.URL, "packshare-test", 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewCatalogClient() error: %v", err)
	}
	return c
}

func TestResolveMatchesKnownHashes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/version_files" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ua := r.Header.Get("User-Agent"); ua != "packshare-test" {
			t.Errorf("User-Agent = %q", ua)
		}
		var req versionFilesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Algorithm != "sha1" || len(req.Hashes) != 2 {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"aaaa": {"id": "V1", "project_id": "P1", "files": [{"url": "https://cdn.example/sodium.jar", "hashes": {"sha1": "aaaa"}}]}
		}`)
	})

	got, err := c.Resolve(context.Background(), []FileRef{
		{Name: "sodium.jar", SHA1: "AAAA"},
		{Name: "custom.jar", SHA1: "bbbb"},
		{Name: "sodium-copy.jar", SHA1: "aaaa"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Resolve() = %+v, want one match", got)
	}
	if got[0].Name != "sodium.jar" || got[0].ProjectID != "P1" || got[0].VersionID != "V1" || got[0].URL == "" {
		t.Errorf("resolution = %+v", got[0])
	}
}

func TestResolveEmptyInputSkipsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	got, err := c.Resolve(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("Resolve(nil) = %v, %v", got, err)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   shareerr.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, shareerr.RateLimited},
		{"server error", http.StatusBadGateway, shareerr.NetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.Resolve(context.Background(), []FileRef{{Name: "a.jar", SHA1: "aa"}})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestNewCatalogClientRejectsBadURL(t *testing.T) {
	if _, err := NewCatalogClient("ftp://catalog", "", time.Second, nil); err == nil {
		t.Error("expected error for non-http scheme")
	}
}
