package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/gorilla/websocket"
)

// fakeRelay implements the relay side of the control and stream protocol.
// Every registered tunnel immediately receives one "open" for stream s1;
// the stream handler plays a public client sending a raw HTTP request.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	refuse   string // non-empty: reply with an error message
	status   int    // non-zero: reject the handshake with this status

	mu       sync.Mutex
	deleted  []string
	response chan []byte
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{response: make(chan []byte, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tunnels", r.handleControl)
	mux.HandleFunc("GET /v1/streams/{id}", r.handleStream)
	mux.HandleFunc("DELETE /v1/tunnels/{id}", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.deleted = append(r.deleted, req.PathValue("id"))
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) handleControl(w http.ResponseWriter, req *http.Request) {
	if r.status != 0 {
		http.Error(w, "nope", r.status)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var reg relayMessage
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != "register" {
		return
	}
	if r.refuse != "" {
		_ = conn.WriteJSON(relayMessage{Type: "error", Message: r.refuse})
		return
	}
	_ = conn.WriteJSON(relayMessage{
		Type:     "ready",
		URL:      fmt.Sprintf("https://t-%d.relay.example", reg.LocalPort),
		TunnelID: "tun-1",
	})
	_ = conn.WriteJSON(relayMessage{Type: "open", StreamID: "s1"})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *fakeRelay) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	request := "GET /hello HTTP/1.1\r\nHost: t.relay.example\r\nConnection: close\r\n\r\n"
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(request)); err != nil {
		return
	}
	var buf bytes.Buffer
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt == websocket.BinaryMessage {
			buf.Write(data)
		}
	}
	r.response <- buf.Bytes()
}

func (r *fakeRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func localPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	_, portStr, _ := net.SplitHostPort(u.Host)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestRelayProviderCarriesStreams(t *testing.T) {
	relay := newFakeRelay(t)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer local.Close()

	p, err := NewRelayProvider(relay.wsURL(), testLogger())
	if err != nil {
		t.Fatalf("NewRelayProvider() error: %v", err)
	}
	port := localPort(t, local)
	h, err := NewSet(testLogger(), p).Open(context.Background(), KindRelay, port, 5*time.Second)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer h.Close()

	if h.URL() != fmt.Sprintf("https://t-%d.relay.example", port) {
		t.Errorf("URL() = %q", h.URL())
	}
	if h.Resource() != "relay:tun-1" {
		t.Errorf("Resource() = %q", h.Resource())
	}

	select {
	case resp := <-relay.response:
		if !bytes.Contains(resp, []byte("200 OK")) || !bytes.Contains(resp, []byte("hello from /hello")) {
			t.Errorf("relayed response = %q", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response relayed from local listener")
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestRelayProviderFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		refuse string
		want   shareerr.Kind
	}{
		{"rate limited handshake", http.StatusTooManyRequests, "", shareerr.RateLimited},
		{"rejected handshake", http.StatusForbidden, "", shareerr.TunnelUnavailable},
		{"relay error", 0, "no capacity", shareerr.TunnelUnavailable},
		{"relay rate error", 0, "rate limit exceeded", shareerr.RateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := newFakeRelay(t)
			relay.status = tt.status
			relay.refuse = tt.refuse
			p, err := NewRelayProvider(relay.wsURL(), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Open(context.Background(), 5000)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestRelayProviderUnreachable(t *testing.T) {
	relay := newFakeRelay(t)
	addr := relay.wsURL()
	relay.srv.Close()

	p, err := NewRelayProvider(addr, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Open(context.Background(), 5000); !errors.Is(err, shareerr.NetworkError) {
		t.Errorf("expected NetworkError, got %v", err)
	}
}

func TestNewRelayProviderURLRules(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"wss://relay.example.net", false},
		{"https://relay.example.net/base/", false},
		{"ws://127.0.0.1:9000", false},
		{"http://localhost:9000", false},
		{"ws://relay.example.net", true},
		{"ftp://relay.example.net", true},
		{"wss://user:pw@relay.example.net", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := NewRelayProvider(tt.url, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRelayProvider(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestRelayForceClose(t *testing.T) {
	relay := newFakeRelay(t)
	p, err := NewRelayProvider(relay.wsURL(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ForceClose(context.Background(), "relay:tun-9"); err != nil {
		t.Fatalf("ForceClose() error: %v", err)
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.deleted) != 1 || relay.deleted[0] != "tun-9" {
		t.Errorf("deleted = %v", relay.deleted)
	}
	if err := p.ForceClose(context.Background(), "pid:12"); err == nil {
		t.Error("expected error for foreign resource")
	}
}
