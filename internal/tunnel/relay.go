package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/gorilla/websocket"
)

// relayMessage is the JSON envelope on the relay control channel.
type relayMessage struct {
	Type      string `json:"type"`
	LocalPort int    `json:"local_port,omitempty"`
	URL       string `json:"url,omitempty"`
	TunnelID  string `json:"tunnel_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

const (
	relayWriteWait = 10 * time.Second
	relayPingEvery = 30 * time.Second
	relayReadWait  = 75 * time.Second
)

// RelayProvider publishes a local port through a websocket relay. The
// control channel registers the tunnel; each public connection arrives as
// an "open" message and is carried on its own stream websocket.
type RelayProvider struct {
	base   *url.URL
	dialer websocket.Dialer
	http   *http.Client
	logger *slog.Logger
}

// NewRelayProvider validates relayURL. ws:// and http:// are only accepted
// for loopback relays.
func NewRelayProvider(relayURL string, logger *slog.Logger) (*RelayProvider, error) {
	u, err := safety.ValidateWebSocketURL(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayProvider{
		base:   u,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		http:   safety.NewHTTPClient(15 * time.Second),
		logger: logger,
	}, nil
}

// Kind implements Provider.
func (p *RelayProvider) Kind() Kind { return KindRelay }

func (p *RelayProvider) endpoint(parts ...string) string {
	u := *p.base
	for _, part := range parts {
		u.Path += "/" + url.PathEscape(part)
	}
	return u.String()
}

func (p *RelayProvider) httpEndpoint(parts ...string) string {
	u, _ := url.Parse(p.endpoint(parts...))
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	return u.String()
}

// Open registers localPort with the relay and waits for its public URL.
func (p *RelayProvider) Open(ctx context.Context, localPort int) (Handle, error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.endpoint("v1", "tunnels"), nil)
	if err != nil {
		return nil, dialError(resp, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(relayMessage{Type: "register", LocalPort: localPort}); err != nil {
		_ = conn.Close()
		return nil, shareerr.Wrap(shareerr.NetworkError, "open_tunnel", "", err, "sending relay registration")
	}

	var ready relayMessage
	if err := conn.ReadJSON(&ready); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shareerr.Wrap(shareerr.NetworkError, "open_tunnel", "", err, "waiting for relay")
	}
	switch ready.Type {
	case "ready":
	case "error":
		_ = conn.Close()
		if strings.Contains(strings.ToLower(ready.Message), "rate") {
			return nil, shareerr.New(shareerr.RateLimited, "open_tunnel", "", ready.Message)
		}
		return nil, shareerr.New(shareerr.TunnelUnavailable, "open_tunnel", "", "relay refused tunnel: "+ready.Message)
	default:
		_ = conn.Close()
		return nil, shareerr.New(shareerr.TunnelUnavailable, "open_tunnel", "", fmt.Sprintf("unexpected relay message %q", ready.Type))
	}
	if _, err := safety.ValidateHTTPURL(ready.URL); err != nil || ready.TunnelID == "" {
		_ = conn.Close()
		return nil, shareerr.New(shareerr.TunnelUnavailable, "open_tunnel", "", "relay returned an unusable public url")
	}
	if !stop() {
		return nil, ctx.Err()
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	hctx, cancel := context.WithCancel(context.Background())
	h := &relayHandle{
		provider:  p,
		conn:      conn,
		url:       ready.URL,
		tunnelID:  ready.TunnelID,
		localAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)),
		ctx:       hctx,
		cancel:    cancel,
		logger:    p.logger.With("tunnel_id", ready.TunnelID),
	}
	h.wg.Add(1)
	go h.controlLoop()
	return h, nil
}

// ForceClose asks the relay to drop a tunnel by id. Unknown tunnels are
// already gone.
func (p *RelayProvider) ForceClose(ctx context.Context, resource string) error {
	id, ok := strings.CutPrefix(resource, "relay:")
	if !ok || id == "" {
		return fmt.Errorf("not a relay resource: %q", resource)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.httpEndpoint("v1", "tunnels", id), nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return shareerr.Wrap(shareerr.NetworkError, "force_close", id, err, "contacting relay")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return shareerr.New(shareerr.TunnelUnavailable, "force_close", id, fmt.Sprintf("relay returned HTTP %d", resp.StatusCode))
	}
	return nil
}

func dialError(resp *http.Response, err error) error {
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return shareerr.Wrap(shareerr.RateLimited, "open_tunnel", "", err, "relay rate limit reached")
		}
		return shareerr.Wrap(shareerr.TunnelUnavailable, "open_tunnel", "", err, fmt.Sprintf("relay handshake failed (%d)", resp.StatusCode))
	}
	return shareerr.Wrap(shareerr.NetworkError, "open_tunnel", "", err, "dialing relay")
}

type relayHandle struct {
	provider  *RelayProvider
	conn      *websocket.Conn
	url       string
	tunnelID  string
	localAddr string

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func (h *relayHandle) URL() string      { return h.url }
func (h *relayHandle) Resource() string { return "relay:" + h.tunnelID }

// Close drops the control channel and every open stream.
func (h *relayHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		h.writeMu.Lock()
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tunnel closed"),
			time.Now().Add(time.Second))
		h.writeMu.Unlock()
		_ = h.conn.Close()
		h.wg.Wait()
	})
	return nil
}

func (h *relayHandle) controlLoop() {
	defer h.wg.Done()

	_ = h.conn.SetReadDeadline(time.Now().Add(relayReadWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(relayReadWait))
	})

	go func() {
		ticker := time.NewTicker(relayPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.writeMu.Lock()
				err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait))
				h.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg relayMessage
		if err := h.conn.ReadJSON(&msg); err != nil {
			if h.ctx.Err() == nil {
				h.logger.Warn("relay control channel lost", "error", err)
			}
			return
		}
		_ = h.conn.SetReadDeadline(time.Now().Add(relayReadWait))
		switch msg.Type {
		case "open":
			if msg.StreamID == "" {
				continue
			}
			h.wg.Add(1)
			go func(id string) {
				defer h.wg.Done()
				if err := h.pipeStream(id); err != nil {
					h.logger.Debug("relay stream ended", "stream_id", id, "error", err)
				}
			}(msg.StreamID)
		case "error":
			h.logger.Warn("relay reported error", "message", msg.Message)
		}
	}
}

// pipeStream carries one public connection between a stream websocket and
// a fresh TCP connection to the local listener.
func (h *relayHandle) pipeStream(streamID string) error {
	ws, resp, err := h.provider.dialer.DialContext(h.ctx, h.provider.endpoint("v1", "streams", streamID), nil)
	if err != nil {
		return dialError(resp, err)
	}
	defer ws.Close()

	var d net.Dialer
	local, err := d.DialContext(h.ctx, "tcp", h.localAddr)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "local listener unavailable"),
			time.Now().Add(time.Second))
		return err
	}
	defer local.Close()

	stop := context.AfterFunc(h.ctx, func() {
		_ = ws.Close()
		_ = local.Close()
	})
	defer stop()

	errc := make(chan error, 2)

	// relay -> local
	go func() {
		for {
			mt, r, err := ws.NextReader()
			if err != nil {
				errc <- err
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if _, err := io.Copy(local, r); err != nil {
				errc <- err
				return
			}
		}
	}()

	// local -> relay
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errc <- err
				return
			}
		}
	}()

	err = <-errc
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	return err
}
