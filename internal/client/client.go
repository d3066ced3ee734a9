// Package client talks to a running packshare backend over its local API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/server"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/gorilla/websocket"
)

// Client is an API client. Calls block for as long as the backend
// operation takes; bound them with the context.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// New creates a client for the backend at baseURL, e.g.
// "http://127.0.0.1:7420".
func New(baseURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q: want http(s)://host:port", baseURL)
	}
	return &Client{
		base: u,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger: logger,
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// GetActiveShares lists the backend's seed sessions.
func (c *Client) GetActiveShares(ctx context.Context) ([]server.ShareInfo, error) {
	var out []server.ShareInfo
	if err := c.do(ctx, "get_active_shares", http.MethodGet, "/api/shares", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PrepareExport asks the backend to build a package.
func (c *Client) PrepareExport(ctx context.Context, instanceID string, opts engine.ExportOptions) (*engine.PreparedExport, error) {
	var out engine.PreparedExport
	req := server.ExportRequest{InstanceID: instanceID, Options: opts}
	if err := c.do(ctx, "prepare_export", http.MethodPost, "/api/exports", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSeed starts seeding exportID. An empty provider uses the
// backend's default.
func (c *Client) StartSeed(ctx context.Context, exportID, provider string) (server.ShareInfo, error) {
	var out server.ShareInfo
	req := server.SeedRequest{ExportID: exportID, Provider: provider}
	if err := c.do(ctx, "start_seed", http.MethodPost, "/api/seeds", req, &out); err != nil {
		return server.ShareInfo{}, err
	}
	return out, nil
}

// StopSeed stops seeding exportID. Stopping an unknown export succeeds.
func (c *Client) StopSeed(ctx context.Context, exportID string) error {
	return c.do(ctx, "stop_seed", http.MethodDelete, "/api/seeds/"+url.PathEscape(exportID), nil, nil)
}

// Transfers returns up to limit recent transfers.
func (c *Client) Transfers(ctx context.Context, limit int) ([]server.TransferInfo, error) {
	var out []server.TransferInfo
	path := "/api/transfers"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, "transfers", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Exports returns up to limit prepared exports.
func (c *Client) Exports(ctx context.Context, limit int) ([]server.ExportInfo, error) {
	var out []server.ExportInfo
	path := "/api/exports"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, "exports", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks that the backend is up.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, "health", http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// do sends one request. Failures the backend reports come back as
// *shareerr.Error; an unreachable backend is a NetworkError.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return shareerr.Wrap(shareerr.NetworkError, op, "", err, "backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// decodeError turns an error body back into a *shareerr.Error.
func decodeError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er server.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Kind == "" {
		return shareerr.New(shareerr.Internal, op, "",
			fmt.Sprintf("backend answered %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}
	kind := shareerr.Kind(er.Kind)
	if er.Kind == "bad_request" {
		kind = shareerr.Internal
	}
	return shareerr.New(kind, op, er.ID, er.Error)
}

// WatchProgress subscribes to progress events and calls fn for each one
// until ctx ends or the backend closes the stream. A clean stop through
// ctx returns nil.
func (c *Client) WatchProgress(ctx context.Context, fn func(progress.Event)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/progress/ws"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError("watch_progress", resp)
		}
		if ctx.Err() != nil {
			return nil
		}
		return shareerr.Wrap(shareerr.NetworkError, "watch_progress", "", err, "backend unreachable")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev progress.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("skipping malformed progress frame", "error", err)
				continue
			}
			return shareerr.Wrap(shareerr.ConnectionLost, "watch_progress", "", err, "progress stream dropped")
		}
		fn(ev)
	}
}
