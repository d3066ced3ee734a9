// Package reconcile keeps a client-side mirror of the backend's seed
// sessions. The mirror is eventually consistent and never authoritative:
// the backend owns the share list, and SyncWithBackend replaces the mirror
// wholesale rather than merging into it.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/packshare/internal/server"
)

// maxWarnings bounds the warning history.
const maxWarnings = 20

// Backend is the authoritative source of shares. Both *server.Service and
// *client.Client satisfy it.
type Backend interface {
	GetActiveShares(ctx context.Context) ([]server.ShareInfo, error)
}

// Warning is a non-fatal sync problem surfaced to the user.
type Warning struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Cache mirrors the backend's shares keyed by share id.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	shares    map[string]server.ShareInfo
	warnings  []Warning
	exporting bool
	importing bool
	lastSync  time.Time
}

// NewCache creates an empty cache backed by backend.
func NewCache(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		shares:  make(map[string]server.ShareInfo),
	}
}

// SyncWithBackend replaces the cached shares with the backend's list. On
// failure the cache is left as it was and a warning is recorded.
func (c *Cache) SyncWithBackend(ctx context.Context) error {
	shares, err := c.backend.GetActiveShares(ctx)
	if err != nil {
		c.warn("share sync failed: " + err.Error())
		c.logger.Warn("share sync failed, keeping cached shares", "error", err)
		return err
	}

	next := make(map[string]server.ShareInfo, len(shares))
	for _, sh := range shares {
		next[sh.ShareID] = sh
	}

	c.mu.Lock()
	c.shares = next
	c.lastSync = c.now()
	c.mu.Unlock()
	c.logger.Debug("shares synced", "count", len(next))
	return nil
}

// Run syncs every interval until ctx ends. Failures are recorded as
// warnings and do not stop the loop.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	_ = c.SyncWithBackend(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.SyncWithBackend(ctx)
		}
	}
}

// ApplyMutation records the result of a successful start-seed call
// without waiting for the next sync.
func (c *Cache) ApplyMutation(share server.ShareInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shares[share.ShareID] = share
}

// Remove drops a share after a successful stop-seed call.
func (c *Cache) Remove(shareID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shares, shareID)
}

// Shares returns the cached shares ordered by start time.
func (c *Cache) Shares() []server.ShareInfo {
	c.mu.RLock()
	out := make([]server.ShareInfo, 0, len(c.shares))
	for _, sh := range c.shares {
		out = append(out, sh)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ShareID < out[j].ShareID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns one cached share.
func (c *Cache) Get(shareID string) (server.ShareInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sh, ok := c.shares[shareID]
	return sh, ok
}

// LastSync is the time of the last successful sync.
func (c *Cache) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

func (c *Cache) SetExporting(v bool) {
	c.mu.Lock()
	c.exporting = v
	c.mu.Unlock()
}

func (c *Cache) SetImporting(v bool) {
	c.mu.Lock()
	c.importing = v
	c.mu.Unlock()
}

// Exporting reports whether a client-initiated export is running.
func (c *Cache) Exporting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exporting
}

// Importing reports whether a client-initiated import is running.
func (c *Cache) Importing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.importing
}

// Warnings returns recorded warnings, oldest first.
func (c *Cache) Warnings() []Warning {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Warning, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Cache) warn(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, Warning{At: c.now(), Message: msg})
	if len(c.warnings) > maxWarnings {
		c.warnings = c.warnings[len(c.warnings)-maxWarnings:]
	}
}
