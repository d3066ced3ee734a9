// Package tunnel turns a local listener into a publicly reachable URL
// through an interchangeable provider.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/shareerr"
)

// Kind is the closed set of tunnel providers.
type Kind uint8

const (
	KindRelay Kind = iota + 1
	KindEdge
)

// Kinds lists every provider kind.
var Kinds = []Kind{KindRelay, KindEdge}

func (k Kind) String() string {
	switch k {
	case KindRelay:
		return "relay"
	case KindEdge:
		return "edge"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind accepts "relay" or "edge".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relay":
		return KindRelay, nil
	case "edge":
		return KindEdge, nil
	}
	return 0, fmt.Errorf("unknown tunnel provider %q (want relay or edge)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindRelay && k != KindEdge {
		return nil, fmt.Errorf("invalid tunnel kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Handle is an established tunnel. The URL stays reachable until Close or
// process exit.
type Handle interface {
	URL() string
	// Resource identifies the tunnel for ForceClose after a restart.
	Resource() string
	// Close is best-effort and safe to call more than once.
	Close() error
}

// Provider opens tunnels of one kind.
type Provider interface {
	Kind() Kind
	Open(ctx context.Context, localPort int) (Handle, error)
	// ForceClose tears down a tunnel this process no longer tracks.
	ForceClose(ctx context.Context, resource string) error
}

// Set dispatches to the configured provider of each kind.
type Set struct {
	providers map[Kind]Provider
	logger    *slog.Logger
}

// NewSet registers providers by their kind. Later providers replace
// earlier ones of the same kind.
func NewSet(logger *slog.Logger, providers ...Provider) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{providers: make(map[Kind]Provider, len(providers)), logger: logger}
	for _, p := range providers {
		if p != nil {
			s.providers[p.Kind()] = p
		}
	}
	return s
}

// Get returns the provider for kind.
func (s *Set) Get(kind Kind) (Provider, error) {
	p, ok := s.providers[kind]
	if !ok {
		return nil, shareerr.New(shareerr.TunnelUnavailable, "open_tunnel", "",
			fmt.Sprintf("%s provider is not configured", kind))
	}
	return p, nil
}

// Open requests a tunnel to localPort and waits at most timeout for it.
// Running past the bound is a TunnelUnavailable failure; a late handle is
// closed rather than leaked.
func (s *Set) Open(ctx context.Context, kind Kind, localPort int, timeout time.Duration) (Handle, error) {
	p, err := s.Get(kind)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		h   Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := p.Open(openCtx, localPort)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifyOpen(kind, r.err)
		}
		s.logger.Info("tunnel opened", "provider", kind.String(), "public_url", r.h.URL(), "local_port", localPort)
		return r.h, nil
	case <-openCtx.Done():
		go func() {
			if r := <-done; r.h != nil {
				_ = r.h.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shareerr.New(shareerr.TunnelUnavailable, "open_tunnel", "",
			fmt.Sprintf("%s tunnel not ready after %s", kind, timeout))
	}
}

// classifyOpen keeps tunnel-layer kinds and folds anything else into
// TunnelUnavailable.
func classifyOpen(kind Kind, err error) error {
	var se *shareerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return shareerr.Wrap(shareerr.TunnelUnavailable, "open_tunnel", "", err, fmt.Sprintf("%s tunnel timed out", kind))
	}
	return shareerr.Wrap(shareerr.TunnelUnavailable, "open_tunnel", "", err, fmt.Sprintf("%s tunnel failed", kind))
}
