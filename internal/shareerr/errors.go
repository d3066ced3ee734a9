// Package shareerr defines the failure taxonomy shared by the export, seed,
// tunnel and download layers.
package shareerr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind classifies a failure. A Kind is itself an error so callers can write
// errors.Is(err, shareerr.TunnelUnavailable).
type Kind string

const (
	// Export-time
	SourceUnavailable Kind = "source_unavailable"
	DiskFull          Kind = "disk_full"
	PermissionDenied  Kind = "permission_denied"

	// Tunnel layer (transient)
	TunnelUnavailable Kind = "tunnel_unavailable"
	NetworkError      Kind = "network_error"
	RateLimited       Kind = "rate_limited"

	// Import-time integrity
	ManifestInvalid   Kind = "manifest_invalid"
	MalformedManifest Kind = "malformed_manifest"
	ChecksumMismatch  Kind = "checksum_mismatch"
	ConnectionLost    Kind = "connection_lost"

	// Caller misuse
	AlreadySeeding Kind = "already_seeding"
	NotFound       Kind = "not_found"

	Internal Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

// Error is a failure scoped to one operation or export.
type Error struct {
	Kind    Kind
	Op      string // e.g. "prepare_export", "start_seed"
	ID      string // operation or export identifier
	Message string
	Err     error
}

// New builds an Error without an underlying cause.
func New(kind Kind, op, id, msg string) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Message: msg}
}

// Wrap builds an Error around err.
func Wrap(kind Kind, op, id string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Message: msg, Err: err}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Message)
	if e.ID == "" {
		s = fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s [%s]", s, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind or another *Error of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.ID == "" || t.ID == e.ID)
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// Retriable reports whether a caller may retry the failed operation with
// backoff. The core never retries on its own.
func Retriable(kind Kind) bool {
	switch kind {
	case TunnelUnavailable, NetworkError, RateLimited:
		return true
	}
	return false
}

// BackoffDelay suggests how long a caller should wait before retry attempt
// n (1-based). Doubles from one second, capped at one minute.
func BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Second
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
