package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
)

// ExportHeader carries the export id on package responses.
const ExportHeader = "X-Packshare-Export"

// fetched describes a package that was fully staged and verified.
type fetched struct {
	Manifest *manifest.Manifest
	ExportID string
	Size     int64
	SHA256   string
}

// Client streams packages from a seeding peer into a staging file.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	chunkSize  int
}

// NewClient creates a client reading chunkSize bytes per body read.
func NewClient(chunkSize int64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = 256 * 1024
	}
	return &Client{
		// No overall timeout: the stall watchdog bounds slow bodies.
		httpClient: safety.NewHTTPClient(0),
		logger:     logger,
		userAgent:  "packshare/1.0",
		chunkSize:  int(chunkSize),
	}
}

// fetch downloads url into staging. The header is validated before any
// body byte is accepted, and the staged file is a byte-exact copy of the
// package. The caller owns staging on every outcome.
func (c *Client) fetch(ctx context.Context, url, staging string, emit func(Event)) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transferError(ctx, err, "connecting to seed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := shareerr.ConnectionLost
		if resp.StatusCode == http.StatusNotFound {
			kind = shareerr.NotFound
		}
		return nil, shareerr.New(kind, "download", "", fmt.Sprintf("seed answered %s: %s", resp.Status, string(body)))
	}

	m, raw, err := manifest.ReadHeader(resp.Body)
	if err != nil {
		if shareerr.KindOf(err) == shareerr.ManifestInvalid {
			return nil, err
		}
		return nil, transferError(ctx, err, "reading package header")
	}
	total := int64(len(raw)) + m.Archive.Size
	switch {
	case resp.ContentLength > total:
		return nil, shareerr.New(shareerr.ChecksumMismatch, "download", "",
			fmt.Sprintf("seed declares %d bytes but the header describes %d", resp.ContentLength, total))
	case resp.ContentLength >= 0 && resp.ContentLength < total:
		return nil, shareerr.New(shareerr.ConnectionLost, "download", "",
			fmt.Sprintf("seed declares only %d of %d bytes", resp.ContentLength, total))
	}
	emit(Started{ContentLength: total})
	emit(Progress{ChunkLength: len(raw)})

	f, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return nil, fmt.Errorf("writing staging file: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, c.chunkSize)
	remaining := m.Archive.Size
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, rerr := resp.Body.Read(buf[:want])
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("writing staging file: %w", err)
			}
			h.Write(buf[:n])
			remaining -= int64(n)
			emit(Progress{ChunkLength: n})
		}
		if rerr != nil {
			if remaining == 0 && errors.Is(rerr, io.EOF) {
				break
			}
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			return nil, transferError(ctx, rerr, fmt.Sprintf("connection dropped with %d bytes outstanding", remaining))
		}
	}

	// Anything past the declared size means the stream is not the
	// package the header describes.
	var extra [1]byte
	if n, _ := io.ReadFull(resp.Body, extra[:]); n > 0 {
		return nil, shareerr.New(shareerr.ChecksumMismatch, "download", "", "seed sent more bytes than the header declares")
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if sum != m.Archive.SHA256 {
		return nil, shareerr.New(shareerr.ChecksumMismatch, "download", "",
			fmt.Sprintf("archive sha256 %s does not match header %s", sum, m.Archive.SHA256))
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing staging file: %w", err)
	}
	emit(Finished{})

	return &fetched{
		Manifest: m,
		ExportID: resp.Header.Get(ExportHeader),
		Size:     total,
		SHA256:   sum,
	}, nil
}

// transferError maps a transport failure to ConnectionLost unless the
// context says why the transfer ended.
func transferError(ctx context.Context, err error, msg string) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return shareerr.Wrap(shareerr.ConnectionLost, "download", "", err, msg)
}
