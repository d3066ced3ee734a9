// Package resolve matches mod files against a Modrinth-compatible catalog by
// content hash.
package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/instance"
	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
)

// maxResponseBytes caps catalog responses.
const maxResponseBytes = 8 << 20

// FileRef identifies a mod file by name and SHA-1.
type FileRef struct {
	Name string
	SHA1 string
}

// Resolution is a catalog match.
type Resolution = instance.Resolution

// Resolver maps mod files to catalog entries. Unknown files are absent from
// the result rather than reported as errors.
type Resolver interface {
	Resolve(ctx context.Context, files []FileRef) ([]Resolution, error)
}

// CatalogClient queries the version_files endpoint of a catalog.
type CatalogClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCatalogClient validates baseURL and builds a client.
func NewCatalogClient(baseURL, userAgent string, timeout time.Duration, logger *slog.Logger) (*CatalogClient, error) {
	u, err := safety.ValidateHTTPURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("resolver base url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if userAgent == "" {
		userAgent = "packshare"
	}
	return &CatalogClient{
		baseURL:    strings.TrimRight(u.String(), "/"),
		userAgent:  userAgent,
		httpClient: safety.NewHTTPClient(timeout),
		logger:     logger,
	}, nil
}

type versionFilesRequest struct {
	Hashes    []string `json:"hashes"`
	Algorithm string   `json:"algorithm"`
}

type catalogVersion struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Files     []struct {
		URL    string            `json:"url"`
		Hashes map[string]string `json:"hashes"`
	} `json:"files"`
}

// Resolve posts every hash in one request.
func (c *CatalogClient) Resolve(ctx context.Context, files []FileRef) ([]Resolution, error) {
	if len(files) == 0 {
		return nil, nil
	}

	byHash := make(map[string]FileRef, len(files))
	req := versionFilesRequest{Algorithm: "sha1"}
	for _, f := range files {
		h := strings.ToLower(f.SHA1)
		if _, dup := byHash[h]; dup {
			continue
		}
		byHash[h] = f
		req.Hashes = append(req.Hashes, h)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding resolve request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/version_files", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating resolve request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, shareerr.Wrap(shareerr.NetworkError, "resolve_mods", "", err, "catalog request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, shareerr.New(shareerr.RateLimited, "resolve_mods", "", "catalog rate limit reached")
	case resp.StatusCode != http.StatusOK:
		return nil, shareerr.New(shareerr.NetworkError, "resolve_mods", "", fmt.Sprintf("catalog returned HTTP %d", resp.StatusCode))
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, shareerr.Wrap(shareerr.NetworkError, "resolve_mods", "", err, "reading catalog response")
	}

	var versions map[string]catalogVersion
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("decoding catalog response: %w", err)
	}

	out := make([]Resolution, 0, len(versions))
	for hash, v := range versions {
		ref, ok := byHash[strings.ToLower(hash)]
		if !ok {
			continue
		}
		res := Resolution{Name: ref.Name, SHA1: strings.ToLower(hash), ProjectID: v.ProjectID, VersionID: v.ID}
		for _, f := range v.Files {
			if strings.EqualFold(f.Hashes["sha1"], hash) {
				res.URL = f.URL
				break
			}
		}
		if res.URL == "" && len(v.Files) > 0 {
			res.URL = v.Files[0].URL
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	c.logger.Debug("mods resolved", "requested", len(req.Hashes), "matched", len(out))
	return out, nil
}
