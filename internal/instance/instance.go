// Package instance is the narrow boundary to the game-instance storage that
// packshare exports from and imports into.
package instance

import (
	"context"
	"sort"
	"time"

	"github.com/BadgerOps/packshare/internal/manifest"
)

// FileEntry is one regular file captured in a snapshot. RelPath is slash
// separated and relative to the category root.
type FileEntry struct {
	RelPath string
	Size    int64
}

// CategorySnapshot is the captured state of one category (or one world).
type CategorySnapshot struct {
	Root      string
	Files     []FileEntry
	Count     int
	SizeBytes int64
}

// ExportableContent is an immutable snapshot of what a source instance
// offers, captured once per export request.
type ExportableContent struct {
	InstanceID string
	Descriptor manifest.InstanceDescriptor
	CapturedAt time.Time

	categories map[manifest.CategoryName]CategorySnapshot
	worlds     map[string]CategorySnapshot
}

// NewExportableContent assembles a snapshot. The maps are copied.
func NewExportableContent(
	instanceID string,
	desc manifest.InstanceDescriptor,
	categories map[manifest.CategoryName]CategorySnapshot,
	worlds map[string]CategorySnapshot,
	capturedAt time.Time,
) *ExportableContent {
	c := &ExportableContent{
		InstanceID: instanceID,
		Descriptor: desc,
		CapturedAt: capturedAt,
		categories: make(map[manifest.CategoryName]CategorySnapshot, len(categories)),
		worlds:     make(map[string]CategorySnapshot, len(worlds)),
	}
	for k, v := range categories {
		c.categories[k] = cloneSnapshot(v)
	}
	for k, v := range worlds {
		c.worlds[k] = cloneSnapshot(v)
	}
	return c
}

// Category returns the snapshot for a file category. Missing categories
// are reported as empty.
func (c *ExportableContent) Category(name manifest.CategoryName) CategorySnapshot {
	return cloneSnapshot(c.categories[name])
}

// World returns the snapshot for one world.
func (c *ExportableContent) World(name string) (CategorySnapshot, bool) {
	w, ok := c.worlds[name]
	return cloneSnapshot(w), ok
}

// WorldNames returns the available world names in sorted order.
func (c *ExportableContent) WorldNames() []string {
	names := make([]string, 0, len(c.worlds))
	for name := range c.worlds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneSnapshot(s CategorySnapshot) CategorySnapshot {
	out := s
	out.Files = append([]FileEntry(nil), s.Files...)
	return out
}

// ApplyOptions tunes how a package is applied to an instance.
type ApplyOptions struct {
	// Resolutions are catalog matches for the package's mods, recorded
	// alongside the files when non-empty.
	Resolutions []Resolution
}

// Resolution records a catalog match for one mod file.
type Resolution struct {
	Name      string `json:"name"`
	SHA1      string `json:"sha1"`
	ProjectID string `json:"project_id"`
	VersionID string `json:"version_id"`
	URL       string `json:"url"`
}

// ContentProvider enumerates exportable content and applies imported
// packages.
type ContentProvider interface {
	// Exportable captures what instanceID currently offers.
	Exportable(ctx context.Context, instanceID string) (*ExportableContent, error)

	// Apply copies an extracted package tree (laid out by category) into
	// instanceID, creating the instance when it does not exist.
	Apply(ctx context.Context, instanceID, sourceDir string, m *manifest.Manifest, opts ApplyOptions) error
}
