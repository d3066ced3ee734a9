// Package manifest defines the descriptor prefixed to every distributed
// package and the rules a consumer uses to accept or reject it.
package manifest

import (
	"fmt"
	"time"

	"github.com/BadgerOps/packshare/internal/shareerr"
	version "github.com/hashicorp/go-version"
)

// CurrentFormatVersion is the format written by this producer.
const CurrentFormatVersion = 1

// SupportedFormatVersions lists every format_version a consumer accepts.
// Keep in sync with the enum in schema/manifest.schema.json.
var SupportedFormatVersions = []int{1}

// CategoryName identifies one exportable content category.
type CategoryName string

const (
	Mods          CategoryName = "mods"
	Config        CategoryName = "config"
	ResourcePacks CategoryName = "resourcepacks"
	ShaderPacks   CategoryName = "shaderpacks"
	Saves         CategoryName = "saves"
)

// FileCategories are the categories exported as flat file trees.
var FileCategories = []CategoryName{Mods, Config, ResourcePacks, ShaderPacks}

// Manifest describes a package's contents and provenance.
type Manifest struct {
	FormatVersion   int                `json:"format_version"`
	ProducerVersion string             `json:"producer_version"`
	CreatedAt       time.Time          `json:"created_at"`
	Instance        InstanceDescriptor `json:"instance"`
	Mods            Category           `json:"mods"`
	Config          Category           `json:"config"`
	ResourcePacks   Category           `json:"resourcepacks"`
	ShaderPacks     Category           `json:"shaderpacks"`
	Saves           SavesCategory      `json:"saves"`
	TotalSizeBytes  int64              `json:"total_size_bytes"`
	Archive         ArchiveInfo        `json:"archive"`
}

// InstanceDescriptor identifies the game instance a package was built from.
type InstanceDescriptor struct {
	Name          string `json:"name" yaml:"name"`
	GameVersion   string `json:"game_version" yaml:"game_version"`
	LoaderKind    string `json:"loader_kind" yaml:"loader_kind"`
	LoaderVersion string `json:"loader_version" yaml:"loader_version"`
	IsServer      bool   `json:"is_server" yaml:"is_server"`
	IsProxy       bool   `json:"is_proxy" yaml:"is_proxy"`
}

// Category summarizes one file category. SizeBytes counts bytes actually
// written into the archive.
type Category struct {
	Included  bool  `json:"included"`
	Count     int   `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// SavesCategory lists the exported worlds by name.
type SavesCategory struct {
	Included  bool     `json:"included"`
	Worlds    []string `json:"worlds"`
	SizeBytes int64    `json:"size_bytes"`
}

// Body codecs.
const (
	CompressionZstd = "zstd"
	CompressionXZ   = "xz"
)

// ArchiveInfo describes the body that follows the header.
type ArchiveInfo struct {
	Compression string `json:"compression"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// FileCategory returns a pointer to the named file category, or nil for
// saves and unknown names.
func (m *Manifest) FileCategory(name CategoryName) *Category {
	switch name {
	case Mods:
		return &m.Mods
	case Config:
		return &m.Config
	case ResourcePacks:
		return &m.ResourcePacks
	case ShaderPacks:
		return &m.ShaderPacks
	}
	return nil
}

// IncludedSize sums the sizes of every included category.
func (m *Manifest) IncludedSize() int64 {
	var total int64
	for _, name := range FileCategories {
		if c := m.FileCategory(name); c.Included {
			total += c.SizeBytes
		}
	}
	if m.Saves.Included {
		total += m.Saves.SizeBytes
	}
	return total
}

// IsSupportedFormat reports whether v is a format_version this build reads.
func IsSupportedFormat(v int) bool {
	for _, s := range SupportedFormatVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Validate checks the manifest's version and count/size invariants. It fails
// with a MalformedManifest error and has no side effects.
func Validate(m *Manifest) error {
	if m == nil {
		return malformed("manifest is missing")
	}
	if !IsSupportedFormat(m.FormatVersion) {
		return malformed(fmt.Sprintf("unsupported format_version %d", m.FormatVersion))
	}
	if m.ProducerVersion == "" {
		return malformed("producer_version is required")
	}
	if _, err := version.NewVersion(m.ProducerVersion); err != nil {
		return malformed(fmt.Sprintf("invalid producer_version %q", m.ProducerVersion))
	}
	if m.Instance.Name == "" {
		return malformed("instance.name is required")
	}

	for _, name := range FileCategories {
		c := m.FileCategory(name)
		if c.Count < 0 || c.SizeBytes < 0 {
			return malformed(fmt.Sprintf("%s: negative count or size", name))
		}
		if !c.Included && (c.Count != 0 || c.SizeBytes != 0) {
			return malformed(fmt.Sprintf("%s: excluded category must have count 0 and size 0", name))
		}
	}

	if m.Saves.SizeBytes < 0 {
		return malformed("saves: negative size")
	}
	if !m.Saves.Included && (len(m.Saves.Worlds) != 0 || m.Saves.SizeBytes != 0) {
		return malformed("saves: excluded category must list no worlds")
	}
	seen := make(map[string]bool, len(m.Saves.Worlds))
	for _, w := range m.Saves.Worlds {
		if w == "" {
			return malformed("saves: empty world name")
		}
		if seen[w] {
			return malformed(fmt.Sprintf("saves: duplicate world %q", w))
		}
		seen[w] = true
	}

	if m.TotalSizeBytes != m.IncludedSize() {
		return malformed(fmt.Sprintf("total_size_bytes %d does not match included categories (%d)",
			m.TotalSizeBytes, m.IncludedSize()))
	}
	if m.Archive.Size < 0 {
		return malformed("archive.size is negative")
	}
	return nil
}

func malformed(msg string) error {
	return shareerr.New(shareerr.MalformedManifest, "validate_manifest", "", msg)
}
