package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Segment reports whether name is usable as a single directory name, such
// as an instance id or a world folder.
func Segment(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("name %q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("name %q contains a path separator", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name contains a NUL byte")
	}
	return nil
}

// EntryName normalizes a slash-separated archive entry name. Names that
// are absolute, climb out of the archive root or use backslashes are
// rejected.
func EntryName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("entry name is empty")
	}
	if strings.ContainsRune(name, '\\') || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("entry name %q has invalid characters", name)
	}
	if path.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("entry name %q is absolute", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("entry name %q has no file component", name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry name %q escapes the archive root", name)
	}
	return clean, nil
}

// SafeJoinUnder joins rel under root and returns the absolute result. rel
// may use either separator; the joined path must stay inside root.
func SafeJoinUnder(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is empty")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return "", fmt.Errorf("path %q resolves to the root itself", rel)
	}
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("absolute paths are not allowed: %q", rel)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	joined := filepath.Join(rootAbs, clean)
	within, err := filepath.Rel(rootAbs, joined)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", rel)
	}
	return joined, nil
}
