package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"gopkg.in/yaml.v3"
)

// DescriptorFile holds an instance's descriptor inside its directory.
const DescriptorFile = "instance.yaml"

// ResolvedFile is written under mods/ when an import re-resolved mods.
const ResolvedFile = ".resolved.json"

// FSProvider serves instances stored as directories under Root:
//
//	<root>/<id>/instance.yaml
//	<root>/<id>/{mods,config,resourcepacks,shaderpacks}/...
//	<root>/<id>/saves/<world>/...
type FSProvider struct {
	Root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFSProvider creates a provider rooted at root.
func NewFSProvider(root string, logger *slog.Logger) *FSProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSProvider{Root: root, logger: logger, now: time.Now}
}

// Dir returns the directory of instanceID, rejecting ids that escape Root.
func (p *FSProvider) Dir(instanceID string) (string, error) {
	if err := safety.Segment(instanceID); err != nil {
		return "", err
	}
	return safety.SafeJoinUnder(p.Root, instanceID)
}

// Exportable walks the instance directory and captures every category.
func (p *FSProvider) Exportable(ctx context.Context, instanceID string) (*ExportableContent, error) {
	dir, err := p.Dir(instanceID)
	if err != nil {
		return nil, shareerr.Wrap(shareerr.SourceUnavailable, "scan_instance", instanceID, err, "invalid instance id")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, classify("scan_instance", instanceID, err, "instance directory unavailable")
	}

	desc, err := p.readDescriptor(dir, instanceID)
	if err != nil {
		return nil, err
	}

	categories := make(map[manifest.CategoryName]CategorySnapshot, len(manifest.FileCategories))
	for _, name := range manifest.FileCategories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := scanTree(filepath.Join(dir, string(name)))
		if err != nil {
			return nil, classify("scan_instance", instanceID, err, fmt.Sprintf("scanning %s", name))
		}
		categories[name] = snap
	}

	worlds := make(map[string]CategorySnapshot)
	savesDir := filepath.Join(dir, string(manifest.Saves))
	entries, err := os.ReadDir(savesDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, classify("scan_instance", instanceID, err, "listing saves")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, err := scanTree(filepath.Join(savesDir, e.Name()))
		if err != nil {
			return nil, classify("scan_instance", instanceID, err, fmt.Sprintf("scanning world %s", e.Name()))
		}
		worlds[e.Name()] = snap
	}

	p.logger.Debug("instance scanned", "instance_id", instanceID, "worlds", len(worlds))
	return NewExportableContent(instanceID, desc, categories, worlds, p.now().UTC()), nil
}

func (p *FSProvider) readDescriptor(dir, instanceID string) (manifest.InstanceDescriptor, error) {
	desc := manifest.InstanceDescriptor{Name: instanceID}
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if errors.Is(err, fs.ErrNotExist) {
		return desc, nil
	}
	if err != nil {
		return desc, classify("scan_instance", instanceID, err, "reading instance descriptor")
	}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return desc, shareerr.Wrap(shareerr.SourceUnavailable, "scan_instance", instanceID, err, "parsing instance descriptor")
	}
	if desc.Name == "" {
		desc.Name = instanceID
	}
	return desc, nil
}

// scanTree lists regular files below root. A missing root is an empty
// snapshot.
func scanTree(root string) (CategorySnapshot, error) {
	snap := CategorySnapshot{Root: root}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		snap.Files = append(snap.Files, FileEntry{RelPath: filepath.ToSlash(rel), Size: info.Size()})
		snap.SizeBytes += info.Size()
		return nil
	})
	if err != nil {
		return CategorySnapshot{}, err
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].RelPath < snap.Files[j].RelPath })
	snap.Count = len(snap.Files)
	return snap, nil
}

// Apply copies sourceDir into the instance directory.
func (p *FSProvider) Apply(ctx context.Context, instanceID, sourceDir string, m *manifest.Manifest, opts ApplyOptions) error {
	dir, err := p.Dir(instanceID)
	if err != nil {
		return shareerr.Wrap(shareerr.PermissionDenied, "apply_package", instanceID, err, "invalid instance id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classify("apply_package", instanceID, err, "creating instance directory")
	}

	descPath := filepath.Join(dir, DescriptorFile)
	if _, err := os.Stat(descPath); errors.Is(err, fs.ErrNotExist) && m != nil {
		data, err := yaml.Marshal(m.Instance)
		if err != nil {
			return fmt.Errorf("marshaling instance descriptor: %w", err)
		}
		if err := os.WriteFile(descPath, data, 0o644); err != nil {
			return classify("apply_package", instanceID, err, "writing instance descriptor")
		}
	}

	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		dest, err := safety.SafeJoinUnder(dir, rel)
		if err != nil {
			return err
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return classify("apply_package", instanceID, err, "copying package contents")
	}

	if len(opts.Resolutions) > 0 {
		modsDir := filepath.Join(dir, string(manifest.Mods))
		if err := os.MkdirAll(modsDir, 0o755); err != nil {
			return classify("apply_package", instanceID, err, "creating mods directory")
		}
		data, err := json.MarshalIndent(opts.Resolutions, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling resolutions: %w", err)
		}
		if err := os.WriteFile(filepath.Join(modsDir, ResolvedFile), data, 0o644); err != nil {
			return classify("apply_package", instanceID, err, "writing resolutions")
		}
	}

	p.logger.Info("package applied", "instance_id", instanceID, "source", sourceDir)
	return nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// classify maps filesystem errors onto the export-time taxonomy.
func classify(op, id string, err error, msg string) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return shareerr.Wrap(shareerr.DiskFull, op, id, err, msg)
	case errors.Is(err, fs.ErrPermission):
		return shareerr.Wrap(shareerr.PermissionDenied, op, id, err, msg)
	case errors.Is(err, fs.ErrNotExist):
		return shareerr.Wrap(shareerr.SourceUnavailable, op, id, err, msg)
	}
	return shareerr.Wrap(shareerr.SourceUnavailable, op, id, err, msg)
}
