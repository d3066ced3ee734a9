package engine

import (
	"archive/tar"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/instance"
	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/resolve"
	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/BadgerOps/packshare/internal/store"
	version "github.com/hashicorp/go-version"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ImportOptions configures an import operation.
type ImportOptions struct {
	// ReResolve matches mods against the catalog before applying.
	ReResolve   bool
	OperationID string
}

// ImportReport summarizes a completed import.
type ImportReport struct {
	InstanceID     string
	Manifest       *manifest.Manifest
	FilesExtracted int
	TotalSize      int64
	Resolved       int
	Warnings       []string
	Duration       time.Duration
}

// Importer verifies packages and applies them to instances.
type Importer struct {
	instances instance.ContentProvider
	resolver  resolve.Resolver
	store     *store.Store
	hub       *progress.Hub
	tempDir   string
	logger    *slog.Logger
}

// NewImporter creates an Importer. resolver, store and hub may be nil.
func NewImporter(instances instance.ContentProvider, resolver resolve.Resolver, st *store.Store, hub *progress.Hub, tempDir string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		instances: instances,
		resolver:  resolver,
		store:     st,
		hub:       hub,
		tempDir:   tempDir,
		logger:    logger,
	}
}

// Import reads the package at packagePath, verifies it and applies its
// contents to instanceID.
func (im *Importer) Import(ctx context.Context, packagePath, instanceID string, opts ImportOptions) (*ImportReport, error) {
	start := time.Now()
	if opts.OperationID == "" {
		opts.OperationID = "import-" + newExportID()
	}
	rep := im.hub.Reporter(opts.OperationID)
	rep.Report(progress.StageVerifying, 0, "verifying package")

	transfer := &store.Transfer{
		Direction:  "import",
		Path:       packagePath,
		InstanceID: instanceID,
		Status:     store.StatusRunning,
		StartTime:  start,
	}
	if im.store != nil {
		if err := im.store.CreateTransfer(ctx, transfer); err != nil {
			im.logger.Warn("failed to record transfer", "error", err)
		}
	}

	report, err := im.run(ctx, packagePath, instanceID, opts, rep)
	if im.store != nil && transfer.ID != 0 {
		if report != nil && report.Manifest != nil {
			transfer.TotalSize = report.TotalSize
		}
		if uerr := im.store.FinishTransfer(ctx, transfer, err); uerr != nil {
			im.logger.Warn("failed to update transfer", "error", uerr)
		}
	}
	if err != nil {
		rep.Fail(err)
		im.logger.Error("import failed", "package", packagePath, "instance_id", instanceID, "error", err)
		return nil, err
	}

	report.Duration = time.Since(start)
	rep.Complete(fmt.Sprintf("imported %d files into %s", report.FilesExtracted, instanceID))
	im.logger.Info("import completed",
		"instance_id", instanceID,
		"files_extracted", report.FilesExtracted,
		"total_size", report.TotalSize,
		"duration", report.Duration,
	)
	return report, nil
}

func (im *Importer) run(ctx context.Context, packagePath, instanceID string, opts ImportOptions, rep *progress.Reporter) (*ImportReport, error) {
	f, err := os.Open(packagePath)
	if err != nil {
		return nil, classifyFS("import_package", instanceID, err, "opening package")
	}
	defer func() {
		_ = f.Close()
	}()

	m, raw, err := manifest.ReadHeader(f)
	if err != nil {
		return nil, err
	}
	report := &ImportReport{InstanceID: instanceID, Manifest: m}
	if w := newerProducerWarning(m.ProducerVersion); w != "" {
		report.Warnings = append(report.Warnings, w)
		rep.Warn(progress.StageVerifying, 0, w)
	}

	bodyOffset := int64(len(raw))
	if err := verifyBody(f, m.Archive); err != nil {
		return nil, err
	}
	rep.Report(progress.StageVerifying, 100, "checksum verified")

	if _, err := f.Seek(bodyOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to package body: %w", err)
	}

	if err := os.MkdirAll(im.tempDir, 0o755); err != nil {
		return nil, classifyFS("import_package", instanceID, err, "creating temp directory")
	}
	workDir, err := os.MkdirTemp(im.tempDir, "import-*")
	if err != nil {
		return nil, classifyFS("import_package", instanceID, err, "creating extraction directory")
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	rep.Report(progress.StageTransferring, 0, "extracting package")
	body, err := extractBody(ctx, io.LimitReader(f, m.Archive.Size), m.Archive, workDir, rep)
	if err != nil {
		return nil, err
	}
	if err := checkBody(m, body); err != nil {
		return nil, err
	}
	for _, n := range body.counts {
		report.FilesExtracted += n
	}
	report.TotalSize = body.written

	var applyOpts instance.ApplyOptions
	if opts.ReResolve && m.Mods.Included && im.resolver != nil {
		refs, err := modRefs(filepath.Join(workDir, string(manifest.Mods)))
		if err != nil {
			return nil, classifyFS("import_package", instanceID, err, "hashing mods")
		}
		res, err := im.resolver.Resolve(ctx, refs)
		if err != nil {
			w := fmt.Sprintf("mod re-resolution skipped: %v", err)
			report.Warnings = append(report.Warnings, w)
			rep.Warn(progress.StageTransferring, 90, w)
			im.logger.Warn("mod re-resolution failed", "instance_id", instanceID, "error", err)
		} else {
			applyOpts.Resolutions = res
			report.Resolved = len(res)
		}
	}

	if err := im.instances.Apply(ctx, instanceID, workDir, m, applyOpts); err != nil {
		return nil, err
	}
	return report, nil
}

// verifyBody hashes exactly archive.Size bytes from r.
func verifyBody(r io.Reader, archive manifest.ArchiveInfo) error {
	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(r, archive.Size))
	if err != nil {
		return shareerr.Wrap(shareerr.ConnectionLost, "verify_package", "", err, "reading package body")
	}
	if n != archive.Size {
		return shareerr.New(shareerr.ChecksumMismatch, "verify_package", "",
			fmt.Sprintf("body is %d bytes, manifest declares %d", n, archive.Size))
	}
	// trailing garbage after the declared body
	if extra, _ := io.Copy(io.Discard, io.LimitReader(r, 1)); extra > 0 {
		return shareerr.New(shareerr.ChecksumMismatch, "verify_package", "", "package has bytes beyond the declared body")
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != archive.SHA256 {
		return shareerr.New(shareerr.ChecksumMismatch, "verify_package", "",
			fmt.Sprintf("expected sha256 %s, got %s", archive.SHA256, got))
	}
	return nil
}

// decompressor opens the body stream for the manifest's codec.
func decompressor(r io.Reader, codec string) (io.ReadCloser, error) {
	switch codec {
	case manifest.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, corrupt(fmt.Errorf("creating zstd reader: %w", err))
		}
		return zr.IOReadCloser(), nil
	case manifest.CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, corrupt(fmt.Errorf("reading xz stream header: %w", err))
		}
		return io.NopCloser(xr), nil
	}
	return nil, shareerr.New(shareerr.MalformedManifest, "import_package", "", fmt.Sprintf("unsupported compression %q", codec))
}

// extractedBody summarizes what extractBody wrote.
type extractedBody struct {
	counts  map[manifest.CategoryName]int
	worlds  map[string]bool
	written int64
}

// extractBody untars the package body into dest, counting regular files
// per top-level category and noting every world folder it sees.
func extractBody(ctx context.Context, r io.Reader, archive manifest.ArchiveInfo, dest string, rep *progress.Reporter) (*extractedBody, error) {
	cr := &countingReader{r: r}
	zr, err := decompressor(cr, archive.Compression)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = zr.Close()
	}()
	compressed := archive.Size

	tr := tar.NewReader(zr)
	body := &extractedBody{
		counts: make(map[manifest.CategoryName]int),
		worlds: make(map[string]bool),
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corrupt(fmt.Errorf("reading tar entry: %w", err))
		}

		// Reject symlinks/hardlinks and other non-regular entries.
		if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeDir {
			return nil, corrupt(fmt.Errorf("unsupported tar entry type for %s: %c", header.Name, header.Typeflag))
		}
		name, err := safety.EntryName(header.Name)
		if err != nil {
			return nil, corrupt(fmt.Errorf("unsafe path in archive: %w", err))
		}
		if world, ok := worldOf(name); ok {
			body.worlds[world] = true
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}

		category, ok := entryCategory(name)
		if !ok {
			return nil, corrupt(fmt.Errorf("entry %q is outside every category", name))
		}
		destPath, err := safety.SafeJoinUnder(dest, name)
		if err != nil {
			return nil, corrupt(fmt.Errorf("unsafe path in archive %q: %w", header.Name, err))
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, classifyFS("import_package", "", err, "creating directory")
		}

		out, err := os.Create(destPath)
		if err != nil {
			return nil, classifyFS("import_package", "", err, "creating file")
		}
		n, err := io.Copy(out, tr)
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, classifyFS("import_package", "", err, fmt.Sprintf("extracting %s", header.Name))
		}

		body.counts[category]++
		body.written += n
		if compressed > 0 {
			rep.Report(progress.StageTransferring, float64(cr.n)/float64(compressed)*100, header.Name)
		}
	}
	return body, nil
}

// entryCategory returns the category owning a tar path. World files live
// under saves/<world>/.
func entryCategory(name string) (manifest.CategoryName, bool) {
	first, rest, found := strings.Cut(path.Clean(name), "/")
	if !found || rest == "" {
		return "", false
	}
	cat := manifest.CategoryName(first)
	switch cat {
	case manifest.Mods, manifest.Config, manifest.ResourcePacks, manifest.ShaderPacks:
		return cat, true
	case manifest.Saves:
		return cat, strings.Contains(rest, "/")
	}
	return "", false
}

// worldOf returns the world folder a saves/<world>[/...] path belongs to.
func worldOf(name string) (string, bool) {
	first, rest, found := strings.Cut(path.Clean(name), "/")
	if !found || manifest.CategoryName(first) != manifest.Saves {
		return "", false
	}
	world, _, _ := strings.Cut(rest, "/")
	return world, world != ""
}

// checkBody compares the extracted files with the manifest's declared
// counts and world list.
func checkBody(m *manifest.Manifest, body *extractedBody) error {
	for _, name := range manifest.FileCategories {
		c := m.FileCategory(name)
		if body.counts[name] != c.Count {
			return shareerr.New(shareerr.ManifestInvalid, "import_package", "",
				fmt.Sprintf("%s: manifest declares %d files, package holds %d", name, c.Count, body.counts[name]))
		}
	}
	if !m.Saves.Included {
		if len(body.worlds) > 0 {
			return shareerr.New(shareerr.ManifestInvalid, "import_package", "", "package holds worlds the manifest excludes")
		}
		return nil
	}
	for _, w := range m.Saves.Worlds {
		if !body.worlds[w] {
			return shareerr.New(shareerr.ManifestInvalid, "import_package", "",
				fmt.Sprintf("saves: manifest lists world %q the package does not hold", w))
		}
	}
	if len(body.worlds) != len(m.Saves.Worlds) {
		for w := range body.worlds {
			if !slices.Contains(m.Saves.Worlds, w) {
				return shareerr.New(shareerr.ManifestInvalid, "import_package", "",
					fmt.Sprintf("saves: package holds world %q the manifest does not list", w))
			}
		}
	}
	return nil
}

// modRefs hashes every jar under dir for catalog lookup.
func modRefs(dir string) ([]resolve.FileRef, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var refs []resolve.FileRef
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".jar") {
			continue
		}
		sum, err := sha1File(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		refs = append(refs, resolve.FileRef{Name: e.Name(), SHA1: sum})
	}
	return refs, nil
}

func sha1File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// newerProducerWarning flags packages written by a newer build.
func newerProducerWarning(producer string) string {
	theirs, err := version.NewVersion(producer)
	if err != nil {
		return ""
	}
	ours, err := version.NewVersion(ProducerVersion)
	if err != nil {
		return ""
	}
	if theirs.GreaterThan(ours) {
		return fmt.Sprintf("package was produced by version %s, newer than %s", theirs, ours)
	}
	return ""
}

func corrupt(err error) error {
	return shareerr.Wrap(shareerr.ManifestInvalid, "import_package", "", err, "package body does not match its manifest")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
