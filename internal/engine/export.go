// Package engine builds distributable packages from instances and imports
// them back.
package engine

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BadgerOps/packshare/internal/instance"
	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/BadgerOps/packshare/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ProducerVersion is stamped into every manifest. Overridden at link time.
var ProducerVersion = "0.1.0"

// PackageExt is the file extension of a distributable package.
const PackageExt = ".pkshare"

// ExportOptions selects what goes into a package.
type ExportOptions struct {
	Mods          bool     `json:"mods"`
	Config        bool     `json:"config"`
	ResourcePacks bool     `json:"resourcepacks"`
	ShaderPacks   bool     `json:"shaderpacks"`
	Saves         bool     `json:"saves"`
	Worlds        []string `json:"worlds"`
	// OperationID keys progress events; generated when empty.
	OperationID string `json:"operation_id,omitempty"`
}

func (o ExportOptions) includes(name manifest.CategoryName) bool {
	switch name {
	case manifest.Mods:
		return o.Mods
	case manifest.Config:
		return o.Config
	case manifest.ResourcePacks:
		return o.ResourcePacks
	case manifest.ShaderPacks:
		return o.ShaderPacks
	case manifest.Saves:
		return o.Saves
	}
	return false
}

// PreparedExport is a finished package. It is never mutated after creation.
type PreparedExport struct {
	ExportID    string             `json:"export_id"`
	InstanceID  string             `json:"instance_id"`
	PackagePath string             `json:"package_path"`
	FileSize    int64              `json:"file_size"`
	Manifest    *manifest.Manifest `json:"manifest"`
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	OutputDir string

	// Compression is manifest.CompressionZstd (the default) or
	// manifest.CompressionXZ. CompressionLevel only applies to zstd.
	Compression      string
	CompressionLevel int
}

// Builder produces packages from instance snapshots.
type Builder struct {
	instances instance.ContentProvider
	store     *store.Store
	hub       *progress.Hub
	outputDir string
	codec     string
	level     zstd.EncoderLevel
	logger    *slog.Logger
	now       func() time.Time
}

// NewBuilder creates a Builder. store and hub may be nil.
func NewBuilder(instances instance.ContentProvider, st *store.Store, hub *progress.Hub, opts BuilderOptions, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	level := zstd.EncoderLevel(opts.CompressionLevel)
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}
	codec := opts.Compression
	if codec != manifest.CompressionXZ {
		codec = manifest.CompressionZstd
	}
	return &Builder{
		instances: instances,
		store:     st,
		hub:       hub,
		outputDir: opts.OutputDir,
		codec:     codec,
		level:     level,
		logger:    logger,
		now:       time.Now,
	}
}

// packEntry is one file to copy into the archive.
type packEntry struct {
	category manifest.CategoryName
	srcPath  string
	tarPath  string
	size     int64 // size at snapshot time
}

// PrepareExport snapshots instanceID and writes a package reflecting that
// snapshot. Requested worlds that do not exist produce warning events.
func (b *Builder) PrepareExport(ctx context.Context, instanceID string, opts ExportOptions) (*PreparedExport, error) {
	start := b.now()
	exportID := newExportID()
	if opts.OperationID == "" {
		opts.OperationID = "export-" + exportID
	}
	rep := b.hub.Reporter(opts.OperationID)
	rep.Report(progress.StageScanning, 0, fmt.Sprintf("scanning instance %s", instanceID))

	transfer := &store.Transfer{
		Direction:  "export",
		ExportID:   exportID,
		InstanceID: instanceID,
		Status:     store.StatusRunning,
		StartTime:  start,
	}
	b.recordStart(ctx, transfer)

	prepared, err := b.build(ctx, exportID, instanceID, opts, rep)
	if err != nil {
		rep.Fail(err)
		b.recordFinish(ctx, transfer, err)
		b.logger.Error("export failed", "export_id", exportID, "instance_id", instanceID, "error", err)
		return nil, err
	}

	transfer.Path = prepared.PackagePath
	transfer.TotalSize = prepared.FileSize
	if err := b.persist(ctx, exportID, instanceID, prepared); err != nil {
		// Nothing references an unrecorded package.
		if rmErr := os.Remove(prepared.PackagePath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			b.logger.Warn("removing unrecorded package", "path", prepared.PackagePath, "error", rmErr)
		}
		rep.Fail(err)
		b.recordFinish(ctx, transfer, err)
		b.logger.Error("export failed", "export_id", exportID, "instance_id", instanceID, "error", err)
		return nil, err
	}
	b.recordFinish(ctx, transfer, nil)

	rep.Complete(fmt.Sprintf("package ready (%s)", humanize.IBytes(uint64(prepared.FileSize))))
	b.logger.Info("export completed",
		"export_id", exportID,
		"instance_id", instanceID,
		"package", prepared.PackagePath,
		"size", prepared.FileSize,
		"duration", time.Since(start),
	)
	return prepared, nil
}

func (b *Builder) build(ctx context.Context, exportID, instanceID string, opts ExportOptions, rep *progress.Reporter) (*PreparedExport, error) {
	content, err := b.instances.Exportable(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	m := &manifest.Manifest{
		FormatVersion:   manifest.CurrentFormatVersion,
		ProducerVersion: ProducerVersion,
		CreatedAt:       b.now().UTC().Truncate(time.Second),
		Instance:        content.Descriptor,
		Saves:           manifest.SavesCategory{Worlds: []string{}},
	}

	var entries []packEntry
	for _, name := range manifest.FileCategories {
		if !opts.includes(name) {
			continue
		}
		m.FileCategory(name).Included = true
		snap := content.Category(name)
		for _, f := range snap.Files {
			entries = append(entries, packEntry{
				category: name,
				srcPath:  filepath.Join(snap.Root, filepath.FromSlash(f.RelPath)),
				tarPath:  path.Join(string(name), f.RelPath),
				size:     f.Size,
			})
		}
	}

	if opts.Saves {
		m.Saves.Included = true
		seen := make(map[string]bool, len(opts.Worlds))
		for _, world := range opts.Worlds {
			if seen[world] {
				continue
			}
			seen[world] = true
			if err := safety.Segment(world); err != nil {
				b.logger.Warn("invalid world name", "export_id", exportID, "world", world, "error", err)
				rep.Warn(progress.StagePackaging, 0, fmt.Sprintf("world %q is not a valid folder name, skipping", world))
				continue
			}
			snap, ok := content.World(world)
			if !ok {
				b.logger.Warn("requested world not found", "export_id", exportID, "world", world)
				rep.Warn(progress.StagePackaging, 0, fmt.Sprintf("world %q not found in instance, skipping", world))
				continue
			}
			m.Saves.Worlds = append(m.Saves.Worlds, world)
			for _, f := range snap.Files {
				entries = append(entries, packEntry{
					category: manifest.Saves,
					srcPath:  filepath.Join(snap.Root, filepath.FromSlash(f.RelPath)),
					tarPath:  path.Join(string(manifest.Saves), world, f.RelPath),
					size:     f.Size,
				})
			}
		}
	}

	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return nil, classifyFS("prepare_export", exportID, err, "creating output directory")
	}
	bodyPath := filepath.Join(b.outputDir, exportID+".body.tmp")
	pkgPath := filepath.Join(b.outputDir, exportID+PackageExt)
	defer func() {
		_ = os.Remove(bodyPath)
	}()

	rep.Report(progress.StagePackaging, 0, fmt.Sprintf("packaging %d files", len(entries)))
	archive, err := b.writeBody(ctx, bodyPath, exportID, entries, m, rep)
	if err != nil {
		return nil, err
	}
	m.Archive = archive
	m.TotalSizeBytes = m.IncludedSize()

	if err := manifest.Validate(m); err != nil {
		return nil, shareerr.Wrap(shareerr.Internal, "prepare_export", exportID, err, "built manifest failed validation")
	}

	size, err := writePackage(pkgPath, bodyPath, m)
	if err != nil {
		_ = os.Remove(pkgPath)
		return nil, classifyFS("prepare_export", exportID, err, "writing package")
	}

	return &PreparedExport{
		ExportID:    exportID,
		InstanceID:  instanceID,
		PackagePath: pkgPath,
		FileSize:    size,
		Manifest:    m,
	}, nil
}

// compressor wraps w with the builder's codec.
func (b *Builder) compressor(w io.Writer) (io.WriteCloser, error) {
	if b.codec == manifest.CompressionXZ {
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating xz writer: %w", err)
		}
		return xw, nil
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(b.level))
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}
	return zw, nil
}

// writeBody streams entries into a compressed tar file, filling the manifest's
// per-category counts and sizes from what was actually written.
func (b *Builder) writeBody(ctx context.Context, bodyPath, exportID string, entries []packEntry, m *manifest.Manifest, rep *progress.Reporter) (manifest.ArchiveInfo, error) {
	out, err := os.Create(bodyPath)
	if err != nil {
		return manifest.ArchiveInfo{}, classifyFS("prepare_export", exportID, err, "creating archive")
	}
	defer func() {
		_ = out.Close()
	}()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, hasher)}
	zw, err := b.compressor(counter)
	if err != nil {
		return manifest.ArchiveInfo{}, err
	}
	tw := tar.NewWriter(zw)

	var planned, written int64
	for _, e := range entries {
		planned += e.size
	}

	// One directory entry per world, so empty worlds still show up.
	for _, world := range m.Saves.Worlds {
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     path.Join(string(manifest.Saves), world) + "/",
			Mode:     0o755,
			ModTime:  m.CreatedAt,
		}
		if err := tw.WriteHeader(header); err != nil {
			_ = zw.Close()
			return manifest.ArchiveInfo{}, classifyFS("prepare_export", exportID, err, "adding world "+world)
		}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return manifest.ArchiveInfo{}, err
		}
		n, err := addSnapshotFile(tw, e)
		if err != nil {
			_ = zw.Close()
			return manifest.ArchiveInfo{}, classifyFS("prepare_export", exportID, err, fmt.Sprintf("adding %s", e.tarPath))
		}
		written += n
		if e.category == manifest.Saves {
			m.Saves.SizeBytes += n
		} else {
			c := m.FileCategory(e.category)
			c.Count++
			c.SizeBytes += n
		}
		if planned > 0 {
			rep.Report(progress.StagePackaging, float64(written)/float64(planned)*100, e.tarPath)
		}
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return manifest.ArchiveInfo{}, classifyFS("prepare_export", exportID, err, "closing tar writer")
	}
	if err := zw.Close(); err != nil {
		return manifest.ArchiveInfo{}, classifyFS("prepare_export", exportID, err, "closing compressor")
	}
	if err := out.Sync(); err != nil {
		return manifest.ArchiveInfo{}, classifyFS("prepare_export", exportID, err, "syncing archive")
	}

	return manifest.ArchiveInfo{
		Compression: b.codec,
		Size:        counter.n,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// addSnapshotFile copies exactly the snapshot size of e. Growth after the
// snapshot is ignored; a file that shrank or vanished is an error.
func addSnapshotFile(tw *tar.Writer, e packEntry) (int64, error) {
	f, err := os.Open(e.srcPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !stat.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is no longer a regular file: %w", e.srcPath, fs.ErrNotExist)
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     e.tarPath,
		Size:     e.size,
		Mode:     0o644,
		ModTime:  stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	n, err := io.CopyN(tw, f, e.size)
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%s shrank after snapshot: %w", e.srcPath, fs.ErrNotExist)
	}
	return n, err
}

// writePackage writes header+body to pkgPath and returns its size.
func writePackage(pkgPath, bodyPath string, m *manifest.Manifest) (int64, error) {
	body, err := os.Open(bodyPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = body.Close()
	}()

	out, err := os.Create(pkgPath)
	if err != nil {
		return 0, err
	}
	hn, err := manifest.WriteHeader(out, m)
	if err != nil {
		_ = out.Close()
		return 0, err
	}
	bn, err := io.Copy(out, body)
	if err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if bn != m.Archive.Size {
		return 0, fmt.Errorf("body copy wrote %d bytes, expected %d", bn, m.Archive.Size)
	}
	return int64(hn) + bn, nil
}

// persist records a finished export so it can be listed and seeded.
func (b *Builder) persist(ctx context.Context, exportID, instanceID string, prepared *PreparedExport) error {
	if b.store == nil {
		return nil
	}
	doc, err := json.Marshal(prepared.Manifest)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	rec := &store.Export{
		ExportID:     exportID,
		InstanceID:   instanceID,
		InstanceName: prepared.Manifest.Instance.Name,
		PackagePath:  prepared.PackagePath,
		ManifestJSON: string(doc),
		FileSize:     prepared.FileSize,
		CreatedAt:    prepared.Manifest.CreatedAt,
	}
	if err := b.store.CreateExport(ctx, rec); err != nil {
		return fmt.Errorf("recording export: %w", err)
	}
	return nil
}

func (b *Builder) recordStart(ctx context.Context, t *store.Transfer) {
	if b.store == nil {
		return
	}
	if err := b.store.CreateTransfer(ctx, t); err != nil {
		b.logger.Warn("failed to record transfer in store", "error", err)
	}
}

func (b *Builder) recordFinish(ctx context.Context, t *store.Transfer, err error) {
	if b.store == nil || t.ID == 0 {
		return
	}
	if uerr := b.store.FinishTransfer(ctx, t, err); uerr != nil {
		b.logger.Warn("failed to update transfer in store", "error", uerr)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func newExportID() string {
	return uuid.NewString()
}

// classifyFS maps filesystem failures onto the export taxonomy. Errors that
// already carry a kind pass through.
func classifyFS(op, id string, err error, msg string) error {
	var se *shareerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
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
