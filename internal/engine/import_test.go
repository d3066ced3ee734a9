package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/BadgerOps/packshare/internal/instance"
	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/resolve"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/klauspost/compress/zstd"
)

type fakeResolver struct {
	got []resolve.FileRef
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, files []resolve.FileRef) ([]resolve.Resolution, error) {
	f.got = files
	if f.err != nil {
		return nil, f.err
	}
	var out []resolve.Resolution
	for _, ref := range files {
		out = append(out, resolve.Resolution{Name: ref.Name, SHA1: ref.SHA1, ProjectID: "P-" + ref.Name, VersionID: "V1"})
	}
	return out, nil
}

func newImporter(t *testing.T, r resolve.Resolver) (*Importer, string, *progress.Hub) {
	t.Helper()
	root := t.TempDir()
	hub := progress.NewHub()
	im := NewImporter(instance.NewFSProvider(root, testLogger()), r, nil, hub, t.TempDir(), testLogger())
	return im, root, hub
}

// filterTree keeps the paths under the given top-level prefixes.
func filterTree(paths []string, prefixes ...string) []string {
	var out []string
	for _, p := range paths {
		for _, pre := range prefixes {
			if strings.HasPrefix(p, pre+"/") {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func TestExportImportRoundTrip(t *testing.T) {
	fx := newExportFixture(t)
	opts := ExportOptions{Mods: true, Config: true, ResourcePacks: true, Saves: true, Worlds: []string{"Beta"}}
	prepared, err := fx.builder.PrepareExport(context.Background(), "sky", opts)
	if err != nil {
		t.Fatalf("PrepareExport() error: %v", err)
	}

	im, root, hub := newImporter(t, nil)
	report, err := im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{OperationID: "op-import"})
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	src := listTree(t, filepath.Join(fx.root, "sky"))
	want := filterTree(src, "mods", "config", "resourcepacks", "saves/Beta")
	got := filterTree(listTree(t, filepath.Join(root, "copy")), "mods", "config", "resourcepacks", "shaderpacks", "saves")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("imported files = %v, want %v", got, want)
	}
	for _, rel := range want {
		a, _ := os.ReadFile(filepath.Join(fx.root, "sky", rel))
		b, _ := os.ReadFile(filepath.Join(root, "copy", rel))
		if string(a) != string(b) {
			t.Errorf("%s content differs", rel)
		}
	}
	if report.FilesExtracted != len(want) {
		t.Errorf("FilesExtracted = %d, want %d", report.FilesExtracted, len(want))
	}
	if ev, _ := hub.Last("op-import"); ev.Stage != progress.StageComplete {
		t.Errorf("last import event = %+v", ev)
	}
}

func TestExportImportXZ(t *testing.T) {
	fx := newExportFixture(t)
	b := NewBuilder(fx.provider, nil, nil, BuilderOptions{OutputDir: t.TempDir(), Compression: manifest.CompressionXZ}, testLogger())
	prepared, err := b.PrepareExport(context.Background(), "sky", ExportOptions{Mods: true, Config: true})
	if err != nil {
		t.Fatalf("PrepareExport() error: %v", err)
	}
	if prepared.Manifest.Archive.Compression != manifest.CompressionXZ {
		t.Fatalf("archive compression = %q", prepared.Manifest.Archive.Compression)
	}

	im, root, _ := newImporter(t, nil)
	report, err := im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{})
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if report.FilesExtracted != 4 {
		t.Errorf("FilesExtracted = %d, want 4", report.FilesExtracted)
	}
	data, err := os.ReadFile(filepath.Join(root, "copy", "config", "nested", "deep.toml"))
	if err != nil || string(data) != "a = 1" {
		t.Errorf("deep.toml = %q, %v", data, err)
	}
}

func TestImportRejectsCorruptBody(t *testing.T) {
	fx := newExportFixture(t)
	prepared, err := fx.builder.PrepareExport(context.Background(), "sky", ExportOptions{Mods: true})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(prepared.PackagePath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(prepared.PackagePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	im, root, _ := newImporter(t, nil)
	_, err = im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{})
	if !errors.Is(err, shareerr.ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "copy")); !os.IsNotExist(err) {
		t.Error("corrupt package must not create the instance")
	}
}

func TestImportRejectsTruncatedPackage(t *testing.T) {
	fx := newExportFixture(t)
	prepared, err := fx.builder.PrepareExport(context.Background(), "sky", ExportOptions{Config: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(prepared.PackagePath, prepared.FileSize-5); err != nil {
		t.Fatal(err)
	}

	im, _, _ := newImporter(t, nil)
	_, err = im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{})
	if !errors.Is(err, shareerr.ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
}

// writeCraftedPackage writes m followed by a zstd tar body holding files,
// filling in the archive info so the checksum passes.
func writeCraftedPackage(t *testing.T, m *manifest.Manifest, files map[string]string) string {
	t.Helper()
	var body bytes.Buffer
	zw, err := zstd.NewWriter(&body)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(body.Bytes())
	m.Archive = manifest.ArchiveInfo{
		Compression: manifest.CompressionZstd,
		Size:        int64(body.Len()),
		SHA256:      hex.EncodeToString(sum[:]),
	}
	var pkg bytes.Buffer
	if _, err := manifest.WriteHeader(&pkg, m); err != nil {
		t.Fatal(err)
	}
	pkg.Write(body.Bytes())

	p := filepath.Join(t.TempDir(), "crafted.pkshare")
	if err := os.WriteFile(p, pkg.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestImportRejectsWorldMismatch(t *testing.T) {
	tests := []struct {
		name   string
		worlds []string
		files  map[string]string
	}{
		{
			name:   "undeclared world",
			worlds: []string{"Real"},
			files:  map[string]string{"saves/Ghost/level.dat": "ghost"},
		},
		{
			name:   "extra world",
			worlds: []string{"Real"},
			files:  map[string]string{"saves/Real/level.dat": "real", "saves/Ghost/level.dat": "ghost"},
		},
		{
			name:   "missing world",
			worlds: []string{"Real", "Gone"},
			files:  map[string]string{"saves/Real/level.dat": "real"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var size int64
			for _, c := range tt.files {
				size += int64(len(c))
			}
			m := &manifest.Manifest{
				FormatVersion:   manifest.CurrentFormatVersion,
				ProducerVersion: ProducerVersion,
				Instance:        manifest.InstanceDescriptor{Name: "Skyblock", GameVersion: "1.20.1"},
				Saves:           manifest.SavesCategory{Included: true, Worlds: tt.worlds, SizeBytes: size},
				TotalSizeBytes:  size,
			}
			pkg := writeCraftedPackage(t, m, tt.files)

			im, root, _ := newImporter(t, nil)
			_, err := im.Import(context.Background(), pkg, "copy", ImportOptions{})
			if !errors.Is(err, shareerr.ManifestInvalid) {
				t.Fatalf("expected ManifestInvalid, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(root, "copy")); !os.IsNotExist(err) {
				t.Error("mismatched package must not create the instance")
			}
		})
	}
}

func TestExportImportEmptyWorld(t *testing.T) {
	fx := newExportFixture(t)
	if err := os.MkdirAll(filepath.Join(fx.root, "sky", "saves", "Empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	prepared, err := fx.builder.PrepareExport(context.Background(), "sky", ExportOptions{Saves: true, Worlds: []string{"Empty", "Beta"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := prepared.Manifest.Saves.Worlds; !reflect.DeepEqual(got, []string{"Empty", "Beta"}) {
		t.Fatalf("worlds = %v", got)
	}

	im, root, _ := newImporter(t, nil)
	if _, err := im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	got := filterTree(listTree(t, filepath.Join(root, "copy")), "saves")
	if !reflect.DeepEqual(got, []string{"saves/Beta/level.dat"}) {
		t.Errorf("saves = %v", got)
	}
}

func TestImportRejectsNonPackage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bogus.pkshare")
	if err := os.WriteFile(p, []byte("PK\x03\x04 definitely a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	im, _, _ := newImporter(t, nil)
	if _, err := im.Import(context.Background(), p, "copy", ImportOptions{}); !errors.Is(err, shareerr.ManifestInvalid) {
		t.Fatalf("expected ManifestInvalid, got %v", err)
	}
}

func TestImportReResolve(t *testing.T) {
	fx := newExportFixture(t)
	prepared, err := fx.builder.PrepareExport(context.Background(), "sky", ExportOptions{Mods: true})
	if err != nil {
		t.Fatal(err)
	}

	r := &fakeResolver{}
	im, root, _ := newImporter(t, r)
	report, err := im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{ReResolve: true})
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(r.got) != 2 || report.Resolved != 2 {
		t.Fatalf("resolver saw %d refs, report.Resolved = %d", len(r.got), report.Resolved)
	}
	for _, ref := range r.got {
		if len(ref.SHA1) != 40 {
			t.Errorf("ref %s has sha1 %q", ref.Name, ref.SHA1)
		}
	}

	raw, err := os.ReadFile(filepath.Join(root, "copy", "mods", instance.ResolvedFile))
	if err != nil {
		t.Fatalf("resolutions not written: %v", err)
	}
	var res []resolve.Resolution
	if err := json.Unmarshal(raw, &res); err != nil || len(res) != 2 {
		t.Errorf("resolutions = %+v, %v", res, err)
	}
}

func TestImportResolverFailureIsAWarning(t *testing.T) {
	fx := newExportFixture(t)
	prepared, err := fx.builder.PrepareExport(context.Background(), "sky", ExportOptions{Mods: true})
	if err != nil {
		t.Fatal(err)
	}

	r := &fakeResolver{err: shareerr.New(shareerr.NetworkError, "resolve_mods", "", "catalog down")}
	im, root, _ := newImporter(t, r)
	report, err := im.Import(context.Background(), prepared.PackagePath, "copy", ImportOptions{ReResolve: true})
	if err != nil {
		t.Fatalf("Import() should succeed despite resolver failure: %v", err)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a warning about re-resolution")
	}
	if _, err := os.Stat(filepath.Join(root, "copy", "mods", "sodium.jar")); err != nil {
		t.Errorf("mods not applied: %v", err)
	}
}

func TestEntryCategory(t *testing.T) {
	tests := []struct {
		name string
		want manifest.CategoryName
		ok   bool
	}{
		{"mods/a.jar", manifest.Mods, true},
		{"config/x/y.json", manifest.Config, true},
		{"saves/World/level.dat", manifest.Saves, true},
		{"saves/level.dat", "", false},
		{"mods", "", false},
		{"bin/evil", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := entryCategory(tt.name)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("entryCategory(%q) = %q, %v", tt.name, got, ok)
			}
		})
	}
}

func TestNewerProducerWarning(t *testing.T) {
	if w := newerProducerWarning("99.0.0"); w == "" {
		t.Error("expected warning for newer producer")
	}
	if w := newerProducerWarning("0.0.1"); w != "" {
		t.Errorf("unexpected warning %q", w)
	}
}
