package download

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/BadgerOps/packshare/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildPackage returns a header and body whose combined length is total.
func buildPackage(t *testing.T, total int) (header, body []byte) {
	t.Helper()
	m := &manifest.Manifest{
		FormatVersion:   manifest.CurrentFormatVersion,
		ProducerVersion: "0.1.0",
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Instance:        manifest.InstanceDescriptor{Name: "Sky Block", GameVersion: "1.20.1", LoaderKind: "fabric"},
		Mods:            manifest.Category{Included: true, Count: 1, SizeBytes: 10},
		TotalSizeBytes:  10,
		Archive:         manifest.ArchiveInfo{Compression: "zstd"},
	}
	size := total - 300
	for i := 0; i < 4; i++ {
		body = make([]byte, size)
		if _, err := rand.Read(body); err != nil {
			t.Fatal(err)
		}
		sum := sha256.Sum256(body)
		m.Archive.Size = int64(size)
		m.Archive.SHA256 = hex.EncodeToString(sum[:])
		var err error
		header, err = manifest.EncodeHeader(m)
		if err != nil {
			t.Fatal(err)
		}
		if len(header)+size == total {
			return header, body
		}
		size = total - len(header)
	}
	t.Fatalf("could not size package to %d bytes", total)
	return nil, nil
}

// packageServer serves header+body like a seed does.
func packageServer(t *testing.T, header, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(header)+len(body)))
		w.Header().Set(ExportHeader, "abc123")
		_, _ = w.Write(header)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type dlFixture struct {
	mgr     *Manager
	hub     *progress.Hub
	store   *store.Store
	staging string
	out     string
}

func newDLFixture(t *testing.T) *dlFixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	hub := progress.NewHub()
	fx := &dlFixture{
		hub:     hub,
		store:   st,
		staging: filepath.Join(root, "staging"),
		out:     filepath.Join(root, "downloads"),
	}
	fx.mgr = NewManager(Options{
		StagingDir:   fx.staging,
		OutputDir:    fx.out,
		ChunkSize:    16 * 1024,
		StallTimeout: 5 * time.Second,
		StallAbort:   30 * time.Second,
	}, st, hub, testLogger())
	return fx
}

func (fx *dlFixture) wait(t *testing.T, s *Session) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("download did not finish")
	}
	return res, err
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func TestDownloadCompletes(t *testing.T) {
	header, body := buildPackage(t, 200_000)
	srv := packageServer(t, header, body)
	fx := newDLFixture(t)

	s, err := fx.mgr.StartDownload(context.Background(), srv.URL+"/package", StartOptions{OperationID: "op-dl"})
	if err != nil {
		t.Fatalf("StartDownload() error: %v", err)
	}
	res, err := fx.wait(t, s)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	want := filepath.Join(fx.out, "Sky-Block-abc123.pkshare")
	if res.Path != want {
		t.Errorf("Path = %q, want %q", res.Path, want)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 200_000 || string(data[:len(header)]) != string(header) {
		t.Errorf("staged package differs from served package (%d bytes)", len(data))
	}
	if res.ExportID != "abc123" || res.Manifest.Instance.Name != "Sky Block" {
		t.Errorf("result = %+v", res)
	}

	snap := s.Snapshot()
	if snap.State != StateCompleted || snap.Progress != 100 || snap.DownloadedBytes != 200_000 || snap.TotalBytes != 200_000 {
		t.Errorf("snapshot = %+v", snap)
	}
	if names := entries(t, fx.staging); len(names) != 0 {
		t.Errorf("staging not empty: %v", names)
	}
	if ev, _ := fx.hub.Last("op-dl"); ev.Stage != progress.StageComplete {
		t.Errorf("last event = %+v", ev)
	}
	transfers, _ := fx.store.ListTransfers(context.Background(), 10)
	if len(transfers) != 1 || transfers[0].Status != store.StatusCompleted || transfers[0].ExportID != "abc123" {
		t.Errorf("transfers = %+v", transfers)
	}

	// Cancel after completion is a no-op.
	s.Cancel()
	if s.Snapshot().State != StateCompleted {
		t.Error("Cancel changed a completed session")
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("Cancel removed the completed package: %v", err)
	}
}

func TestRepeatedDownloadKeepsEarlierCopy(t *testing.T) {
	header, body := buildPackage(t, 50_000)
	srv := packageServer(t, header, body)
	fx := newDLFixture(t)

	var paths []string
	for i := 0; i < 3; i++ {
		s, err := fx.mgr.StartDownload(context.Background(), srv.URL+"/package", StartOptions{})
		if err != nil {
			t.Fatalf("StartDownload() #%d error: %v", i+1, err)
		}
		res, err := fx.wait(t, s)
		if err != nil {
			t.Fatalf("Wait() #%d error: %v", i+1, err)
		}
		paths = append(paths, res.Path)
	}

	want := []string{
		filepath.Join(fx.out, "Sky-Block-abc123.pkshare"),
		filepath.Join(fx.out, "Sky-Block-abc123-2.pkshare"),
		filepath.Join(fx.out, "Sky-Block-abc123-3.pkshare"),
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("pull #%d path = %q, want %q", i+1, paths[i], want[i])
		}
	}

	if names := entries(t, fx.out); len(names) != 3 {
		t.Errorf("output dir = %v, want three packages", names)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 50_000 || string(data[len(header):]) != string(body) {
		t.Errorf("first download changed (%d bytes)", len(data))
	}
	if names := entries(t, fx.staging); len(names) != 0 {
		t.Errorf("staging not empty: %v", names)
	}
}

func TestPlaceUniqueNeverReplaces(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "pkg.pkshare")
	if err := os.WriteFile(existing, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "staged.part")
	if err := os.WriteFile(src, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := placeUnique(src, dir, "pkg", ".pkshare")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "pkg-2.pkshare") {
		t.Errorf("placeUnique = %q", got)
	}
	if data, _ := os.ReadFile(existing); string(data) != "first" {
		t.Errorf("existing file = %q, want first", data)
	}
	if data, _ := os.ReadFile(got); string(data) != "second" {
		t.Errorf("placed file = %q, want second", data)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present after placeUnique")
	}
}

func TestDownloadConnectionDropped(t *testing.T) {
	header, body := buildPackage(t, 500_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: 500000\r\n\r\n")
		full := append(append([]byte{}, header...), body...)
		_, _ = buf.Write(full[:300_000])
		_ = buf.Flush()
	}))
	defer srv.Close()
	fx := newDLFixture(t)

	s, err := fx.mgr.StartDownload(context.Background(), srv.URL, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = fx.wait(t, s)
	if !errors.Is(err, shareerr.ConnectionLost) {
		t.Fatalf("expected ConnectionLost, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateFailed {
		t.Errorf("State = %s, want failed", snap.State)
	}
	if snap.TotalBytes != 500_000 || snap.DownloadedBytes != 300_000 {
		t.Errorf("bytes = %d/%d, want 300000/500000", snap.DownloadedBytes, snap.TotalBytes)
	}
	if names := entries(t, fx.out); len(names) != 0 {
		t.Errorf("final directory has %v", names)
	}
	if names := entries(t, fx.staging); len(names) != 0 {
		t.Errorf("staging not discarded: %v", names)
	}
}

func TestDownloadRejectsBadPackages(t *testing.T) {
	header, body := buildPackage(t, 50_000)
	tampered := append([]byte{}, body...)
	tampered[len(tampered)/2] ^= 0xff

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    shareerr.Kind
	}{
		{"checksum", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(header)
			_, _ = w.Write(tampered)
		}, shareerr.ChecksumMismatch},
		{"too long", func(w http.ResponseWriter, r *http.Request) {
			// chunked: no Content-Length to stop the reader
			_, _ = w.Write(header)
			w.(http.Flusher).Flush()
			_, _ = w.Write(body)
			_, _ = w.Write([]byte("trailing garbage"))
		}, shareerr.ChecksumMismatch},
		{"not a package", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>tunnel landing page</html>"))
		}, shareerr.ManifestInvalid},
		{"missing", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}, shareerr.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			fx := newDLFixture(t)

			s, err := fx.mgr.StartDownload(context.Background(), srv.URL, StartOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := fx.wait(t, s); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %s", err, tt.want)
			}
			if names := entries(t, fx.out); len(names) != 0 {
				t.Errorf("final directory has %v", names)
			}
			if names := entries(t, fx.staging); len(names) != 0 {
				t.Errorf("staging not discarded: %v", names)
			}
		})
	}
}

// stallingServer sends the header and part of the body, then goes quiet
// until the client gives up.
func stallingServer(t *testing.T, header, body []byte, sent chan<- struct{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(header)+len(body)))
		_, _ = w.Write(header)
		_, _ = w.Write(body[:1000])
		w.(http.Flusher).Flush()
		if sent != nil {
			close(sent)
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadStallDetection(t *testing.T) {
	header, body := buildPackage(t, 20_000)
	srv := stallingServer(t, header, body, nil)
	fx := newDLFixture(t)
	fx.mgr.opts.StallTimeout = 50 * time.Millisecond
	fx.mgr.opts.StallAbort = 400 * time.Millisecond
	fx.mgr.stallCheck = 10 * time.Millisecond

	s, err := fx.mgr.StartDownload(context.Background(), srv.URL, StartOptions{OperationID: "op-stall"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !s.Snapshot().Stalled && !s.Snapshot().State.Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("stall never flagged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Snapshot().Stalled {
		t.Fatalf("session ended before being flagged stalled: %+v", s.Snapshot())
	}

	_, err = fx.wait(t, s)
	if !errors.Is(err, shareerr.ConnectionLost) {
		t.Fatalf("expected ConnectionLost after stall abort, got %v", err)
	}
	failed := false
	for _, ev := range fx.hub.Snapshot() {
		if ev.OperationID == "op-stall" && ev.Stage == progress.StageFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("no terminal event for stalled download")
	}
}

func TestDownloadCancel(t *testing.T) {
	header, body := buildPackage(t, 20_000)
	sent := make(chan struct{})
	srv := stallingServer(t, header, body, sent)
	fx := newDLFixture(t)

	s, err := fx.mgr.StartDownload(context.Background(), srv.URL, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-sent
	deadline := time.Now().Add(5 * time.Second)
	for s.Snapshot().DownloadedBytes == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no bytes received")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Cancel()
	if st := s.Snapshot().State; st != StateCancelled {
		t.Fatalf("State = %s, want cancelled", st)
	}
	if _, err := s.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait() error = %v", err)
	}
	s.Cancel()
	if names := entries(t, fx.staging); len(names) != 0 {
		t.Errorf("staging not discarded: %v", names)
	}
	if names := entries(t, fx.out); len(names) != 0 {
		t.Errorf("final directory has %v", names)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	header, body := buildPackage(t, 40_000)
	good := packageServer(t, header, body)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, _ := w.(http.Hijacker).Hijack()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: 40000\r\n\r\n")
		_, _ = buf.Write(header)
		_ = buf.Flush()
		conn.Close()
	}))
	defer bad.Close()
	fx := newDLFixture(t)

	s1, err := fx.mgr.StartDownload(context.Background(), bad.URL, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := fx.mgr.StartDownload(context.Background(), good.URL, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.wait(t, s1); !errors.Is(err, shareerr.ConnectionLost) {
		t.Errorf("bad session error = %v", err)
	}
	if _, err := fx.wait(t, s2); err != nil {
		t.Errorf("good session error = %v", err)
	}
	if got := fx.mgr.List(); len(got) != 2 {
		t.Errorf("List() = %+v", got)
	}
}

func TestStartDownloadRejectsBadURL(t *testing.T) {
	fx := newDLFixture(t)
	for _, u := range []string{"ftp://peer/x", "not a url", "https://user:pw@peer.example"} {
		if _, err := fx.mgr.StartDownload(context.Background(), u, StartOptions{}); err == nil {
			t.Errorf("StartDownload(%q) should fail", u)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Sky Block":      "Sky-Block",
		"../../etc":      "etc",
		"":               "package",
		"mod_pack-1.2":   "mod_pack-1.2",
		"über/cool pack": "ber-cool-pack",
	}
	for in, want := range tests {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
