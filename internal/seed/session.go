// Package seed hosts prepared packages for peer download. Each active
// export owns one local listener and one tunnel; the manager is the single
// authority over which exports are being seeded.
package seed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/packshare/internal/tunnel"
)

// State is a seed session lifecycle state.
type State string

const (
	StateStarting  State = "starting"
	StateListening State = "listening"
	StatePublished State = "published"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// SeedSession is a point-in-time view of a session. PublicURL stays nil
// until the tunnel is established.
type SeedSession struct {
	ExportID      string      `json:"export_id"`
	InstanceName  string      `json:"instance_name"`
	PackagePath   string      `json:"package_path"`
	LocalPort     int         `json:"local_port"`
	PublicURL     *string     `json:"public_url"`
	DownloadCount int64       `json:"download_count"`
	UploadedBytes int64       `json:"uploaded_bytes"`
	StartedAt     time.Time   `json:"started_at"`
	FileSize      int64       `json:"file_size"`
	Provider      tunnel.Kind `json:"provider"`
	State         State       `json:"state"`
}

// Session is one hosted export. It is owned by the Manager; callers only
// see snapshots.
type Session struct {
	exportID     string
	instanceName string
	packagePath  string
	manifestJSON []byte
	fileSize     int64
	provider     tunnel.Kind
	startedAt    time.Time

	// counters are only ever added to
	downloads atomic.Int64
	uploaded  atomic.Int64

	mu        sync.Mutex
	state     State
	port      int
	publicURL string
	listener  net.Listener
	server    *http.Server
	handle    tunnel.Handle
	serveDone chan struct{}

	// startDone is closed once StartSeed has returned for this session.
	startDone   chan struct{}
	cancelStart context.CancelFunc
	stopOnce    sync.Once
	stopErr     error

	onDelivered func(s *Session, n int64)
	logger      *slog.Logger
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() SeedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SeedSession{
		ExportID:      s.exportID,
		InstanceName:  s.instanceName,
		PackagePath:   s.packagePath,
		LocalPort:     s.port,
		DownloadCount: s.downloads.Load(),
		UploadedBytes: s.uploaded.Load(),
		StartedAt:     s.startedAt,
		FileSize:      s.fileSize,
		Provider:      s.provider,
		State:         s.state,
	}
	if s.publicURL != "" {
		u := s.publicURL
		snap.PublicURL = &u
	}
	return snap
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// serve starts the package HTTP server on ln.
func (s *Session) serve(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.serveDone = make(chan struct{})
	srv := s.server
	done := s.serveDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("package server stopped", "error", err)
		}
	}()
}

// shutdown stops the HTTP server, giving in-flight peers up to grace
// before their connections are cut.
func (s *Session) shutdown(grace time.Duration) {
	s.mu.Lock()
	srv, done := s.server, s.serveDone
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("peers still downloading at shutdown, closing connections", "error", err)
		_ = srv.Close()
	}
	<-done
}

// routes serves the package at / and /package and its manifest at
// /manifest. GET patterns also answer HEAD.
func (s *Session) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePackage)
	mux.HandleFunc("GET /package", s.handlePackage)
	mux.HandleFunc("GET /manifest", s.handleManifest)
	return mux
}

func (s *Session) handlePackage(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.packagePath)
	if err != nil {
		s.logger.Error("package unavailable", "path", s.packagePath, "error", err)
		http.Error(w, "package unavailable", http.StatusServiceUnavailable)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "package unavailable", http.StatusServiceUnavailable)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(s.packagePath)))
	h.Set("X-Packshare-Export", s.exportID)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	n, err := io.Copy(w, f)
	if err != nil {
		s.logger.Info("peer download interrupted", "remote", r.RemoteAddr, "bytes", n, "error", err)
		return
	}
	if n == fi.Size() && s.onDelivered != nil {
		s.onDelivered(s, n)
	}
}

func (s *Session) handleManifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.manifestJSON)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(s.manifestJSON)
}
