// Package download pulls seeded packages from peers. Every pull runs in
// its own session: a failure in one never affects another.
package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/safety"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/BadgerOps/packshare/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// State is a download session lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateTransferring State = "transferring"
	StateVerifying    State = "verifying"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrCancelled is returned by Wait for sessions ended through Cancel.
var ErrCancelled = errors.New("download cancelled")

// Options configures a Manager.
type Options struct {
	StagingDir   string
	OutputDir    string
	ChunkSize    int64
	StallTimeout time.Duration
	StallAbort   time.Duration
}

// StartOptions configures one download.
type StartOptions struct {
	OperationID string
}

// Result describes a completed download.
type Result struct {
	Path     string
	Manifest *manifest.Manifest
	ExportID string
	Size     int64
	SHA256   string
	Duration time.Duration
}

// DownloadSession is a point-in-time view of a session.
type DownloadSession struct {
	ID              string  `json:"id"`
	SourceURL       string  `json:"source_url"`
	Progress        float64 `json:"progress"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	PeerCount       int     `json:"peer_count"`
	Speed           float64 `json:"speed"`
	State           State   `json:"state"`
	Stalled         bool    `json:"stalled"`
	Error           string  `json:"error,omitempty"`
	Path            string  `json:"path,omitempty"`
}

// Manager starts and tracks download sessions.
type Manager struct {
	client *Client
	store  *store.Store
	hub    *progress.Hub
	opts   Options
	logger *slog.Logger

	now        func() time.Time
	stallCheck time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. store and hub may be nil.
func NewManager(opts Options, st *store.Store, hub *progress.Hub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 15 * time.Second
	}
	if opts.StallAbort < opts.StallTimeout {
		opts.StallAbort = 8 * opts.StallTimeout
	}
	return &Manager{
		client:     NewClient(opts.ChunkSize, logger),
		store:      st,
		hub:        hub,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		stallCheck: time.Second,
		sessions:   make(map[string]*Session),
	}
}

// Session is one in-progress or finished pull.
type Session struct {
	id        string
	sourceURL string
	opID      string
	acc       *Accumulator
	staging   string
	cancel    context.CancelCauseFunc
	done      chan struct{}

	// lastProgress is unix nanos of the last byte received.
	lastProgress atomic.Int64

	mu      sync.Mutex
	state   State
	stalled bool
	peers   int
	err     error
	result  *Result
}

// StartDownload validates publicURL and starts pulling it in the
// background. The returned session is already registered.
func (m *Manager) StartDownload(ctx context.Context, publicURL string, opts StartOptions) (*Session, error) {
	if _, err := safety.ValidateHTTPURL(publicURL); err != nil {
		return nil, shareerr.Wrap(shareerr.NotFound, "start_download", "", err, "invalid seed url")
	}
	for _, dir := range []string{m.opts.StagingDir, m.opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	id := uuid.NewString()
	if opts.OperationID == "" {
		opts.OperationID = "download-" + id
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		id:        id,
		sourceURL: publicURL,
		opID:      opts.OperationID,
		acc:       NewAccumulator(m.now),
		staging:   filepath.Join(m.opts.StagingDir, id+".part"),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateConnecting,
	}
	s.lastProgress.Store(m.now().UnixNano())

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.run(runCtx, s)
	return s, nil
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer close(s.done)
	defer s.cancel(nil)

	log := m.logger.With("download_id", s.id, "source_url", s.sourceURL)
	rep := m.hub.Reporter(s.opID)
	start := m.now()

	tr := &store.Transfer{Direction: "download", Path: s.sourceURL, Status: store.StatusRunning, StartTime: start}
	if m.store != nil {
		if err := m.store.CreateTransfer(ctx, tr); err != nil {
			log.Warn("failed to record transfer", "error", err)
		}
	}

	go m.watchStalls(ctx, s, rep)

	rep.Report(progress.StageTransferring, 0, "connecting to "+s.sourceURL)
	var lastPct float64
	emit := func(ev Event) {
		s.acc.Apply(ev)
		switch ev.(type) {
		case Started:
			s.setState(StateTransferring)
			s.mu.Lock()
			s.peers = 1
			s.mu.Unlock()
		case Progress:
			s.touch(m.now())
			st := s.acc.Stats()
			if st.Percent-lastPct >= 1 {
				lastPct = st.Percent
				rep.Report(progress.StageTransferring, st.Percent, fmt.Sprintf("%s of %s at %s/s",
					humanize.IBytes(uint64(st.Done)), humanize.IBytes(uint64(st.Total)), humanize.IBytes(uint64(st.Speed))))
			}
		}
	}

	res, err := m.transfer(ctx, s, emit, rep)
	if err != nil {
		_ = os.Remove(s.staging)
		state := StateFailed
		if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) || errors.Is(cause, context.Canceled) {
			state, err = StateCancelled, cause
		}
		s.finish(state, nil, err)
		if m.store != nil {
			_ = m.store.FinishTransfer(context.WithoutCancel(ctx), tr, err)
		}
		if state == StateCancelled {
			rep.Report(progress.StageFailed, s.acc.Stats().Percent, "download cancelled")
			log.Info("download cancelled")
		} else {
			rep.Fail(err)
			log.Warn("download failed", "error", err)
		}
		return
	}

	res.Duration = m.now().Sub(start)
	s.finish(StateCompleted, res, nil)
	if m.store != nil {
		tr.ExportID = res.ExportID
		tr.Path = res.Path
		tr.TotalSize = res.Size
		_ = m.store.FinishTransfer(context.WithoutCancel(ctx), tr, nil)
	}
	rep.Complete(fmt.Sprintf("downloaded %s to %s", humanize.IBytes(uint64(res.Size)), res.Path))
	log.Info("download complete", "path", res.Path, "size", res.Size)
}

func (m *Manager) transfer(ctx context.Context, s *Session, emit func(Event), rep *progress.Reporter) (*Result, error) {
	f, err := m.client.fetch(ctx, s.sourceURL, s.staging, func(ev Event) {
		if _, ok := ev.(Finished); ok {
			s.setState(StateVerifying)
			rep.Report(progress.StageVerifying, 100, "checksum verified")
		}
		emit(ev)
	})
	if err != nil {
		return nil, err
	}

	exportID := f.ExportID
	if exportID == "" {
		exportID = s.id
	}
	base := fmt.Sprintf("%s-%s", slug(f.Manifest.Instance.Name), slug(exportID))

	// Last chance for Cancel; after the move the package is complete.
	if cause := context.Cause(ctx); cause != nil {
		return nil, cause
	}
	final, err := placeUnique(s.staging, m.opts.OutputDir, base, ".pkshare")
	if err != nil {
		return nil, fmt.Errorf("moving package into place: %w", err)
	}
	return &Result{Path: final, Manifest: f.Manifest, ExportID: f.ExportID, Size: f.Size, SHA256: f.SHA256}, nil
}

// watchStalls flags the session when no byte arrives for StallTimeout and
// aborts it after StallAbort.
func (m *Manager) watchStalls(ctx context.Context, s *Session, rep *progress.Reporter) {
	ticker := time.NewTicker(m.stallCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := m.now().Sub(time.Unix(0, s.lastProgress.Load()))
		switch {
		case idle >= m.opts.StallAbort:
			s.cancel(shareerr.New(shareerr.ConnectionLost, "download", s.id,
				fmt.Sprintf("no data for %s", idle.Round(time.Second))))
			return
		case idle >= m.opts.StallTimeout:
			s.mu.Lock()
			first := !s.stalled
			s.stalled = true
			s.mu.Unlock()
			if first {
				rep.Warn(progress.StageTransferring, s.acc.Stats().Percent,
					fmt.Sprintf("download stalled, no data for %s", idle.Round(time.Second)))
			}
		}
	}
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots of every session, ordered by id.
func (m *Manager) List() []DownloadSession {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]DownloadSession, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OperationID returns the progress operation id of the session.
func (s *Session) OperationID() string { return s.opID }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() DownloadSession {
	st := s.acc.Stats()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := DownloadSession{
		ID:              s.id,
		SourceURL:       s.sourceURL,
		Progress:        st.Percent,
		DownloadedBytes: st.Done,
		TotalBytes:      st.Total,
		PeerCount:       s.peers,
		Speed:           st.Speed,
		State:           s.state,
		Stalled:         s.stalled,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	if s.result != nil {
		snap.Path = s.result.Path
	}
	if s.state.Terminal() {
		snap.PeerCount = 0
	}
	return snap
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Cancel stops the session and discards staged data. It is a no-op once
// the session has ended.
func (s *Session) Cancel() {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return
	}
	s.cancel(ErrCancelled)
	<-s.done
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.lastProgress.Store(now.UnixNano())
	s.mu.Lock()
	s.stalled = false
	s.mu.Unlock()
}

func (s *Session) finish(st State, res *Result, err error) {
	s.mu.Lock()
	s.state = st
	s.result = res
	s.err = err
	s.mu.Unlock()
}

// maxNameAttempts bounds the "-<n>" suffixes placeUnique tries.
const maxNameAttempts = 1000

// placeUnique moves src into dir as base+ext, or base-<n>+ext when earlier
// pulls already hold that name. An existing file is never replaced.
func placeUnique(src, dir, base, ext string) (string, error) {
	for i := 1; i <= maxNameAttempts; i++ {
		name := base + ext
		if i > 1 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		dst := filepath.Join(dir, name)

		// Link fails with ErrExist instead of replacing, even when two
		// sessions finish the same export at once.
		err := os.Link(src, dst)
		if err == nil {
			_ = os.Remove(src)
			return dst, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		// No hard links here; fall back to check-then-rename.
		if _, serr := os.Lstat(dst); serr == nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return "", err
		}
		return dst, nil
	}
	return "", fmt.Errorf("no free name for %s%s in %s", base, ext, dir)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// slug makes s safe as a file name component.
func slug(s string) string {
	s = strings.Trim(unsafeName.ReplaceAllString(s, "-"), "-.")
	if s == "" {
		return "package"
	}
	return s
}
