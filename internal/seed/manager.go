package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/BadgerOps/packshare/internal/store"
	"github.com/BadgerOps/packshare/internal/tunnel"
	"github.com/dustin/go-humanize"
)

// Options configures a Manager.
type Options struct {
	BindHost      string
	OpenTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Manager owns every active seed session. Sessions never share locks;
// the manager mutex only guards the session map.
type Manager struct {
	tunnels *tunnel.Set
	store   *store.Store
	hub     *progress.Hub
	opts    Options
	logger  *slog.Logger

	// listen is swapped in tests.
	listen func(network, addr string) (net.Listener, error)
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. store and hub may be nil.
func NewManager(tunnels *tunnel.Set, st *store.Store, hub *progress.Hub, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BindHost == "" {
		opts.BindHost = "127.0.0.1"
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	return &Manager{
		tunnels:  tunnels,
		store:    st,
		hub:      hub,
		opts:     opts,
		logger:   logger,
		listen:   net.Listen,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// OperationID is the progress operation id used for seeding exportID.
func OperationID(exportID string) string {
	return "seed-" + exportID
}

// StartSeed binds an ephemeral port, serves the package on it and
// publishes it through a tunnel of the given kind. The session is removed
// again if any step fails.
func (m *Manager) StartSeed(ctx context.Context, prepared *engine.PreparedExport, kind tunnel.Kind) (SeedSession, error) {
	if prepared == nil || prepared.ExportID == "" {
		return SeedSession{}, shareerr.New(shareerr.NotFound, "start_seed", "", "no prepared export given")
	}
	id := prepared.ExportID
	log := m.logger.With("export_id", id, "provider", kind.String())
	rep := m.hub.Reporter(OperationID(id))

	fi, err := os.Stat(prepared.PackagePath)
	if err != nil {
		return SeedSession{}, shareerr.Wrap(shareerr.SourceUnavailable, "start_seed", id, err, "package file is missing")
	}
	manifestJSON, err := json.Marshal(prepared.Manifest)
	if err != nil {
		return SeedSession{}, fmt.Errorf("encoding manifest: %w", err)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &Session{
		exportID:     id,
		packagePath:  prepared.PackagePath,
		manifestJSON: manifestJSON,
		fileSize:     fi.Size(),
		provider:     kind,
		startedAt:    m.now().UTC(),
		state:        StateStarting,
		startDone:    make(chan struct{}),
		cancelStart:  cancel,
		onDelivered:  m.delivered,
		logger:       log,
	}
	if prepared.Manifest != nil {
		s.instanceName = prepared.Manifest.Instance.Name
	}
	defer close(s.startDone)

	m.mu.Lock()
	if _, busy := m.sessions[id]; busy {
		m.mu.Unlock()
		return SeedSession{}, shareerr.New(shareerr.AlreadySeeding, "start_seed", id, "export is already being seeded")
	}
	m.sessions[id] = s
	m.mu.Unlock()

	fail := func(err error) (SeedSession, error) {
		s.setState(StateFailed)
		s.shutdown(m.opts.ShutdownGrace)
		m.remove(s)
		rep.Fail(err)
		log.Warn("seed failed to start", "error", err)
		return SeedSession{}, err
	}

	ln, err := m.listen("tcp", net.JoinHostPort(m.opts.BindHost, "0"))
	if err != nil {
		return fail(shareerr.Wrap(shareerr.NetworkError, "start_seed", id, err, "binding local listener"))
	}
	s.serve(ln)
	s.setState(StateListening)
	port := s.Snapshot().LocalPort
	log.Info("serving package", "local_port", port, "size", fi.Size())

	rep.Report(progress.StageTunneling, 0, fmt.Sprintf("opening %s tunnel for port %d", kind, port))
	h, err := m.tunnels.Open(startCtx, kind, port, m.opts.OpenTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = shareerr.Wrap(shareerr.TunnelUnavailable, "start_seed", id, err, "seed stopped while the tunnel was opening")
		}
		return fail(err)
	}

	s.mu.Lock()
	s.handle = h
	s.publicURL = h.URL()
	s.state = StatePublished
	s.mu.Unlock()

	m.persist(ctx, s, h)
	rep.Report(progress.StageTunneling, 100, "seeding at "+h.URL())
	log.Info("seed published", "public_url", h.URL(), "local_port", port)
	return s.Snapshot(), nil
}

// persist records the share so a later process can clean up after this
// one. A store failure is logged, not fatal to the seed.
func (m *Manager) persist(ctx context.Context, s *Session, h tunnel.Handle) {
	if m.store == nil {
		return
	}
	snap := s.Snapshot()
	row := &store.Share{
		ExportID:       snap.ExportID,
		LocalPort:      snap.LocalPort,
		PublicURL:      h.URL(),
		Provider:       snap.Provider.String(),
		TunnelResource: h.Resource(),
		StartedAt:      snap.StartedAt,
	}
	if p, ok := h.(interface{ PID() int }); ok {
		row.PID = p.PID()
	}
	if err := m.store.UpsertShare(ctx, row); err != nil {
		s.logger.Error("failed to persist share", "error", err)
	}
}

func (m *Manager) delivered(s *Session, n int64) {
	if !m.RecordDownload(s.exportID, n) {
		return
	}
	snap := s.Snapshot()
	m.hub.Reporter(OperationID(s.exportID)).Report(progress.StageTransferring, 100,
		fmt.Sprintf("peer download complete (%d total, %s uploaded)", snap.DownloadCount, humanize.IBytes(uint64(snap.UploadedBytes))))
}

// RecordDownload credits a completed peer download of n bytes to exportID.
// It reports false for unknown sessions and negative sizes.
func (m *Manager) RecordDownload(exportID string, n int64) bool {
	if n < 0 {
		return false
	}
	m.mu.Lock()
	s, ok := m.sessions[exportID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.downloads.Add(1)
	s.uploaded.Add(n)
	return true
}

// StopSeed tears the session down. Unknown ids are a no-op, so calling it
// twice is the same as calling it once.
func (m *Manager) StopSeed(ctx context.Context, exportID string) error {
	m.mu.Lock()
	s, ok := m.sessions[exportID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// A session still opening its tunnel is cancelled and cleans itself up.
	if st := s.currentState(); st == StateStarting || st == StateListening {
		s.cancelStart()
		select {
		case <-s.startDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.currentState() != StatePublished {
			return nil
		}
	}

	s.stopOnce.Do(func() {
		s.stopErr = m.stop(ctx, s)
	})
	return s.stopErr
}

func (m *Manager) stop(ctx context.Context, s *Session) error {
	s.setState(StateStopping)
	s.logger.Info("stopping seed")

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		if err := h.Close(); err != nil {
			s.logger.Warn("closing tunnel", "error", err)
		}
	}
	s.shutdown(m.opts.ShutdownGrace)

	m.remove(s)
	var err error
	if m.store != nil {
		if derr := m.store.DeleteShare(ctx, s.exportID); derr != nil {
			err = fmt.Errorf("removing share row: %w", derr)
		}
	}
	s.setState(StateStopped)
	m.hub.Reporter(OperationID(s.exportID)).Complete("seed stopped")
	return err
}

// remove drops s from the map if it is still the registered session.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.exportID] == s {
		delete(m.sessions, s.exportID)
	}
	m.mu.Unlock()
}

// Get returns the session for exportID.
func (m *Manager) Get(exportID string) (SeedSession, bool) {
	m.mu.Lock()
	s, ok := m.sessions[exportID]
	m.mu.Unlock()
	if !ok {
		return SeedSession{}, false
	}
	return s.Snapshot(), true
}

// List returns all sessions, oldest first.
func (m *Manager) List() []SeedSession {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]SeedSession, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExportID < out[j].ExportID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Recover force-closes every persisted share that has no live session in
// this process. Orphans are never resurrected. It returns how many rows
// were cleaned up.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	rows, err := m.store.ListShares(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing persisted shares: %w", err)
	}

	var errs []error
	cleaned := 0
	for _, row := range rows {
		if _, live := m.Get(row.ExportID); live {
			continue
		}
		log := m.logger.With("export_id", row.ExportID, "provider", row.Provider, "resource", row.TunnelResource)
		if err := m.forceClose(ctx, row); err != nil {
			log.Warn("could not force-close orphaned tunnel", "error", err)
		}
		if err := m.store.DeleteShare(ctx, row.ExportID); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("recovered orphaned share")
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}

func (m *Manager) forceClose(ctx context.Context, row store.Share) error {
	if row.TunnelResource == "" {
		return nil
	}
	kind, err := tunnel.ParseKind(row.Provider)
	if err != nil {
		return err
	}
	p, err := m.tunnels.Get(kind)
	if err != nil {
		return err
	}
	return p.ForceClose(ctx, row.TunnelResource)
}

// Close stops every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopSeed(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
