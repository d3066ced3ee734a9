package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/manifest"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/seed"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/BadgerOps/packshare/internal/store"
	"github.com/BadgerOps/packshare/internal/tunnel"
)

// Exporter builds packages. *engine.Builder satisfies it.
type Exporter interface {
	PrepareExport(ctx context.Context, instanceID string, opts engine.ExportOptions) (*engine.PreparedExport, error)
}

// ShareInfo is the client-facing view of one seed session, keyed by
// share id (the export id).
type ShareInfo struct {
	ShareID       string    `json:"share_id"`
	InstanceName  string    `json:"instance_name"`
	PackagePath   string    `json:"package_path"`
	PublicURL     *string   `json:"public_url"`
	LocalPort     int       `json:"local_port"`
	Provider      string    `json:"provider"`
	State         string    `json:"state"`
	DownloadCount int64     `json:"download_count"`
	UploadedBytes int64     `json:"uploaded_bytes"`
	FileSize      int64     `json:"file_size"`
	StartedAt     time.Time `json:"started_at"`
}

// ShareFromSession converts a seed snapshot.
func ShareFromSession(s seed.SeedSession) ShareInfo {
	return ShareInfo{
		ShareID:       s.ExportID,
		InstanceName:  s.InstanceName,
		PackagePath:   s.PackagePath,
		PublicURL:     s.PublicURL,
		LocalPort:     s.LocalPort,
		Provider:      s.Provider.String(),
		State:         string(s.State),
		DownloadCount: s.DownloadCount,
		UploadedBytes: s.UploadedBytes,
		FileSize:      s.FileSize,
		StartedAt:     s.StartedAt,
	}
}

// Service is the backend command surface shared by the HTTP API and the
// CLI.
type Service struct {
	exporter        Exporter
	seeds           *seed.Manager
	store           *store.Store
	hub             *progress.Hub
	defaultProvider tunnel.Kind
	logger          *slog.Logger
}

// NewService creates a Service. defaultProvider is used when StartSeed is
// called without one; zero means relay.
func NewService(exp Exporter, seeds *seed.Manager, st *store.Store, hub *progress.Hub, defaultProvider tunnel.Kind, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultProvider == 0 {
		defaultProvider = tunnel.KindRelay
	}
	return &Service{
		exporter:        exp,
		seeds:           seeds,
		store:           st,
		hub:             hub,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// Hub returns the progress hub operations report to.
func (s *Service) Hub() *progress.Hub { return s.hub }

// GetActiveShares lists every live seed session, oldest first.
func (s *Service) GetActiveShares(ctx context.Context) ([]ShareInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessions := s.seeds.List()
	out := make([]ShareInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, ShareFromSession(sess))
	}
	return out, nil
}

// PrepareExport builds a package for instanceID.
func (s *Service) PrepareExport(ctx context.Context, instanceID string, opts engine.ExportOptions) (*engine.PreparedExport, error) {
	if instanceID == "" {
		return nil, shareerr.New(shareerr.NotFound, "prepare_export", "", "instance id is required")
	}
	return s.exporter.PrepareExport(ctx, instanceID, opts)
}

// StartSeed seeds a previously prepared export. An empty provider selects
// the configured default.
func (s *Service) StartSeed(ctx context.Context, exportID, provider string) (ShareInfo, error) {
	kind := s.defaultProvider
	if provider != "" {
		k, err := tunnel.ParseKind(provider)
		if err != nil {
			return ShareInfo{}, shareerr.Wrap(shareerr.NotFound, "start_seed", exportID, err, "unknown provider")
		}
		kind = k
	}

	prepared, err := s.lookupExport(ctx, exportID)
	if err != nil {
		return ShareInfo{}, err
	}
	sess, err := s.seeds.StartSeed(ctx, prepared, kind)
	if err != nil {
		return ShareInfo{}, err
	}
	return ShareFromSession(sess), nil
}

// StopSeed stops seeding exportID. Stopping an unknown export succeeds.
func (s *Service) StopSeed(ctx context.Context, exportID string) error {
	return s.seeds.StopSeed(ctx, exportID)
}

// Transfers returns the most recent transfer history rows.
func (s *Service) Transfers(ctx context.Context, limit int) ([]store.Transfer, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListTransfers(ctx, limit)
}

// Exports returns prepared exports, newest first.
func (s *Service) Exports(ctx context.Context, limit int) ([]store.Export, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListExports(ctx, limit)
}

// Progress returns the latest event of every operation.
func (s *Service) Progress() []progress.Event {
	if s.hub == nil {
		return []progress.Event{}
	}
	return s.hub.Snapshot()
}

// lookupExport rebuilds a PreparedExport from its store row.
func (s *Service) lookupExport(ctx context.Context, exportID string) (*engine.PreparedExport, error) {
	if exportID == "" {
		return nil, shareerr.New(shareerr.NotFound, "start_seed", "", "export id is required")
	}
	if s.store == nil {
		return nil, shareerr.New(shareerr.NotFound, "start_seed", exportID, "export not found")
	}
	rec, err := s.store.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(rec.ManifestJSON), &m); err != nil {
		return nil, shareerr.Wrap(shareerr.ManifestInvalid, "start_seed", exportID, err,
			fmt.Sprintf("stored manifest for %s is unreadable", exportID))
	}
	return &engine.PreparedExport{
		ExportID:    rec.ExportID,
		InstanceID:  rec.InstanceID,
		PackagePath: rec.PackagePath,
		FileSize:    rec.FileSize,
		Manifest:    &m,
	}, nil
}
