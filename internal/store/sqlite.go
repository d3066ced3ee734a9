package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/packshare/internal/shareerr"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Export Operations
// ============================================================================

// CreateExport inserts a prepared export
func (s *Store) CreateExport(ctx context.Context, e *Export) error {
	const query = `
		INSERT INTO exports (
			export_id, instance_id, instance_name, package_path,
			manifest_json, file_size, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ExportID, e.InstanceID, e.InstanceName, e.PackagePath,
		e.ManifestJSON, e.FileSize, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert export: %w", err)
	}
	return nil
}

// GetExport retrieves an export by id. A missing row is a NotFound error.
func (s *Store) GetExport(ctx context.Context, exportID string) (*Export, error) {
	const query = `
		SELECT export_id, instance_id, instance_name, package_path,
		       manifest_json, file_size, created_at
		FROM exports WHERE export_id = ?
	`

	e := &Export{}
	err := s.db.QueryRowContext(ctx, query, exportID).Scan(
		&e.ExportID, &e.InstanceID, &e.InstanceName, &e.PackagePath,
		&e.ManifestJSON, &e.FileSize, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shareerr.New(shareerr.NotFound, "get_export", exportID, "export not found")
		}
		return nil, fmt.Errorf("failed to query export: %w", err)
	}
	return e, nil
}

// ListExports returns exports, newest first, optionally limited
func (s *Store) ListExports(ctx context.Context, limit int) ([]Export, error) {
	query := `
		SELECT export_id, instance_id, instance_name, package_path,
		       manifest_json, file_size, created_at
		FROM exports ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exports: %w", err)
	}
	defer rows.Close()

	var exports []Export
	for rows.Next() {
		e := Export{}
		if err := rows.Scan(
			&e.ExportID, &e.InstanceID, &e.InstanceName, &e.PackagePath,
			&e.ManifestJSON, &e.FileSize, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		exports = append(exports, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exports: %w", err)
	}
	return exports, nil
}

// ============================================================================
// Share Operations
// ============================================================================

// UpsertShare inserts or replaces the share row for an export
func (s *Store) UpsertShare(ctx context.Context, sh *Share) error {
	const query = `
		INSERT INTO shares (
			export_id, local_port, public_url, provider, tunnel_resource, pid, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(export_id) DO UPDATE SET
			local_port = excluded.local_port,
			public_url = excluded.public_url,
			provider = excluded.provider,
			tunnel_resource = excluded.tunnel_resource,
			pid = excluded.pid,
			started_at = excluded.started_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sh.ExportID, sh.LocalPort, sh.PublicURL, sh.Provider,
		sh.TunnelResource, sh.PID, sh.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert share: %w", err)
	}
	return nil
}

// DeleteShare removes a share row. Deleting a missing row is not an error.
func (s *Store) DeleteShare(ctx context.Context, exportID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM shares WHERE export_id = ?", exportID); err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	return nil
}

// ListShares returns every persisted share, oldest first
func (s *Store) ListShares(ctx context.Context) ([]Share, error) {
	const query = `
		SELECT export_id, local_port, public_url, provider, tunnel_resource, pid, started_at
		FROM shares ORDER BY started_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		sh := Share{}
		if err := rows.Scan(
			&sh.ExportID, &sh.LocalPort, &sh.PublicURL, &sh.Provider,
			&sh.TunnelResource, &sh.PID, &sh.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// ============================================================================
// Transfer Operations
// ============================================================================

// CreateTransfer inserts a new Transfer and sets its ID
func (s *Store) CreateTransfer(ctx context.Context, t *Transfer) error {
	const query = `
		INSERT INTO transfers (
			direction, export_id, path, instance_id, total_size,
			status, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		t.Direction, t.ExportID, t.Path, t.InstanceID, t.TotalSize,
		t.Status, t.ErrorMessage, t.StartTime.UTC(), nullTime(t.EndTime),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	t.ID = id
	return nil
}

// UpdateTransfer updates an existing Transfer by ID
func (s *Store) UpdateTransfer(ctx context.Context, t *Transfer) error {
	const query = `
		UPDATE transfers SET
			direction = ?, export_id = ?, path = ?, instance_id = ?,
			total_size = ?, status = ?, error_message = ?,
			start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		t.Direction, t.ExportID, t.Path, t.InstanceID, t.TotalSize,
		t.Status, t.ErrorMessage, t.StartTime.UTC(), nullTime(t.EndTime), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transfer not found: %d", t.ID)
	}
	return nil
}

// ListTransfers retrieves Transfers, newest first, optionally limited
func (s *Store) ListTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	query := `
		SELECT id, direction, export_id, path, instance_id, total_size,
		       status, error_message, start_time, end_time
		FROM transfers ORDER BY start_time DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		t := Transfer{}
		var end sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.Direction, &t.ExportID, &t.Path, &t.InstanceID,
			&t.TotalSize, &t.Status, &t.ErrorMessage, &t.StartTime, &end,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		if end.Valid {
			t.EndTime = end.Time
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}
	return transfers, nil
}

// FinishTransfer stamps the end time and final status on t.
func (s *Store) FinishTransfer(ctx context.Context, t *Transfer, err error) error {
	t.EndTime = time.Now().UTC()
	t.Status = StatusCompleted
	if err != nil {
		t.Status = StatusFailed
		t.ErrorMessage = err.Error()
	}
	return s.UpdateTransfer(ctx, t)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
