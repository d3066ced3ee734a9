package store

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	version int
	sql     string
}

// migrations are applied in order; versions are never reused.
var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE exports (
				export_id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				instance_name TEXT NOT NULL DEFAULT '',
				package_path TEXT NOT NULL,
				manifest_json TEXT NOT NULL,
				file_size INTEGER DEFAULT 0,
				created_at DATETIME NOT NULL
			);

			CREATE TABLE transfers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				direction TEXT NOT NULL,
				export_id TEXT NOT NULL DEFAULT '',
				path TEXT NOT NULL DEFAULT '',
				instance_id TEXT NOT NULL DEFAULT '',
				total_size INTEGER DEFAULT 0,
				status TEXT DEFAULT 'running',
				error_message TEXT NOT NULL DEFAULT '',
				start_time DATETIME NOT NULL,
				end_time DATETIME
			);
		`,
	},
	{
		version: 2,
		sql: `
			CREATE TABLE shares (
				export_id TEXT PRIMARY KEY,
				local_port INTEGER NOT NULL,
				public_url TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL,
				tunnel_resource TEXT NOT NULL DEFAULT '',
				pid INTEGER NOT NULL DEFAULT 0,
				started_at DATETIME NOT NULL
			);

			CREATE INDEX idx_transfers_export ON transfers(export_id);
		`,
	},
}

// migrate brings the schema up to the newest migration.
func (s *Store) migrate() error {
	const createMigrationsTableSQL = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	s.logger.Debug("current schema version", "version", current)

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		s.logger.Info("running migration", "version", mig.version)
		if err := s.apply(mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}
	return nil
}

// apply executes mig and records its version in one transaction.
func (s *Store) apply(mig migration) (err error) {
	var tx *sql.Tx
	if tx, err = s.db.Begin(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(mig.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err = tx.Exec("INSERT INTO migrations (version) VALUES (?)", mig.version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}
