package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "context_records",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS context_records (
				id TEXT PRIMARY KEY,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				partition_day TEXT NOT NULL,
				prompt TEXT NOT NULL,
				payload BLOB NOT NULL,
				encoding TEXT NOT NULL DEFAULT 'none',
				classification TEXT NOT NULL,
				error_patterns TEXT NOT NULL DEFAULT '[]',
				success_patterns TEXT NOT NULL DEFAULT '[]',
				files TEXT NOT NULL DEFAULT '[]',
				metadata TEXT NOT NULL DEFAULT '{}',
				tool TEXT NOT NULL DEFAULT '',
				signature TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_context_records_created ON context_records(created_at_epoch DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_context_records_partition ON context_records(partition_day)`,
		},
	},
	{
		version: 2,
		name:    "signature_lookup",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_context_records_signature ON context_records(signature, created_at_epoch)`,
			`CREATE INDEX IF NOT EXISTS idx_context_records_tool ON context_records(tool, created_at_epoch DESC)`,
		},
	},
}

// migrate applies pending migrations, each in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debug().Int("version", m.version).Str("name", m.name).Msg("Applied migration")
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
