package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single forward-only schema step. version is its target
// schema_version value; apply runs the DDL/DML for that step.
type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations lists every step beyond the baseline schema created by Open.
// The baseline schema is itself idempotent (CREATE TABLE IF NOT EXISTS), so
// a brand-new database starts at the latest shape and simply records that
// version without running any step; an existing database advances one step
// at a time.
var migrations = []migration{
	{
		version: 1,
		apply: func(ctx context.Context, tx *sql.Tx) error {
			// Baseline: schema.go already creates every table/index at the
			// current shape. This step exists only to seed schema_version
			// for databases that predate the version table.
			return nil
		},
	},
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// runMigrations advances the database to the latest known schema_version,
// applying each pending step inside its own transaction.
func (s *SQLiteStorage) runMigrations(ctx context.Context) error {
	cur, err := currentVersion(ctx, s.db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= cur {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear schema version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		cur = m.version
	}

	return nil
}
