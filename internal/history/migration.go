package history

import (
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 3

// RunMigrations applies any pending database migrations.
func (s *Store) RunMigrations() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	if version < 3 {
		if err := s.migrateToV3(); err != nil {
			return fmt.Errorf("migration to v3 failed: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version, 1 if not set.
func (s *Store) getSchemaVersion() (int, error) {
	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='jsmem_schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 1) FROM jsmem_schema_version").Scan(&version)
	if err != nil {
		return 1, nil
	}
	return version, nil
}

// migrateToV2 adds version tracking and run labels.
func (s *Store) migrateToV2() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS jsmem_schema_version (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return err
	}

	if !s.columnExists("collections", "label") {
		if _, err := s.db.Exec(`ALTER TABLE collections ADD COLUMN label TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO jsmem_schema_version (version) VALUES (?)", 2)
	return err
}

// migrateToV3 indexes runs by start time and strategy.
func (s *Store) migrateToV3() error {
	migrations := []string{
		`CREATE INDEX IF NOT EXISTS idx_collections_started ON collections(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_collections_strategy ON collections(strategy)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO jsmem_schema_version (version) VALUES (?)", 3)
	return err
}

// columnExists checks if a column exists in a table.
func (s *Store) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&count)
	return err == nil && count > 0
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	return s.getSchemaVersion()
}
