package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_qc_products_table",
		Up: `
			CREATE TABLE IF NOT EXISTS qc_products (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				brand TEXT,
				model TEXT,
				category TEXT NOT NULL,
				image_urls TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_qc_products_category ON qc_products(category);
			CREATE INDEX IF NOT EXISTS idx_qc_products_created_at ON qc_products(created_at);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_qc_products_created_at;
			DROP INDEX IF EXISTS idx_qc_products_category;
			DROP TABLE IF EXISTS qc_products;
		`,
	},
	{
		Version: 2,
		Name:    "create_qc_reports_table",
		Up: `
			CREATE TABLE IF NOT EXISTS qc_reports (
				id TEXT PRIMARY KEY,
				product_id TEXT NOT NULL,
				sections TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_qc_reports_product_id ON qc_reports(product_id);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_qc_reports_product_id;
			DROP TABLE IF EXISTS qc_reports;
		`,
	},
	{
		Version: 3,
		Name:    "create_qc_uploads_table",
		Up: `
			CREATE TABLE IF NOT EXISTS qc_uploads (
				id TEXT PRIMARY KEY,
				product_id TEXT NOT NULL,
				file_path TEXT NOT NULL,
				content_type TEXT NOT NULL,
				width INTEGER DEFAULT 0,
				height INTEGER DEFAULT 0,
				file_size_bytes BIGINT DEFAULT 0,
				exif TEXT,
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_qc_uploads_product_id ON qc_uploads(product_id);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_qc_uploads_product_id;
			DROP TABLE IF EXISTS qc_uploads;
		`,
	},
}

// Migrate runs all pending PostgreSQL migrations
func Migrate(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	for _, m := range sorted {
		if m.Version <= currentVersion {
			continue
		}
		if err := runMigration(db, m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS refimage_schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// getCurrentVersion returns the current migration version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM refimage_schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigration applies a single migration inside a transaction
func runMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO refimage_schema_migrations (version, name) VALUES ($1, $2)",
		m.Version, m.Name,
	); err != nil {
		return err
	}

	return tx.Commit()
}
