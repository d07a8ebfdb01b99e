package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the engine-owned tables in-place:
// court_coordinates and court_assignments. Registry tables are never touched.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS courtsync_schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,
		`INSERT INTO courtsync_schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS court_coordinates (
			court_id BIGINT PRIMARY KEY,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			geocoded_address TEXT,
			content_hash TEXT NOT NULL,
			deleted_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_court_coordinates_deleted ON court_coordinates(deleted_at)`,

		`CREATE TABLE IF NOT EXISTS court_assignments (
			client_id BIGINT PRIMARY KEY,
			claim_id BIGINT NOT NULL,
			client_identification TEXT,
			client_address TEXT,
			client_city TEXT,
			court_id BIGINT,
			court_name TEXT,
			-- outcome is the discriminant; court_name keeps the legacy sentinel text.
			outcome TEXT NOT NULL,
			distance_km DOUBLE PRECISION,
			tier TEXT,
			content_hash TEXT NOT NULL,
			assigned_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_court_assignments_court_id ON court_assignments(court_id)`,
		`CREATE INDEX IF NOT EXISTS idx_court_assignments_outcome ON court_assignments(outcome)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM courtsync_schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: assigned_at ordering for the operator listing.
	if current < 2 {
		if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_court_assignments_assigned_at ON court_assignments(assigned_at)`); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE courtsync_schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// MigrateRegistry creates the registry tables the engine reads from
// (courts, clients, cities, client_addresses, claims) when they are missing.
//
// Production registries are owned elsewhere; this exists for embedded
// deployments, demos and tests.
func MigrateRegistry(ctx context.Context, db *sqlx.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS courts (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT,
			city TEXT,
			tier TEXT,
			status TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			id BIGINT PRIMARY KEY,
			identification TEXT,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cities (
			id BIGINT PRIMARY KEY,
			city_name TEXT NOT NULL,
			department TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS client_addresses (
			id BIGINT PRIMARY KEY,
			client_id BIGINT NOT NULL,
			address TEXT,
			neighborhood TEXT,
			city_id BIGINT,
			is_active INTEGER NOT NULL DEFAULT 1,
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_client_addresses_client ON client_addresses(client_id)`,
		`CREATE TABLE IF NOT EXISTS claims (
			id BIGINT PRIMARY KEY,
			client_id BIGINT NOT NULL,
			tier TEXT,
			status TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec registry statement: %w", err)
		}
	}
	return nil
}
