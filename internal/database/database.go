package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens and verifies the Postgres connection.
func Connect(dbURL string, log *zap.SugaredLogger) (*sqlx.DB, error) {
	log.Info("🔌 Connecting to database...")

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("✅ Database connection established")
	return db, nil
}

// Migrate applies the schema. Statements are idempotent so the server can
// run them on every boot.
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// Worker accounts
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			name TEXT NOT NULL,
			staff_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL CHECK(role IN ('worker', 'manager', 'admin')),
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		// Shifts: scalar columns for filtering, JSONB for the accumulated
		// history sequences. History columns are append-only by contract.
		`CREATE TABLE IF NOT EXISTS shifts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			staff_id TEXT NOT NULL,
			state TEXT NOT NULL,
			previous_state TEXT,
			actual_start_time BIGINT,
			actual_end_time BIGINT,
			planned_end_time BIGINT,
			planned_sites JSONB NOT NULL DEFAULT '[]',
			start_location JSONB,
			end_location JSONB,
			current_location JSONB,
			location_history JSONB NOT NULL DEFAULT '[]',
			site_visits JSONB NOT NULL DEFAULT '[]',
			breaks JSONB NOT NULL DEFAULT '[]',
			state_history JSONB NOT NULL DEFAULT '[]',
			compliance_checks JSONB NOT NULL DEFAULT '[]',
			metrics JSONB,
			sla_tracker_id TEXT,
			last_activity_time BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		// One active shift per user, enforced at the schema level too
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_shifts_active_user
			ON shifts (user_id) WHERE is_active`,

		`CREATE INDEX IF NOT EXISTS idx_shifts_state_activity
			ON shifts (state, last_activity_time) WHERE is_active`,

		`CREATE INDEX IF NOT EXISTS idx_shifts_user_created
			ON shifts (user_id, created_at DESC)`,

		// Geofences for check-in authorization and site detection
		`CREATE TABLE IF NOT EXISTS geofences (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL CHECK(type IN ('work_site', 'client_location', 'office', 'restricted_area')),
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			radius_meters DOUBLE PRECISION NOT NULL,
			site_id TEXT,
			is_authorized_start BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_geofences_site ON geofences (site_id)`,

		// FCM tokens for manager alert pushes
		`CREATE TABLE IF NOT EXISTS fcm_tokens (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			device_type TEXT NOT NULL,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
