package database

import (
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// SeedUsers inserts the demo accounts on first boot.
func SeedUsers(db *sqlx.DB, log *zap.SugaredLogger) error {
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM users"); err != nil {
		return err
	}

	if count > 0 {
		log.Info("✓ Users already seeded, skipping...")
		return nil
	}

	log.Info("🌱 Seeding test users...")

	workerPassword, err := bcrypt.GenerateFromPassword([]byte("worker123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	managerPassword, err := bcrypt.GenerateFromPassword([]byte("manager123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	adminPassword, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	users := []map[string]interface{}{
		{
			"id":       uuid.New().String(),
			"email":    "worker@fieldtrack.io",
			"password": string(workerPassword),
			"name":     "Wendy Worker",
			"staff_id": "FT-1001",
			"role":     "worker",
		},
		{
			"id":       uuid.New().String(),
			"email":    "manager@fieldtrack.io",
			"password": string(managerPassword),
			"name":     "Marcus Manager",
			"staff_id": "FT-2001",
			"role":     "manager",
		},
		{
			"id":       uuid.New().String(),
			"email":    "admin@fieldtrack.io",
			"password": string(adminPassword),
			"name":     "Admin User",
			"staff_id": "FT-0001",
			"role":     "admin",
		},
	}

	for _, user := range users {
		query := `
			INSERT INTO users (id, email, password, name, staff_id, role)
			VALUES (:id, :email, :password, :name, :staff_id, :role)
		`
		if _, err := db.NamedExec(query, user); err != nil {
			return err
		}
		log.Infof("  ✓ Created user: %s (%s)", user["email"], user["role"])
	}

	log.Info("✓ Successfully seeded test users")
	log.Info("  📧 Worker:  worker@fieldtrack.io / worker123")
	log.Info("  📧 Manager: manager@fieldtrack.io / manager123")
	log.Info("  📧 Admin:   admin@fieldtrack.io / admin123")
	return nil
}

// SeedGeofences inserts the demo geofence set covering downtown San Jose.
func SeedGeofences(db *sqlx.DB, log *zap.SugaredLogger) error {
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM geofences"); err != nil {
		return err
	}

	if count > 0 {
		log.Info("✓ Geofences already seeded, skipping...")
		return nil
	}

	log.Info("🌱 Seeding geofences...")

	geofences := []map[string]interface{}{
		{"id": "geofence_site_sj01", "name": "Site SJ-01 (S 1st St)", "type": "work_site", "latitude": 37.3329, "longitude": -121.8866, "radius_meters": 150.0, "site_id": "sj01", "is_authorized_start": true},
		{"id": "geofence_site_sj02", "name": "Site SJ-02 (Santa Clara St)", "type": "work_site", "latitude": 37.3361, "longitude": -121.8869, "radius_meters": 120.0, "site_id": "sj02", "is_authorized_start": true},
		{"id": "geofence_site_sj03", "name": "Site SJ-03 (Almaden Blvd)", "type": "work_site", "latitude": 37.3313, "longitude": -121.8917, "radius_meters": 100.0, "site_id": "sj03", "is_authorized_start": false},
		{"id": "geofence_office_hq", "name": "Field Ops HQ", "type": "office", "latitude": 37.3351, "longitude": -121.8894, "radius_meters": 80.0, "site_id": nil, "is_authorized_start": true},
		{"id": "geofence_client_acme", "name": "Acme Client Campus", "type": "client_location", "latitude": 37.3385, "longitude": -121.8972, "radius_meters": 200.0, "site_id": nil, "is_authorized_start": false},
		{"id": "geofence_restricted_yard", "name": "Equipment Yard (restricted)", "type": "restricted_area", "latitude": 37.3248, "longitude": -121.8802, "radius_meters": 90.0, "site_id": nil, "is_authorized_start": false},
	}

	for _, fence := range geofences {
		query := `
			INSERT INTO geofences (id, name, type, latitude, longitude, radius_meters, site_id, is_authorized_start)
			VALUES (:id, :name, :type, :latitude, :longitude, :radius_meters, :site_id, :is_authorized_start)
		`
		if _, err := db.NamedExec(query, fence); err != nil {
			return err
		}
		log.Infof("  ✓ Created geofence: %s (%s)", fence["name"], fence["type"])
	}

	log.Infof("✓ Successfully seeded %d geofences", len(geofences))
	return nil
}
