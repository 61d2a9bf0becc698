package main

import (
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/database"
)

// Standalone migration runner for deploy pipelines that migrate before
// rolling the server.
func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	if err := godotenv.Load(); err != nil {
		log.Warn("⚠️  .env file not found, using environment variables from system")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("❌ DATABASE_URL environment variable is required")
	}

	db, err := database.Connect(dbURL, log)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer db.Close()

	log.Info("🔄 Running database migrations...")
	if err := database.Migrate(db); err != nil {
		log.Fatalf("❌ Database migrations failed: %v", err)
	}
	log.Info("✅ Database migrations completed")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		if err := database.SeedUsers(db, log); err != nil {
			log.Fatalf("❌ User seeding failed: %v", err)
		}
		if err := database.SeedGeofences(db, log); err != nil {
			log.Fatalf("❌ Geofence seeding failed: %v", err)
		}
	}
}
