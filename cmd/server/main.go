package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/database"
	"fieldtrack-backend/internal/geofence"
	"fieldtrack-backend/internal/handlers"
	"fieldtrack-backend/internal/middleware"
	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/services"
	"fieldtrack-backend/internal/shifts"
	"fieldtrack-backend/internal/websocket"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	log.Info("═══════════════════════════════════════════════════════════════════")
	log.Info("🚀 FIELDTRACK BACKEND SERVER STARTING")
	log.Info("═══════════════════════════════════════════════════════════════════")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Warn("⚠️  .env file not found, using environment variables from system")
	} else {
		log.Info("✅ .env file loaded successfully")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("❌ DATABASE_URL environment variable is required")
	}

	// Connect to database
	db, err := database.Connect(dbURL, log)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer db.Close()

	// Run migrations
	log.Info("🔄 Running database migrations...")
	if err := database.Migrate(db); err != nil {
		log.Fatalf("❌ Database migrations failed: %v", err)
	}
	log.Info("✅ Database migrations completed")

	// Seed database
	if err := database.SeedUsers(db, log); err != nil {
		log.Fatalf("❌ User seeding failed: %v", err)
	}
	if err := database.SeedGeofences(db, log); err != nil {
		log.Fatalf("❌ Geofence seeding failed: %v", err)
	}

	// Initialize Firebase Cloud Messaging
	// Supports both file path and base64-encoded credentials (for Railway/cloud deployments)
	var fcmService *services.FCMService
	if fcmCredsBase64 := os.Getenv("FIREBASE_CREDENTIALS_BASE64"); fcmCredsBase64 != "" {
		fcmService, err = services.NewFCMServiceFromBase64(fcmCredsBase64, log)
		if err != nil {
			log.Warnf("⚠️  Failed to initialize FCM from base64: %v (push notifications disabled)", err)
			fcmService = nil
		} else {
			log.Info("✅ Firebase Cloud Messaging initialized from base64 credentials")
		}
	} else {
		fcmCredentialsFile := os.Getenv("FIREBASE_CREDENTIALS_FILE")
		if fcmCredentialsFile == "" {
			fcmCredentialsFile = "./firebase-service-account.json"
		}
		fcmService, err = services.NewFCMService(fcmCredentialsFile, log)
		if err != nil {
			log.Warnf("⚠️  Failed to initialize FCM from file: %v (push notifications disabled)", err)
			fcmService = nil
		} else {
			log.Info("✅ Firebase Cloud Messaging initialized from file")
		}
	}

	// Shift state machine and collaborators
	policy := shifts.PolicyFromEnv()
	repo := database.NewShiftRepository(db)
	authority := database.NewGeofenceAuthority(db)
	slaClient := services.NewSlaTrackerClient(os.Getenv("SLA_TRACKER_URL"), os.Getenv("SLA_TRACKER_API_KEY"), log)
	securitySink := services.NewSecurityAlertService(db, fcmService, log)

	machine := shifts.NewStateMachine(repo, authority, slaClient, securitySink, policy, log, nil)
	log.Infow("✅ Shift state machine ready",
		"strict_geofence", policy.StrictGeofence,
		"idle_timeout", policy.IdleTimeout,
		"sweep_interval", policy.SweepInterval)

	// WebSocket hub
	wsHub := websocket.NewHub(log)
	go wsHub.Run()
	log.Info("✅ WebSocket hub started")

	// Geofence trigger layer
	trigger := geofence.NewTrigger(machine, securitySink, log)

	// Every persisted valid transition is pushed to connected managers and
	// echoed back to the worker.
	machine.OnTransition(func(shift *models.Shift, tr models.StateTransition) {
		update := map[string]interface{}{
			"type": "shift_state_change",
			"data": map[string]interface{}{
				"shift_id":     shift.ID,
				"user_id":      shift.UserID,
				"from_state":   tr.FromState,
				"to_state":     tr.ToState,
				"triggered_by": tr.TriggeredBy,
				"reason":       tr.Reason,
				"timestamp":    tr.Timestamp,
			},
		}
		wsHub.BroadcastToRole("manager", update)
		wsHub.BroadcastToUser(shift.UserID, update)
	})

	// Timeout sweeper
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweeper := shifts.NewTimeoutSweeper(machine, repo, policy, log, nil)
	go sweeper.Run(sweepCtx)

	// Router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Authentication routes (no auth required)
	r.Post("/api/auth/login", handlers.Login(db, log))

	// WebSocket endpoint (authentication handled in handler via query param)
	r.Get("/ws", websocket.HandleWebSocket(wsHub, machine, trigger, log))

	r.Route("/api", func(r chi.Router) {
		// Diagnostic logging endpoint (no auth required for easier debugging)
		r.Post("/logs/diagnostic", handlers.ReceiveDiagnosticLog(log))

		// Worker endpoints (require authentication)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(log))

			r.Get("/auth/status", handlers.GetAuthStatus(db))

			// Shift lifecycle
			r.Get("/worker/shift/current", handlers.GetCurrentShift(machine, log))
			r.Post("/worker/shift/start", handlers.StartShift(machine, db, log))
			r.Post("/worker/shift/end", handlers.EndShift(machine, log))
			r.Post("/worker/shift/break/start", handlers.StartBreak(machine, log))
			r.Post("/worker/shift/break/end", handlers.EndBreak(machine, log))
			r.Post("/worker/shift/site-visit", handlers.RecordSiteVisit(machine, log))

			// Location tracking (sent every 10 seconds during active shift)
			r.Post("/worker/location", handlers.UpdateLocation(machine, log))

			// Geofence event fallback (normally delivered over the websocket)
			r.Post("/worker/geofence-event", handlers.PostGeofenceEvent(trigger, log))

			// Shift history
			r.Get("/worker/shift-history", handlers.GetShiftHistory(machine, log))
			r.Get("/shifts/{id}", handlers.GetShift(machine, log))

			// FCM token registration
			r.Post("/worker/fcm-token", handlers.RegisterFCMToken(db, log))
		})

		// Manager endpoints (require authentication + manager/admin role)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(log))
			r.Use(middleware.RequireRole("manager", "admin"))

			r.Get("/manager/active-shifts", handlers.GetActiveShifts(machine, log))
			r.Get("/manager/worker-shifts", handlers.GetWorkerShifts(machine, log))
			r.Get("/manager/status", handlers.GetSystemStatus(machine, wsHub))
			r.Get("/manager/geofences", handlers.GetGeofences(db, log))
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		log.Warnf("⚠️  PORT not set, using default: %s", port)
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		log.Info("═══════════════════════════════════════════════════════════════════")
		log.Info("✅ ALL INITIALIZATION COMPLETE")
		log.Infof("🚀 Server starting on http://localhost:%s", port)
		log.Info("═══════════════════════════════════════════════════════════════════")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown: stop scheduling sweeps, drain HTTP, close DB
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("🛑 Shutting down...")
	cancelSweep()
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server shutdown failed", "error", err)
	}
	log.Info("👋 Server stopped")
}
