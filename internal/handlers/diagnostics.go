package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/middleware"
	"fieldtrack-backend/internal/shifts"
	"fieldtrack-backend/internal/websocket"
	"fieldtrack-backend/pkg/utils"
)

// DiagnosticLog represents a diagnostic log from the mobile app
type DiagnosticLog struct {
	Timestamp string                 `json:"timestamp"`
	Context   string                 `json:"context"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
	Platform  string                 `json:"platform"`
}

// ReceiveDiagnosticLog handles diagnostic logs from the mobile app
// POST /api/logs/diagnostic
func ReceiveDiagnosticLog(log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var logEntry DiagnosticLog
		if err := json.NewDecoder(r.Body).Decode(&logEntry); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		prefix := "📱"
		switch logEntry.Level {
		case "ERROR":
			prefix = "🔴"
		case "WARNING":
			prefix = "🟡"
		case "INFO":
			prefix = "🔵"
		}

		log.Infow(prefix+" mobile diagnostic",
			"level", logEntry.Level,
			"platform", logEntry.Platform,
			"context", logEntry.Context,
			"timestamp", logEntry.Timestamp,
			"message", logEntry.Message,
			"data", logEntry.Data,
		)

		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status": "received",
		})
	}
}

// GetSystemStatus reports live operational numbers for dashboards
// GET /api/manager/status
func GetSystemStatus(machine *shifts.StateMachine, hub *websocket.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cached := machine.Cache().Snapshot()

		shiftsByState := map[string]int{}
		for _, shift := range cached {
			shiftsByState[string(shift.State)]++
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success":            true,
			"cached_shifts":      len(cached),
			"shifts_by_state":    shiftsByState,
			"connected_clients":  hub.GetClientCount(),
			"connected_user_ids": hub.GetConnectedClientIDs(),
		})
	}
}

type fcmTokenRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
}

// RegisterFCMToken stores a device push token for the caller
// POST /api/worker/fcm-token
func RegisterFCMToken(db *sqlx.DB, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req fcmTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.DeviceType == "" {
			req.DeviceType = "unknown"
		}

		query := `
			INSERT INTO fcm_tokens (user_id, token, device_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (token)
			DO UPDATE SET
				user_id = EXCLUDED.user_id,
				device_type = EXCLUDED.device_type,
				updated_at = EXTRACT(EPOCH FROM NOW())::BIGINT
		`
		if _, err := db.ExecContext(r.Context(), query, claims.UserID, req.Token, req.DeviceType); err != nil {
			log.Errorw("failed to register FCM token", "user_id", claims.UserID, "error", err)
			utils.RespondError(w, http.StatusInternalServerError, "failed to register token")
			return
		}

		log.Infow("✅ FCM token registered", "user_id", claims.UserID, "device_type", req.DeviceType)
		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}
