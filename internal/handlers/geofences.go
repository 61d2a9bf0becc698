package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/geofence"
	"fieldtrack-backend/internal/middleware"
	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/pkg/utils"
)

type geofenceEventRequest struct {
	Event        string              `json:"event"` // "entry" or "exit"
	GeofenceID   string              `json:"geofence_id"`
	GeofenceName string              `json:"geofence_name"`
	GeofenceType models.GeofenceType `json:"geofence_type"`
	Location     locationPayload     `json:"location"`
	Timestamp    int64               `json:"timestamp,omitempty"`
}

// PostGeofenceEvent is the HTTP fallback for geofence crossings when the
// WebSocket connection is down (the mobile location service retries queued
// events over REST).
func PostGeofenceEvent(trigger *geofence.Trigger, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req geofenceEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Timestamp == 0 {
			req.Timestamp = time.Now().Unix()
		}

		evt := models.GeofenceEvent{
			UserID:       claims.UserID,
			GeofenceID:   req.GeofenceID,
			GeofenceName: req.GeofenceName,
			GeofenceType: req.GeofenceType,
			Location:     req.Location.toModel(),
			Timestamp:    req.Timestamp,
		}

		var err error
		switch req.Event {
		case "entry":
			err = trigger.HandleEntry(r.Context(), evt)
		case "exit":
			err = trigger.HandleExit(r.Context(), evt)
		default:
			utils.RespondError(w, http.StatusBadRequest, "event must be entry or exit")
			return
		}
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

// GetGeofences lists all configured geofences
func GetGeofences(db *sqlx.DB, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fences []models.Geofence
		query := "SELECT * FROM geofences ORDER BY name"
		if fenceType := r.URL.Query().Get("type"); fenceType != "" {
			query = "SELECT * FROM geofences WHERE type = $1 ORDER BY name"
			if err := db.SelectContext(r.Context(), &fences, query, fenceType); err != nil {
				log.Errorw("failed to list geofences", "error", err)
				utils.RespondError(w, http.StatusInternalServerError, "failed to list geofences")
				return
			}
		} else if err := db.SelectContext(r.Context(), &fences, query); err != nil {
			log.Errorw("failed to list geofences", "error", err)
			utils.RespondError(w, http.StatusInternalServerError, "failed to list geofences")
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"geofences": fences,
			"count":     len(fences),
		})
	}
}
