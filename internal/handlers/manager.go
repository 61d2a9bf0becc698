package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/shifts"
	"fieldtrack-backend/pkg/utils"
)

// GetActiveShifts lists all shifts currently in progress
func GetActiveShifts(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := machine.ListShifts(r.Context(), shifts.Filter{ActiveOnly: true})
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		now := time.Now().Unix()
		summaries := make([]map[string]interface{}, 0, len(list))
		for _, shift := range list {
			summary := map[string]interface{}{
				"shift_id":           shift.ID,
				"user_id":            shift.UserID,
				"staff_id":           shift.StaffID,
				"state":              shift.State,
				"started_at":         shift.ActualStartTime,
				"last_activity_time": shift.LastActivityTime,
				"current_location":   shift.CurrentLocation,
				"elapsed_minutes":    shift.ElapsedMinutes(now),
			}
			for i := range shift.SiteVisits {
				if shift.SiteVisits[i].IsOpen() {
					summary["current_site"] = shift.SiteVisits[i].SiteID
					break
				}
			}
			summaries = append(summaries, summary)
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"shifts":  summaries,
			"count":   len(summaries),
		})
	}
}

// GetWorkerShifts lists shifts for one worker, optionally filtered by state
func GetWorkerShifts(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			utils.RespondError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		filter := shifts.Filter{UserID: userID, Limit: 50}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			if n, err := strconv.Atoi(limit); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		if state := r.URL.Query().Get("state"); state != "" {
			filter.States = []models.ShiftState{models.ShiftState(state)}
		}

		list, err := machine.ListShifts(r.Context(), filter)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"shifts":  list,
			"count":   len(list),
		})
	}
}
