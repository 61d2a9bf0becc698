package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/middleware"
	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/shifts"
	"fieldtrack-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// locationPayload is the wire form of a GPS reading.
type locationPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

func (p locationPayload) toModel() models.Location {
	ts := p.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	return models.Location{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: ts,
	}
}

// respondDomainError maps the state machine's typed errors onto HTTP status
// codes.
func respondDomainError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	var (
		conflict     *shifts.ConflictError
		authz        *shifts.AuthorizationError
		invalidState *shifts.InvalidStateError
		notFound     *shifts.NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		utils.RespondError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &authz):
		utils.RespondError(w, http.StatusForbidden, authz.Error())
	case errors.As(err, &invalidState):
		utils.RespondError(w, http.StatusConflict, invalidState.Error())
	case errors.As(err, &notFound):
		utils.RespondError(w, http.StatusNotFound, notFound.Error())
	default:
		log.Errorw("request failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// GetCurrentShift returns the caller's active shift, if any
func GetCurrentShift(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		shift, err := machine.FindActiveShift(r.Context(), claims.UserID)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"shift":   shift, // null when no active shift
		})
	}
}

type startShiftRequest struct {
	Location       locationPayload `json:"location"`
	PlannedEndTime *int64          `json:"planned_end_time,omitempty"`
	PlannedSites   []string        `json:"planned_sites,omitempty"`
}

// StartShift begins a new shift for the caller
func StartShift(machine *shifts.StateMachine, db *sqlx.DB, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req startShiftRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		// Staff id comes from the directory, not the token, so badge
		// renumbering never invalidates sessions.
		var staffID string
		if err := db.Get(&staffID, "SELECT staff_id FROM users WHERE id = $1", claims.UserID); err != nil {
			staffID = claims.UserID
		}
		shift, err := machine.StartShift(r.Context(), claims.UserID, staffID, req.Location.toModel(), shifts.StartShiftOptions{
			PlannedEndTime: req.PlannedEndTime,
			PlannedSites:   req.PlannedSites,
		})
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"shift":   shift,
		})
	}
}

type endShiftRequest struct {
	ShiftID  string          `json:"shift_id"`
	Location locationPayload `json:"location"`
	Notes    *string         `json:"notes,omitempty"`
}

// EndShift finalizes the caller's shift
func EndShift(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req endShiftRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		shift, err := machine.EndShift(r.Context(), req.ShiftID, claims.UserID, req.Location.toModel(), req.Notes)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"shift":   shift,
			"metrics": shift.Metrics,
		})
	}
}

type breakRequest struct {
	ShiftID  string          `json:"shift_id"`
	Type     string          `json:"type,omitempty"` // start only
	Location locationPayload `json:"location"`
	Reason   *string         `json:"reason,omitempty"`
	Notes    *string         `json:"notes,omitempty"`
}

// StartBreak opens a break on the caller's shift
func StartBreak(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req breakRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		breakType := models.BreakType(req.Type)
		switch breakType {
		case models.BreakTypeLunch, models.BreakTypeRest, models.BreakTypePersonal,
			models.BreakTypeEmergency, models.BreakTypeUnauthorized:
		default:
			utils.RespondError(w, http.StatusBadRequest, "unknown break type")
			return
		}

		started, err := machine.StartBreak(r.Context(), req.ShiftID, claims.UserID, breakType, req.Location.toModel(), req.Reason)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"break":   started,
		})
	}
}

// EndBreak closes the open break on the caller's shift
func EndBreak(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req breakRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		ended, err := machine.EndBreak(r.Context(), req.ShiftID, claims.UserID, req.Location.toModel(), req.Notes)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"break":   ended,
		})
	}
}

type siteVisitRequest struct {
	ShiftID          string            `json:"shift_id"`
	SiteID           string            `json:"site_id"`
	SiteName         string            `json:"site_name"`
	Event            string            `json:"event"` // "enter" or "exit"
	Location         locationPayload   `json:"location"`
	GeofenceID       *string           `json:"geofence_id,omitempty"`
	Tasks            []models.SiteTask `json:"tasks,omitempty"`
	CompletedTaskIDs []string          `json:"completed_task_ids,omitempty"`
}

// RecordSiteVisit opens or closes a site visit on the caller's shift
func RecordSiteVisit(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req siteVisitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		event := shifts.SiteVisitEvent(req.Event)
		if event != shifts.SiteEventEnter && event != shifts.SiteEventExit {
			utils.RespondError(w, http.StatusBadRequest, "event must be enter or exit")
			return
		}

		// Ownership check before mutating
		shift, err := machine.GetShift(r.Context(), req.ShiftID)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}
		if shift.UserID != claims.UserID {
			utils.RespondError(w, http.StatusForbidden, "shift does not belong to caller")
			return
		}

		visit, err := machine.RecordSiteVisit(r.Context(), req.ShiftID, shifts.SiteVisitRequest{
			SiteID:           req.SiteID,
			SiteName:         req.SiteName,
			Event:            event,
			Location:         req.Location.toModel(),
			GeofenceID:       req.GeofenceID,
			Tasks:            req.Tasks,
			CompletedTaskIDs: req.CompletedTaskIDs,
		})
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"visit":   visit,
		})
	}
}

type locationUpdateRequest struct {
	ShiftID  string          `json:"shift_id"`
	Location locationPayload `json:"location"`
}

// UpdateLocation records a GPS reading against the caller's shift
// (sent every 10 seconds during an active shift)
func UpdateLocation(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		var req locationUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		shiftID := req.ShiftID
		if shiftID == "" {
			shift, err := machine.FindActiveShift(r.Context(), claims.UserID)
			if err != nil {
				respondDomainError(w, log, err)
				return
			}
			if shift == nil {
				utils.RespondError(w, http.StatusNotFound, "no active shift")
				return
			}
			shiftID = shift.ID
		}

		if err := machine.RecordLocation(r.Context(), shiftID, req.Location.toModel()); err != nil {
			respondDomainError(w, log, err)
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

// GetShiftHistory lists the caller's past shifts
func GetShiftHistory(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)

		list, err := machine.ListShifts(r.Context(), shifts.Filter{
			UserID: claims.UserID,
			Limit:  50,
		})
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

// GetShift returns one shift with its full audit trail. Workers may only
// read their own shifts; managers may read any.
func GetShift(machine *shifts.StateMachine, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.GetUserFromContext(r)
		shiftID := chi.URLParam(r, "id")

		shift, err := machine.GetShift(r.Context(), shiftID)
		if err != nil {
			respondDomainError(w, log, err)
			return
		}

		if shift.UserID != claims.UserID && claims.Role == "worker" {
			utils.RespondError(w, http.StatusForbidden, "shift does not belong to caller")
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"shift":   shift,
		})
	}
}
