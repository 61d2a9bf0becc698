// Package geofence translates passive geofence crossings from the external
// location service into state-machine calls. It has no write access to
// shift state of its own: every mutation goes through the state machine's
// public operations so there is a single transition-validation path.
package geofence

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/shifts"
	"fieldtrack-backend/internal/telemetry"
)

// Trigger consumes geofence entry/exit events for workers.
type Trigger struct {
	machine  *shifts.StateMachine
	security shifts.SecurityEventSink
	log      *zap.SugaredLogger
}

// NewTrigger builds a geofence trigger over the state machine.
func NewTrigger(machine *shifts.StateMachine, security shifts.SecurityEventSink, log *zap.SugaredLogger) *Trigger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Trigger{machine: machine, security: security, log: log}
}

// HandleEntry processes a geofence entry event.
func (t *Trigger) HandleEntry(ctx context.Context, evt models.GeofenceEvent) error {
	telemetry.GeofenceEventsTotal.WithLabelValues(string(evt.GeofenceType), "entry").Inc()

	shift, err := t.machine.FindActiveShift(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if shift == nil {
		// Geofence noise without an active shift is expected, not an error.
		t.log.Debugw("geofence entry without active shift, ignoring",
			"user_id", evt.UserID, "geofence_id", evt.GeofenceID)
		return nil
	}

	switch evt.GeofenceType {
	case models.GeofenceTypeWorkSite:
		return t.handleWorkSiteEntry(ctx, shift, evt)

	case models.GeofenceTypeClientLocation:
		// No state change: client-location presence is recorded for audit
		// and flagged for downstream approval.
		return t.machine.RecordComplianceCheck(ctx, shift.ID, models.ComplianceCheck{
			Name:             "client_location_entry",
			Status:           models.CompliancePassed,
			Details:          "entered client location " + evt.GeofenceName,
			RequiresApproval: true,
		})

	case models.GeofenceTypeOffice:
		// Informational only. Returning to the office may mean a break
		// should end, but that stays a human decision so unauthorized
		// breaks are not silently masked.
		t.log.Infow("worker entered office geofence",
			"shift_id", shift.ID, "geofence_id", evt.GeofenceID)
		return nil

	case models.GeofenceTypeRestrictedArea:
		t.security.Report(ctx, "restricted_area_entry", shifts.SeverityHigh, map[string]string{
			"shift_id":      shift.ID,
			"geofence_id":   evt.GeofenceID,
			"geofence_name": evt.GeofenceName,
		})
		return t.machine.RecordComplianceCheck(ctx, shift.ID, models.ComplianceCheck{
			Name:             "restricted_area_entry",
			Status:           models.ComplianceWarning,
			Details:          "entered restricted area " + evt.GeofenceName,
			RequiresApproval: true,
		})

	default:
		t.log.Warnw("unknown geofence type", "type", evt.GeofenceType, "geofence_id", evt.GeofenceID)
		return nil
	}
}

// HandleExit processes a geofence exit event.
func (t *Trigger) HandleExit(ctx context.Context, evt models.GeofenceEvent) error {
	telemetry.GeofenceEventsTotal.WithLabelValues(string(evt.GeofenceType), "exit").Inc()

	shift, err := t.machine.FindActiveShift(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if shift == nil {
		t.log.Debugw("geofence exit without active shift, ignoring",
			"user_id", evt.UserID, "geofence_id", evt.GeofenceID)
		return nil
	}

	if evt.GeofenceType != models.GeofenceTypeWorkSite {
		return nil
	}

	siteID := SiteIDFromGeofence(evt.GeofenceID)
	if open := shift.OpenVisitByGeofence(evt.GeofenceID); open != nil {
		siteID = open.SiteID
	}

	_, err = t.machine.RecordSiteVisit(ctx, shift.ID, shifts.SiteVisitRequest{
		SiteID:     siteID,
		SiteName:   evt.GeofenceName,
		Event:      shifts.SiteEventExit,
		Location:   evt.Location,
		GeofenceID: &evt.GeofenceID,
	})
	if err != nil {
		if shifts.IsNotFound(err) {
			// Exit without a matching open visit: stale event, log and move on.
			t.log.Warnw("work site exit without open visit",
				"shift_id", shift.ID, "geofence_id", evt.GeofenceID)
			return nil
		}
		return err
	}
	return nil
}

func (t *Trigger) handleWorkSiteEntry(ctx context.Context, shift *models.Shift, evt models.GeofenceEvent) error {
	// Arriving on site while still checking in means the shift effectively
	// started: promote to IN_SHIFT before recording the visit.
	if shift.State == models.ShiftStateCheckingIn {
		tr, err := t.machine.TransitionState(ctx, shift.ID, shifts.TransitionRequest{
			ToState:     models.ShiftStateInShift,
			Reason:      "entered work site " + evt.GeofenceName,
			TriggeredBy: models.TriggeredByGeofence,
			Location:    &evt.Location,
			Metadata: &models.TransitionMetadata{
				GeofenceID:   &evt.GeofenceID,
				GeofenceName: &evt.GeofenceName,
			},
		})
		if err != nil {
			return err
		}
		if !tr.IsValid {
			t.log.Warnw("geofence auto-start rejected", "shift_id", shift.ID, "from", tr.FromState)
			return nil
		}
	}

	_, err := t.machine.RecordSiteVisit(ctx, shift.ID, shifts.SiteVisitRequest{
		SiteID:     SiteIDFromGeofence(evt.GeofenceID),
		SiteName:   evt.GeofenceName,
		Event:      shifts.SiteEventEnter,
		Location:   evt.Location,
		GeofenceID: &evt.GeofenceID,
	})
	if err != nil {
		var conflict *shifts.ConflictError
		if errors.As(err, &conflict) {
			// Re-entry while the visit is still open: duplicate event.
			t.log.Debugw("duplicate work site entry, visit already open",
				"shift_id", shift.ID, "geofence_id", evt.GeofenceID)
			return nil
		}
		return err
	}
	return nil
}

// SiteIDFromGeofence derives a site id from the geofence identifier's
// naming convention ("geofence_site_<id>" or "site_<id>").
func SiteIDFromGeofence(geofenceID string) string {
	id := strings.TrimPrefix(geofenceID, "geofence_")
	id = strings.TrimPrefix(id, "site_")
	return id
}
