package shifts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/geo"
	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/telemetry"
)

// saveRetries bounds the reload-and-replay attempts on a version conflict.
const saveRetries = 3

// StateMachine owns the shift transition table and is the only writer of
// shift state. HTTP handlers, the geofence trigger and the timeout sweeper
// all mutate shifts through its operations, so every attempt funnels
// through one validation and audit path.
type StateMachine struct {
	repo      Repository
	geofences GeofenceAuthority
	sla       SlaNotifier
	security  SecurityEventSink
	policy    Policy
	cache     *ActiveShiftCache
	clock     Clock
	log       *zap.SugaredLogger
	locks     keyedMutex

	onTransition func(shift *models.Shift, tr models.StateTransition)
}

// NewStateMachine wires the state machine with its collaborators. A nil
// clock defaults to the wall clock; a nil logger is replaced by a no-op.
func NewStateMachine(
	repo Repository,
	geofences GeofenceAuthority,
	sla SlaNotifier,
	security SecurityEventSink,
	policy Policy,
	log *zap.SugaredLogger,
	clock Clock,
) *StateMachine {
	if clock == nil {
		clock = RealClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StateMachine{
		repo:      repo,
		geofences: geofences,
		sla:       sla,
		security:  security,
		policy:    policy,
		cache:     NewActiveShiftCache(policy.CacheCullInterval, policy.CacheTTL),
		clock:     clock,
		log:       log,
	}
}

// OnTransition registers a hook invoked after every persisted valid
// transition, e.g. to broadcast shift updates over the websocket hub.
func (m *StateMachine) OnTransition(fn func(shift *models.Shift, tr models.StateTransition)) {
	m.onTransition = fn
}

// Cache exposes the active-shift cache for diagnostics.
func (m *StateMachine) Cache() *ActiveShiftCache { return m.cache }

// TransitionRequest describes one attempted state change.
type TransitionRequest struct {
	ToState     models.ShiftState
	Reason      string
	TriggeredBy string // "user", "geofence" or "system"
	Location    *models.Location
	Metadata    *models.TransitionMetadata
}

// TransitionState validates and records a transition attempt. The attempt
// is appended to the shift's state history whether or not it is valid; only
// a valid one advances the state. An invalid attempt is not an error by
// itself — callers that require the transition check the returned record.
func (m *StateMachine) TransitionState(ctx context.Context, shiftID string, req TransitionRequest) (*models.StateTransition, error) {
	var tr models.StateTransition
	shift, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		tr = m.applyTransition(shift, req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.notifyTransition(shift, tr)
	return &tr, nil
}

// StartShiftOptions carries the optional parts of a start-shift request.
type StartShiftOptions struct {
	PlannedEndTime *int64
	PlannedSites   []string
}

// StartShift creates a shift in CHECKING_IN and immediately drives it to
// IN_SHIFT. At most one active shift may exist per user.
func (m *StateMachine) StartShift(ctx context.Context, userID, staffID string, loc models.Location, opts StartShiftOptions) (*models.Shift, error) {
	existing, err := m.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking for active shift: %w", err)
	}
	if existing != nil {
		return nil, &ConflictError{Message: fmt.Sprintf("user %s already has an active shift (%s)", userID, existing.ID)}
	}

	if m.policy.StrictGeofence {
		// A reading too coarse to prove containment cannot authorize a start.
		if loc.Accuracy != nil && geo.ClassifyAccuracy(loc.Accuracy) == geo.AccuracyTierUnusable {
			return nil, &AuthorizationError{Message: fmt.Sprintf("location accuracy %.0fm is too coarse for geofence check-in", *loc.Accuracy)}
		}
		fence, err := m.geofences.ResolveAuthorizedGeofence(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("resolving check-in geofence: %w", err)
		}
		if fence == nil {
			return nil, &AuthorizationError{Message: "starting location is outside all authorized check-in geofences"}
		}
	}

	now := m.clock.Now().Unix()
	locCopy := loc
	shift := &models.Shift{
		ID:              uuid.New().String(),
		UserID:          userID,
		StaffID:         staffID,
		State:           models.ShiftStateCheckingIn,
		ActualStartTime: &now,
		PlannedEndTime:  opts.PlannedEndTime,
		PlannedSites:    opts.PlannedSites,
		StartLocation:   &locCopy,
		CurrentLocation: &locCopy,
		LocationHistory: []models.Location{loc},
		StateHistory: []models.StateTransition{{
			ID:          uuid.New().String(),
			FromState:   models.ShiftStateIdle,
			ToState:     models.ShiftStateCheckingIn,
			Timestamp:   now,
			TriggeredBy: models.TriggeredByUser,
			Reason:      "shift initialized",
			Location:    &locCopy,
			IsValid:     true,
		}},
		LastActivityTime: now,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.repo.Save(ctx, shift); err != nil {
		return nil, fmt.Errorf("creating shift: %w", err)
	}
	m.cache.Put(shift)
	telemetry.ShiftsStartedTotal.Inc()
	telemetry.ActiveShiftsCached.Set(float64(m.cache.Len()))

	tr, err := m.TransitionState(ctx, shift.ID, TransitionRequest{
		ToState:     models.ShiftStateInShift,
		Reason:      "shift started by user",
		TriggeredBy: models.TriggeredByUser,
		Location:    &locCopy,
	})
	if err != nil {
		return nil, err
	}
	if !tr.IsValid {
		// Unreachable with the current table; kept as a guard.
		return nil, &InvalidStateError{Operation: "start shift", State: string(models.ShiftStateCheckingIn)}
	}

	// SLA tracker creation is best-effort: a failure is logged, never fatal.
	trackerID, slaErr := m.sla.OnShiftStarted(ctx, shift.ID, SlaShiftContext{
		UserID:         userID,
		StaffID:        staffID,
		StartTime:      now,
		PlannedEndTime: opts.PlannedEndTime,
	})
	if slaErr != nil {
		m.log.Warnw("SLA tracker creation failed", "shift_id", shift.ID, "error", slaErr)
	} else if trackerID != "" {
		if err := m.repo.UpdateFields(ctx, shift.ID, map[string]interface{}{"sla_tracker_id": trackerID}); err != nil {
			m.log.Warnw("failed to record SLA tracker id", "shift_id", shift.ID, "error", err)
		}
	}

	fresh, err := m.repo.FindByID(ctx, shift.ID)
	if err != nil {
		return nil, err
	}
	m.cache.Put(fresh)

	m.log.Infow("shift started", "shift_id", fresh.ID, "user_id", userID, "staff_id", staffID)
	return fresh, nil
}

// EndShift finalizes a shift through CHECKING_OUT into POST_SHIFT,
// recomputing metrics and running final compliance checks. Only the shift's
// owner may end it, and only from IN_SHIFT, ON_BREAK or CHECKING_OUT.
func (m *StateMachine) EndShift(ctx context.Context, shiftID, userID string, loc models.Location, notes *string) (*models.Shift, error) {
	locCopy := loc
	shift, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		if shift.UserID != userID {
			return &AuthorizationError{Message: fmt.Sprintf("shift %s does not belong to user %s", shiftID, userID)}
		}
		switch shift.State {
		case models.ShiftStateInShift, models.ShiftStateOnBreak, models.ShiftStateCheckingOut:
		default:
			return &InvalidStateError{Operation: "end shift", State: string(shift.State)}
		}

		return m.finalizeShift(shift, finalizeOptions{
			EndLocation: &locCopy,
			TriggeredBy: models.TriggeredByUser,
			Reason:      "shift ended by user",
			Notes:       notes,
		})
	})
	if err != nil {
		return nil, err
	}

	if n := len(shift.StateHistory); n > 0 {
		m.notifyTransition(shift, shift.StateHistory[n-1])
	}
	m.resolveSla(ctx, shift, SlaOutcomeCompleted)
	telemetry.ShiftsEndedTotal.WithLabelValues(models.TriggeredByUser).Inc()
	telemetry.ActiveShiftsCached.Set(float64(m.cache.Len()))

	m.log.Infow("shift ended", "shift_id", shift.ID, "user_id", userID,
		"working_minutes", shift.Metrics.WorkingTimeMinutes)
	return shift, nil
}

// StartBreak opens a break and moves the shift to ON_BREAK. Break-type
// authorization is policy-derived, not a precondition: an unauthorized
// break is still recorded, flagged for downstream review.
func (m *StateMachine) StartBreak(ctx context.Context, shiftID, userID string, breakType models.BreakType, loc models.Location, reason *string) (*models.BreakPeriod, error) {
	var started models.BreakPeriod
	shift, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		if shift.UserID != userID {
			return &AuthorizationError{Message: fmt.Sprintf("shift %s does not belong to user %s", shiftID, userID)}
		}
		// An already-open break is a conflict regardless of state, so the
		// caller can distinguish "break in progress" from a wrong-state call.
		if open := shift.OpenBreak(); open != nil {
			return &ConflictError{Message: fmt.Sprintf("a %s break is already open", open.Type)}
		}
		if shift.State != models.ShiftStateInShift {
			return &InvalidStateError{Operation: "start break", State: string(shift.State)}
		}

		now := m.clock.Now().Unix()
		started = models.BreakPeriod{
			ID:           uuid.New().String(),
			Type:         breakType,
			StartTime:    now,
			IsAuthorized: m.breakAuthorized(breakType, shift, now),
			Reason:       reason,
			Location:     loc,
		}
		shift.Breaks = append(shift.Breaks, started)

		tr := m.applyTransition(shift, TransitionRequest{
			ToState:     models.ShiftStateOnBreak,
			Reason:      fmt.Sprintf("%s break started", breakType),
			TriggeredBy: models.TriggeredByUser,
			Location:    &loc,
		})
		if !tr.IsValid {
			return &InvalidStateError{Operation: "start break", State: string(tr.FromState)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(shift.StateHistory); n > 0 {
		m.notifyTransition(shift, shift.StateHistory[n-1])
	}
	m.log.Infow("break started", "shift_id", shift.ID, "type", started.Type, "authorized", started.IsAuthorized)
	return &started, nil
}

// EndBreak closes the open break and moves the shift back to IN_SHIFT.
func (m *StateMachine) EndBreak(ctx context.Context, shiftID, userID string, loc models.Location, notes *string) (*models.BreakPeriod, error) {
	var ended models.BreakPeriod
	shift, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		if shift.UserID != userID {
			return &AuthorizationError{Message: fmt.Sprintf("shift %s does not belong to user %s", shiftID, userID)}
		}
		// No open break means there is nothing to end, whatever the state.
		open := shift.OpenBreak()
		if open == nil {
			return &NotFoundError{Resource: "open break"}
		}
		if shift.State != models.ShiftStateOnBreak {
			return &InvalidStateError{Operation: "end break", State: string(shift.State)}
		}

		now := m.clock.Now().Unix()
		duration := (now - open.StartTime) / 60
		open.EndTime = &now
		open.DurationMinutes = &duration
		ended = *open

		tr := m.applyTransition(shift, TransitionRequest{
			ToState:     models.ShiftStateInShift,
			Reason:      fmt.Sprintf("%s break ended", open.Type),
			TriggeredBy: models.TriggeredByUser,
			Location:    &loc,
			Metadata:    &models.TransitionMetadata{Notes: notes},
		})
		if !tr.IsValid {
			return &InvalidStateError{Operation: "end break", State: string(tr.FromState)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(shift.StateHistory); n > 0 {
		m.notifyTransition(shift, shift.StateHistory[n-1])
	}
	m.log.Infow("break ended", "shift_id", shift.ID, "type", ended.Type, "minutes", *ended.DurationMinutes)
	return &ended, nil
}

// SiteVisitEvent is the direction of a recordSiteVisit call.
type SiteVisitEvent string

const (
	SiteEventEnter SiteVisitEvent = "enter"
	SiteEventExit  SiteVisitEvent = "exit"
)

// SiteVisitRequest describes one site enter/exit.
type SiteVisitRequest struct {
	SiteID   string
	SiteName string
	Event    SiteVisitEvent
	Location models.Location
	// GeofenceID, when empty on enter, is auto-detected if policy allows.
	GeofenceID *string
	// Tasks attaches the work list on enter.
	Tasks []models.SiteTask
	// CompletedTaskIDs marks tasks done on exit.
	CompletedTaskIDs []string
}

// RecordSiteVisit opens or closes a site visit. Every call appends the
// reported location to the shift's location history.
func (m *StateMachine) RecordSiteVisit(ctx context.Context, shiftID string, req SiteVisitRequest) (*models.SiteVisit, error) {
	var visit models.SiteVisit
	shift, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		if !shift.IsActive {
			return &InvalidStateError{Operation: "record site visit", State: string(shift.State)}
		}
		switch shift.State {
		case models.ShiftStateInShift, models.ShiftStateOnBreak:
		default:
			return &InvalidStateError{Operation: "record site visit", State: string(shift.State)}
		}

		now := m.clock.Now().Unix()
		loc := req.Location
		shift.LocationHistory = append(shift.LocationHistory, loc)
		shift.CurrentLocation = &loc
		shift.LastActivityTime = now

		switch req.Event {
		case SiteEventEnter:
			if open := shift.OpenVisit(req.SiteID); open != nil {
				return &ConflictError{Message: fmt.Sprintf("site visit for %s is already open", req.SiteID)}
			}

			geofenceID := req.GeofenceID
			if geofenceID == nil && m.policy.AutoDetectSiteGeofence {
				if fence, err := m.geofences.DetectSiteGeofence(ctx, req.SiteID, loc); err != nil {
					m.log.Warnw("geofence auto-detect failed", "site_id", req.SiteID, "error", err)
				} else if fence != nil {
					geofenceID = &fence.ID
				}
			}

			visit = models.SiteVisit{
				ID:            uuid.New().String(),
				SiteID:        req.SiteID,
				SiteName:      req.SiteName,
				GeofenceID:    geofenceID,
				EnterTime:     now,
				Tasks:         req.Tasks,
				IsPlanned:     shift.HasPlannedSite(req.SiteID),
				EnterLocation: loc,
			}
			shift.SiteVisits = append(shift.SiteVisits, visit)
			return nil

		case SiteEventExit:
			open := shift.OpenVisit(req.SiteID)
			if open == nil {
				return &NotFoundError{Resource: "open site visit", ID: req.SiteID}
			}
			timeOnSite := now - open.EnterTime
			open.ExitTime = &now
			open.TimeOnSite = &timeOnSite
			open.ExitLocation = &loc
			for _, taskID := range req.CompletedTaskIDs {
				for i := range open.Tasks {
					if open.Tasks[i].ID == taskID {
						open.Tasks[i].Completed = true
					}
				}
			}
			visit = *open
			return nil

		default:
			return fmt.Errorf("unknown site visit event %q", req.Event)
		}
	})
	if err != nil {
		return nil, err
	}

	m.log.Infow("site visit recorded", "shift_id", shift.ID, "site_id", req.SiteID, "event", req.Event)
	return &visit, nil
}

// RecordComplianceCheck appends a compliance check to the shift. Used by the
// geofence trigger so that it never writes shift state directly.
func (m *StateMachine) RecordComplianceCheck(ctx context.Context, shiftID string, check models.ComplianceCheck) error {
	if check.ID == "" {
		check.ID = uuid.New().String()
	}
	if check.Timestamp == 0 {
		check.Timestamp = m.clock.Now().Unix()
	}
	_, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		shift.ComplianceChecks = append(shift.ComplianceChecks, check)
		return nil
	})
	return err
}

// RecordLocation appends a passive location reading through the repository's
// atomic field-level update, then refreshes the cache.
func (m *StateMachine) RecordLocation(ctx context.Context, shiftID string, loc models.Location) error {
	if err := m.repo.AppendLocation(ctx, shiftID, loc); err != nil {
		return err
	}
	if _, ok := m.cache.Get(shiftID); ok {
		if fresh, err := m.repo.FindByID(ctx, shiftID); err == nil && fresh.IsActive {
			m.cache.Put(fresh)
		}
	}
	return nil
}

// GetShift returns a shift by id, preferring the cache for active shifts.
func (m *StateMachine) GetShift(ctx context.Context, shiftID string) (*models.Shift, error) {
	if shift, ok := m.cache.Get(shiftID); ok {
		return shift, nil
	}
	return m.repo.FindByID(ctx, shiftID)
}

// FindActiveShift returns the user's active shift or nil.
func (m *StateMachine) FindActiveShift(ctx context.Context, userID string) (*models.Shift, error) {
	if shift, ok := m.cache.GetByUser(userID); ok {
		return shift, nil
	}
	shift, err := m.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if shift != nil {
		m.cache.Put(shift)
	}
	return shift, nil
}

// ListShifts returns shifts matching the filter, straight from the
// repository.
func (m *StateMachine) ListShifts(ctx context.Context, filter Filter) ([]*models.Shift, error) {
	return m.repo.List(ctx, filter)
}

// ForceTimeout terminates an abandoned shift through the same finalization
// path as EndShift, tagging the result as a compliance failure. Called by
// the timeout sweeper.
func (m *StateMachine) ForceTimeout(ctx context.Context, shiftID string, idle time.Duration) error {
	var timedOut bool
	shift, err := m.withShift(ctx, shiftID, func(shift *models.Shift) error {
		// The shift may have been ended between the sweep query and now.
		if !shift.IsActive {
			return nil
		}
		switch shift.State {
		case models.ShiftStateInShift, models.ShiftStateOnBreak:
		default:
			return nil
		}

		timedOut = true
		idleHours := idle.Hours()
		return m.finalizeShift(shift, finalizeOptions{
			TriggeredBy: models.TriggeredBySystem,
			Reason:      fmt.Sprintf("shift force-terminated after %.1fh without activity", idleHours),
			IdleHours:   &idleHours,
		})
	})
	if err != nil {
		return err
	}
	if !timedOut {
		return nil
	}

	if n := len(shift.StateHistory); n > 0 {
		m.notifyTransition(shift, shift.StateHistory[n-1])
	}
	m.resolveSla(ctx, shift, SlaOutcomeBreached)
	m.security.Report(ctx, "shift_timeout", SeverityHigh, map[string]string{
		"shift_id":   shift.ID,
		"user_hash":  anonymizeUserID(shift.UserID),
		"idle_hours": strconv.FormatFloat(idle.Hours(), 'f', 1, 64),
	})
	telemetry.ShiftsEndedTotal.WithLabelValues(models.TriggeredBySystem).Inc()
	telemetry.SweepTimeoutsTotal.Inc()
	telemetry.ActiveShiftsCached.Set(float64(m.cache.Len()))

	m.log.Warnw("shift force-terminated by timeout", "shift_id", shift.ID, "idle_hours", idle.Hours())
	return nil
}

// finalizeOptions parameterizes the shared finalization path used by both
// EndShift and ForceTimeout, so the two can never drift apart.
type finalizeOptions struct {
	EndLocation *models.Location
	TriggeredBy string
	Reason      string
	Notes       *string
	IdleHours   *float64 // Non-nil marks a timeout-forced termination
}

func (m *StateMachine) finalizeShift(shift *models.Shift, opts finalizeOptions) error {
	now := m.clock.Now().Unix()

	// Fold a still-open break into the record, the same as an explicit
	// endBreak would.
	if open := shift.OpenBreak(); open != nil {
		duration := (now - open.StartTime) / 60
		open.EndTime = &now
		open.DurationMinutes = &duration
	}

	if opts.EndLocation != nil {
		shift.LocationHistory = append(shift.LocationHistory, *opts.EndLocation)
		shift.CurrentLocation = opts.EndLocation
	}

	metrics := ComputeMetrics(shift, now, m.policy.OvertimeAfter)
	shift.Metrics = &metrics

	// Final compliance checks.
	maxMinutes := int64(m.policy.MaxShiftDuration / time.Minute)
	durationCheck := models.ComplianceCheck{
		ID:        uuid.New().String(),
		Name:      "shift_duration_limit",
		Status:    models.CompliancePassed,
		Timestamp: now,
		Details:   fmt.Sprintf("shift ran %d minutes (limit %d)", metrics.TotalDurationMinutes, maxMinutes),
	}
	if metrics.TotalDurationMinutes > maxMinutes {
		durationCheck.Status = models.ComplianceFailed
		durationCheck.RequiresApproval = true
	}
	shift.ComplianceChecks = append(shift.ComplianceChecks, durationCheck)

	if opts.IdleHours != nil {
		shift.ComplianceChecks = append(shift.ComplianceChecks, models.ComplianceCheck{
			ID:               uuid.New().String(),
			Name:             "shift_timeout",
			Status:           models.ComplianceFailed,
			Timestamp:        now,
			Details:          fmt.Sprintf("no activity for %.1fh; force-terminated by timeout sweep", *opts.IdleHours),
			RequiresApproval: true,
		})
	}

	meta := &models.TransitionMetadata{Notes: opts.Notes, IdleHours: opts.IdleHours}

	// Walk the table: whatever the current state, go through CHECKING_OUT
	// before POST_SHIFT.
	if shift.State != models.ShiftStateCheckingOut {
		tr := m.applyTransition(shift, TransitionRequest{
			ToState:     models.ShiftStateCheckingOut,
			Reason:      opts.Reason,
			TriggeredBy: opts.TriggeredBy,
			Location:    opts.EndLocation,
			Metadata:    meta,
		})
		if !tr.IsValid {
			return &InvalidStateError{Operation: "end shift", State: string(tr.FromState)}
		}
	}
	tr := m.applyTransition(shift, TransitionRequest{
		ToState:     models.ShiftStatePostShift,
		Reason:      opts.Reason,
		TriggeredBy: opts.TriggeredBy,
		Location:    opts.EndLocation,
		Metadata:    meta,
	})
	if !tr.IsValid {
		return &InvalidStateError{Operation: "end shift", State: string(tr.FromState)}
	}

	shift.ActualEndTime = &now
	if opts.EndLocation != nil {
		shift.EndLocation = opts.EndLocation
	}
	shift.IsActive = false
	return nil
}

// resolveSla notifies the SLA tracker of a shift's resolution. Best-effort.
func (m *StateMachine) resolveSla(ctx context.Context, shift *models.Shift, status string) {
	endTime := m.clock.Now().Unix()
	if shift.ActualEndTime != nil {
		endTime = *shift.ActualEndTime
	}
	if err := m.sla.OnShiftResolved(ctx, shift.ID, SlaOutcome{
		TrackerID: shift.SlaTrackerID,
		Status:    status,
		EndTime:   endTime,
	}); err != nil {
		m.log.Warnw("SLA resolution notification failed", "shift_id", shift.ID, "error", err)
	}
}

// applyTransition validates a transition against the table and appends the
// audit record. Valid attempts advance the state; invalid ones only leave
// their trace in the history.
func (m *StateMachine) applyTransition(shift *models.Shift, req TransitionRequest) models.StateTransition {
	now := m.clock.Now().Unix()
	valid := CanTransition(shift.State, req.ToState)

	tr := models.StateTransition{
		ID:          uuid.New().String(),
		FromState:   shift.State,
		ToState:     req.ToState,
		Timestamp:   now,
		TriggeredBy: req.TriggeredBy,
		Reason:      req.Reason,
		Location:    req.Location,
		IsValid:     valid,
		Metadata:    req.Metadata,
	}
	if !valid {
		msg := fmt.Sprintf("transition %s -> %s is not allowed", shift.State, req.ToState)
		tr.ValidationError = &msg
		m.log.Warnw("invalid transition attempt",
			"shift_id", shift.ID, "from", shift.State, "to", req.ToState, "triggered_by", req.TriggeredBy)
	} else {
		prev := shift.State
		shift.PreviousState = &prev
		shift.State = req.ToState
		shift.LastActivityTime = now
		if req.Location != nil {
			shift.CurrentLocation = req.Location
		}
	}

	shift.StateHistory = append(shift.StateHistory, tr)
	telemetry.TransitionsTotal.WithLabelValues(string(req.ToState), strconv.FormatBool(valid)).Inc()
	return tr
}

func (m *StateMachine) notifyTransition(shift *models.Shift, tr models.StateTransition) {
	if m.onTransition != nil && tr.IsValid {
		m.onTransition(shift, tr)
	}
}

// withShift serializes a read-modify-write against one shift: per-shift
// lock, load, mutate, save under the optimistic version guard. A version
// conflict (an out-of-process writer) reloads and replays with exponential
// backoff.
func (m *StateMachine) withShift(ctx context.Context, shiftID string, fn func(shift *models.Shift) error) (*models.Shift, error) {
	unlock := m.locks.lock(shiftID)
	defer unlock()

	var shift *models.Shift
	op := func() error {
		loaded, err := m.repo.FindByID(ctx, shiftID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(loaded); err != nil {
			return backoff.Permanent(err)
		}
		if err := m.repo.Save(ctx, loaded); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		shift = loaded
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), saveRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	if shift.IsActive {
		m.cache.Put(shift)
	} else {
		m.cache.Remove(shift.ID, shift.UserID)
	}
	return shift, nil
}
