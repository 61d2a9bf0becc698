package shifts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-backend/internal/models"
)

func TestStartShiftCreatesActiveShiftInShift(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	now := tm.clock.Now().Unix()

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", testLocation(37.33, -121.88, now), StartShiftOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ShiftStateInShift, shift.State)
	assert.True(t, shift.IsActive)
	require.NotNil(t, shift.ActualStartTime)
	assert.Equal(t, now, *shift.ActualStartTime)

	// Initialization and the checking_in -> in_shift step are both on record.
	require.Len(t, shift.StateHistory, 2)
	assert.Equal(t, models.ShiftStateIdle, shift.StateHistory[0].FromState)
	assert.Equal(t, models.ShiftStateCheckingIn, shift.StateHistory[0].ToState)
	assert.Equal(t, models.ShiftStateInShift, shift.StateHistory[1].ToState)
	assert.True(t, shift.StateHistory[1].IsValid)

	// SLA tracker id was recorded via the field-level update.
	require.NotNil(t, shift.SlaTrackerID)
	assert.Equal(t, "trk-1", *shift.SlaTrackerID)
	assert.Equal(t, []string{shift.ID}, tm.sla.started)

	// Active shift is resolvable by user.
	active, err := tm.machine.FindActiveShift(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, shift.ID, active.ID)
}

func TestStartShiftRejectsSecondActiveShift(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	_, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	_, err = tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestStartShiftStrictGeofence(t *testing.T) {
	policy := DefaultPolicy()
	policy.StrictGeofence = true
	tm := newTestMachine(policy)
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	_, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	var authz *AuthorizationError
	require.ErrorAs(t, err, &authz)

	tm.authority.authorized = &models.Geofence{ID: "geofence_site_a", Type: models.GeofenceTypeWorkSite, IsAuthorizedStart: true}

	// A fix too coarse to prove containment is rejected even inside a fence.
	coarse := 500.0
	coarseLoc := loc
	coarseLoc.Accuracy = &coarse
	_, err = tm.machine.StartShift(ctx, "user-1", "FT-1001", coarseLoc, StartShiftOptions{})
	require.ErrorAs(t, err, &authz)

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ShiftStateInShift, shift.State)
}

func TestInvalidTransitionIsRecordedWithoutStateChange(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	tr, err := tm.machine.TransitionState(ctx, shift.ID, TransitionRequest{
		ToState:     models.ShiftStateCompleted,
		Reason:      "premature completion attempt",
		TriggeredBy: models.TriggeredByUser,
	})
	require.NoError(t, err)
	assert.False(t, tr.IsValid)
	require.NotNil(t, tr.ValidationError)
	assert.Contains(t, *tr.ValidationError, "in_shift -> completed")

	fresh, err := tm.machine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShiftStateInShift, fresh.State)
	// The rejected attempt still left its audit record.
	require.Len(t, fresh.StateHistory, 3)
	assert.False(t, fresh.StateHistory[2].IsValid)
}

func TestEndShiftComputesMetricsAndFinalizes(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	start := tm.clock.Now().Unix()

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", testLocation(37.3329, -121.8866, start), StartShiftOptions{
		PlannedSites: []string{"site-a"},
	})
	require.NoError(t, err)

	// +5m: arrive on site with two tasks.
	tm.clock.Advance(5 * time.Minute)
	_, err = tm.machine.RecordSiteVisit(ctx, shift.ID, SiteVisitRequest{
		SiteID:   "site-a",
		SiteName: "Site A",
		Event:    SiteEventEnter,
		Location: testLocation(37.3361, -121.8869, tm.clock.Now().Unix()),
		Tasks: []models.SiteTask{
			{ID: "t1", Name: "inspect"},
			{ID: "t2", Name: "repair"},
		},
	})
	require.NoError(t, err)

	// +65m: leave with one task done.
	tm.clock.Advance(60 * time.Minute)
	visit, err := tm.machine.RecordSiteVisit(ctx, shift.ID, SiteVisitRequest{
		SiteID:           "site-a",
		Event:            SiteEventExit,
		Location:         testLocation(37.3361, -121.8869, tm.clock.Now().Unix()),
		CompletedTaskIDs: []string{"t1"},
	})
	require.NoError(t, err)
	require.NotNil(t, visit.TimeOnSite)
	assert.Equal(t, int64(3600), *visit.TimeOnSite)
	assert.True(t, visit.IsPlanned)

	// +90m: end the shift.
	tm.clock.Advance(25 * time.Minute)
	ended, err := tm.machine.EndShift(ctx, shift.ID, "user-1", testLocation(37.3329, -121.8866, tm.clock.Now().Unix()), nil)
	require.NoError(t, err)

	assert.Equal(t, models.ShiftStatePostShift, ended.State)
	assert.False(t, ended.IsActive)
	require.NotNil(t, ended.ActualEndTime)
	assert.Equal(t, start+90*60, *ended.ActualEndTime)

	require.NotNil(t, ended.Metrics)
	assert.Equal(t, int64(90), ended.Metrics.TotalDurationMinutes)
	assert.Equal(t, int64(0), ended.Metrics.BreakTimeMinutes)
	assert.Equal(t, int64(90), ended.Metrics.WorkingTimeMinutes)
	assert.Equal(t, int64(60), ended.Metrics.SiteTimeMinutes)
	assert.Equal(t, int64(30), ended.Metrics.TravelTimeMinutes)
	assert.Equal(t, 1, ended.Metrics.TasksCompleted)
	assert.Equal(t, 2, ended.Metrics.TasksTotal)
	assert.InDelta(t, 50.0, ended.Metrics.Efficiency, 0.01)

	// Finalization walked in_shift -> checking_out -> post_shift.
	n := len(ended.StateHistory)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, models.ShiftStateCheckingOut, ended.StateHistory[n-2].ToState)
	assert.Equal(t, models.ShiftStatePostShift, ended.StateHistory[n-1].ToState)

	// Duration compliance check passed.
	var durationCheck *models.ComplianceCheck
	for i := range ended.ComplianceChecks {
		if ended.ComplianceChecks[i].Name == "shift_duration_limit" {
			durationCheck = &ended.ComplianceChecks[i]
		}
	}
	require.NotNil(t, durationCheck)
	assert.Equal(t, models.CompliancePassed, durationCheck.Status)

	// SLA resolved as completed.
	require.Len(t, tm.sla.resolved, 1)
	assert.Equal(t, SlaOutcomeCompleted, tm.sla.resolved[0].Status)

	// No longer an active shift for the user.
	active, err := tm.machine.FindActiveShift(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestEndShiftRequiresOwnership(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	_, err = tm.machine.EndShift(ctx, shift.ID, "user-2", loc, nil)
	var authz *AuthorizationError
	require.ErrorAs(t, err, &authz)
}

func TestEndShiftFromTerminalStateRejected(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)
	_, err = tm.machine.EndShift(ctx, shift.ID, "user-1", loc, nil)
	require.NoError(t, err)

	_, err = tm.machine.EndShift(ctx, shift.ID, "user-1", loc, nil)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestBreakLifecycle(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	// Lunch after only one hour is on record but not authorized.
	tm.clock.Advance(time.Hour)
	started, err := tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeLunch, loc, nil)
	require.NoError(t, err)
	assert.False(t, started.IsAuthorized)

	// A second break while one is open is a conflict, not a state error.
	_, err = tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeRest, loc, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	tm.clock.Advance(30 * time.Minute)
	ended, err := tm.machine.EndBreak(ctx, shift.ID, "user-1", loc, nil)
	require.NoError(t, err)
	require.NotNil(t, ended.DurationMinutes)
	assert.Equal(t, int64(30), *ended.DurationMinutes)

	fresh, err := tm.machine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShiftStateInShift, fresh.State)

	// Lunch five and a half hours in clears the authorization threshold.
	tm.clock.Advance(4 * time.Hour)
	started, err = tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeLunch, loc, nil)
	require.NoError(t, err)
	assert.True(t, started.IsAuthorized)
}

func TestEndBreakWithoutOpenBreak(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	// Nothing to end: the open break is the missing resource.
	_, err = tm.machine.EndBreak(ctx, shift.ID, "user-1", loc, nil)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "open break", notFound.Resource)
}

func TestEmergencyAndUnauthorizedBreakAuthorization(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	started, err := tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeEmergency, loc, nil)
	require.NoError(t, err)
	assert.True(t, started.IsAuthorized)
	_, err = tm.machine.EndBreak(ctx, shift.ID, "user-1", loc, nil)
	require.NoError(t, err)

	started, err = tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeUnauthorized, loc, nil)
	require.NoError(t, err)
	assert.False(t, started.IsAuthorized)
}

func TestEndShiftClosesOpenBreak(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	tm.clock.Advance(2 * time.Hour)
	_, err = tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeRest, loc, nil)
	require.NoError(t, err)

	// Ending from ON_BREAK folds the running break into the record.
	tm.clock.Advance(30 * time.Minute)
	ended, err := tm.machine.EndShift(ctx, shift.ID, "user-1", loc, nil)
	require.NoError(t, err)

	require.Len(t, ended.Breaks, 1)
	require.NotNil(t, ended.Breaks[0].EndTime)
	assert.Equal(t, int64(30), *ended.Breaks[0].DurationMinutes)
	assert.Equal(t, int64(150), ended.Metrics.TotalDurationMinutes)
	assert.Equal(t, int64(30), ended.Metrics.BreakTimeMinutes)
	assert.Equal(t, int64(120), ended.Metrics.WorkingTimeMinutes)
}

func TestSiteVisitConflictsAndNotFound(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	_, err = tm.machine.RecordSiteVisit(ctx, shift.ID, SiteVisitRequest{
		SiteID: "site-a", Event: SiteEventEnter, Location: loc,
	})
	require.NoError(t, err)

	// Re-entering the same site while the visit is open is a conflict.
	_, err = tm.machine.RecordSiteVisit(ctx, shift.ID, SiteVisitRequest{
		SiteID: "site-a", Event: SiteEventEnter, Location: loc,
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	// Exiting a site with no open visit is not found.
	_, err = tm.machine.RecordSiteVisit(ctx, shift.ID, SiteVisitRequest{
		SiteID: "site-b", Event: SiteEventExit, Location: loc,
	})
	require.True(t, IsNotFound(err))
}

func TestSiteVisitGeofenceAutoDetect(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())
	tm.authority.siteFences = map[string]*models.Geofence{
		"site-a": {ID: "geofence_site_a", Type: models.GeofenceTypeWorkSite},
	}

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	visit, err := tm.machine.RecordSiteVisit(ctx, shift.ID, SiteVisitRequest{
		SiteID: "site-a", Event: SiteEventEnter, Location: loc,
	})
	require.NoError(t, err)
	require.NotNil(t, visit.GeofenceID)
	assert.Equal(t, "geofence_site_a", *visit.GeofenceID)
}

func TestForceTimeoutFinalizesAndReports(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	tm.clock.Advance(9 * time.Hour)
	require.NoError(t, tm.machine.ForceTimeout(ctx, shift.ID, 9*time.Hour))

	fresh, err := tm.machine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShiftStatePostShift, fresh.State)
	assert.False(t, fresh.IsActive)

	var timeoutCheck *models.ComplianceCheck
	for i := range fresh.ComplianceChecks {
		if fresh.ComplianceChecks[i].Name == "shift_timeout" {
			timeoutCheck = &fresh.ComplianceChecks[i]
		}
	}
	require.NotNil(t, timeoutCheck)
	assert.Equal(t, models.ComplianceFailed, timeoutCheck.Status)
	assert.True(t, timeoutCheck.RequiresApproval)

	// The forced transitions carry the idle duration.
	last := fresh.StateHistory[len(fresh.StateHistory)-1]
	assert.Equal(t, models.TriggeredBySystem, last.TriggeredBy)
	require.NotNil(t, last.Metadata)
	require.NotNil(t, last.Metadata.IdleHours)
	assert.InDelta(t, 9.0, *last.Metadata.IdleHours, 0.01)

	// Security event carries a digest, never the raw user id.
	require.Len(t, tm.sink.events, 1)
	evt := tm.sink.events[0]
	assert.Equal(t, "shift_timeout", evt.Name)
	assert.Equal(t, SeverityHigh, evt.Severity)
	assert.NotEqual(t, "user-1", evt.Details["user_hash"])
	assert.Len(t, evt.Details["user_hash"], 12)

	// SLA resolved as breached.
	require.Len(t, tm.sla.resolved, 1)
	assert.Equal(t, SlaOutcomeBreached, tm.sla.resolved[0].Status)
}

func TestForceTimeoutIsIdempotentOnEndedShift(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)
	_, err = tm.machine.EndShift(ctx, shift.ID, "user-1", loc, nil)
	require.NoError(t, err)
	historyBefore := len(tm.repo.shifts[shift.ID].StateHistory)

	// The sweep raced an explicit end: nothing further happens.
	require.NoError(t, tm.machine.ForceTimeout(ctx, shift.ID, 9*time.Hour))
	assert.Len(t, tm.repo.shifts[shift.ID].StateHistory, historyBefore)
	assert.Empty(t, tm.sink.events)
}

func TestSaveRetriesOnVersionConflict(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	// First save attempt loses the race; the operation reloads and replays.
	tm.repo.failSavesWithConflict = 1
	started, err := tm.machine.StartBreak(ctx, shift.ID, "user-1", models.BreakTypeRest, loc, nil)
	require.NoError(t, err)
	assert.True(t, started.IsAuthorized)

	fresh, err := tm.machine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShiftStateOnBreak, fresh.State)
	assert.Len(t, fresh.Breaks, 1)
}

func TestRecordLocationTouchesActivity(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	start := tm.clock.Now().Unix()

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", testLocation(37.33, -121.88, start), StartShiftOptions{})
	require.NoError(t, err)
	historyLen := len(shift.LocationHistory)

	later := start + 600
	require.NoError(t, tm.machine.RecordLocation(ctx, shift.ID, testLocation(37.34, -121.89, later)))

	fresh, err := tm.machine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Len(t, fresh.LocationHistory, historyLen+1)
	assert.Equal(t, later, fresh.LastActivityTime)
	require.NotNil(t, fresh.CurrentLocation)
	assert.InDelta(t, 37.34, fresh.CurrentLocation.Latitude, 0.0001)
}

func TestOnTransitionHookFiresForValidOnly(t *testing.T) {
	tm := newTestMachine(DefaultPolicy())
	ctx := context.Background()
	loc := testLocation(37.33, -121.88, tm.clock.Now().Unix())

	var notified []models.ShiftState
	tm.machine.OnTransition(func(_ *models.Shift, tr models.StateTransition) {
		notified = append(notified, tr.ToState)
	})

	shift, err := tm.machine.StartShift(ctx, "user-1", "FT-1001", loc, StartShiftOptions{})
	require.NoError(t, err)

	// Invalid attempt: no notification.
	_, err = tm.machine.TransitionState(ctx, shift.ID, TransitionRequest{
		ToState: models.ShiftStateCompleted, TriggeredBy: models.TriggeredByUser,
	})
	require.NoError(t, err)

	_, err = tm.machine.EndShift(ctx, shift.ID, "user-1", loc, nil)
	require.NoError(t, err)

	require.NotEmpty(t, notified)
	assert.Equal(t, models.ShiftStateInShift, notified[0])
	assert.Equal(t, models.ShiftStatePostShift, notified[len(notified)-1])
	for _, state := range notified {
		assert.NotEqual(t, models.ShiftStateCompleted, state)
	}
}
