package geofence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/shifts"
)

// memRepo is a minimal in-memory shifts.Repository for trigger tests.
type memRepo struct {
	mu     sync.Mutex
	shifts map[string]*models.Shift
}

func newMemRepo() *memRepo {
	return &memRepo{shifts: make(map[string]*models.Shift)}
}

func cloneShift(s *models.Shift) *models.Shift {
	raw, _ := json.Marshal(s)
	var out models.Shift
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (r *memRepo) FindByID(_ context.Context, id string) (*models.Shift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shift, ok := r.shifts[id]
	if !ok {
		return nil, &shifts.NotFoundError{Resource: "shift", ID: id}
	}
	return cloneShift(shift), nil
}

func (r *memRepo) FindActiveByUser(_ context.Context, userID string) (*models.Shift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, shift := range r.shifts {
		if shift.UserID == userID && shift.IsActive {
			return cloneShift(shift), nil
		}
	}
	return nil, nil
}

func (r *memRepo) List(_ context.Context, _ shifts.Filter) ([]*models.Shift, error) {
	return nil, nil
}

func (r *memRepo) Save(_ context.Context, shift *models.Shift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shift.Version == 0 {
		shift.Version = 1
	} else {
		stored, ok := r.shifts[shift.ID]
		if !ok {
			return &shifts.NotFoundError{Resource: "shift", ID: shift.ID}
		}
		if stored.Version != shift.Version {
			return shifts.ErrVersionConflict
		}
		shift.Version++
	}
	r.shifts[shift.ID] = cloneShift(shift)
	return nil
}

func (r *memRepo) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	shift, ok := r.shifts[id]
	if !ok {
		return &shifts.NotFoundError{Resource: "shift", ID: id}
	}
	if trackerID, ok := fields["sla_tracker_id"].(string); ok {
		shift.SlaTrackerID = &trackerID
	}
	shift.Version++
	return nil
}

func (r *memRepo) AppendLocation(_ context.Context, id string, loc models.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	shift, ok := r.shifts[id]
	if !ok || !shift.IsActive {
		return &shifts.NotFoundError{Resource: "active shift", ID: id}
	}
	locCopy := loc
	shift.LocationHistory = append(shift.LocationHistory, loc)
	shift.CurrentLocation = &locCopy
	shift.LastActivityTime = loc.Timestamp
	shift.Version++
	return nil
}

type nullAuthority struct{}

func (nullAuthority) ResolveAuthorizedGeofence(_ context.Context, _ models.Location) (*models.Geofence, error) {
	return nil, nil
}

func (nullAuthority) DetectSiteGeofence(_ context.Context, _ string, _ models.Location) (*models.Geofence, error) {
	return nil, nil
}

type nullSla struct{}

func (nullSla) OnShiftStarted(_ context.Context, _ string, _ shifts.SlaShiftContext) (string, error) {
	return "", nil
}

func (nullSla) OnShiftResolved(_ context.Context, _ string, _ shifts.SlaOutcome) error {
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Report(_ context.Context, eventName, _ string, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventName)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func setup(t *testing.T) (*Trigger, *shifts.StateMachine, *recordingSink) {
	t.Helper()
	repo := newMemRepo()
	sink := &recordingSink{}
	machine := shifts.NewStateMachine(repo, nullAuthority{}, nullSla{}, sink, shifts.DefaultPolicy(), nil,
		fixedClock{now: time.Unix(1_700_000_000, 0)})
	return NewTrigger(machine, sink, nil), machine, sink
}

func startShift(t *testing.T, machine *shifts.StateMachine, userID string) *models.Shift {
	t.Helper()
	shift, err := machine.StartShift(context.Background(), userID, "FT-1001",
		models.Location{Latitude: 37.33, Longitude: -121.88, Timestamp: 1_700_000_000}, shifts.StartShiftOptions{})
	require.NoError(t, err)
	return shift
}

func workSiteEvent(userID, geofenceID string) models.GeofenceEvent {
	return models.GeofenceEvent{
		UserID:       userID,
		GeofenceID:   geofenceID,
		GeofenceName: "Site A",
		GeofenceType: models.GeofenceTypeWorkSite,
		Location:     models.Location{Latitude: 37.3361, Longitude: -121.8869, Timestamp: 1_700_000_100},
		Timestamp:    1_700_000_100,
	}
}

func TestEntryWithoutActiveShiftIsNoOp(t *testing.T) {
	trigger, _, sink := setup(t)

	err := trigger.HandleEntry(context.Background(), workSiteEvent("nobody", "geofence_site_a"))
	require.NoError(t, err)
	assert.Empty(t, sink.events)
}

func TestWorkSiteEntryOpensVisit(t *testing.T) {
	trigger, machine, _ := setup(t)
	shift := startShift(t, machine, "user-1")

	require.NoError(t, trigger.HandleEntry(context.Background(), workSiteEvent("user-1", "geofence_site_a")))

	fresh, err := machine.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	require.Len(t, fresh.SiteVisits, 1)
	visit := fresh.SiteVisits[0]
	assert.Equal(t, "a", visit.SiteID) // derived from geofence_site_a
	assert.True(t, visit.IsOpen())
	require.NotNil(t, visit.GeofenceID)
	assert.Equal(t, "geofence_site_a", *visit.GeofenceID)
}

func TestDuplicateWorkSiteEntryTolerated(t *testing.T) {
	trigger, machine, _ := setup(t)
	shift := startShift(t, machine, "user-1")

	evt := workSiteEvent("user-1", "geofence_site_a")
	require.NoError(t, trigger.HandleEntry(context.Background(), evt))
	// The device re-reports the same fence: swallowed, not an error.
	require.NoError(t, trigger.HandleEntry(context.Background(), evt))

	fresh, err := machine.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	assert.Len(t, fresh.SiteVisits, 1)
}

func TestWorkSiteExitClosesVisit(t *testing.T) {
	trigger, machine, _ := setup(t)
	shift := startShift(t, machine, "user-1")

	evt := workSiteEvent("user-1", "geofence_site_a")
	require.NoError(t, trigger.HandleEntry(context.Background(), evt))
	require.NoError(t, trigger.HandleExit(context.Background(), evt))

	fresh, err := machine.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	require.Len(t, fresh.SiteVisits, 1)
	assert.False(t, fresh.SiteVisits[0].IsOpen())
	require.NotNil(t, fresh.SiteVisits[0].TimeOnSite)
}

func TestWorkSiteExitWithoutOpenVisitTolerated(t *testing.T) {
	trigger, machine, _ := setup(t)
	shift := startShift(t, machine, "user-1")

	// Stale exit event with no matching entry: logged and dropped.
	require.NoError(t, trigger.HandleExit(context.Background(), workSiteEvent("user-1", "geofence_site_a")))

	fresh, err := machine.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.SiteVisits)
}

func TestRestrictedAreaEntryRaisesSecurityEvent(t *testing.T) {
	trigger, machine, sink := setup(t)
	shift := startShift(t, machine, "user-1")

	evt := workSiteEvent("user-1", "geofence_restricted_yard")
	evt.GeofenceType = models.GeofenceTypeRestrictedArea
	evt.GeofenceName = "Equipment Yard"
	require.NoError(t, trigger.HandleEntry(context.Background(), evt))

	assert.Contains(t, sink.events, "restricted_area_entry")

	fresh, err := machine.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	require.Len(t, fresh.ComplianceChecks, 1)
	check := fresh.ComplianceChecks[0]
	assert.Equal(t, "restricted_area_entry", check.Name)
	assert.Equal(t, models.ComplianceWarning, check.Status)
	assert.True(t, check.RequiresApproval)
	// State is untouched: restricted-area entry is an alert, not a transition.
	assert.Equal(t, models.ShiftStateInShift, fresh.State)
}

func TestClientLocationEntryRecordsCompliance(t *testing.T) {
	trigger, machine, sink := setup(t)
	shift := startShift(t, machine, "user-1")

	evt := workSiteEvent("user-1", "geofence_client_acme")
	evt.GeofenceType = models.GeofenceTypeClientLocation
	require.NoError(t, trigger.HandleEntry(context.Background(), evt))

	assert.Empty(t, sink.events)
	fresh, err := machine.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	require.Len(t, fresh.ComplianceChecks, 1)
	assert.Equal(t, "client_location_entry", fresh.ComplianceChecks[0].Name)
	assert.Equal(t, models.CompliancePassed, fresh.ComplianceChecks[0].Status)
}

func TestSiteIDFromGeofence(t *testing.T) {
	assert.Equal(t, "sj01", SiteIDFromGeofence("geofence_site_sj01"))
	assert.Equal(t, "sj01", SiteIDFromGeofence("site_sj01"))
	assert.Equal(t, "plain", SiteIDFromGeofence("plain"))
}
