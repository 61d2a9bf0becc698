package shifts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fieldtrack-backend/internal/models"
)

// fakeClock is a settable clock for deterministic timeout and
// authorization behavior.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRepo is an in-memory Repository with the same optimistic version
// semantics as the Postgres implementation. Records are deep-copied on the
// way in and out so tests catch accidental aliasing.
type fakeRepo struct {
	mu     sync.Mutex
	shifts map[string]*models.Shift

	// failSavesWithConflict makes the next n Saves return
	// ErrVersionConflict, to exercise the retry path.
	failSavesWithConflict int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{shifts: make(map[string]*models.Shift)}
}

func copyShift(s *models.Shift) *models.Shift {
	raw, _ := json.Marshal(s)
	var out models.Shift
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*models.Shift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shift, ok := r.shifts[id]
	if !ok {
		return nil, &NotFoundError{Resource: "shift", ID: id}
	}
	return copyShift(shift), nil
}

func (r *fakeRepo) FindActiveByUser(_ context.Context, userID string) (*models.Shift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, shift := range r.shifts {
		if shift.UserID == userID && shift.IsActive {
			return copyShift(shift), nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) List(_ context.Context, filter Filter) ([]*models.Shift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Shift
	for _, shift := range r.shifts {
		if filter.UserID != "" && shift.UserID != filter.UserID {
			continue
		}
		if filter.ActiveOnly && !shift.IsActive {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, state := range filter.States {
				if shift.State == state {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if filter.LastActivityBefore > 0 && shift.LastActivityTime >= filter.LastActivityBefore {
			continue
		}
		out = append(out, copyShift(shift))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) Save(_ context.Context, shift *models.Shift) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failSavesWithConflict > 0 {
		r.failSavesWithConflict--
		return ErrVersionConflict
	}

	stored, exists := r.shifts[shift.ID]
	if shift.Version == 0 {
		shift.Version = 1
		r.shifts[shift.ID] = copyShift(shift)
		return nil
	}
	if !exists {
		return &NotFoundError{Resource: "shift", ID: shift.ID}
	}
	if stored.Version != shift.Version {
		return ErrVersionConflict
	}
	shift.Version++
	r.shifts[shift.ID] = copyShift(shift)
	return nil
}

func (r *fakeRepo) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	shift, ok := r.shifts[id]
	if !ok {
		return &NotFoundError{Resource: "shift", ID: id}
	}
	for name, value := range fields {
		switch name {
		case "sla_tracker_id":
			trackerID := value.(string)
			shift.SlaTrackerID = &trackerID
		case "last_activity_time":
			shift.LastActivityTime = value.(int64)
		case "is_active":
			shift.IsActive = value.(bool)
		}
	}
	shift.Version++
	return nil
}

func (r *fakeRepo) AppendLocation(_ context.Context, id string, loc models.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	shift, ok := r.shifts[id]
	if !ok || !shift.IsActive {
		return &NotFoundError{Resource: "active shift", ID: id}
	}
	locCopy := loc
	shift.LocationHistory = append(shift.LocationHistory, loc)
	shift.CurrentLocation = &locCopy
	shift.LastActivityTime = loc.Timestamp
	shift.Version++
	return nil
}

// fakeAuthority answers containment from a fixed fence set.
type fakeAuthority struct {
	authorized *models.Geofence
	siteFences map[string]*models.Geofence
	err        error
}

func (a *fakeAuthority) ResolveAuthorizedGeofence(_ context.Context, _ models.Location) (*models.Geofence, error) {
	return a.authorized, a.err
}

func (a *fakeAuthority) DetectSiteGeofence(_ context.Context, siteID string, _ models.Location) (*models.Geofence, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.siteFences[siteID], nil
}

// fakeSla records notifier calls.
type fakeSla struct {
	mu        sync.Mutex
	trackerID string
	startErr  error

	started  []string
	resolved []SlaOutcome
}

func (s *fakeSla) OnShiftStarted(_ context.Context, shiftID string, _ SlaShiftContext) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, shiftID)
	return s.trackerID, s.startErr
}

func (s *fakeSla) OnShiftResolved(_ context.Context, _ string, outcome SlaOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, outcome)
	return nil
}

type reportedEvent struct {
	Name     string
	Severity string
	Details  map[string]string
}

// fakeSink records security events.
type fakeSink struct {
	mu     sync.Mutex
	events []reportedEvent
}

func (s *fakeSink) Report(_ context.Context, eventName, severity string, details map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, reportedEvent{Name: eventName, Severity: severity, Details: details})
}

// testMachine bundles a state machine over fresh fakes.
type testMachine struct {
	machine   *StateMachine
	repo      *fakeRepo
	authority *fakeAuthority
	sla       *fakeSla
	sink      *fakeSink
	clock     *fakeClock
}

func newTestMachine(policy Policy) *testMachine {
	repo := newFakeRepo()
	authority := &fakeAuthority{}
	sla := &fakeSla{trackerID: "trk-1"}
	sink := &fakeSink{}
	clock := newFakeClock(time.Unix(1_700_000_000, 0))

	return &testMachine{
		machine:   NewStateMachine(repo, authority, sla, sink, policy, nil, clock),
		repo:      repo,
		authority: authority,
		sla:       sla,
		sink:      sink,
		clock:     clock,
	}
}

func testLocation(lat, lng float64, ts int64) models.Location {
	return models.Location{Latitude: lat, Longitude: lng, Timestamp: ts}
}
