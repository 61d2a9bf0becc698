package shifts

import (
	"context"
	"time"

	"fieldtrack-backend/internal/models"
)

// Filter narrows a repository listing.
type Filter struct {
	UserID             string
	States             []models.ShiftState
	ActiveOnly         bool
	LastActivityBefore int64 // Unix timestamp; 0 means no bound
	Limit              int   // 0 means no limit
}

// Repository is the persistence contract the state machine depends on. The
// persisted record is the source of truth; the in-memory cache never is.
type Repository interface {
	// FindByID returns the shift or a NotFoundError.
	FindByID(ctx context.Context, id string) (*models.Shift, error)
	// FindActiveByUser returns the user's active shift, or nil when none.
	FindActiveByUser(ctx context.Context, userID string) (*models.Shift, error)
	// List returns shifts matching the filter.
	List(ctx context.Context, filter Filter) ([]*models.Shift, error)
	// Save persists the full record, guarded by the optimistic version
	// field. Returns ErrVersionConflict when the record moved underneath
	// the caller. Bumps shift.Version on success.
	Save(ctx context.Context, shift *models.Shift) error
	// UpdateFields applies a single-statement field-level update without
	// rewriting the whole record.
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	// AppendLocation atomically appends one reading to the shift's
	// location history and touches last activity.
	AppendLocation(ctx context.Context, id string, loc models.Location) error
}

// GeofenceAuthority supplies geofence containment decisions. Implemented by
// a collaborator; the state machine never does polygon math itself.
type GeofenceAuthority interface {
	// ResolveAuthorizedGeofence returns the authorized check-in geofence
	// containing the location, or nil when the location is outside all of
	// them.
	ResolveAuthorizedGeofence(ctx context.Context, loc models.Location) (*models.Geofence, error)
	// DetectSiteGeofence returns the work-site geofence for the given site
	// containing the location, or nil.
	DetectSiteGeofence(ctx context.Context, siteID string, loc models.Location) (*models.Geofence, error)
}

// SlaShiftContext is handed to the SLA tracker when a shift starts.
type SlaShiftContext struct {
	UserID         string `json:"user_id"`
	StaffID        string `json:"staff_id"`
	StartTime      int64  `json:"start_time"`
	PlannedEndTime *int64 `json:"planned_end_time,omitempty"`
}

// SLA resolution statuses
const (
	SlaOutcomeCompleted = "completed"
	SlaOutcomeBreached  = "breached"
)

// SlaOutcome is handed to the SLA tracker when a shift resolves.
type SlaOutcome struct {
	TrackerID *string `json:"tracker_id,omitempty"`
	Status    string  `json:"status"` // "completed" or "breached"
	EndTime   int64   `json:"end_time"`
}

// SlaNotifier lets an external SLA tracker open and close its timers. Calls
// are best-effort: failures are logged and never roll back a transition.
type SlaNotifier interface {
	OnShiftStarted(ctx context.Context, shiftID string, info SlaShiftContext) (trackerID string, err error)
	OnShiftResolved(ctx context.Context, shiftID string, outcome SlaOutcome) error
}

// Security event severities
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// SecurityEventSink receives security-relevant events (restricted-area
// entry, forced timeouts). Best-effort.
type SecurityEventSink interface {
	Report(ctx context.Context, eventName, severity string, details map[string]string)
}

// Clock abstracts time.Now so timeout behavior is deterministic under test.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }
