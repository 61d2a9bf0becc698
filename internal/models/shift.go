package models

import (
	"database/sql"
	"time"
)

// ShiftState represents where a shift sits in its lifecycle
type ShiftState string

const (
	ShiftStateIdle        ShiftState = "idle"         // No shift in progress
	ShiftStateCheckingIn  ShiftState = "checking_in"  // Worker is checking in
	ShiftStateInShift     ShiftState = "in_shift"     // Shift in progress
	ShiftStateOnBreak     ShiftState = "on_break"     // On break
	ShiftStateCheckingOut ShiftState = "checking_out" // Worker is checking out
	ShiftStatePostShift   ShiftState = "post_shift"   // Shift over, pending review
	ShiftStateCompleted   ShiftState = "completed"    // Reviewed and closed
	ShiftStateCancelled   ShiftState = "cancelled"    // Aborted before completion
)

// IsTerminal reports whether no further work can happen on this shift.
func (s ShiftState) IsTerminal() bool {
	return s == ShiftStateCompleted || s == ShiftStateCancelled
}

// Sources for state transitions
const (
	TriggeredByUser     = "user"
	TriggeredByGeofence = "geofence"
	TriggeredBySystem   = "system"
)

// BreakType categorises a break period
type BreakType string

const (
	BreakTypeLunch        BreakType = "lunch"
	BreakTypeRest         BreakType = "rest"
	BreakTypePersonal     BreakType = "personal"
	BreakTypeEmergency    BreakType = "emergency"
	BreakTypeUnauthorized BreakType = "unauthorized"
)

// ComplianceStatus is the outcome of a compliance check
type ComplianceStatus string

const (
	CompliancePassed  ComplianceStatus = "passed"
	ComplianceFailed  ComplianceStatus = "failed"
	ComplianceWarning ComplianceStatus = "warning"
)

// Location is a point-in-time GPS reading from a worker's device
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"` // GPS accuracy in meters
	Heading   *float64 `json:"heading,omitempty"`  // Direction of travel (0-360 degrees)
	Speed     *float64 `json:"speed,omitempty"`    // Speed in m/s
	Timestamp int64    `json:"timestamp"`          // Unix timestamp
}

// SiteTask is a unit of work attached to a site visit
type SiteTask struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// SiteVisit records a sub-interval of a shift spent inside a work site's geofence
type SiteVisit struct {
	ID            string     `json:"id"`
	SiteID        string     `json:"site_id"`
	SiteName      string     `json:"site_name"`
	GeofenceID    *string    `json:"geofence_id,omitempty"`
	EnterTime     int64      `json:"enter_time"`
	ExitTime      *int64     `json:"exit_time,omitempty"`
	TimeOnSite    *int64     `json:"time_on_site,omitempty"` // Seconds, computed on exit
	Tasks         []SiteTask `json:"tasks,omitempty"`
	IsPlanned     bool       `json:"is_planned"`
	EnterLocation Location   `json:"enter_location"`
	ExitLocation  *Location  `json:"exit_location,omitempty"`
}

// IsOpen reports whether the worker is still on site.
func (v *SiteVisit) IsOpen() bool {
	return v.ExitTime == nil
}

// BreakPeriod records a sub-interval of a shift spent off work
type BreakPeriod struct {
	ID              string    `json:"id"`
	Type            BreakType `json:"type"`
	StartTime       int64     `json:"start_time"`
	EndTime         *int64    `json:"end_time,omitempty"`
	DurationMinutes *int64    `json:"duration_minutes,omitempty"` // Whole minutes, computed on end
	IsAuthorized    bool      `json:"is_authorized"`
	Reason          *string   `json:"reason,omitempty"`
	Location        Location  `json:"location"`
}

// IsOpen reports whether the break has not been ended yet.
func (b *BreakPeriod) IsOpen() bool {
	return b.EndTime == nil
}

// TransitionMetadata carries the known optional payloads a transition can
// reference. New variants are added here explicitly rather than through an
// open map.
type TransitionMetadata struct {
	GeofenceID    *string  `json:"geofence_id,omitempty"`
	GeofenceName  *string  `json:"geofence_name,omitempty"`
	Notes         *string  `json:"notes,omitempty"`
	IdleHours     *float64 `json:"idle_hours,omitempty"` // Set on timeout-forced transitions
	EndedByUserID *string  `json:"ended_by_user_id,omitempty"`
}

// StateTransition is the audit record for one attempted state change.
// Invalid attempts are recorded too; state history is append-only.
type StateTransition struct {
	ID              string              `json:"id"`
	FromState       ShiftState          `json:"from_state"`
	ToState         ShiftState          `json:"to_state"`
	Timestamp       int64               `json:"timestamp"`
	TriggeredBy     string              `json:"triggered_by"` // "user", "geofence" or "system"
	Reason          string              `json:"reason"`
	Location        *Location           `json:"location,omitempty"`
	IsValid         bool                `json:"is_valid"`
	ValidationError *string             `json:"validation_error,omitempty"`
	Metadata        *TransitionMetadata `json:"metadata,omitempty"`
}

// ComplianceCheck is a recorded pass/fail/warning assessment against policy
type ComplianceCheck struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"` // e.g. "shift_duration_limit", "shift_timeout", "restricted_area_entry"
	Status           ComplianceStatus `json:"status"`
	Timestamp        int64            `json:"timestamp"`
	Details          string           `json:"details"`
	RequiresApproval bool             `json:"requires_approval"`
}

// ShiftMetrics is a derived snapshot computed from the shift's accumulated
// history. It is recomputed whole, never incrementally patched.
type ShiftMetrics struct {
	TotalDurationMinutes int64   `json:"total_duration_minutes"`
	BreakTimeMinutes     int64   `json:"break_time_minutes"`
	WorkingTimeMinutes   int64   `json:"working_time_minutes"`
	SiteTimeMinutes      int64   `json:"site_time_minutes"`
	TravelTimeMinutes    int64   `json:"travel_time_minutes"`
	TasksCompleted       int     `json:"tasks_completed"`
	TasksTotal           int     `json:"tasks_total"`
	Efficiency           float64 `json:"efficiency"` // tasks completed / tasks total * 100
	DistanceTraveledKm   float64 `json:"distance_traveled_km"`
	OvertimeMinutes      int64   `json:"overtime_minutes"`
	ComputedAt           int64   `json:"computed_at"`
}

// Shift represents a field worker's span of duty from check-in to check-out
type Shift struct {
	ID               string            `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	StaffID          string            `json:"staff_id" db:"staff_id"`
	State            ShiftState        `json:"state" db:"state"`
	PreviousState    *ShiftState       `json:"previous_state,omitempty" db:"previous_state"`
	ActualStartTime  *int64            `json:"actual_start_time" db:"actual_start_time"`
	ActualEndTime    *int64            `json:"actual_end_time" db:"actual_end_time"`
	PlannedEndTime   *int64            `json:"planned_end_time,omitempty" db:"planned_end_time"`
	PlannedSites     []string          `json:"planned_sites,omitempty"`
	StartLocation    *Location         `json:"start_location,omitempty"`
	EndLocation      *Location         `json:"end_location,omitempty"`
	CurrentLocation  *Location         `json:"current_location,omitempty"`
	LocationHistory  []Location        `json:"location_history"`
	SiteVisits       []SiteVisit       `json:"site_visits"`
	Breaks           []BreakPeriod     `json:"breaks"`
	StateHistory     []StateTransition `json:"state_history"`
	ComplianceChecks []ComplianceCheck `json:"compliance_checks"`
	Metrics          *ShiftMetrics     `json:"metrics,omitempty"`
	SlaTrackerID     *string           `json:"sla_tracker_id,omitempty" db:"sla_tracker_id"`
	LastActivityTime int64             `json:"last_activity_time" db:"last_activity_time"`
	IsActive         bool              `json:"is_active" db:"is_active"`
	Version          int64             `json:"version" db:"version"`
	CreatedAt        int64             `json:"created_at" db:"created_at"`
	UpdatedAt        int64             `json:"updated_at" db:"updated_at"`
}

// OpenBreak returns the currently open break, if any. At most one break may
// be open on a shift at a time.
func (s *Shift) OpenBreak() *BreakPeriod {
	for i := range s.Breaks {
		if s.Breaks[i].IsOpen() {
			return &s.Breaks[i]
		}
	}
	return nil
}

// OpenVisit returns the open site visit for the given site, if any.
func (s *Shift) OpenVisit(siteID string) *SiteVisit {
	for i := range s.SiteVisits {
		if s.SiteVisits[i].SiteID == siteID && s.SiteVisits[i].IsOpen() {
			return &s.SiteVisits[i]
		}
	}
	return nil
}

// OpenVisitByGeofence returns the open site visit recorded against the given
// geofence, if any.
func (s *Shift) OpenVisitByGeofence(geofenceID string) *SiteVisit {
	for i := range s.SiteVisits {
		v := &s.SiteVisits[i]
		if v.IsOpen() && v.GeofenceID != nil && *v.GeofenceID == geofenceID {
			return v
		}
	}
	return nil
}

// HasPlannedSite reports whether the site appears in the shift's plan.
func (s *Shift) HasPlannedSite(siteID string) bool {
	for _, planned := range s.PlannedSites {
		if planned == siteID {
			return true
		}
	}
	return false
}

// ElapsedMinutes returns whole minutes since the shift actually started.
func (s *Shift) ElapsedMinutes(now int64) int64 {
	if s.ActualStartTime == nil {
		return 0
	}
	elapsed := (now - *s.ActualStartTime) / 60
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// GetActiveShiftDuration calculates the working duration excluding breaks.
func (s *Shift) GetActiveShiftDuration(now int64) time.Duration {
	if s.ActualStartTime == nil {
		return 0
	}

	end := now
	if s.ActualEndTime != nil {
		end = *s.ActualEndTime
	}
	totalSeconds := end - *s.ActualStartTime

	var breakSeconds int64
	for _, b := range s.Breaks {
		bEnd := end
		if b.EndTime != nil {
			bEnd = *b.EndTime
		}
		breakSeconds += bEnd - b.StartTime
	}

	activeSeconds := totalSeconds - breakSeconds
	if activeSeconds < 0 {
		activeSeconds = 0
	}

	return time.Duration(activeSeconds) * time.Second
}

// ToNullInt64 converts a pointer to int64 to sql.NullInt64
func ToNullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// FromNullInt64 converts sql.NullInt64 to pointer to int64
func FromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

// ToNullString converts a pointer to string to sql.NullString
func ToNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}

// FromNullString converts sql.NullString to pointer to string
func FromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}
