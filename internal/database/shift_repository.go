package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/shifts"
)

// queryTimeout bounds every repository call so no state-machine operation
// can block indefinitely on the database.
const queryTimeout = 5 * time.Second

// ShiftRepository is the Postgres implementation of shifts.Repository.
// Scalar fields live in columns for filtering; the accumulated history
// sequences are JSONB.
type ShiftRepository struct {
	db *sqlx.DB
}

// NewShiftRepository wraps the database handle.
func NewShiftRepository(db *sqlx.DB) *ShiftRepository {
	return &ShiftRepository{db: db}
}

// shiftRow mirrors the shifts table.
type shiftRow struct {
	ID               string          `db:"id"`
	UserID           string          `db:"user_id"`
	StaffID          string          `db:"staff_id"`
	State            string          `db:"state"`
	PreviousState    sql.NullString  `db:"previous_state"`
	ActualStartTime  sql.NullInt64   `db:"actual_start_time"`
	ActualEndTime    sql.NullInt64   `db:"actual_end_time"`
	PlannedEndTime   sql.NullInt64   `db:"planned_end_time"`
	PlannedSites     []byte          `db:"planned_sites"`
	StartLocation    []byte          `db:"start_location"`
	EndLocation      []byte          `db:"end_location"`
	CurrentLocation  []byte          `db:"current_location"`
	LocationHistory  []byte          `db:"location_history"`
	SiteVisits       []byte          `db:"site_visits"`
	Breaks           []byte          `db:"breaks"`
	StateHistory     []byte          `db:"state_history"`
	ComplianceChecks []byte          `db:"compliance_checks"`
	Metrics          []byte          `db:"metrics"`
	SlaTrackerID     sql.NullString  `db:"sla_tracker_id"`
	LastActivityTime int64           `db:"last_activity_time"`
	IsActive         bool            `db:"is_active"`
	Version          int64           `db:"version"`
	CreatedAt        int64           `db:"created_at"`
	UpdatedAt        int64           `db:"updated_at"`
}

func (r *shiftRow) toModel() (*models.Shift, error) {
	shift := &models.Shift{
		ID:               r.ID,
		UserID:           r.UserID,
		StaffID:          r.StaffID,
		State:            models.ShiftState(r.State),
		ActualStartTime:  models.FromNullInt64(r.ActualStartTime),
		ActualEndTime:    models.FromNullInt64(r.ActualEndTime),
		PlannedEndTime:   models.FromNullInt64(r.PlannedEndTime),
		SlaTrackerID:     models.FromNullString(r.SlaTrackerID),
		LastActivityTime: r.LastActivityTime,
		IsActive:         r.IsActive,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.PreviousState.Valid {
		prev := models.ShiftState(r.PreviousState.String)
		shift.PreviousState = &prev
	}

	for _, col := range []struct {
		raw []byte
		dst interface{}
	}{
		{r.PlannedSites, &shift.PlannedSites},
		{r.StartLocation, &shift.StartLocation},
		{r.EndLocation, &shift.EndLocation},
		{r.CurrentLocation, &shift.CurrentLocation},
		{r.LocationHistory, &shift.LocationHistory},
		{r.SiteVisits, &shift.SiteVisits},
		{r.Breaks, &shift.Breaks},
		{r.StateHistory, &shift.StateHistory},
		{r.ComplianceChecks, &shift.ComplianceChecks},
		{r.Metrics, &shift.Metrics},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decoding shift %s: %w", r.ID, err)
		}
	}
	return shift, nil
}

func marshalColumn(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// FindByID returns the shift or a shifts.NotFoundError.
func (r *ShiftRepository) FindByID(ctx context.Context, id string) (*models.Shift, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row shiftRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM shifts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &shifts.NotFoundError{Resource: "shift", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// FindActiveByUser returns the user's active shift, or nil when none.
func (r *ShiftRepository) FindActiveByUser(ctx context.Context, userID string) (*models.Shift, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row shiftRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM shifts WHERE user_id = $1 AND is_active LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// List returns shifts matching the filter, most recent first.
func (r *ShiftRepository) List(ctx context.Context, filter shifts.Filter) ([]*models.Shift, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conditions := []string{"TRUE"}
	args := []interface{}{}

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active")
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			args = append(args, string(state))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.LastActivityBefore > 0 {
		args = append(args, filter.LastActivityBefore)
		conditions = append(conditions, fmt.Sprintf("last_activity_time < $%d", len(args)))
	}

	query := `SELECT * FROM shifts WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []shiftRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]*models.Shift, 0, len(rows))
	for i := range rows {
		shift, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, shift)
	}
	return out, nil
}

// Save persists the full record. A zero version inserts; otherwise the
// update is guarded by the version column and returns
// shifts.ErrVersionConflict when the record moved underneath the caller.
func (r *ShiftRepository) Save(ctx context.Context, shift *models.Shift) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cols := map[string]interface{}{}
	for name, v := range map[string]interface{}{
		"planned_sites":     shift.PlannedSites,
		"start_location":    shift.StartLocation,
		"end_location":      shift.EndLocation,
		"current_location":  shift.CurrentLocation,
		"location_history":  shift.LocationHistory,
		"site_visits":       shift.SiteVisits,
		"breaks":            shift.Breaks,
		"state_history":     shift.StateHistory,
		"compliance_checks": shift.ComplianceChecks,
		"metrics":           shift.Metrics,
	} {
		raw, err := marshalColumn(v)
		if err != nil {
			return fmt.Errorf("encoding shift %s: %w", shift.ID, err)
		}
		cols[name] = raw
	}

	now := time.Now().Unix()
	var prevState interface{}
	if shift.PreviousState != nil {
		prevState = string(*shift.PreviousState)
	}

	if shift.Version == 0 {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO shifts (
				id, user_id, staff_id, state, previous_state,
				actual_start_time, actual_end_time, planned_end_time,
				planned_sites, start_location, end_location, current_location,
				location_history, site_visits, breaks, state_history,
				compliance_checks, metrics, sla_tracker_id,
				last_activity_time, is_active, version, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17, $18, $19, $20, $21, 1, $22, $23
			)`,
			shift.ID, shift.UserID, shift.StaffID, string(shift.State), prevState,
			models.ToNullInt64(shift.ActualStartTime), models.ToNullInt64(shift.ActualEndTime),
			models.ToNullInt64(shift.PlannedEndTime),
			cols["planned_sites"], cols["start_location"], cols["end_location"], cols["current_location"],
			cols["location_history"], cols["site_visits"], cols["breaks"], cols["state_history"],
			cols["compliance_checks"], cols["metrics"], models.ToNullString(shift.SlaTrackerID),
			shift.LastActivityTime, shift.IsActive, shift.CreatedAt, now,
		)
		if err != nil {
			return err
		}
		shift.Version = 1
		shift.UpdatedAt = now
		return nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE shifts SET
			state = $1, previous_state = $2,
			actual_start_time = $3, actual_end_time = $4, planned_end_time = $5,
			planned_sites = $6, start_location = $7, end_location = $8,
			current_location = $9, location_history = $10, site_visits = $11,
			breaks = $12, state_history = $13, compliance_checks = $14,
			metrics = $15, sla_tracker_id = $16, last_activity_time = $17,
			is_active = $18, version = version + 1, updated_at = $19
		WHERE id = $20 AND version = $21`,
		string(shift.State), prevState,
		models.ToNullInt64(shift.ActualStartTime), models.ToNullInt64(shift.ActualEndTime),
		models.ToNullInt64(shift.PlannedEndTime),
		cols["planned_sites"], cols["start_location"], cols["end_location"],
		cols["current_location"], cols["location_history"], cols["site_visits"],
		cols["breaks"], cols["state_history"], cols["compliance_checks"],
		cols["metrics"], models.ToNullString(shift.SlaTrackerID), shift.LastActivityTime,
		shift.IsActive, now,
		shift.ID, shift.Version,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM shifts WHERE id = $1)`, shift.ID); err != nil {
			return err
		}
		if !exists {
			return &shifts.NotFoundError{Resource: "shift", ID: shift.ID}
		}
		return shifts.ErrVersionConflict
	}

	shift.Version++
	shift.UpdatedAt = now
	return nil
}

// updatableColumns whitelists what UpdateFields may touch.
var updatableColumns = map[string]bool{
	"sla_tracker_id":     true,
	"last_activity_time": true,
	"is_active":          true,
	"planned_end_time":   true,
}

// UpdateFields applies a single-statement field-level update.
func (r *ShiftRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sets := []string{}
	args := []interface{}{}
	for name, value := range fields {
		if !updatableColumns[name] {
			return fmt.Errorf("field %q is not updatable", name)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}
	args = append(args, time.Now().Unix())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE shifts SET %s, version = version + 1 WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &shifts.NotFoundError{Resource: "shift", ID: id}
	}
	return nil
}

// AppendLocation atomically appends one reading to location_history and
// touches last activity, without rewriting the record.
func (r *ShiftRepository) AppendLocation(ctx context.Context, id string, loc models.Location) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encoding location: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE shifts SET
			location_history = location_history || $2::jsonb,
			current_location = $2::jsonb,
			last_activity_time = $3,
			version = version + 1,
			updated_at = $3
		WHERE id = $1 AND is_active`,
		id, raw, loc.Timestamp)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &shifts.NotFoundError{Resource: "active shift", ID: id}
	}
	return nil
}
