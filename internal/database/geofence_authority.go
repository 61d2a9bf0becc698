package database

import (
	"context"

	"github.com/jmoiron/sqlx"

	"fieldtrack-backend/internal/geo"
	"fieldtrack-backend/internal/models"
)

// GeofenceAuthority answers containment questions from the geofences table.
// Candidate rows are filtered in SQL; the precise radius check is haversine
// in Go so the query stays index-friendly and extension-free.
type GeofenceAuthority struct {
	db *sqlx.DB
}

// NewGeofenceAuthority wraps the database handle.
func NewGeofenceAuthority(db *sqlx.DB) *GeofenceAuthority {
	return &GeofenceAuthority{db: db}
}

type geofenceRow struct {
	ID                string  `db:"id"`
	Name              string  `db:"name"`
	Type              string  `db:"type"`
	Latitude          float64 `db:"latitude"`
	Longitude         float64 `db:"longitude"`
	RadiusMeters      float64 `db:"radius_meters"`
	SiteID            *string `db:"site_id"`
	IsAuthorizedStart bool    `db:"is_authorized_start"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
}

func (r *geofenceRow) toModel() *models.Geofence {
	return &models.Geofence{
		ID:                r.ID,
		Name:              r.Name,
		Type:              models.GeofenceType(r.Type),
		Latitude:          r.Latitude,
		Longitude:         r.Longitude,
		RadiusMeters:      r.RadiusMeters,
		SiteID:            r.SiteID,
		IsAuthorizedStart: r.IsAuthorizedStart,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// ResolveAuthorizedGeofence returns the authorized check-in geofence
// containing the location, or nil when the location is outside all of them.
// When several overlap, the nearest center wins.
func (g *GeofenceAuthority) ResolveAuthorizedGeofence(ctx context.Context, loc models.Location) (*models.Geofence, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []geofenceRow
	err := g.db.SelectContext(ctx, &rows,
		`SELECT * FROM geofences WHERE is_authorized_start`)
	if err != nil {
		return nil, err
	}
	return nearestContaining(rows, loc), nil
}

// DetectSiteGeofence returns the work-site geofence for the given site
// containing the location, or nil.
func (g *GeofenceAuthority) DetectSiteGeofence(ctx context.Context, siteID string, loc models.Location) (*models.Geofence, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []geofenceRow
	err := g.db.SelectContext(ctx, &rows,
		`SELECT * FROM geofences WHERE type = 'work_site' AND site_id = $1`, siteID)
	if err != nil {
		return nil, err
	}
	return nearestContaining(rows, loc), nil
}

func nearestContaining(rows []geofenceRow, loc models.Location) *models.Geofence {
	var best *geofenceRow
	bestDist := 0.0
	for i := range rows {
		row := &rows[i]
		dist := geo.HaversineDistanceMeters(loc.Latitude, loc.Longitude, row.Latitude, row.Longitude)
		if dist > row.RadiusMeters {
			continue
		}
		if best == nil || dist < bestDist {
			best = row
			bestDist = dist
		}
	}
	if best == nil {
		return nil
	}
	return best.toModel()
}
