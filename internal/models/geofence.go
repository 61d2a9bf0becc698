package models

// GeofenceType classifies a geographic boundary
type GeofenceType string

const (
	GeofenceTypeWorkSite       GeofenceType = "work_site"
	GeofenceTypeClientLocation GeofenceType = "client_location"
	GeofenceTypeOffice         GeofenceType = "office"
	GeofenceTypeRestrictedArea GeofenceType = "restricted_area"
)

// Geofence is a named circular boundary whose crossing generates events
type Geofence struct {
	ID                string       `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	Type              GeofenceType `json:"type" db:"type"`
	Latitude          float64      `json:"latitude" db:"latitude"`
	Longitude         float64      `json:"longitude" db:"longitude"`
	RadiusMeters      float64      `json:"radius_meters" db:"radius_meters"`
	SiteID            *string      `json:"site_id,omitempty" db:"site_id"`
	IsAuthorizedStart bool         `json:"is_authorized_start" db:"is_authorized_start"` // Valid check-in zone under strict geofence policy
	CreatedAt         int64        `json:"created_at" db:"created_at"`
	UpdatedAt         int64        `json:"updated_at" db:"updated_at"`
}

// GeofenceEvent is a passive boundary crossing reported by the external
// location service
type GeofenceEvent struct {
	UserID       string       `json:"user_id"`
	GeofenceID   string       `json:"geofence_id"`
	GeofenceName string       `json:"geofence_name"`
	GeofenceType GeofenceType `json:"geofence_type"`
	Location     Location     `json:"location"`
	Timestamp    int64        `json:"timestamp"`
}
