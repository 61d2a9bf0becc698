package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// AccuracyTier buckets a GPS accuracy reading for policy decisions
type AccuracyTier string

const (
	AccuracyTierHigh     AccuracyTier = "high"     // <= 10m, good enough for geofence containment
	AccuracyTierMedium   AccuracyTier = "medium"   // <= 50m
	AccuracyTierLow      AccuracyTier = "low"      // <= 200m
	AccuracyTierUnusable AccuracyTier = "unusable" // > 200m or unknown
)

// HaversineDistanceKm calculates the great-circle distance between two GPS
// coordinates in kilometers.
func HaversineDistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	// Convert to radians
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	// Haversine formula
	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// HaversineDistanceMeters is HaversineDistanceKm in meters.
func HaversineDistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineDistanceKm(lat1, lon1, lat2, lon2) * 1000
}

// ClassifyAccuracy buckets a GPS accuracy reading (meters). A nil reading is
// treated as unusable.
func ClassifyAccuracy(accuracyMeters *float64) AccuracyTier {
	if accuracyMeters == nil || *accuracyMeters < 0 {
		return AccuracyTierUnusable
	}
	switch {
	case *accuracyMeters <= 10:
		return AccuracyTierHigh
	case *accuracyMeters <= 50:
		return AccuracyTierMedium
	case *accuracyMeters <= 200:
		return AccuracyTierLow
	default:
		return AccuracyTierUnusable
	}
}
