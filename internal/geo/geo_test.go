package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineDistanceKm_KnownBaseline(t *testing.T) {
	// Three collinear points on the same meridian, 1 km apart each.
	// 1 km along a meridian is roughly 0.008993 degrees of latitude.
	const degPerKm = 1.0 / 111.195

	lat0 := 37.3329
	lon := -121.8866

	d01 := HaversineDistanceKm(lat0, lon, lat0+degPerKm, lon)
	d12 := HaversineDistanceKm(lat0+degPerKm, lon, lat0+2*degPerKm, lon)

	assert.InDelta(t, 1.0, d01, 0.01)
	assert.InDelta(t, 1.0, d12, 0.01)
	assert.InDelta(t, 2.0, d01+d12, 0.01)
}

func TestHaversineDistanceKm_ZeroForSamePoint(t *testing.T) {
	assert.Zero(t, HaversineDistanceKm(37.3329, -121.8866, 37.3329, -121.8866))
}

func TestHaversineDistanceMeters(t *testing.T) {
	km := HaversineDistanceKm(37.3329, -121.8866, 37.3361, -121.8869)
	m := HaversineDistanceMeters(37.3329, -121.8866, 37.3361, -121.8869)
	assert.InDelta(t, km*1000, m, 0.0001)
}

func TestClassifyAccuracy(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	assert.Equal(t, AccuracyTierHigh, ClassifyAccuracy(f(5)))
	assert.Equal(t, AccuracyTierHigh, ClassifyAccuracy(f(10)))
	assert.Equal(t, AccuracyTierMedium, ClassifyAccuracy(f(35)))
	assert.Equal(t, AccuracyTierLow, ClassifyAccuracy(f(150)))
	assert.Equal(t, AccuracyTierUnusable, ClassifyAccuracy(f(500)))
	assert.Equal(t, AccuracyTierUnusable, ClassifyAccuracy(f(-1)))
	assert.Equal(t, AccuracyTierUnusable, ClassifyAccuracy(nil))
}
