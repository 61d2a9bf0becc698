package shifts

import (
	"time"

	"fieldtrack-backend/internal/geo"
	"fieldtrack-backend/internal/models"
)

// ComputeMetrics derives a fresh ShiftMetrics snapshot from the shift's
// accumulated history as of the given instant. Minutes past overtimeAfter
// count as overtime (Policy.OvertimeAfter in production; a non-positive
// value disables overtime). It is a pure function of its arguments and
// never mutates the shift.
func ComputeMetrics(shift *models.Shift, asOf int64, overtimeAfter time.Duration) models.ShiftMetrics {
	m := models.ShiftMetrics{ComputedAt: asOf}

	if shift.ActualStartTime == nil {
		return m
	}
	start := *shift.ActualStartTime

	end := asOf
	if shift.ActualEndTime != nil && *shift.ActualEndTime < asOf {
		end = *shift.ActualEndTime
	}
	if end < start {
		end = start
	}

	m.TotalDurationMinutes = (end - start) / 60

	// Break time: open breaks count up to asOf.
	var breakSeconds int64
	for _, b := range shift.Breaks {
		bEnd := end
		if b.EndTime != nil {
			bEnd = *b.EndTime
		}
		if bEnd > b.StartTime {
			breakSeconds += bEnd - b.StartTime
		}
	}
	m.BreakTimeMinutes = breakSeconds / 60

	m.WorkingTimeMinutes = m.TotalDurationMinutes - m.BreakTimeMinutes
	if m.WorkingTimeMinutes < 0 {
		m.WorkingTimeMinutes = 0
	}

	// Site time comes from closed visits' timeOnSite (seconds).
	var siteSeconds int64
	for _, v := range shift.SiteVisits {
		if v.TimeOnSite != nil {
			siteSeconds += *v.TimeOnSite
		}
		for _, task := range v.Tasks {
			m.TasksTotal++
			if task.Completed {
				m.TasksCompleted++
			}
		}
	}
	m.SiteTimeMinutes = siteSeconds / 60

	m.TravelTimeMinutes = m.WorkingTimeMinutes - m.SiteTimeMinutes
	if m.TravelTimeMinutes < 0 {
		m.TravelTimeMinutes = 0
	}

	if m.TasksTotal > 0 {
		m.Efficiency = float64(m.TasksCompleted) / float64(m.TasksTotal) * 100
	}

	// Distance: sum of great-circle hops between consecutive readings.
	for i := 1; i < len(shift.LocationHistory); i++ {
		prev := shift.LocationHistory[i-1]
		cur := shift.LocationHistory[i]
		m.DistanceTraveledKm += geo.HaversineDistanceKm(
			prev.Latitude, prev.Longitude,
			cur.Latitude, cur.Longitude,
		)
	}

	if threshold := int64(overtimeAfter / time.Minute); threshold > 0 && m.TotalDurationMinutes > threshold {
		m.OvertimeMinutes = m.TotalDurationMinutes - threshold
	}

	return m
}
