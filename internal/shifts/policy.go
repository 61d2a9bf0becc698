package shifts

import (
	"os"
	"strconv"
	"time"

	"fieldtrack-backend/internal/models"
)

// Policy collects the tunable thresholds of the shift core. Values come
// from the environment with sensible defaults, the same way the rest of the
// server is configured.
type Policy struct {
	// StrictGeofence requires the starting location to resolve to an
	// authorized geofence before a shift may begin.
	StrictGeofence bool
	// AutoDetectSiteGeofence lets recordSiteVisit fill in a missing
	// geofence id from the authority.
	AutoDetectSiteGeofence bool
	// LunchAuthorizedAfter is the elapsed shift time before a lunch break
	// counts as authorized.
	LunchAuthorizedAfter time.Duration
	// MaxShiftDuration is the compliance limit flagged at shift end.
	MaxShiftDuration time.Duration
	// OvertimeAfter marks the boundary for overtime minutes in metrics.
	OvertimeAfter time.Duration
	// SweepInterval is how often the timeout sweeper scans.
	SweepInterval time.Duration
	// IdleTimeout is how long a shift may go without activity before the
	// sweeper force-terminates it.
	IdleTimeout time.Duration
	// CacheTTL bounds how long an active shift may sit in the in-memory
	// cache without being refreshed.
	CacheTTL time.Duration
	// CacheCullInterval is how often expired cache entries are culled.
	CacheCullInterval time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		StrictGeofence:         false,
		AutoDetectSiteGeofence: true,
		LunchAuthorizedAfter:   4 * time.Hour,
		MaxShiftDuration:       12 * time.Hour,
		OvertimeAfter:          8 * time.Hour,
		SweepInterval:          5 * time.Minute,
		IdleTimeout:            8 * time.Hour,
		CacheTTL:               12 * time.Hour,
		CacheCullInterval:      10 * time.Minute,
	}
}

// PolicyFromEnv builds a Policy from environment variables, falling back to
// DefaultPolicy for anything unset or unparsable.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()

	p.StrictGeofence = envBool("SHIFT_STRICT_GEOFENCE", p.StrictGeofence)
	p.AutoDetectSiteGeofence = envBool("SHIFT_AUTO_DETECT_GEOFENCE", p.AutoDetectSiteGeofence)
	p.LunchAuthorizedAfter = envDuration("SHIFT_LUNCH_AUTHORIZED_AFTER", p.LunchAuthorizedAfter)
	p.MaxShiftDuration = envDuration("SHIFT_MAX_DURATION", p.MaxShiftDuration)
	p.OvertimeAfter = envDuration("SHIFT_OVERTIME_AFTER", p.OvertimeAfter)
	p.SweepInterval = envDuration("SHIFT_SWEEP_INTERVAL", p.SweepInterval)
	p.IdleTimeout = envDuration("SHIFT_IDLE_TIMEOUT", p.IdleTimeout)
	p.CacheTTL = envDuration("SHIFT_CACHE_TTL", p.CacheTTL)
	p.CacheCullInterval = envDuration("SHIFT_CACHE_CULL_INTERVAL", p.CacheCullInterval)

	return p
}

// breakAuthorized applies the break-type authorization policy: emergency
// breaks always pass, unauthorized never do, lunch requires enough elapsed
// shift time, everything else is authorized by default.
func (m *StateMachine) breakAuthorized(breakType models.BreakType, shift *models.Shift, now int64) bool {
	switch breakType {
	case models.BreakTypeEmergency:
		return true
	case models.BreakTypeUnauthorized:
		return false
	case models.BreakTypeLunch:
		return shift.ElapsedMinutes(now) >= int64(m.policy.LunchAuthorizedAfter/time.Minute)
	default:
		return true
	}
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
