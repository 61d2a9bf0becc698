package shifts

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"fieldtrack-backend/internal/models"
)

// ActiveShiftCache is a TTL-bounded lookup of currently active shifts. It is
// an optimization only: every mutating operation re-reads the repository,
// and the TTL guarantees stale entries age out even if eviction is missed.
type ActiveShiftCache struct {
	byID   *expiremap.ExpireMap[string, *models.Shift]
	byUser *expiremap.ExpireMap[string, string] // userID -> shiftID
	mu     sync.RWMutex
}

// NewActiveShiftCache creates a cache whose entries expire after ttl and
// are culled every cullInterval.
func NewActiveShiftCache(cullInterval, ttl time.Duration) *ActiveShiftCache {
	return &ActiveShiftCache{
		byID:   expiremap.NewEx[string, *models.Shift](cullInterval, ttl),
		byUser: expiremap.NewEx[string, string](cullInterval, ttl),
	}
}

// Put stores or refreshes the cached copy of an active shift.
func (c *ActiveShiftCache) Put(shift *models.Shift) {
	if shift == nil || !shift.IsActive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID.Set(shift.ID, shift)
	c.byUser.Set(shift.UserID, shift.ID)
}

// Get returns the cached shift, if present.
func (c *ActiveShiftCache) Get(shiftID string) (*models.Shift, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.byID.Load(shiftID)
	if !ok {
		return nil, false
	}
	return *v, true
}

// GetByUser returns the cached active shift for a user, if present.
func (c *ActiveShiftCache) GetByUser(userID string) (*models.Shift, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byUser.Load(userID)
	if !ok {
		return nil, false
	}
	v, ok := c.byID.Load(*id)
	if !ok {
		return nil, false
	}
	return *v, true
}

// Remove evicts a shift, typically on terminal transition.
func (c *ActiveShiftCache) Remove(shiftID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID.Delete(shiftID)
	c.byUser.Delete(userID)
}

// Len returns the number of cached shifts.
func (c *ActiveShiftCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID.Length()
}

// Snapshot returns the cached shifts, for diagnostics endpoints.
func (c *ActiveShiftCache) Snapshot() []*models.Shift {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*models.Shift
	c.byID.Range(func(_ string, shift *models.Shift) bool {
		out = append(out, shift)
		return true
	})
	return out
}
