package engine

import (
	"math"
	"sync"
	"time"

	"protectord/internal/proximity"
)

// locationContext feeds the latest proximity result back into the scorer.
// The anomaly is 0 inside the radius and rises linearly to 1 at twice the
// radius; outside the geofence it is 1.
type locationContext struct {
	mu      sync.Mutex
	anomaly float64
}

func (c *locationContext) update(res proximity.Result, radius float64) {
	a := 0.0
	switch {
	case res.GeofenceExit:
		a = 1
	case radius > 0:
		a = math.Max(0, math.Min(1, (res.Distance-radius)/radius))
	}
	c.mu.Lock()
	c.anomaly = a
	c.mu.Unlock()
}

func (c *locationContext) reset() {
	c.mu.Lock()
	c.anomaly = 0
	c.mu.Unlock()
}

// LocationAnomaly implements detector.ContextProvider.
func (c *locationContext) LocationAnomaly(time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anomaly
}

// ContextMultiplier implements detector.ContextProvider.
func (c *locationContext) ContextMultiplier(time.Time) float64 {
	return 1.0
}
