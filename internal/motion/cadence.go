package motion

import (
	"protectord/internal/sensor"
)

// Location polling intervals per state, in milliseconds.
const (
	IntervalStationary int64 = 30000
	IntervalMoving     int64 = 10000
	IntervalAlert      int64 = 5000

	batchFactor = 5
)

// Cadence is the sampling directive handed back to the sources.
type Cadence struct {
	Location sensor.LocationRequest
	Rate     sensor.Rate
}

// RequestFor builds a location request for the given polling interval.
func RequestFor(intervalMs int64) sensor.LocationRequest {
	p := sensor.PriorityBalanced
	if intervalMs <= IntervalAlert {
		p = sensor.PriorityHighAccuracy
	}
	return sensor.LocationRequest{
		Priority:        p,
		IntervalMs:      intervalMs,
		MinIntervalMs:   intervalMs / 2,
		MaxBatchDelayMs: intervalMs * batchFactor,
	}
}

// CadenceFor returns the cadence used while in state s.
func CadenceFor(s State) Cadence {
	switch s {
	case Alert:
		return Cadence{Location: RequestFor(IntervalAlert), Rate: sensor.RateNormal}
	case Moving:
		return Cadence{Location: RequestFor(IntervalMoving), Rate: sensor.RateNormal}
	default:
		return Cadence{Location: RequestFor(IntervalStationary), Rate: sensor.RateUI}
	}
}
