package detector

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"protectord/internal/sensor"
)

// accelerationScore rates variance, peak and spike count of the window
// magnitudes. varianceRatio compares against the baseline when trained.
func accelerationScore(mags []float64, b Baseline) float64 {
	mean, variance := stat.PopMeanVariance(mags, nil)
	variance = math.Max(variance, 0)
	maxPeak := math.Max(floats.Max(mags), 0)

	limit := mean + 2*math.Sqrt(variance)
	spikes := 0
	for _, m := range mags {
		if m > limit {
			spikes++
		}
	}

	ratio := 1.0
	if b.Trained && b.Variance > 0 {
		ratio = variance / b.Variance
	}

	score := math.Min(ratio/3, 0.4) +
		math.Min(maxPeak/20, 0.3) +
		math.Min(float64(spikes)/10, 0.3)
	return math.Min(score, 1)
}

// jerkScore rates |Δmagnitude|/Δt between consecutive samples.
// Pairs with a non-positive time step are skipped.
func jerkScore(window []sensor.Sample) float64 {
	jerks := make([]float64, 0, len(window))
	for i := 1; i < len(window); i++ {
		dt := float64(window[i].TimestampNanos-window[i-1].TimestampNanos) / 1e9
		if dt <= 0 {
			continue
		}
		jerks = append(jerks, math.Abs(window[i].Magnitude-window[i-1].Magnitude)/dt)
	}
	if len(jerks) == 0 {
		return 0
	}

	avg := stat.Mean(jerks, nil)
	score := math.Min(avg/50, 0.5) + math.Min(floats.Max(jerks)/100, 0.5)
	return math.Min(score, 1)
}

// orientationScore rates the summed per-axis change between consecutive
// samples and how many of those changes exceed 5.
func orientationScore(window []sensor.Sample) float64 {
	if len(window) < 2 {
		return 0
	}

	total := 0.0
	changes := 0
	for i := 1; i < len(window); i++ {
		d := math.Abs(window[i].X-window[i-1].X) +
			math.Abs(window[i].Y-window[i-1].Y) +
			math.Abs(window[i].Z-window[i-1].Z)
		total += d
		if d > 5 {
			changes++
		}
	}

	avg := total / float64(len(window)-1)
	score := math.Min(avg/30, 0.6) + math.Min(float64(changes)/20, 0.4)
	return math.Min(score, 1)
}

// behaviorAdjustment raises sensitivity during sleeping hours.
func behaviorAdjustment(now time.Time) float64 {
	if h := now.Hour(); h >= 22 || h <= 6 {
		return nightMultiplier
	}
	return 1
}
