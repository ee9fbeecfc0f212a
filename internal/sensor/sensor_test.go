package sensor

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSampleMagnitude(t *testing.T) {
	s := NewSample(3, 4, 12, 42)
	assert.InDelta(t, 13.0, s.Magnitude, 1e-9)
	assert.Equal(t, int64(42), s.TimestampNanos)
	assert.True(t, s.Finite())

	bad := NewSample(math.NaN(), 0, 0, 1)
	assert.False(t, bad.Finite())
}

func TestFixValid(t *testing.T) {
	tests := []struct {
		name string
		fix  Fix
		want bool
	}{
		{"origin", Fix{Lat: 0, Lng: 0}, true},
		{"edge", Fix{Lat: -90, Lng: 180}, true},
		{"lat out of range", Fix{Lat: 91, Lng: 0}, false},
		{"lng out of range", Fix{Lat: 0, Lng: -181}, false},
		{"nan", Fix{Lat: math.NaN(), Lng: 0}, false},
		{"inf", Fix{Lat: 0, Lng: math.Inf(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fix.Valid())
		})
	}
}

func TestLoadSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.jsonl")
	data := "# recorded on bench\n" +
		`{"x":0,"y":0,"z":9.81,"ts":1000}` + "\n\n" +
		`{"x":3,"y":4,"z":0,"ts":2000}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	samples, err := LoadSamples(path)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.InDelta(t, 9.81, samples[0].Magnitude, 1e-9)
	assert.InDelta(t, 5.0, samples[1].Magnitude, 1e-9)
	assert.Equal(t, int64(2000), samples[1].TimestampNanos)
}

func TestLoadSamplesBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0600))

	_, err := LoadSamples(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":1:")
}

func TestLoadFixes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixes.jsonl")
	data := `{"lat":52.52,"lng":13.405,"accuracy":8,"ts":5}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	fixes, err := LoadFixes(path)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, 52.52, fixes[0].Lat)
	assert.Equal(t, 8.0, fixes[0].Accuracy)
}

func TestReplayAccelerationDeliversInOrder(t *testing.T) {
	samples := []Sample{
		NewSample(1, 0, 0, 1),
		NewSample(2, 0, 0, 2),
		NewSample(3, 0, 0, 3),
	}
	src := NewReplayAcceleration(samples, 0)

	var mu sync.Mutex
	var got []float64
	done := make(chan struct{})
	sub, err := src.Subscribe(context.Background(), RateNormal, func(s Sample) {
		mu.Lock()
		got = append(got, s.X)
		if len(got) == len(samples) {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}
	sub.Cancel()

	assert.Equal(t, []float64{1, 2, 3}, got)
	assert.Equal(t, RateNormal, src.Rate())
}

func TestReplayCancelStopsCallbacks(t *testing.T) {
	samples := make([]Sample, 100)
	for i := range samples {
		samples[i] = NewSample(0, 0, 1, int64(i+1)*int64(time.Second))
	}
	// one recorded second per real second
	src := NewReplayAcceleration(samples, 1)

	var mu sync.Mutex
	count := 0
	sub, err := src.Subscribe(context.Background(), RateUI, func(Sample) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	sub.Cancel()
	mu.Lock()
	after := count
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, count)
	assert.LessOrEqual(t, count, 1)
}

func TestReplayLocationBatches(t *testing.T) {
	ms := int64(time.Millisecond)
	fixes := []Fix{
		{Lat: 1, TimestampNanos: 1 * ms},
		{Lat: 2, TimestampNanos: 50 * ms},
		{Lat: 3, TimestampNanos: 120 * ms},
		{Lat: 4, TimestampNanos: 130 * ms},
	}
	src := NewReplayLocation(fixes, 0)

	var mu sync.Mutex
	var batches [][]Fix
	req := LocationRequest{Priority: PriorityHighAccuracy, IntervalMs: 20, MinIntervalMs: 10, MaxBatchDelayMs: 100}
	sub, err := src.Request(context.Background(), req, func(b []Fix) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 2
	}, 2*time.Second, 5*time.Millisecond)
	sub.Cancel()

	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Equal(t, req, src.LastRequest())
}
