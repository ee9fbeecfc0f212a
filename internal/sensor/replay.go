package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// LoadSamples reads acceleration samples from a JSON-lines file of
// {"x":..,"y":..,"z":..,"ts":..} records.
func LoadSamples(path string) ([]Sample, error) {
	var out []Sample
	err := readLines(path, func(line []byte) error {
		var rec struct {
			X  float64 `json:"x"`
			Y  float64 `json:"y"`
			Z  float64 `json:"z"`
			TS int64   `json:"ts"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, NewSample(rec.X, rec.Y, rec.Z, rec.TS))
		return nil
	})
	return out, err
}

// LoadFixes reads location fixes from a JSON-lines file of
// {"lat":..,"lng":..,"accuracy":..,"ts":..} records.
func LoadFixes(path string) ([]Fix, error) {
	var out []Fix
	err := readLines(path, func(line []byte) error {
		var f Fix
		if err := json.Unmarshal(line, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

func readLines(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

// replaySub is a subscription backed by one goroutine.
type replaySub struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *replaySub) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func startReplay(ctx context.Context, run func(ctx context.Context)) *replaySub {
	ctx, cancel := context.WithCancel(ctx)
	sub := &replaySub{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		run(ctx)
	}()
	return sub
}

// pause waits for the scaled gap between two timestamps. It returns false if
// ctx was cancelled first.
func pause(ctx context.Context, prev, next int64, speed float64) bool {
	if speed <= 0 || prev == 0 || next <= prev {
		return ctx.Err() == nil
	}
	d := time.Duration(float64(next-prev) / speed)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ReplayAcceleration replays recorded samples. The read position survives
// resubscription so a rate change continues where the last stream stopped.
type ReplayAcceleration struct {
	mu      sync.Mutex
	samples []Sample
	pos     int
	rate    Rate
	speed   float64
}

// NewReplayAcceleration creates a replay source. speed scales the recorded
// timing; zero or less replays as fast as possible.
func NewReplayAcceleration(samples []Sample, speed float64) *ReplayAcceleration {
	return &ReplayAcceleration{samples: samples, speed: speed}
}

// Rate returns the rate of the most recent subscription.
func (r *ReplayAcceleration) Rate() Rate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

func (r *ReplayAcceleration) Subscribe(ctx context.Context, rate Rate, fn func(Sample)) (Subscription, error) {
	r.mu.Lock()
	r.rate = rate
	r.mu.Unlock()

	return startReplay(ctx, func(ctx context.Context) {
		var prev int64
		for {
			r.mu.Lock()
			if r.pos >= len(r.samples) {
				r.mu.Unlock()
				return
			}
			s := r.samples[r.pos]
			r.mu.Unlock()

			if !pause(ctx, prev, s.TimestampNanos, r.speed) {
				return
			}
			r.mu.Lock()
			r.pos++
			r.mu.Unlock()
			prev = s.TimestampNanos
			fn(s)
		}
	}), nil
}

// ReplayLocation replays recorded fixes, grouped into batches no wider than
// the request's MaxBatchDelayMs.
type ReplayLocation struct {
	mu    sync.Mutex
	fixes []Fix
	pos   int
	last  LocationRequest
	speed float64
}

// NewReplayLocation creates a replay location source.
func NewReplayLocation(fixes []Fix, speed float64) *ReplayLocation {
	return &ReplayLocation{fixes: fixes, speed: speed}
}

// LastRequest returns the most recent request.
func (r *ReplayLocation) LastRequest() LocationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *ReplayLocation) Request(ctx context.Context, req LocationRequest, fn func([]Fix)) (Subscription, error) {
	r.mu.Lock()
	r.last = req
	r.mu.Unlock()

	window := req.MaxBatchDelayMs * int64(time.Millisecond)
	return startReplay(ctx, func(ctx context.Context) {
		var prev int64
		var batch []Fix
		flush := func() {
			if len(batch) > 0 {
				fn(batch)
				batch = nil
			}
		}

		for {
			r.mu.Lock()
			if r.pos >= len(r.fixes) {
				r.mu.Unlock()
				flush()
				return
			}
			f := r.fixes[r.pos]
			r.mu.Unlock()

			if !pause(ctx, prev, f.TimestampNanos, r.speed) {
				return
			}
			r.mu.Lock()
			r.pos++
			r.mu.Unlock()
			prev = f.TimestampNanos

			if len(batch) > 0 && (window <= 0 || f.TimestampNanos-batch[0].TimestampNanos >= window) {
				flush()
			}
			batch = append(batch, f)
		}
	}), nil
}

// OnBodyReading is one recorded on-body signal.
type OnBodyReading struct {
	Value float64 `json:"value"`
	TS    int64   `json:"ts"`
}

// LoadOnBody reads on-body readings from a JSON-lines file of
// {"value":..,"ts":..} records.
func LoadOnBody(path string) ([]OnBodyReading, error) {
	var out []OnBodyReading
	err := readLines(path, func(line []byte) error {
		var r OnBodyReading
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// ReplayOnBody replays recorded on-body readings. A nil *ReplayOnBody
// reports the capability as missing.
type ReplayOnBody struct {
	readings []OnBodyReading
	speed    float64
}

// NewReplayOnBody creates an on-body replay source.
func NewReplayOnBody(readings []OnBodyReading, speed float64) *ReplayOnBody {
	return &ReplayOnBody{readings: readings, speed: speed}
}

func (r *ReplayOnBody) Available() bool { return r != nil }

func (r *ReplayOnBody) Subscribe(fn func(value float64, tsNanos int64)) (Subscription, error) {
	if r == nil {
		return nil, ErrSensorUnavailable
	}
	return startReplay(context.Background(), func(ctx context.Context) {
		var prev int64
		for _, rd := range r.readings {
			if !pause(ctx, prev, rd.TS, r.speed) {
				return
			}
			prev = rd.TS
			fn(rd.Value, rd.TS)
		}
	}), nil
}
