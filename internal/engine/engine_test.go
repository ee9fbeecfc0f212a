package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protectord/internal/config"
	"protectord/internal/detector"
	"protectord/internal/motion"
	"protectord/internal/proximity"
	"protectord/internal/sensor"
	"protectord/internal/store"
	"protectord/internal/wearable"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSub struct {
	mu        sync.Mutex
	cancelled bool
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *fakeSub) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelled
}

type fakeAccel struct {
	mu    sync.Mutex
	err   error
	rates []sensor.Rate
	subs  []*fakeSub
	fn    func(sensor.Sample)
}

func (a *fakeAccel) Subscribe(_ context.Context, rate sensor.Rate, fn func(sensor.Sample)) (sensor.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	sub := &fakeSub{}
	a.rates = append(a.rates, rate)
	a.subs = append(a.subs, sub)
	a.fn = fn
	return sub, nil
}

func (a *fakeAccel) push(s sensor.Sample) {
	a.mu.Lock()
	fn := a.fn
	var sub *fakeSub
	if len(a.subs) > 0 {
		sub = a.subs[len(a.subs)-1]
	}
	a.mu.Unlock()
	if fn != nil && sub.active() {
		fn(s)
	}
}

func (a *fakeAccel) lastRate() (sensor.Rate, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rates) == 0 {
		return sensor.RateUI, 0
	}
	return a.rates[len(a.rates)-1], len(a.rates)
}

func (a *fakeAccel) anyActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.subs {
		if s.active() {
			return true
		}
	}
	return false
}

type fakeLocation struct {
	mu       sync.Mutex
	err      error
	requests []sensor.LocationRequest
	subs     []*fakeSub
	fn       func([]sensor.Fix)
}

func (l *fakeLocation) Request(_ context.Context, req sensor.LocationRequest, fn func([]sensor.Fix)) (sensor.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	sub := &fakeSub{}
	l.requests = append(l.requests, req)
	l.subs = append(l.subs, sub)
	l.fn = fn
	return sub, nil
}

func (l *fakeLocation) push(fixes ...sensor.Fix) {
	l.mu.Lock()
	fn := l.fn
	var sub *fakeSub
	if len(l.subs) > 0 {
		sub = l.subs[len(l.subs)-1]
	}
	l.mu.Unlock()
	if fn != nil && sub.active() {
		fn(fixes)
	}
}

func (l *fakeLocation) last() (sensor.LocationRequest, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.requests) == 0 {
		return sensor.LocationRequest{}, 0
	}
	return l.requests[len(l.requests)-1], len(l.requests)
}

func (l *fakeLocation) anyActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		if s.active() {
			return true
		}
	}
	return false
}

type fakeLink struct {
	mu       sync.Mutex
	payloads []string
}

func (l *fakeLink) Send(_ context.Context, channel string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payloads = append(l.payloads, channel+" "+string(payload))
	return nil
}

func (l *fakeLink) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.payloads...)
}

func (l *fakeLink) has(prefix string) bool {
	for _, p := range l.all() {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

type harness struct {
	engine *Engine
	store  *store.Store
	accel  *fakeAccel
	loc    *fakeLocation
	link   *fakeLink
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "protectord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newHarness(t *testing.T, sources func(*fakeAccel, *fakeLocation) Sources) *harness {
	t.Helper()
	h := &harness{
		store: openStore(t),
		accel: &fakeAccel{},
		loc:   &fakeLocation{},
		link:  &fakeLink{},
	}
	src := Sources{Acceleration: h.accel, Location: h.loc}
	if sources != nil {
		src = sources(h.accel, h.loc)
	}
	e, err := New(Options{
		Store:   h.store,
		Sources: src,
		Link:    h.link,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() {
		if h.engine.Running() {
			h.engine.Stop()
		}
	})
}

const (
	alertPrefix = "/protector/alert "
	eventually  = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// offset returns a fix the given number of degrees of latitude north of
// (lat, lng). One millidegree is about 111 m.
func offset(lat, lng, deg float64) sensor.Fix {
	return sensor.Fix{Lat: lat + deg, Lng: lng, Accuracy: 5}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestStartStopEmitsStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	assert.True(t, h.engine.Running())
	assert.ErrorIs(t, h.engine.Start(context.Background()), ErrAlreadyRunning)

	rate, n := h.accel.lastRate()
	assert.Equal(t, sensor.RateUI, rate)
	assert.Equal(t, 1, n)
	req, _ := h.loc.last()
	assert.Equal(t, motion.IntervalStationary, req.IntervalMs)

	require.NoError(t, h.engine.Stop())
	assert.False(t, h.engine.Running())
	assert.ErrorIs(t, h.engine.Stop(), ErrNotRunning)

	assert.Equal(t, []string{
		alertPrefix + "STATUS_UPDATE|Protection enabled",
		alertPrefix + "STATUS_UPDATE|Protection disabled",
	}, h.link.all())

	assert.False(t, h.accel.anyActive(), "acceleration still subscribed after Stop")
	assert.False(t, h.loc.anyActive(), "location still subscribed after Stop")

	recent, err := h.store.RecentAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, r := range recent {
		assert.Equal(t, "STATUS_UPDATE", r.Kind)
		assert.True(t, r.Delivered)
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	require.NoError(t, h.engine.Stop())
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.Stop())

	assert.Len(t, h.link.all(), 4)
}

// =============================================================================
// Theft detection
// =============================================================================

func TestSustainedAccelerationRaisesTheft(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.accel.push(sensor.NewSample(15, 0, 0, 0))
	h.accel.push(sensor.NewSample(15, 0, 0, int64(2100*time.Millisecond)))

	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "THEFT_DETECTED|Device is being moved away!")
	}, eventually, tick)

	assert.Equal(t, "ALERT", h.engine.Status().Motion)
	require.Eventually(t, func() bool {
		rate, _ := h.accel.lastRate()
		req, _ := h.loc.last()
		return rate == sensor.RateNormal && req.IntervalMs == motion.IntervalAlert
	}, eventually, tick)

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, "ALERT", h.store.String(store.KeyMotionState, ""))

	counts, err := h.store.AlertCounts(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts["THEFT_DETECTED"])
}

func TestShortBurstDoesNotRaiseTheft(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.Score(sensor.NewSample(15, 0, 0, 0))
	h.engine.Score(sensor.NewSample(15, 0, 0, int64(time.Second)))
	assert.Equal(t, motion.IntervalAlert, h.engine.motion.Cadence().Location.IntervalMs)

	h.engine.Score(sensor.NewSample(0, 0, 9.8, int64(1500*time.Millisecond)))
	h.engine.Score(sensor.NewSample(15, 0, 0, int64(2500*time.Millisecond)))

	assert.Equal(t, "STATIONARY", h.engine.Status().Motion)
	assert.Empty(t, h.link.all())
}

// =============================================================================
// Location
// =============================================================================

func TestProximityBreachAndCadence(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.loc.push(offset(52.5, 13.4, 0))
	h.loc.push(offset(52.5, 13.4, 0.001))

	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "PROXIMITY_BREACH|Don't forget your device - ")
	}, eventually, tick)

	assert.Equal(t, "MOVING", h.engine.Status().Motion)
	require.Eventually(t, func() bool {
		req, n := h.loc.last()
		rate, _ := h.accel.lastRate()
		return n == 2 && req.IntervalMs == motion.IntervalMoving && rate == sensor.RateNormal
	}, eventually, tick)
}

func TestInvalidFixIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Evaluate(sensor.Fix{Lat: 200, Lng: 0})
	_, ok := h.engine.proximity.Reference()
	assert.False(t, ok)
}

func TestGeofenceExit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetGeofence(ctx, proximity.Geofence{
		Enabled:      true,
		Center:       proximity.Point{Lat: 10, Lng: 10},
		RadiusMeters: 100,
	}))
	assert.True(t, h.store.Bool(store.KeyGeofenceEnabled, false))
	assert.Equal(t, 10.0, h.store.Float(store.KeyGeofenceLat, 0))

	h.engine.Evaluate(offset(10, 10, 0.01))

	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "GEOFENCE_EXIT|Device left safe zone")
	}, eventually, tick)
	assert.Equal(t, 1.0, h.engine.location.LocationAnomaly(time.Now()))
}

func TestLocationContextAnomaly(t *testing.T) {
	c := &locationContext{}
	c.update(proximity.Result{Distance: 25}, 50)
	assert.Zero(t, c.LocationAnomaly(time.Now()))

	c.update(proximity.Result{Distance: 75}, 50)
	assert.InDelta(t, 0.5, c.LocationAnomaly(time.Now()), 1e-9)

	c.update(proximity.Result{Distance: 500}, 50)
	assert.Equal(t, 1.0, c.LocationAnomaly(time.Now()))

	c.reset()
	assert.Zero(t, c.LocationAnomaly(time.Now()))
	assert.Equal(t, 1.0, c.ContextMultiplier(time.Now()))
}

// =============================================================================
// Sources
// =============================================================================

func TestStartWithoutSourcesFails(t *testing.T) {
	h := newHarness(t, func(*fakeAccel, *fakeLocation) Sources { return Sources{} })

	err := h.engine.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSources)
	assert.ErrorIs(t, err, sensor.ErrSensorUnavailable)
	assert.ErrorIs(t, err, sensor.ErrLocationUnavailable)
	assert.False(t, h.engine.Running())
	assert.Empty(t, h.link.all())
}

func TestPermissionDeniedDegrades(t *testing.T) {
	h := newHarness(t, nil)
	h.loc.err = sensor.ErrPermissionDenied
	h.start(t)

	degraded := h.engine.Degraded()
	require.Len(t, degraded, 1)
	assert.ErrorIs(t, degraded[SourceLocation], sensor.ErrPermissionDenied)
	assert.Equal(t, "sensor: permission denied", h.engine.Status().Degraded[SourceLocation])
}

func TestLocationOnlyStaysStationaryCadence(t *testing.T) {
	h := newHarness(t, func(_ *fakeAccel, l *fakeLocation) Sources { return Sources{Location: l} })
	h.start(t)

	assert.Contains(t, h.engine.Degraded(), SourceAcceleration)

	h.engine.Evaluate(offset(52.5, 13.4, 0))
	h.engine.Evaluate(offset(52.5, 13.4, 0.0003))
	assert.Equal(t, "MOVING", h.engine.Status().Motion)

	assert.Never(t, func() bool {
		_, n := h.loc.last()
		return n > 1
	}, 100*time.Millisecond, tick)
	assert.Equal(t, motion.IntervalStationary, h.engine.Cadence().Location.IntervalMs)
}

func TestDroppedSamplesAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	samples := make(chan sensor.Sample, 1)
	h.engine.mu.Lock()
	err := h.engine.subscribeAcceleration(context.Background(), samples, sensor.RateUI)
	h.engine.mu.Unlock()
	require.NoError(t, err)

	h.accel.push(sensor.NewSample(0, 0, 9.8, 1))
	h.accel.push(sensor.NewSample(0, 0, 9.8, 2))
	h.accel.push(sensor.NewSample(0, 0, 9.8, 3))

	assert.EqualValues(t, 2, h.engine.Status().DroppedSamples)
}

// =============================================================================
// Controls
// =============================================================================

func TestPausedSuppressesAlerts(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "STATUS_UPDATE|Protection enabled")
	}, eventually, tick)

	require.NoError(t, h.engine.SetPaused(ctx, true))
	assert.True(t, h.engine.Paused())
	assert.True(t, h.store.Bool(store.KeyWarningsPaused, false))

	h.engine.Evaluate(offset(52.5, 13.4, 0))
	h.engine.Evaluate(offset(52.5, 13.4, 0.01))
	require.NoError(t, h.engine.Stop())

	assert.Equal(t, []string{alertPrefix + "STATUS_UPDATE|Protection enabled"}, h.link.all())
}

func TestPausedSurvivesRestart(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SetBool(store.KeyWarningsPaused, true))

	e, err := New(Options{Store: s, Logger: quietLogger()})
	require.NoError(t, err)
	assert.True(t, e.Paused())
}

func TestVoiceCommandPauses(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Voice().Observe("disable protection", true)
	assert.True(t, h.engine.Paused())
	h.engine.Voice().Observe("turn on alerts", true)
	assert.False(t, h.engine.Paused())
}

// slowStore blocks warnings_paused writes while armed.
type slowStore struct {
	*store.Store
	armed   atomic.Bool
	release chan struct{}
}

func (s *slowStore) SetBool(key string, v bool) error {
	if key == store.KeyWarningsPaused && s.armed.Load() {
		<-s.release
	}
	return s.Store.SetBool(key, v)
}

func TestVoicePauseDoesNotWaitForStore(t *testing.T) {
	st := &slowStore{Store: openStore(t), release: make(chan struct{})}
	e, err := New(Options{
		Store:   st,
		Sources: Sources{Acceleration: &fakeAccel{}, Location: &fakeLocation{}},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	released := false
	t.Cleanup(func() {
		if !released {
			close(st.release)
		}
		e.Stop()
	})

	st.armed.Store(true)
	done := make(chan struct{})
	go func() {
		e.Voice().Observe("disable protection", true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("voice command waited on the store")
	}
	assert.True(t, e.Paused())

	close(st.release)
	released = true
	require.Eventually(t, func() bool {
		return st.Bool(store.KeyWarningsPaused, false)
	}, eventually, tick)
}

func TestUnauthorizedVoiceEscalates(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.SetVoiceAuth(true))
	h.start(t)

	for i := 0; i < 3; i++ {
		h.engine.Voice().Observe("who is this", false)
	}
	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "UNAUTHORIZED_VOICE|Unauthorized voice detected")
	}, eventually, tick)
	assert.True(t, h.store.Bool(store.KeyVoiceAuthEnabled, false))
}

func TestSetRadius(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v, err := h.engine.SetRadius(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, 200.0, v)
	assert.Equal(t, 200.0, h.store.Float(store.KeyProximityRadius, 0))

	for _, bad := range []float64{0, -5, 20000} {
		v, err = h.engine.SetRadius(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, proximity.DefaultRadius, v, "radius %v", bad)
		assert.Equal(t, proximity.DefaultRadius, h.engine.Radius())
	}
	assert.Equal(t, proximity.DefaultRadius, h.store.Float(store.KeyProximityRadius, 0))
}

func TestWatchStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	assert.Equal(t, "UNKNOWN", h.engine.Status().Watch)

	h.engine.WatchStatus(wearable.OffBody)
	h.engine.WatchStatus(wearable.OffBody)
	assert.Equal(t, "OFF_BODY", h.engine.Status().Watch)
	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "WATCH_OFF_BODY|Watch was removed")
	}, eventually, tick)

	h.engine.WatchStatus(wearable.OnBody)
	require.Eventually(t, func() bool {
		return h.link.has(alertPrefix + "WATCH_ON_BODY|Watch is being worn")
	}, eventually, tick)

	n := 0
	for _, p := range h.link.all() {
		if strings.HasPrefix(p, alertPrefix+"WATCH_OFF_BODY|") {
			n++
		}
	}
	assert.Equal(t, 1, n, "repeated status is not relayed twice")
}

func TestWatchStatusRespectsPause(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	require.NoError(t, h.engine.SetPaused(context.Background(), true))

	h.engine.WatchStatus(wearable.OnBody)
	assert.Never(t, func() bool {
		return h.link.has(alertPrefix + "WATCH_ON_BODY|")
	}, 100*time.Millisecond, tick)
}

func TestApplyConfigOnlyChangedFields(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.SetVoiceAuth(true))

	prev := config.DefaultConfig()
	next := prev.Clone()
	next.Proximity.Radius = 120

	h.engine.ApplyConfig(ctx, prev, next)

	assert.Equal(t, 120.0, h.engine.Radius())
	assert.True(t, h.engine.Voice().Enabled(), "unchanged voice setting was reverted")
	assert.False(t, h.engine.proximity.Geofence().Enabled)

	again := next.Clone()
	again.Geofence = config.GeofenceConfig{Enabled: true, Lat: 1, Lng: 2, Radius: 300}
	h.engine.ApplyConfig(ctx, next, again)

	g := h.engine.proximity.Geofence()
	assert.True(t, g.Enabled)
	assert.Equal(t, proximity.Point{Lat: 1, Lng: 2}, g.Center)
	assert.Equal(t, 300.0, g.RadiusMeters)
	assert.Equal(t, 120.0, h.engine.Radius())
}

// =============================================================================
// Model
// =============================================================================

func steadySamples(n int) []sensor.Sample {
	out := make([]sensor.Sample, n)
	for i := range out {
		z := 9.8
		if i%2 == 0 {
			z = 9.9
		}
		out[i] = sensor.NewSample(0, 0, z, int64(i)*int64(20*time.Millisecond))
	}
	return out
}

func TestTrainRequiresEnoughSamples(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.engine.Train(ctx, steadySamples(detector.MinTrainingSamples-1))
	assert.ErrorIs(t, err, detector.ErrModelUntrained)
	assert.False(t, h.store.LoadModel().Trained)

	require.NoError(t, h.engine.Train(ctx, steadySamples(detector.MinTrainingSamples)))
	m := h.store.LoadModel()
	assert.True(t, m.Trained)
	assert.InDelta(t, 9.85, m.Mean, 1e-9)
	assert.InDelta(t, 0.0025, m.Variance, 1e-9)
	assert.True(t, h.engine.Status().Baseline.Trained)
}

func TestResetClearsModel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Train(ctx, steadySamples(600)))

	require.NoError(t, h.engine.Reset(ctx))
	assert.Equal(t, store.ModelState{}, h.store.LoadModel())
	assert.False(t, h.engine.Status().Baseline.Trained)
}

type hungLink struct{}

func (hungLink) Send(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStopWithUnreachableCompanion(t *testing.T) {
	st := openStore(t)
	loc := &fakeLocation{}
	e, err := New(Options{
		Store:   st,
		Sources: Sources{Acceleration: &fakeAccel{}, Location: loc},
		Link:    hungLink{},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	e.Evaluate(offset(52.5, 13.4, 0))
	for i := 1; i <= 3; i++ {
		e.Evaluate(offset(52.5, 13.4, 0.001*float64(i)))
	}

	start := time.Now()
	require.NoError(t, e.Stop())
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Eventually(t, func() bool {
		recent, err := st.RecentAlerts(context.Background(), 10)
		if err != nil || len(recent) == 0 {
			return false
		}
		for _, a := range recent {
			if a.Delivered {
				return false
			}
		}
		return true
	}, eventually, tick)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openStore(t)
	assert.Equal(t, Snapshot{Motion: motion.Stationary}, Load(s))

	want := Snapshot{
		Model: detector.Snapshot{
			Baseline:         detector.Baseline{Mean: 9.81, Variance: 0.04, Trained: true},
			PatternsDetected: 3,
		},
		Motion: motion.Moving,
		Paused: true,
	}
	require.NoError(t, Save(s, want))
	assert.Equal(t, want, Load(s))

	e, err := New(Options{Store: s, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, want, e.Snapshot())
}

type failingStore struct {
	Persistence
	err error
}

func (f failingStore) SaveModel(store.ModelState) error { return f.err }

func TestSaverCoalescesAndReportsErrors(t *testing.T) {
	s := openStore(t)
	takes := 0
	sv := newSaver(s, func() Snapshot {
		takes++
		return Snapshot{Motion: motion.Alert}
	}, nil, quietLogger())

	sv.flush()
	assert.Zero(t, takes, "clean saver should not write")

	sv.mark()
	sv.mark()
	sv.flush()
	assert.Equal(t, 1, takes)
	assert.Equal(t, "ALERT", s.String(store.KeyMotionState, ""))

	boom := errors.New("disk full")
	err := Save(failingStore{Persistence: s, err: boom}, Snapshot{})
	assert.ErrorIs(t, err, boom)
}
