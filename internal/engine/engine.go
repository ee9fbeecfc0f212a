// Package engine composes the detection components into the protection
// daemon.
//
// Every source delivers into its own bounded channel and is drained by a
// dedicated goroutine, so events from one source are handled in arrival
// order and a slow component never blocks a sensor callback. Cadence
// changes, snapshot writes and alert dispatch each run on their own worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"protectord/internal/alert"
	"protectord/internal/config"
	"protectord/internal/detector"
	"protectord/internal/logging"
	"protectord/internal/metrics"
	"protectord/internal/motion"
	"protectord/internal/proximity"
	"protectord/internal/sensor"
	"protectord/internal/store"
	"protectord/internal/voice"
	"protectord/internal/wearable"
)

// Source names used in Degraded.
const (
	SourceAcceleration = "acceleration"
	SourceLocation     = "location"
	SourceOnBody       = "on_body"
)

// Queue sizes.
const (
	DefaultSampleQueue = 256
	DefaultFixQueue    = 16
)

// Sources are the injected sensor capabilities. Any of them may be nil.
type Sources struct {
	Acceleration sensor.AccelerationSource
	Location     sensor.LocationSource
	OnBody       sensor.OnBodySource
}

// Options configures an Engine. Store is required.
type Options struct {
	Store    Persistence
	Sources  Sources
	Link     alert.CompanionLink
	Notifier alert.Notifier
	Sinks    []alert.Sink
	Voice    voice.Listener

	Detection config.DetectionConfig

	Metrics *metrics.Metrics
	Audit   *logging.AuditLogger
	Logger  *slog.Logger

	SampleQueue int
	FixQueue    int
	Now         func() time.Time
}

// Engine owns the detection components and their wiring.
type Engine struct {
	store   Persistence
	sources Sources
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *logging.AuditLogger

	scorer    *detector.Scorer
	motion    *motion.Controller
	proximity *proximity.Evaluator
	gate      *voice.Gate
	wearable  *wearable.Monitor
	location  *locationContext
	saver     *saver

	paused atomic.Bool
	watch  atomic.Int32

	cadenceMu   sync.Mutex
	nextCadence *motion.Cadence
	cadenceWake chan struct{}

	droppedSamples atomic.Int64
	droppedFixes   atomic.Int64

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	relay    *alert.Relay
	accelSub sensor.Subscription
	locSub   sensor.Subscription
	cadence  motion.Cadence
	degraded map[string]error
}

// New loads the persisted snapshot and preferences and builds the
// components. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SampleQueue <= 0 {
		opts.SampleQueue = DefaultSampleQueue
	}
	if opts.FixQueue <= 0 {
		opts.FixQueue = DefaultFixQueue
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		store:       opts.Store,
		sources:     opts.Sources,
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		audit:       opts.Audit,
		location:    &locationContext{},
		cadenceWake: make(chan struct{}, 1),
		degraded:    make(map[string]error),
	}

	prefs := e.store.LoadPreferences()
	snap := Load(e.store)
	e.paused.Store(prefs.WarningsPaused)

	e.saver = newSaver(e.store, e.Snapshot, e.metrics, e.logger.With("component", "saver"))

	e.scorer = detector.New(snap.Model, detector.Options{
		Logger:    e.logger.With("component", "detector"),
		Context:   e.location,
		Observer:  e.metrics,
		OnChange:  func(detector.Snapshot) { e.saver.mark() },
		SaveEvery: opts.Detection.SaveEvery,
		Now:       opts.Now,
	})

	e.motion = motion.NewController(snap.Motion, motion.Config{
		Threshold: opts.Detection.Threshold,
		Sustain:   time.Duration(opts.Detection.SustainMs) * time.Millisecond,
	}, motion.Hooks{
		Cadence: e.requestCadence,
		Theft:   e.onTheft,
		Listen:  func(on bool) { e.gate.Listen(on) },
		State:   e.onMotionState,
	}, e.logger.With("component", "motion"))
	e.cadence = e.motion.Cadence()

	e.proximity = proximity.NewEvaluator(prefs.ProximityRadius, geofenceOf(prefs), e.logger.With("component", "proximity"))

	e.gate = voice.NewGate(prefs.VoiceAuthEnabled, opts.Voice, voice.Hooks{
		Paused:       e.pauseFromVoice,
		Unauthorized: e.onUnauthorizedVoice,
	}, e.logger.With("component", "voice"))

	if opts.Sources.OnBody != nil {
		var link wearable.Link
		if opts.Link != nil {
			link = opts.Link
		}
		e.wearable = wearable.NewMonitor(opts.Sources.OnBody, link, wearable.Options{
			Broadcast: e.WatchStatus,
			Logger:    e.logger.With("component", "wearable"),
		})
	}

	e.metrics.SetBaseline(snap.Model.Baseline)
	e.metrics.MotionState(snap.Motion.String(), snap.Motion.String())
	e.metrics.WearableState(wearable.Unknown.String())
	return e, nil
}

func geofenceOf(p store.Preferences) proximity.Geofence {
	return proximity.Geofence{
		Enabled:      p.GeofenceEnabled,
		Center:       proximity.Point{Lat: p.GeofenceLat, Lng: p.GeofenceLng},
		RadiusMeters: p.GeofenceRadius,
	}
}

// Start subscribes to the sources and starts the workers. It fails when
// neither acceleration nor location could be subscribed; other source
// failures degrade the engine and are reported by Degraded.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	relay := alert.NewRelay(e.opts.Link, e.opts.Notifier, alert.Options{
		Sinks:      e.opts.Sinks,
		Logger:     e.logger.With("component", "relay"),
		OnDispatch: e.onDispatch,
		OnDrop:     func(ev alert.Event, reason string) { e.metrics.AlertDropped(string(ev.Kind), reason) },
	})
	relay.SetPaused(e.paused.Load())
	relay.Start(gctx)

	samples := make(chan sensor.Sample, e.opts.SampleQueue)
	fixes := make(chan []sensor.Fix, e.opts.FixQueue)
	for source := range e.degraded {
		e.metrics.SourceDegraded(source, false)
	}
	e.degraded = make(map[string]error)
	e.cadence = e.motion.Cadence()

	var errs []error
	if err := e.subscribeAcceleration(gctx, samples, e.cadence.Rate); err != nil {
		errs = append(errs, err)
	}
	if err := e.subscribeLocation(gctx, fixes, e.cadence.Location); err != nil {
		errs = append(errs, err)
	}
	if e.accelSub == nil && e.locSub == nil {
		cancel()
		relay.Stop()
		errs = append([]error{ErrNoSources}, errs...)
		return errors.Join(errs...)
	}

	group.Go(func() error { return e.sampleLoop(gctx, samples) })
	group.Go(func() error { return e.fixLoop(gctx, fixes) })
	group.Go(func() error { return e.cadenceLoop(gctx, samples, fixes) })
	group.Go(func() error { return e.saver.run(gctx) })

	e.running = true
	e.cancel = cancel
	e.group = group
	e.relay = relay

	if e.wearable != nil {
		if err := e.wearable.StartMonitoring(gctx, watchListener{e.logger}); err != nil {
			e.degradeLocked(SourceOnBody, err)
		}
	}

	e.logger.Info("protection started",
		"motion", e.motion.State().String(),
		"radius", e.proximity.Radius(),
		"paused", e.paused.Load(),
		"degraded", len(e.degraded))
	e.record(ctx, logging.AuditStartup, "start", map[string]any{"degraded": len(e.degraded)})
	relay.Emit(alert.StatusUpdate, alert.StatusEnabled)
	return nil
}

// Stop unsubscribes every source, stops the workers, writes a final
// snapshot and drains the alert queue. No source callback runs after it
// returns.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	accel, loc := e.accelSub, e.locSub
	e.accelSub, e.locSub = nil, nil
	cancel, group, relay := e.cancel, e.group, e.relay
	e.mu.Unlock()

	if e.wearable != nil {
		e.wearable.StopMonitoring()
	}
	if accel != nil {
		accel.Cancel()
	}
	if loc != nil {
		loc.Cancel()
	}

	cancel()
	if err := group.Wait(); err != nil {
		e.logger.Error("worker failed", "error", err)
	}
	e.gate.Listen(false)

	if err := Save(e.store, e.Snapshot()); err != nil {
		e.logger.Error("final snapshot failed", "error", err)
	}

	relay.Emit(alert.StatusUpdate, alert.StatusDisabled)
	relay.Stop()

	e.logger.Info("protection stopped")
	e.record(context.Background(), logging.AuditShutdown, "stop", nil)
	return nil
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Snapshot returns the current persistable state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{Model: e.scorer.Snapshot(), Motion: e.motion.State(), Paused: e.paused.Load()}
}

// Save writes the current snapshot synchronously.
func (e *Engine) Save() error {
	return Save(e.store, e.Snapshot())
}

// Degraded returns the sources that could not be used and why.
func (e *Engine) Degraded() map[string]error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]error, len(e.degraded))
	for k, v := range e.degraded {
		out[k] = v
	}
	return out
}

// degradeLocked records a source failure once. Callers hold e.mu.
func (e *Engine) degradeLocked(source string, err error) {
	if _, seen := e.degraded[source]; seen {
		return
	}
	e.degraded[source] = err
	e.metrics.SourceDegraded(source, true)
	e.logger.Warn("source degraded", "source", source, "error", err)
}

// =============================================================================
// Sources
// =============================================================================

// subscribeAcceleration replaces the acceleration subscription. Callers
// hold e.mu.
func (e *Engine) subscribeAcceleration(ctx context.Context, samples chan<- sensor.Sample, rate sensor.Rate) error {
	if e.sources.Acceleration == nil {
		e.degradeLocked(SourceAcceleration, sensor.ErrSensorUnavailable)
		return fmt.Errorf("%s: %w", SourceAcceleration, sensor.ErrSensorUnavailable)
	}
	if _, failed := e.degraded[SourceAcceleration]; failed {
		return nil
	}
	if e.accelSub != nil {
		e.accelSub.Cancel()
		e.accelSub = nil
	}
	sub, err := e.sources.Acceleration.Subscribe(ctx, rate, func(s sensor.Sample) {
		select {
		case samples <- s:
		default:
			e.droppedSamples.Add(1)
		}
	})
	if err != nil {
		e.degradeLocked(SourceAcceleration, err)
		return fmt.Errorf("%s: %w", SourceAcceleration, err)
	}
	e.accelSub = sub
	e.logger.Debug("acceleration subscribed", "rate", rate.String())
	return nil
}

// subscribeLocation replaces the location request. Callers hold e.mu.
func (e *Engine) subscribeLocation(ctx context.Context, fixes chan<- []sensor.Fix, req sensor.LocationRequest) error {
	if e.sources.Location == nil {
		e.degradeLocked(SourceLocation, sensor.ErrLocationUnavailable)
		return fmt.Errorf("%s: %w", SourceLocation, sensor.ErrLocationUnavailable)
	}
	if _, failed := e.degraded[SourceLocation]; failed {
		return nil
	}
	if e.locSub != nil {
		e.locSub.Cancel()
		e.locSub = nil
	}
	sub, err := e.sources.Location.Request(ctx, req, func(batch []sensor.Fix) {
		select {
		case fixes <- batch:
		default:
			e.droppedFixes.Add(1)
		}
	})
	if err != nil {
		e.degradeLocked(SourceLocation, err)
		return fmt.Errorf("%s: %w", SourceLocation, err)
	}
	e.locSub = sub
	e.logger.Debug("location requested",
		"interval_ms", req.IntervalMs,
		"priority", req.Priority.String())
	return nil
}

func (e *Engine) sampleLoop(ctx context.Context, samples <-chan sensor.Sample) error {
	defer logging.Recover(e.logger, "sample loop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-samples:
			score := e.scorer.Score(s)
			e.motion.Observe(s, score)
		}
	}
}

func (e *Engine) fixLoop(ctx context.Context, fixes <-chan []sensor.Fix) error {
	defer logging.Recover(e.logger, "location loop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-fixes:
			for _, f := range batch {
				e.handleFix(f)
			}
		}
	}
}

func (e *Engine) handleFix(f sensor.Fix) {
	res, err := e.proximity.Evaluate(f)
	if err != nil {
		e.metrics.LocationUnavailable()
		e.logger.Debug("skipping fix", "error", err)
		return
	}

	gd := -1.0
	if e.proximity.Geofence().Configured() {
		gd = res.GeofenceDistance
	}
	e.metrics.ProximityEvaluated(res.Distance, gd)
	e.location.update(res, e.proximity.Radius())

	if res.HintChanged {
		e.motion.SetMoving(res.Hint == proximity.Moving)
	}
	if res.Breached {
		e.emit(alert.ProximityBreach, proximity.BreachMessage(res.Distance))
	}
	if res.GeofenceExit {
		e.emit(alert.GeofenceExit, "")
	}
}

// requestCadence is the motion Cadence hook. Only the latest request is
// kept.
func (e *Engine) requestCadence(c motion.Cadence) {
	e.cadenceMu.Lock()
	e.nextCadence = &c
	e.cadenceMu.Unlock()
	select {
	case e.cadenceWake <- struct{}{}:
	default:
	}
}

func (e *Engine) cadenceLoop(ctx context.Context, samples chan<- sensor.Sample, fixes chan<- []sensor.Fix) error {
	defer logging.Recover(e.logger, "cadence loop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.cadenceWake:
			e.cadenceMu.Lock()
			next := e.nextCadence
			e.nextCadence = nil
			e.cadenceMu.Unlock()
			if next != nil {
				e.applyCadence(ctx, *next, samples, fixes)
			}
		}
	}
}

// applyCadence resubscribes the sources whose parameters changed. Without
// acceleration the engine stays on the STATIONARY cadence.
func (e *Engine) applyCadence(ctx context.Context, c motion.Cadence, samples chan<- sensor.Sample, fixes chan<- []sensor.Fix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || ctx.Err() != nil {
		return
	}
	if _, ok := e.degraded[SourceAcceleration]; ok {
		c = motion.CadenceFor(motion.Stationary)
	}
	if c.Location != e.cadence.Location && e.locSub != nil {
		if err := e.subscribeLocation(ctx, fixes, c.Location); err != nil {
			e.logger.Warn("location cadence not applied", "error", err)
		}
	}
	if c.Rate != e.cadence.Rate && e.accelSub != nil {
		if err := e.subscribeAcceleration(ctx, samples, c.Rate); err != nil {
			e.logger.Warn("sensor rate not applied", "error", err)
		}
	}
	e.cadence = c
}

// Cadence returns the cadence currently applied to the sources.
func (e *Engine) Cadence() motion.Cadence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cadence
}

// =============================================================================
// Component effects
// =============================================================================

func (e *Engine) onTheft(magnitude float64) {
	e.logger.Warn("theft detected", "magnitude", magnitude)
	e.emit(alert.TheftDetected, "")
}

func (e *Engine) onMotionState(from, to motion.State) {
	e.metrics.MotionState(from.String(), to.String())
	if to == motion.Stationary {
		e.proximity.Settle()
	}
	e.saver.mark()
}

func (e *Engine) onUnauthorizedVoice() {
	e.logger.Warn("unauthorized voice escalation")
	e.record(context.Background(), logging.AuditVoiceEscalation, "unauthorized voice", map[string]any{
		"motion": e.motion.State().String(),
	})
	e.emit(alert.UnauthorizedVoice, "")
}

func (e *Engine) onDispatch(ev alert.Event, err error) {
	e.metrics.AlertDispatched(string(ev.Kind), err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := store.AlertRecord{
		ID:          ev.ID,
		Kind:        string(ev.Kind),
		Message:     ev.Message,
		TimestampNs: ev.Timestamp.UnixNano(),
		Delivered:   err == nil,
	}
	if err := e.store.RecordAlert(ctx, rec); err != nil {
		e.logger.Error("record alert failed", "kind", rec.Kind, "error", err)
	}
}

// emit hands an event to the relay of the running engine.
func (e *Engine) emit(k alert.Kind, message string) {
	e.mu.Lock()
	relay := e.relay
	e.mu.Unlock()
	if relay == nil {
		e.logger.Debug("alert without relay", "kind", string(k))
		return
	}
	relay.Emit(k, message)
}

func (e *Engine) record(ctx context.Context, t logging.AuditEventType, action string, details map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, t, action, details); err != nil {
		e.logger.Warn("audit write failed", "error", err)
	}
}

func (e *Engine) recordFailure(ctx context.Context, t logging.AuditEventType, action string, err error) {
	if e.audit == nil {
		return
	}
	if werr := e.audit.RecordFailure(ctx, t, action, err); werr != nil {
		e.logger.Warn("audit write failed", "error", werr)
	}
}

type watchListener struct {
	logger *slog.Logger
}

func (l watchListener) Worn()        { l.logger.Info("watch worn") }
func (l watchListener) Removed()     { l.logger.Info("watch removed") }
func (l watchListener) Unavailable() { l.logger.Warn("watch on-body sensor unavailable") }
