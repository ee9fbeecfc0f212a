// protectord - phone anti-theft and forgotten-device protection daemon
//
//	protectord run              Run the protection engine
//	protectord train [file]     Train the motion baseline from a recording
//	protectord reset            Reset the motion baseline
//	protectord status           Show preferences, model and alert history
//	protectord radius <meters>  Set the proximity radius
//	protectord companion        Run the wearable-side companion
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"protectord/internal/alert"
	"protectord/internal/api"
	"protectord/internal/companion"
	"protectord/internal/config"
	"protectord/internal/engine"
	"protectord/internal/health"
	"protectord/internal/logging"
	"protectord/internal/metrics"
	"protectord/internal/notify"
	"protectord/internal/pidlock"
	"protectord/internal/sensor"
	"protectord/internal/store"
	"protectord/internal/stream"
)

const (
	appName        = "protectord"
	alertRetention = 30 * 24 * time.Hour
	pruneInterval  = 6 * time.Hour
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "train":
		cmdTrain()
	case "reset":
		cmdReset()
	case "status":
		cmdStatus()
	case "radius":
		cmdRadius()
	case "companion":
		cmdCompanion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`protectord - Phone Theft and Forgotten-Device Protection

USAGE:
    protectord <command> [options]

COMMANDS:
    run                 Run the protection engine
    train [file]        Train the motion baseline from a JSONL recording
    reset               Reset the motion baseline
    status              Show preferences, model and alert history
    radius <meters>     Set the proximity radius (1-10000, invalid uses 50)
    companion           Run the wearable-side companion
    help                Show this help message

OPTIONS:
    -config <path>      Configuration file (TOML, JSON or YAML)

RECORDINGS:
    Acceleration samples are JSON lines {"x":..,"y":..,"z":..,"ts":..}
    Location fixes are JSON lines {"lat":..,"lng":..,"accuracy":..,"ts":..}
    On-body readings are JSON lines {"value":..,"ts":..}
    Timestamps are nanoseconds.`)
}

// =============================================================================
// run
// =============================================================================

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(os.Args[2:])

	path := resolveConfigPath(*configPath)
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("%v", err)
	}

	lock, err := pidlock.Acquire(filepath.Join(config.ProtectordDir(), appName+".pid"))
	if err != nil {
		fatal("%v", err)
	}
	defer lock.Release()

	logger := setupLogging(cfg)
	defer logger.Close()
	if created {
		logger.Info("wrote default configuration", "path", path)
	}
	if err := logging.SetCrashDir(filepath.Join(config.ProtectordDir(), "crash")); err != nil {
		logger.Warn("crash dumps disabled", "error", err)
	}

	audit, err := logging.NewAuditLogger(logging.DefaultAuditConfig())
	if err != nil {
		logger.Warn("audit trail disabled", "error", err)
		audit = nil
	} else {
		defer audit.Close()
	}

	st := openStore(cfg)
	defer st.Close()
	if err := st.SeedPreferences(preferencesFrom(cfg)); err != nil {
		fatal("seed preferences: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	notifier, closeNotifier := notify.New(appName, cfg.Notify.DBus, logger.WithComponent("notify").Logger)
	defer closeNotifier()

	var client *companion.Client
	if cfg.Companion.Enabled {
		client, err = companion.Connect(ctx, cfg.Companion, logger.WithComponent("companion").Logger)
		if err != nil {
			logger.Warn("running without companion", "error", err)
			client = nil
		} else {
			defer client.Close()
		}
	}

	var sinks []alert.Sink
	if cfg.Stream.Enabled {
		pub, err := stream.NewPublisher(cfg.Stream, logger.WithComponent("stream").Logger)
		if err != nil {
			logger.Warn("alert stream disabled", "error", err)
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	sources, err := replaySources(cfg.Sources)
	if err != nil {
		fatal("load sources: %v", err)
	}

	opts := engine.Options{
		Store:     st,
		Sources:   sources,
		Notifier:  notifier,
		Sinks:     sinks,
		Detection: cfg.Detection,
		Metrics:   m,
		Audit:     audit,
		Logger:    logger.WithComponent("engine").Logger,
	}
	if client != nil {
		opts.Link = client
		opts.Voice = companion.NewVoiceListener(client, cfg.Voice.Topic)
	}

	eng, err := engine.New(opts)
	if err != nil {
		fatal("create engine: %v", err)
	}
	if client != nil {
		if err := client.OnWatchStatus(eng.WatchStatus); err != nil {
			logger.Warn("watch status unavailable", "error", err)
		}
	}

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.StoreCheck(st.IntegrityCheck))
	checker.RegisterFunc("sources", false, health.SourcesCheck(eng.Degraded))
	if client != nil {
		checker.RegisterFunc("companion", false, health.CompanionCheck(client.Connected))
	}

	if err := eng.Start(ctx); err != nil {
		fatal("start engine: %v", err)
	}
	checker.SetReady(true)

	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		logger.Warn("config reload disabled", "error", err)
	} else {
		var mu sync.Mutex
		prev := cfg
		loader.OnChange(func(next *config.Config) {
			mu.Lock()
			defer mu.Unlock()
			eng.ApplyConfig(ctx, prev, next)
			prev = next
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("config reload disabled", "error", err)
		}
	}
	defer loader.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		srv := api.New(api.Options{
			Listen:     cfg.API.Listen,
			Controller: eng,
			History:    st,
			Health:     checker,
			Metrics:    m,
			Logger:     logger,

			ControlRate:  cfg.API.ControlRate,
			ControlBurst: cfg.API.ControlBurst,
		})
		if _, err := srv.Start(); err != nil {
			logger.Error("api disabled", "error", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
			}
		}
	})

	g.Go(func() error {
		return pruneAlerts(gctx, st, logger)
	})

	logger.Info("protectord running", "config", path, "api", cfg.API.Enabled, "companion", client != nil)
	<-ctx.Done()
	logger.Info("shutting down")

	checker.SetReady(false)
	if err := g.Wait(); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if err := eng.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		logger.Error("stop engine", "error", err)
	}
}

func pruneAlerts(ctx context.Context, st *store.Store, logger *logging.Logger) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := st.PruneAlerts(ctx, time.Now().Add(-alertRetention))
		if err != nil {
			logger.Warn("prune alerts", "error", err)
		} else if n > 0 {
			logger.Info("pruned alert history", "removed", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func replaySources(sc config.SourcesConfig) (engine.Sources, error) {
	var src engine.Sources
	if sc.Acceleration != "" {
		samples, err := sensor.LoadSamples(sc.Acceleration)
		if err != nil {
			return src, fmt.Errorf("acceleration: %w", err)
		}
		src.Acceleration = sensor.NewReplayAcceleration(samples, sc.Speed)
	}
	if sc.Location != "" {
		fixes, err := sensor.LoadFixes(sc.Location)
		if err != nil {
			return src, fmt.Errorf("location: %w", err)
		}
		src.Location = sensor.NewReplayLocation(fixes, sc.Speed)
	}
	if sc.OnBody != "" {
		readings, err := sensor.LoadOnBody(sc.OnBody)
		if err != nil {
			return src, fmt.Errorf("on-body: %w", err)
		}
		src.OnBody = sensor.NewReplayOnBody(readings, sc.Speed)
	}
	return src, nil
}

// =============================================================================
// Offline commands
// =============================================================================

func cmdTrain() {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	file := cfg.Detection.TrainingFile
	if fs.NArg() > 0 {
		file = fs.Arg(0)
	}
	if file == "" {
		fatal("usage: protectord train <samples.jsonl>")
	}

	samples, err := sensor.LoadSamples(file)
	if err != nil {
		fatal("read samples: %v", err)
	}

	eng, st, closeAll := offlineEngine(cfg)
	defer closeAll()

	if err := eng.Train(context.Background(), samples); err != nil {
		fatal("%v", err)
	}
	m := st.LoadModel()
	fmt.Printf("Model trained from %d samples\n", len(samples))
	fmt.Printf("  Baseline mean:     %.4f\n", m.Mean)
	fmt.Printf("  Baseline variance: %.6f\n", m.Variance)
}

func cmdReset() {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(os.Args[2:])

	eng, _, closeAll := offlineEngine(loadConfig(*configPath))
	defer closeAll()

	if err := eng.Reset(context.Background()); err != nil {
		fatal("%v", err)
	}
	fmt.Println("Model reset.")
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	st := openStore(cfg)
	defer st.Close()
	ctx := context.Background()

	fmt.Println("=== protectord Status ===")
	fmt.Println()
	fmt.Printf("Database: %s\n", cfg.Storage.Path)
	if cfg.API.Enabled && daemonRunning(cfg) {
		fmt.Printf("Daemon: running (http://%s)\n", cfg.API.Listen)
	} else {
		fmt.Println("Daemon: not running")
	}

	p := st.LoadPreferences()
	fmt.Println()
	fmt.Printf("Proximity radius: %.0f m\n", p.ProximityRadius)
	if p.GeofenceEnabled {
		fmt.Printf("Geofence: %.5f, %.5f (%.0f m)\n", p.GeofenceLat, p.GeofenceLng, p.GeofenceRadius)
	} else {
		fmt.Println("Geofence: disabled")
	}
	fmt.Printf("Voice auth: %s\n", onOff(p.VoiceAuthEnabled))
	fmt.Printf("Warnings paused: %s\n", onOff(p.WarningsPaused))

	m := st.LoadModel()
	fmt.Println()
	if m.Trained {
		fmt.Printf("Model: trained (mean %.4f, variance %.6f)\n", m.Mean, m.Variance)
	} else {
		fmt.Println("Model: untrained")
	}
	fmt.Printf("Theft patterns detected: %d\n", m.PatternsDetected)
	fmt.Printf("Motion state: %s\n", st.String(store.KeyMotionState, "STATIONARY"))

	counts, err := st.AlertCounts(ctx)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println()
	fmt.Println("Alerts:")
	if len(counts) == 0 {
		fmt.Println("  none")
	}
	for _, k := range alert.Kinds {
		if n := counts[string(k)]; n > 0 {
			fmt.Printf("  %-20s %d\n", k, n)
		}
	}
	if last, err := st.LastAlert(ctx); err == nil {
		ts := time.Unix(0, last.TimestampNs).Format(time.RFC3339)
		fmt.Printf("Last alert: %s %q at %s\n", last.Kind, last.Message, ts)
	}
}

func cmdRadius() {
	fs := flag.NewFlagSet("radius", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fatal("usage: protectord radius <meters>")
	}
	meters, err := strconv.ParseFloat(fs.Arg(0), 64)
	if err != nil {
		fatal("invalid radius %q", fs.Arg(0))
	}

	cfg := loadConfig(*configPath)

	// a running daemon owns the evaluator, so update it live
	if cfg.API.Enabled && daemonRunning(cfg) {
		v, err := putRadius(cfg, meters)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Proximity radius: %.0f m\n", v)
		return
	}

	eng, _, closeAll := offlineEngine(cfg)
	defer closeAll()
	v, err := eng.SetRadius(context.Background(), meters)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Proximity radius: %.0f m\n", v)
}

// =============================================================================
// Helpers
// =============================================================================

func resolveConfigPath(p string) string {
	if p != "" {
		return p
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig(p string) *config.Config {
	cfg, err := config.Load(resolveConfigPath(p))
	if err != nil {
		fatal("load config: %v", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		fatal("logging: %v", err)
	}
	logger, err := logging.New(lc)
	if err != nil {
		fatal("logging: %v", err)
	}
	logging.SetDefault(logger)
	return logger
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatal("open store: %v", err)
	}
	return st
}

// offlineEngine builds an engine without sources for one-shot commands.
func offlineEngine(cfg *config.Config) (*engine.Engine, *store.Store, func()) {
	logger := setupLogging(cfg)
	st := openStore(cfg)
	if err := st.SeedPreferences(preferencesFrom(cfg)); err != nil {
		fatal("seed preferences: %v", err)
	}

	audit, err := logging.NewAuditLogger(logging.DefaultAuditConfig())
	if err != nil {
		logger.Warn("audit trail disabled", "error", err)
		audit = nil
	}

	eng, err := engine.New(engine.Options{
		Store:     st,
		Detection: cfg.Detection,
		Audit:     audit,
		Logger:    logger.WithComponent("engine").Logger,
	})
	if err != nil {
		fatal("create engine: %v", err)
	}
	return eng, st, func() {
		if audit != nil {
			audit.Close()
		}
		st.Close()
		logger.Close()
	}
}

func preferencesFrom(cfg *config.Config) store.Preferences {
	return store.Preferences{
		ProximityRadius:  cfg.Proximity.Radius,
		GeofenceEnabled:  cfg.Geofence.Enabled,
		GeofenceLat:      cfg.Geofence.Lat,
		GeofenceLng:      cfg.Geofence.Lng,
		GeofenceRadius:   cfg.Geofence.Radius,
		VoiceAuthEnabled: cfg.Voice.AuthEnabled,
	}
}

var httpClient = &http.Client{Timeout: 2 * time.Second}

func daemonRunning(cfg *config.Config) bool {
	resp, err := httpClient.Get("http://" + cfg.API.Listen + "/live")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func putRadius(cfg *config.Config, meters float64) (float64, error) {
	body, _ := json.Marshal(map[string]float64{"meters": meters})
	req, err := http.NewRequest(http.MethodPut, "http://"+cfg.API.Listen+"/radius", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("update radius: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("update radius: %s", resp.Status)
	}
	var out struct {
		Meters float64 `json:"meters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Meters, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
