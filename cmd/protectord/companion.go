package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"protectord/internal/alert"
	"protectord/internal/companion"
	"protectord/internal/config"
	"protectord/internal/notify"
	"protectord/internal/sensor"
	"protectord/internal/store"
	"protectord/internal/wearable"
)

// cmdCompanion runs the wearable side: it shows alerts relayed from the
// phone, keeps its own alert history and reports the on-body state.
func cmdCompanion() {
	fs := flag.NewFlagSet("companion", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	dbPath := fs.String("db", filepath.Join(config.ProtectordDir(), "companion.db"), "companion alert history")
	onBody := fs.String("on-body", "", "JSONL on-body recording to replay")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	logger := setupLogging(cfg)
	defer logger.Close()

	st, err := store.Open(*dbPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc := cfg.Companion
	cc.ClientID += "-companion"
	client, err := companion.Connect(ctx, cc, logger.WithComponent("companion").Logger)
	if err != nil {
		fatal("connect companion: %v", err)
	}
	defer client.Close()

	notifier, closeNotifier := notify.New(appName+"-companion", cfg.Notify.DBus, logger.WithComponent("notify").Logger)
	defer closeNotifier()

	err = client.OnAlert(func(kind alert.Kind, message string) {
		notifier.Notify(alert.Title(kind), message, alert.PriorityFor(kind))
		rec := store.AlertRecord{
			ID:          uuid.NewString(),
			Kind:        string(kind),
			Message:     message,
			TimestampNs: time.Now().UnixNano(),
			Delivered:   true,
		}
		if err := st.RecordAlert(ctx, rec); err != nil {
			logger.Warn("record alert failed", "kind", rec.Kind, "error", err)
		}
	})
	if err != nil {
		fatal("subscribe alerts: %v", err)
	}

	var source sensor.OnBodySource
	if *onBody != "" {
		readings, err := sensor.LoadOnBody(*onBody)
		if err != nil {
			fatal("read on-body recording: %v", err)
		}
		source = sensor.NewReplayOnBody(readings, cfg.Sources.Speed)
	}

	wl := logger.WithComponent("wearable").Logger
	monitor := wearable.NewMonitor(source, client, wearable.Options{
		Logger: wl,
		Broadcast: func(s wearable.State) {
			wl.Info("on-body state reported", "state", s.String())
		},
	})
	if err := monitor.StartMonitoring(ctx, bodyListener{wl}); err != nil {
		logger.Warn("on-body monitoring unavailable", "error", err)
	}

	logger.Info("companion running", "broker", cc.Broker)
	<-ctx.Done()
	monitor.StopMonitoring()
	logger.Info("companion stopped")
}

type bodyListener struct {
	logger *slog.Logger
}

func (l bodyListener) Worn()        { l.logger.Info("watch worn") }
func (l bodyListener) Removed()     { l.logger.Info("watch removed") }
func (l bodyListener) Unavailable() { l.logger.Warn("on-body sensor unavailable") }
