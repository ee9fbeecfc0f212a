package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Where        string    `json:"where"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
}

var (
	crashMu  sync.Mutex
	crashDir string
	crashSeq int
)

// SetCrashDir enables crash dumps in dir. An empty dir disables them.
func SetCrashDir(dir string) error {
	if dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create crash dir: %w", err)
		}
	}
	crashMu.Lock()
	crashDir = dir
	crashMu.Unlock()
	return nil
}

// Recover is deferred at goroutine boundaries. It logs a panic with its
// stack and writes a crash dump when a crash dir is set. The goroutine
// returns normally afterwards.
//
//	defer logging.Recover(logger, "relay dispatch")
func Recover(logger *slog.Logger, where string) {
	if v := recover(); v != nil {
		HandlePanic(logger, where, v)
	}
}

// HandlePanic records a recovered panic value.
func HandlePanic(logger *slog.Logger, where string, v any) CrashReport {
	if logger == nil {
		logger = slog.Default()
	}
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Where:        where,
		PanicValue:   fmt.Sprint(v),
		StackTrace:   string(debug.Stack()),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
	}
	logger.Error("recovered panic", "where", where, "panic", report.PanicValue, "stack", report.StackTrace)

	if err := writeCrashDump(report); err != nil {
		logger.Warn("crash dump failed", "error", err)
	}
	return report
}

func writeCrashDump(report CrashReport) error {
	crashMu.Lock()
	defer crashMu.Unlock()
	if crashDir == "" {
		return nil
	}
	crashSeq++
	name := fmt.Sprintf("crash-%s-%03d.json", report.Timestamp.Format("20060102-150405"), crashSeq)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}
	return os.WriteFile(filepath.Join(crashDir, name), data, 0640)
}

// CrashReports reads the dumps in dir, oldest first.
func CrashReports(dir string) ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	reports := make([]CrashReport, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}
