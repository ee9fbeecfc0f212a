// Package voice interprets recognized speech and escalates repeated
// unauthorized voices. Recognition itself happens elsewhere; this package
// only sees the recognized text and the authorization verdict.
package voice

import (
	"log/slog"
	"strings"
	"sync"
)

// MaxUnauthorizedAttempts is the number of consecutive unauthorized
// results that trigger an escalation.
const MaxUnauthorizedAttempts = 3

// Command is an interpreted voice command.
type Command int

const (
	CommandNone Command = iota
	CommandPause
	CommandResume
)

func (c Command) String() string {
	switch c {
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	default:
		return "none"
	}
}

// Interpret maps recognized text to a command. "disable" and "turn off"
// take precedence over "enable" and "turn on".
func Interpret(text string) Command {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "disable") || strings.Contains(t, "turn off"):
		return CommandPause
	case strings.Contains(t, "enable") || strings.Contains(t, "turn on"):
		return CommandResume
	default:
		return CommandNone
	}
}

// Callback is the collaborator contract of a voice recognizer.
type Callback interface {
	OnVoiceDetected(text string)
	OnUnauthorizedVoice()
}

// Listener starts and stops a recognition session. Each recognized
// utterance is passed to fn with the recognizer's authorization verdict.
type Listener interface {
	StartListening(fn func(text string, authorized bool)) error
	StopListening()
}

// Hooks receive the gate's effects.
type Hooks struct {
	// Paused is called when a command changes the warnings-paused flag.
	Paused func(paused bool)
	// Unauthorized is called on every escalation.
	Unauthorized func()
}

// Gate implements Callback and tracks consecutive unauthorized results.
type Gate struct {
	mu        sync.Mutex
	enabled   bool
	failures  int
	listening bool

	listener Listener
	hooks    Hooks
	logger   *slog.Logger
}

// NewGate creates a gate. enabled mirrors the voice_auth_enabled preference.
func NewGate(enabled bool, listener Listener, hooks Hooks, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{enabled: enabled, listener: listener, hooks: hooks, logger: logger}
}

// SetEnabled toggles voice authorization.
func (g *Gate) SetEnabled(on bool) {
	g.mu.Lock()
	g.enabled = on
	g.failures = 0
	g.mu.Unlock()
}

// Enabled reports whether voice authorization is on.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Listening reports whether a recognition session is active.
func (g *Gate) Listening() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listening
}

// Observe handles one recognition result with its authorization verdict.
// With authorization disabled every result counts as authorized.
func (g *Gate) Observe(text string, authorized bool) {
	if strings.TrimSpace(text) == "" {
		return
	}

	g.mu.Lock()
	if !g.enabled {
		authorized = true
	}
	if authorized {
		g.failures = 0
		g.mu.Unlock()
		g.OnVoiceDetected(text)
		return
	}
	g.failures++
	n := g.failures
	g.mu.Unlock()

	g.logger.Warn("unauthorized voice", "consecutive", n)
	if n >= MaxUnauthorizedAttempts {
		g.OnUnauthorizedVoice()
	}
}

// OnVoiceDetected applies an authorized utterance.
func (g *Gate) OnVoiceDetected(text string) {
	switch Interpret(text) {
	case CommandPause:
		g.logger.Info("voice command", "command", "pause")
		if g.hooks.Paused != nil {
			g.hooks.Paused(true)
		}
	case CommandResume:
		g.logger.Info("voice command", "command", "resume")
		if g.hooks.Paused != nil {
			g.hooks.Paused(false)
		}
	}
}

// OnUnauthorizedVoice escalates.
func (g *Gate) OnUnauthorizedVoice() {
	if g.hooks.Unauthorized != nil {
		g.hooks.Unauthorized()
	}
}

// Listen starts or stops a recognition session. Starting is a no-op when
// authorization is disabled or a session is already active.
func (g *Gate) Listen(on bool) {
	g.mu.Lock()
	if g.listener == nil || on == g.listening || (on && !g.enabled) {
		g.mu.Unlock()
		return
	}
	g.listening = on
	g.mu.Unlock()

	if !on {
		g.listener.StopListening()
		g.logger.Info("voice recognition stopped")
		return
	}
	if err := g.listener.StartListening(g.Observe); err != nil {
		g.mu.Lock()
		g.listening = false
		g.mu.Unlock()
		g.logger.Warn("voice recognition unavailable", "error", err)
		return
	}
	g.logger.Info("voice recognition started")
}
