package engine

import "errors"

// Errors
var (
	ErrAlreadyRunning = errors.New("engine: already running")
	ErrNotRunning     = errors.New("engine: not running")
	ErrNoStore        = errors.New("engine: a store is required")
	ErrNoSources      = errors.New("engine: no detection source could be started")
)
