// Package alert formats alert events and relays them to the local notifier
// and the companion device.
package alert

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel carries alert payloads from the phone to the companion.
const Channel = "/protector/alert"

// Kind identifies an alert.
type Kind string

const (
	TheftDetected     Kind = "THEFT_DETECTED"
	ProximityBreach   Kind = "PROXIMITY_BREACH"
	GeofenceExit      Kind = "GEOFENCE_EXIT"
	UnauthorizedVoice Kind = "UNAUTHORIZED_VOICE"
	StatusUpdate      Kind = "STATUS_UPDATE"
	WatchOnBody       Kind = "WATCH_ON_BODY"
	WatchOffBody      Kind = "WATCH_OFF_BODY"
	Unknown           Kind = "UNKNOWN"
)

// Kinds lists every kind the relay emits.
var Kinds = []Kind{
	TheftDetected, ProximityBreach, GeofenceExit, UnauthorizedVoice,
	StatusUpdate, WatchOnBody, WatchOffBody,
}

// Status messages.
const (
	StatusEnabled  = "Protection enabled"
	StatusDisabled = "Protection disabled"
)

// Priority is the notifier priority.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityMax
)

func (p Priority) String() string {
	switch p {
	case PriorityMax:
		return "max"
	case PriorityHigh:
		return "high"
	default:
		return "default"
	}
}

// DefaultMessage is used when an event is created without a message.
func DefaultMessage(k Kind) string {
	switch k {
	case TheftDetected:
		return "Device is being moved away!"
	case ProximityBreach:
		return "Don't forget your device"
	case GeofenceExit:
		return "Device left safe zone"
	case UnauthorizedVoice:
		return "Unauthorized voice detected"
	case WatchOnBody:
		return "Watch is being worn"
	case WatchOffBody:
		return "Watch was removed"
	default:
		return "Alert: " + string(k)
	}
}

// Title returns the notification title for a kind.
func Title(k Kind) string {
	switch k {
	case TheftDetected:
		return "Theft Alert!"
	case ProximityBreach:
		return "Device Warning"
	case GeofenceExit:
		return "Geofence Alert"
	case UnauthorizedVoice:
		return "Unauthorized Voice"
	case WatchOnBody, WatchOffBody:
		return "Watch Status"
	default:
		return "Protector Alert"
	}
}

// PriorityFor returns the notification priority for a kind.
func PriorityFor(k Kind) Priority {
	switch k {
	case TheftDetected:
		return PriorityMax
	case ProximityBreach, GeofenceExit, UnauthorizedVoice:
		return PriorityHigh
	default:
		return PriorityDefault
	}
}

// Event is a single alert. It is consumed once by the relay.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event, filling in the default message when empty.
func NewEvent(k Kind, message string) Event {
	if message == "" {
		message = DefaultMessage(k)
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      k,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Payload returns the companion wire form "<KIND>|<message>".
func (e Event) Payload() []byte {
	return []byte(string(e.Kind) + "|" + e.Message)
}

// ParsePayload decodes the companion wire form. A missing message becomes
// "Alert received" and an empty kind becomes Unknown.
func ParsePayload(data []byte) (Kind, string) {
	kind, msg, found := strings.Cut(string(data), "|")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = string(Unknown)
	}
	if !found {
		msg = "Alert received"
	}
	return Kind(kind), msg
}
