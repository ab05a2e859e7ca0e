package elevevent

import (
	"time"

	"github.com/skyrise-ops/elevcore/internal/elevconsts"
)

// CarEvent is one message on a car actor's outbound event stream.
//
// Golang doesnt support union types, so we wrap one of the structs below.
type CarEvent struct {
	Value any
}

// Transition is emitted on every state change, timestamped for the activity
// timeline.
type Transition struct {
	CarID     string
	From      elevconsts.CarState
	To        elevconsts.CarState
	Floor     int
	Direction elevconsts.Dirn
	At        time.Time
}

// Fault is emitted when the car detects a condition that should become an
// incident (stuck door, overload rejection, telemetry gap).
type Fault struct {
	CarID    string
	Type     string
	Severity elevconsts.Severity
	At       time.Time
}

// HallCallsServed is emitted when the car opens its doors at a floor with
// assigned hall calls. The named calls are considered served from this point.
type HallCallsServed struct {
	CarID   string
	CallIDs []string
	Floor   int
	At      time.Time
}

// Snapshot is published after every processed inbox message so the dispatcher
// always scores against fresh state.
type Snapshot struct {
	State elevconsts.CarSnapshot
}

func (e *CarEvent) EventType() string {
	switch e.Value.(type) {
	case Transition:
		return "Transition"
	case Fault:
		return "Fault"
	case HallCallsServed:
		return "HallCallsServed"
	case Snapshot:
		return "Snapshot"
	default:
		return "UnknownEvent"
	}
}
