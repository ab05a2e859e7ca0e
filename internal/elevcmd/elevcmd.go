package elevcmd

import (
	"github.com/skyrise-ops/elevcore/internal/elevconsts"
)

// CarCommand is one message on a car actor's inbox.
//
// Golang doesnt support union types, so we wrap one of the structs below.
type CarCommand struct {
	Value any
}

// AddCarCall registers a destination request from inside the car.
type AddCarCall struct {
	Floor int
}

// AddHallCall merges an assigned hall call into the car's queue.
// Only the dispatcher sends this.
type AddHallCall struct {
	CallID    string
	Floor     int
	Direction elevconsts.Dirn
}

// RemoveHallCall withdraws a previously assigned hall call.
type RemoveHallCall struct {
	CallID string
}

// SetLoad delivers the external load measurement in percent.
type SetLoad struct {
	Percent int
}

// SetObstruction delivers the door obstruction sensor state. Active-high.
type SetObstruction struct {
	Value bool
}

// FloorArrival delivers a floor sensor reading from telemetry.
type FloorArrival struct {
	Floor int
}

// Heartbeat is a liveness-only telemetry frame.
type Heartbeat struct {
}

// SetMode is the administrator command entering Inspection or OutOfService.
type SetMode struct {
	Mode elevconsts.Mode
}

// Reset is the explicit administrator reset back to Normal/Idle.
type Reset struct {
}

// SnapshotRequest asks the actor for its current state.
type SnapshotRequest struct {
	Reply chan<- elevconsts.CarSnapshot
}

func (c *CarCommand) CommandType() string {
	switch c.Value.(type) {
	case AddCarCall:
		return "AddCarCall"
	case AddHallCall:
		return "AddHallCall"
	case RemoveHallCall:
		return "RemoveHallCall"
	case SetLoad:
		return "SetLoad"
	case SetObstruction:
		return "SetObstruction"
	case FloorArrival:
		return "FloorArrival"
	case Heartbeat:
		return "Heartbeat"
	case SetMode:
		return "SetMode"
	case Reset:
		return "Reset"
	case SnapshotRequest:
		return "SnapshotRequest"
	default:
		return "UnknownCommand"
	}
}
