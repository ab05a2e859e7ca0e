package elevconsts

import "time"

type Dirn int

const (
	Down Dirn = -1
	Stop Dirn = 0 // no committed direction (idle)
	Up   Dirn = 1
)

func (d Dirn) String() string {
	switch d {
	case Up:
		return "Up"
	case Down:
		return "Down"
	case Stop:
		return "Idle"
	default:
		return "Undefined"
	}
}

type CarState int

const (
	Idle CarState = iota
	MovingUp
	MovingDown
	DoorOpening
	DoorOpen
	DoorClosing
	OutOfService
	Diagnostic
)

func (s CarState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case MovingUp:
		return "MovingUp"
	case MovingDown:
		return "MovingDown"
	case DoorOpening:
		return "DoorOpening"
	case DoorOpen:
		return "DoorOpen"
	case DoorClosing:
		return "DoorClosing"
	case OutOfService:
		return "OutOfService"
	case Diagnostic:
		return "Diagnostic"
	default:
		return "Undefined"
	}
}

// Moving reports whether the car is travelling between floors.
func (s CarState) Moving() bool {
	return s == MovingUp || s == MovingDown
}

// Door maps the FSM state onto the door phase reported in snapshots.
// The door is closed in every state that is not part of a door cycle.
func (s CarState) Door() DoorPhase {
	switch s {
	case DoorOpening:
		return Opening
	case DoorOpen:
		return Opened
	case DoorClosing:
		return Closing
	default:
		return Closed
	}
}

type DoorPhase int

const (
	Closed DoorPhase = iota
	Opening
	Opened
	Closing
)

func (p DoorPhase) String() string {
	switch p {
	case Closed:
		return "Closed"
	case Opening:
		return "Opening"
	case Opened:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return "Undefined"
	}
}

type Mode int

const (
	ModeNormal Mode = iota
	ModeInspection
	ModeOutOfService
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeInspection:
		return "Inspection"
	case ModeOutOfService:
		return "OutOfService"
	default:
		return "Undefined"
	}
}

type Severity int

const (
	Critical Severity = iota
	Warning
	Info
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "Critical"
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	default:
		return "Undefined"
	}
}

// CarSnapshot is the read-only view of a car published after every processed
// message. The dispatcher scores candidates from these; it never touches car
// state directly.
type CarSnapshot struct {
	CarID     string    `json:"carId"`
	BankID    string    `json:"bankId"`
	Floor     int       `json:"floor"`
	Direction Dirn      `json:"direction"`
	State     CarState  `json:"state"`
	Door      DoorPhase `json:"doorState"`
	Mode      Mode      `json:"mode"`
	Load      int       `json:"load"`
	Queue     []int     `json:"queue"`
	HallCalls []string  `json:"hallCalls"`
	At        time.Time `json:"at"`
}

// HallCall is a lobby request for a direction, not yet bound to a destination.
// AssignedCar is written only by the dispatcher and is empty until dispatched.
type HallCall struct {
	ID          string    `json:"id"`
	Floor       int       `json:"floor"`
	Direction   Dirn      `json:"direction"`
	CreatedAt   time.Time `json:"createdAt"`
	AssignedCar string    `json:"assignedCar,omitempty"`
	SubjectID   string    `json:"subjectId,omitempty"`
}
