package car

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/elevcmd"
	"github.com/skyrise-ops/elevcore/internal/elevconsts"
	"github.com/skyrise-ops/elevcore/internal/elevevent"
	"github.com/skyrise-ops/elevcore/internal/logger"
)

const (
	FaultDoorStuck    = "door_stuck"
	FaultOverload     = "overload_rejected"
	FaultTelemetryGap = "telemetry_gap"
)

type Config struct {
	ID           string
	BankID       string
	MinFloor     int
	MaxFloor     int
	InitialFloor int

	DoorDwell        time.Duration // opening/closing travel time
	DoorOpenHold     time.Duration
	DoorStuckTimeout time.Duration // budget for one whole door cycle
	HeartbeatTimeout time.Duration

	OverloadThreshold int
	InboxDepth        int
}

type hallRef struct {
	id    string
	floor int
	dirn  elevconsts.Dirn
}

// Car is one elevator's sequential actor. It owns its state exclusively and
// processes one inbox message at a time; nothing else ever mutates it.
type Car struct {
	cfg Config
	log zerolog.Logger

	inbox  chan elevcmd.CarCommand
	events chan elevevent.CarEvent

	state      elevconsts.CarState
	mode       elevconsts.Mode
	dirn       elevconsts.Dirn
	floor      int
	load       int
	obstructed bool

	carCalls  map[int]bool
	hallCalls map[string]hallRef

	doorTimer   *time.Timer
	doorTimerC  <-chan time.Time
	stuckTimer  *time.Timer
	stuckTimerC <-chan time.Time
	hbTimer     *time.Timer
	hbWarned    bool
}

func New(cfg Config) *Car {
	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = 32
	}
	return &Car{
		cfg:       cfg,
		log:       logger.GetLogger().With().Str("component", "car").Str("car", cfg.ID).Logger(),
		inbox:     make(chan elevcmd.CarCommand, cfg.InboxDepth),
		events:    make(chan elevevent.CarEvent, 64),
		state:     elevconsts.Idle,
		mode:      elevconsts.ModeNormal,
		dirn:      elevconsts.Stop,
		floor:     cfg.InitialFloor,
		carCalls:  make(map[int]bool),
		hallCalls: make(map[string]hallRef),
	}
}

func (c *Car) ID() string {
	return c.cfg.ID
}

// TrySend offers a command to the inbox without blocking. A false return
// means the inbox is full and the car should be treated as transiently
// unavailable.
func (c *Car) TrySend(cmd elevcmd.CarCommand) bool {
	select {
	case c.inbox <- cmd:
		return true
	default:
		return false
	}
}

// Events is the car's outbound stream (transitions, faults, served calls,
// snapshots). The consumer must keep draining it.
func (c *Car) Events() <-chan elevevent.CarEvent {
	return c.events
}

// Run processes the inbox and timers until ctx is cancelled. Events are
// processed strictly in arrival order.
func (c *Car) Run(ctx context.Context) {
	c.hbTimer = time.NewTimer(c.cfg.HeartbeatTimeout)
	defer c.hbTimer.Stop()
	defer c.stopDoorTimer()
	defer c.stopStuckTimer()

	c.log.Info().Int("floor", c.floor).Msg("car actor started")
	c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.inbox:
			c.handleCommand(cmd)
			c.publishSnapshot()
		case <-c.doorTimerC:
			c.doorTimerC = nil
			c.handleDoorTimer()
			c.publishSnapshot()
		case <-c.stuckTimerC:
			c.stuckTimerC = nil
			c.stuckTimer = nil
			c.handleDoorStuck()
			c.publishSnapshot()
		case <-c.hbTimer.C:
			c.handleHeartbeatTimeout()
			c.hbTimer.Reset(c.cfg.HeartbeatTimeout)
		}
	}
}

func (c *Car) handleCommand(cmd elevcmd.CarCommand) {
	switch v := cmd.Value.(type) {
	case elevcmd.AddCarCall:
		c.handleAddCarCall(v.Floor)
	case elevcmd.AddHallCall:
		c.handleAddHallCall(v)
	case elevcmd.RemoveHallCall:
		delete(c.hallCalls, v.CallID)
	case elevcmd.SetLoad:
		c.load = clamp(v.Percent, 0, 100)
		c.resetHeartbeat()
	case elevcmd.SetObstruction:
		c.resetHeartbeat()
		c.handleObstruction(v.Value)
	case elevcmd.FloorArrival:
		c.resetHeartbeat()
		c.handleFloorArrival(v.Floor)
	case elevcmd.Heartbeat:
		c.resetHeartbeat()
	case elevcmd.SetMode:
		c.handleSetMode(v.Mode)
	case elevcmd.Reset:
		c.handleReset()
	case elevcmd.SnapshotRequest:
		select {
		case v.Reply <- c.snapshot():
		default:
		}
	default:
		c.log.Error().Str("command", cmd.CommandType()).Msg("unknown command dropped")
	}
}

func (c *Car) handleAddCarCall(floor int) {
	if c.mode != elevconsts.ModeNormal {
		c.log.Debug().Int("floor", floor).Msg("car call ignored, not in normal mode")
		return
	}
	if floor < c.cfg.MinFloor || floor > c.cfg.MaxFloor {
		c.log.Error().Int("floor", floor).Msg("car call outside floor range")
		return
	}
	if c.load >= c.cfg.OverloadThreshold {
		c.log.Warn().Int("floor", floor).Int("load", c.load).Msg("car call rejected, overloaded")
		c.emitFault(FaultOverload, elevconsts.Warning)
		return
	}
	if c.state == elevconsts.DoorOpen && floor == c.floor {
		// Passenger re-pressing the current floor holds the door.
		c.armDoorTimer(c.cfg.DoorOpenHold)
		return
	}
	c.carCalls[floor] = true
	c.wakeIfIdle()
}

func (c *Car) handleAddHallCall(v elevcmd.AddHallCall) {
	if c.mode != elevconsts.ModeNormal {
		c.log.Debug().Str("call", v.CallID).Msg("hall call ignored, not in normal mode")
		return
	}
	// Idempotent: re-adding the same call overwrites the same entry.
	c.hallCalls[v.CallID] = hallRef{id: v.CallID, floor: v.Floor, dirn: v.Direction}
	c.wakeIfIdle()
}

func (c *Car) handleObstruction(value bool) {
	c.obstructed = value
	if !value {
		return
	}
	switch c.state {
	case elevconsts.DoorOpen:
		// Re-open signal resets the open hold.
		c.armDoorTimer(c.cfg.DoorOpenHold)
	case elevconsts.DoorClosing:
		c.setState(elevconsts.DoorOpening)
		c.armDoorTimer(c.cfg.DoorDwell)
	}
}

func (c *Car) handleFloorArrival(newFloor int) {
	if newFloor < c.cfg.MinFloor || newFloor > c.cfg.MaxFloor {
		c.log.Error().Int("floor", newFloor).Msg("floor sensor outside range, clamping")
		newFloor = clamp(newFloor, c.cfg.MinFloor, c.cfg.MaxFloor)
	}
	c.floor = newFloor

	if !c.state.Moving() {
		return
	}
	if !c.hasAnyTarget() {
		c.dirn = elevconsts.Stop
		c.setState(elevconsts.Idle)
		return
	}
	if c.shouldStopHere() {
		c.beginDoorCycle()
	}
}

func (c *Car) handleSetMode(mode elevconsts.Mode) {
	switch mode {
	case elevconsts.ModeOutOfService:
		c.enterHeldState(elevconsts.OutOfService, elevconsts.ModeOutOfService)
	case elevconsts.ModeInspection:
		c.enterHeldState(elevconsts.Diagnostic, elevconsts.ModeInspection)
	default:
		c.log.Warn().Str("mode", mode.String()).Msg("set-mode to Normal ignored, use Reset")
	}
}

// enterHeldState moves to OutOfService/Diagnostic from any operational state.
// Assigned hall calls are released so the dispatcher re-dispatches them; car
// calls stay queued for after the reset.
func (c *Car) enterHeldState(state elevconsts.CarState, mode elevconsts.Mode) {
	c.stopDoorTimer()
	c.stopStuckTimer()
	c.mode = mode
	c.dirn = elevconsts.Stop
	released := len(c.hallCalls)
	c.hallCalls = make(map[string]hallRef)
	if released > 0 {
		c.log.Info().Int("released", released).Msg("hall calls released on mode change")
	}
	c.setState(state)
}

func (c *Car) handleReset() {
	if c.state != elevconsts.OutOfService && c.state != elevconsts.Diagnostic {
		c.log.Warn().Str("state", c.state.String()).Msg("reset ignored in operational state")
		return
	}
	c.mode = elevconsts.ModeNormal
	c.dirn = elevconsts.Stop
	c.setState(elevconsts.Idle)
	c.wakeIfIdle()
}

func (c *Car) handleDoorTimer() {
	switch c.state {
	case elevconsts.DoorOpening:
		c.setState(elevconsts.DoorOpen)
		c.armDoorTimer(c.cfg.DoorOpenHold)

	case elevconsts.DoorOpen:
		if c.obstructed {
			c.armDoorTimer(c.cfg.DoorOpenHold)
			return
		}
		c.setState(elevconsts.DoorClosing)
		c.armDoorTimer(c.cfg.DoorDwell)

	case elevconsts.DoorClosing:
		// Fully closed; the door cycle is over.
		c.stopStuckTimer()
		pair := c.chooseDirection()
		c.dirn = pair.dirn
		switch pair.state {
		case elevconsts.DoorOpening:
			c.beginDoorCycle()
		case elevconsts.MovingUp, elevconsts.MovingDown:
			c.setState(pair.state)
		default:
			c.dirn = elevconsts.Stop
			c.setState(elevconsts.Idle)
		}
	}
}

func (c *Car) handleDoorStuck() {
	switch c.state {
	case elevconsts.DoorOpening, elevconsts.DoorOpen, elevconsts.DoorClosing:
		c.log.Error().Str("state", c.state.String()).Msg("door cycle exceeded stuck timeout")
		c.emitFault(FaultDoorStuck, elevconsts.Critical)
		c.enterHeldState(elevconsts.OutOfService, elevconsts.ModeOutOfService)
	}
}

func (c *Car) handleHeartbeatTimeout() {
	if c.hbWarned || c.mode != elevconsts.ModeNormal {
		return
	}
	// Keep the last known state rather than failing closed.
	c.log.Warn().Msg("telemetry gap, no sensor input within heartbeat timeout")
	c.emitFault(FaultTelemetryGap, elevconsts.Warning)
	c.hbWarned = true
}

// wakeIfIdle starts motion (or a door cycle) when the car is idle and the
// queue is non-empty.
func (c *Car) wakeIfIdle() {
	if c.state != elevconsts.Idle || c.mode != elevconsts.ModeNormal {
		return
	}
	pair := c.chooseDirection()
	c.dirn = pair.dirn
	switch pair.state {
	case elevconsts.DoorOpening:
		c.beginDoorCycle()
	case elevconsts.MovingUp, elevconsts.MovingDown:
		c.setState(pair.state)
	}
}

// beginDoorCycle enters DoorOpening at the current floor. Targets at this
// floor leave the queue on this transition; assigned hall calls among them
// are reported served.
func (c *Car) beginDoorCycle() {
	c.setState(elevconsts.DoorOpening)
	served := c.clearAtFloor()
	if len(served) > 0 {
		c.emit(elevevent.CarEvent{Value: elevevent.HallCallsServed{
			CarID:   c.cfg.ID,
			CallIDs: served,
			Floor:   c.floor,
			At:      time.Now(),
		}})
	}
	c.armDoorTimer(c.cfg.DoorDwell)
	if c.stuckTimer == nil {
		c.armStuckTimer(c.cfg.DoorStuckTimeout)
	}
}

func (c *Car) setState(to elevconsts.CarState) {
	if to == c.state {
		return
	}
	from := c.state
	c.state = to
	c.log.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("floor", c.floor).
		Str("dirn", c.dirn.String()).
		Msg("transition")
	c.emit(elevevent.CarEvent{Value: elevevent.Transition{
		CarID:     c.cfg.ID,
		From:      from,
		To:        to,
		Floor:     c.floor,
		Direction: c.dirn,
		At:        time.Now(),
	}})
}

func (c *Car) emitFault(faultType string, sev elevconsts.Severity) {
	c.emit(elevevent.CarEvent{Value: elevevent.Fault{
		CarID:    c.cfg.ID,
		Type:     faultType,
		Severity: sev,
		At:       time.Now(),
	}})
}

func (c *Car) publishSnapshot() {
	c.emit(elevevent.CarEvent{Value: elevevent.Snapshot{State: c.snapshot()}})
}

func (c *Car) emit(ev elevevent.CarEvent) {
	c.events <- ev
}

func (c *Car) snapshot() elevconsts.CarSnapshot {
	queueSet := make(map[int]bool, len(c.carCalls)+len(c.hallCalls))
	for f := range c.carCalls {
		queueSet[f] = true
	}
	callIDs := make([]string, 0, len(c.hallCalls))
	for id, h := range c.hallCalls {
		queueSet[h.floor] = true
		callIDs = append(callIDs, id)
	}
	queue := make([]int, 0, len(queueSet))
	for f := range queueSet {
		queue = append(queue, f)
	}
	sort.Ints(queue)
	sort.Strings(callIDs)

	return elevconsts.CarSnapshot{
		CarID:     c.cfg.ID,
		BankID:    c.cfg.BankID,
		Floor:     c.floor,
		Direction: c.dirn,
		State:     c.state,
		Door:      c.state.Door(),
		Mode:      c.mode,
		Load:      c.load,
		Queue:     queue,
		HallCalls: callIDs,
		At:        time.Now(),
	}
}

func (c *Car) armDoorTimer(d time.Duration) {
	c.stopDoorTimer()
	c.doorTimer = time.NewTimer(d)
	c.doorTimerC = c.doorTimer.C
}

func (c *Car) stopDoorTimer() {
	if c.doorTimer != nil {
		c.doorTimer.Stop()
		c.doorTimer = nil
		c.doorTimerC = nil
	}
}

func (c *Car) armStuckTimer(d time.Duration) {
	c.stopStuckTimer()
	c.stuckTimer = time.NewTimer(d)
	c.stuckTimerC = c.stuckTimer.C
}

func (c *Car) stopStuckTimer() {
	if c.stuckTimer != nil {
		c.stuckTimer.Stop()
		c.stuckTimer = nil
		c.stuckTimerC = nil
	}
}

func (c *Car) resetHeartbeat() {
	c.hbWarned = false
	if c.hbTimer == nil {
		return
	}
	if !c.hbTimer.Stop() {
		select {
		case <-c.hbTimer.C:
		default:
		}
	}
	c.hbTimer.Reset(c.cfg.HeartbeatTimeout)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
