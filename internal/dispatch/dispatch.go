package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/elevconsts"
	"github.com/skyrise-ops/elevcore/internal/logger"
)

const FaultStarvation = "dispatch_starvation"

type Config struct {
	BankID              string
	OverloadThreshold   int
	IdleDispatchPenalty int
	StarvationWait      time.Duration
	TickPeriod          time.Duration
}

// CarGateway delivers assignments to car actors. TryAddHallCall must not
// block; a false return marks the car transiently unavailable.
type CarGateway interface {
	TryAddHallCall(carID, callID string, floor int, dirn elevconsts.Dirn) bool
	RemoveHallCall(carID, callID string) bool
}

// FaultSink receives the dispatcher's own incidents (starvation).
type FaultSink interface {
	RaiseFault(unitID, faultType string, sev elevconsts.Severity)
}

// Message is one item on the dispatcher's inbox.
type Message struct {
	Value any
}

type NewCall struct {
	Call elevconsts.HallCall
}

type CancelCall struct {
	ID string
}

type CarUpdate struct {
	Snapshot elevconsts.CarSnapshot
}

type CallsServed struct {
	CarID   string
	CallIDs []string
}

type call struct {
	elevconsts.HallCall
	starved bool
}

// Dispatcher is the single coordinating actor of a bank. It reads car state
// from snapshots only and writes assignments by messaging the target car;
// only the dispatcher ever writes a call's assignment.
type Dispatcher struct {
	cfg     Config
	gateway CarGateway
	faults  FaultSink
	log     zerolog.Logger
	inbox   chan Message

	calls       map[string]*call
	snaps       map[string]elevconsts.CarSnapshot
	unavailable map[string]bool // full inbox on last send, cleared on next snapshot

	// Withdrawals owed to a car whose inbox was full, keyed by car id.
	// Flushed on the car's next snapshot.
	pendingRemovals map[string]map[string]bool
}

func New(cfg Config, gateway CarGateway, faults FaultSink) *Dispatcher {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Second
	}
	return &Dispatcher{
		cfg:             cfg,
		gateway:         gateway,
		faults:          faults,
		log:             logger.GetLogger().With().Str("component", "dispatch").Str("bank", cfg.BankID).Logger(),
		inbox:           make(chan Message, 128),
		calls:           make(map[string]*call),
		snaps:           make(map[string]elevconsts.CarSnapshot),
		unavailable:     make(map[string]bool),
		pendingRemovals: make(map[string]map[string]bool),
	}
}

// Submit registers a new hall call for assignment.
func (d *Dispatcher) Submit(hc elevconsts.HallCall) {
	d.inbox <- Message{Value: NewCall{Call: hc}}
}

// Cancel withdraws a call. Served calls are gone already, so cancelling them
// is a no-op.
func (d *Dispatcher) Cancel(id string) {
	d.inbox <- Message{Value: CancelCall{ID: id}}
}

// UpdateCar feeds a car snapshot into the dispatcher.
func (d *Dispatcher) UpdateCar(snap elevconsts.CarSnapshot) {
	d.inbox <- Message{Value: CarUpdate{Snapshot: snap}}
}

// MarkServed removes calls a car has served.
func (d *Dispatcher) MarkServed(carID string, callIDs []string) {
	d.inbox <- Message{Value: CallsServed{CarID: carID, CallIDs: callIDs}}
}

// Run processes the inbox and the starvation ticker until ctx is cancelled.
// Assignment happens synchronously with the triggering message; the loop
// never blocks on a car actor.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			d.handle(msg)
		case <-ticker.C:
			d.checkStarvation(time.Now())
		}
	}
}

func (d *Dispatcher) handle(msg Message) {
	switch v := msg.Value.(type) {
	case NewCall:
		d.handleNewCall(v.Call)
	case CancelCall:
		d.handleCancel(v.ID)
	case CarUpdate:
		d.handleCarUpdate(v.Snapshot)
	case CallsServed:
		d.handleServed(v.CallIDs)
	default:
		d.log.Error().Msg("unknown dispatcher message dropped")
	}
}

func (d *Dispatcher) handleNewCall(hc elevconsts.HallCall) {
	if _, exists := d.calls[hc.ID]; exists {
		return
	}
	hc.AssignedCar = ""
	d.calls[hc.ID] = &call{HallCall: hc}
	d.dispatchAll()
}

func (d *Dispatcher) handleCancel(id string) {
	c, ok := d.calls[id]
	if !ok {
		// Already served (or never existed): withdrawal is a no-op.
		return
	}
	if c.AssignedCar != "" && !d.gateway.RemoveHallCall(c.AssignedCar, id) {
		// Full inbox: the car still holds the call. The withdrawal stands,
		// so the removal is owed and retried on the car's next snapshot.
		d.queueRemoval(c.AssignedCar, id)
		d.unavailable[c.AssignedCar] = true
		d.log.Warn().Str("car", c.AssignedCar).Str("call", id).Msg("removal deferred, car inbox full")
	}
	delete(d.calls, id)
}

func (d *Dispatcher) queueRemoval(carID, callID string) {
	if d.pendingRemovals[carID] == nil {
		d.pendingRemovals[carID] = make(map[string]bool)
	}
	d.pendingRemovals[carID][callID] = true
}

// flushRemovals retries withdrawals a car could not take earlier. A call the
// car served in the meantime makes the removal a no-op on the car side.
func (d *Dispatcher) flushRemovals(carID string) {
	pending := d.pendingRemovals[carID]
	for id := range pending {
		if d.gateway.RemoveHallCall(carID, id) {
			delete(pending, id)
		} else {
			d.unavailable[carID] = true
		}
	}
	if len(pending) == 0 {
		delete(d.pendingRemovals, carID)
	}
}

func (d *Dispatcher) handleCarUpdate(snap elevconsts.CarSnapshot) {
	d.snaps[snap.CarID] = snap
	delete(d.unavailable, snap.CarID)
	d.flushRemovals(snap.CarID)

	// A car pulled out of Normal mode gives its calls back; they re-enter
	// dispatch immediately.
	if snap.Mode != elevconsts.ModeNormal {
		for _, c := range d.calls {
			if c.AssignedCar == snap.CarID {
				c.AssignedCar = ""
				d.log.Info().Str("call", c.ID).Str("car", snap.CarID).Msg("call unassigned, car left service")
			}
		}
	}
	d.dispatchAll()
}

func (d *Dispatcher) handleServed(callIDs []string) {
	for _, id := range callIDs {
		delete(d.calls, id)
	}
}

// dispatchAll assigns every unassigned call it can, oldest first. Calls with
// no eligible car stay queued for the next state change.
func (d *Dispatcher) dispatchAll() {
	for _, c := range d.sortedUnassigned() {
		d.assign(c)
	}
}

func (d *Dispatcher) sortedUnassigned() []*call {
	var out []*call
	for _, c := range d.calls {
		if c.AssignedCar == "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Dispatcher) assign(c *call) {
	for {
		carID, ok := d.pickCar(c.Floor, c.Direction)
		if !ok {
			return
		}
		if d.gateway.TryAddHallCall(carID, c.ID, c.Floor, c.Direction) {
			c.AssignedCar = carID
			d.log.Info().Str("call", c.ID).Str("car", carID).Int("floor", c.Floor).Msg("call assigned")
			return
		}
		// Full inbox: treat the car as transiently unavailable instead of
		// blocking, and rescore.
		d.unavailable[carID] = true
		d.log.Warn().Str("car", carID).Msg("car inbox full, excluded from scoring")
	}
}

// pickCar scores all eligible cars and returns the cheapest. Ties break on
// fewest currently assigned calls, then lowest car id, so dispatch is
// deterministic for identical inputs.
func (d *Dispatcher) pickCar(floor int, dirn elevconsts.Dirn) (string, bool) {
	ids := make([]string, 0, len(d.snaps))
	for id := range d.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bestID := ""
	bestCost := 0
	bestAssigned := 0
	for _, id := range ids {
		snap := d.snaps[id]
		if snap.Mode != elevconsts.ModeNormal || d.unavailable[id] {
			continue
		}
		if snap.Load >= d.cfg.OverloadThreshold {
			continue
		}
		cost, ok := callCost(snap, floor, dirn, d.cfg.IdleDispatchPenalty)
		if !ok {
			continue
		}
		assigned := d.assignedCount(id)
		if bestID == "" || cost < bestCost || (cost == bestCost && assigned < bestAssigned) {
			bestID, bestCost, bestAssigned = id, cost, assigned
		}
	}
	return bestID, bestID != ""
}

func (d *Dispatcher) assignedCount(carID string) int {
	n := 0
	for _, c := range d.calls {
		if c.AssignedCar == carID {
			n++
		}
	}
	return n
}

// callCost scores one candidate. A car already moving toward the call in the
// call's direction costs its distance; an idle car costs distance plus the
// idle penalty; a car that would pass the floor in the wrong direction is
// excluded; a car moving away pays double the penalty on top of distance.
func callCost(snap elevconsts.CarSnapshot, floor int, dirn elevconsts.Dirn, idlePenalty int) (int, bool) {
	dist := floor - snap.Floor
	if dist < 0 {
		dist = -dist
	}
	switch snap.Direction {
	case elevconsts.Up:
		if floor >= snap.Floor {
			if dirn == elevconsts.Up {
				return dist, true
			}
			return 0, false
		}
		return dist + 2*idlePenalty, true
	case elevconsts.Down:
		if floor <= snap.Floor {
			if dirn == elevconsts.Down {
				return dist, true
			}
			return 0, false
		}
		return dist + 2*idlePenalty, true
	default:
		return dist + idlePenalty, true
	}
}

// checkStarvation raises a Warning once per call that has waited past the
// configured wait without an eligible car. The call itself stays queued.
func (d *Dispatcher) checkStarvation(now time.Time) {
	for _, c := range d.calls {
		if c.AssignedCar != "" || c.starved {
			continue
		}
		if now.Sub(c.CreatedAt) < d.cfg.StarvationWait {
			continue
		}
		c.starved = true
		d.log.Warn().Str("call", c.ID).Int("floor", c.Floor).Msg("dispatch starvation")
		d.faults.RaiseFault(d.cfg.BankID, FaultStarvation, elevconsts.Warning)
	}
}
