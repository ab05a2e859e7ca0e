package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/access"
	"github.com/skyrise-ops/elevcore/internal/alarm"
	"github.com/skyrise-ops/elevcore/internal/car"
	"github.com/skyrise-ops/elevcore/internal/config"
	"github.com/skyrise-ops/elevcore/internal/dispatch"
	"github.com/skyrise-ops/elevcore/internal/elevcmd"
	"github.com/skyrise-ops/elevcore/internal/elevconsts"
	"github.com/skyrise-ops/elevcore/internal/elevevent"
	"github.com/skyrise-ops/elevcore/internal/logger"
)

var (
	ErrUnknownCar     = errors.New("unknown car")
	ErrCarUnavailable = errors.New("car transiently unavailable")
	ErrBadRequest     = errors.New("bad request")
)

// Bank aggregates the cars sharing one shaft group and hall-call pool. It
// exposes the operation surface, routes car events to the dispatcher and the
// alarm engine, and is the only component that talks to car inboxes.
type Bank struct {
	cfg        config.Config
	gate       *access.Gate
	alarms     *alarm.Engine
	dispatcher *dispatch.Dispatcher
	cars       map[string]*car.Car
	order      []string
	log        zerolog.Logger
}

func New(cfg config.Config, gate *access.Gate, alarms *alarm.Engine) *Bank {
	b := &Bank{
		cfg:    cfg,
		gate:   gate,
		alarms: alarms,
		cars:   make(map[string]*car.Car, len(cfg.Cars)),
		log:    logger.GetLogger().With().Str("component", "bank").Str("bank", cfg.BankID).Logger(),
	}
	for _, cc := range cfg.Cars {
		b.cars[cc.ID] = car.New(car.Config{
			ID:                cc.ID,
			BankID:            cfg.BankID,
			MinFloor:          cfg.MinFloor,
			MaxFloor:          cfg.MaxFloor,
			InitialFloor:      cc.InitialFloor,
			DoorDwell:         cfg.DoorDwell.D(),
			DoorOpenHold:      cfg.DoorOpenHold.D(),
			DoorStuckTimeout:  cfg.DoorStuckTimeout.D(),
			HeartbeatTimeout:  cfg.HeartbeatTimeout.D(),
			OverloadThreshold: cfg.OverloadThreshold,
			InboxDepth:        cfg.CarInboxDepth,
		})
		b.order = append(b.order, cc.ID)
		alarms.RegisterUnit(cc.ID)
	}
	alarms.RegisterUnit(cfg.BankID)

	b.dispatcher = dispatch.New(dispatch.Config{
		BankID:              cfg.BankID,
		OverloadThreshold:   cfg.OverloadThreshold,
		IdleDispatchPenalty: cfg.IdleDispatchPenalty,
		StarvationWait:      cfg.StarvationWait.D(),
	}, b, b)
	return b
}

// Run starts every car actor, its event forwarder, and the dispatcher.
func (b *Bank) Run(ctx context.Context) {
	for _, id := range b.order {
		c := b.cars[id]
		go c.Run(ctx)
		go b.forwardEvents(ctx, c)
	}
	go b.dispatcher.Run(ctx)
	b.log.Info().Str("building", b.cfg.BuildingID).Int("cars", len(b.order)).Msg("bank running")
}

// forwardEvents routes one car's event stream: snapshots and served calls to
// the dispatcher, faults to the alarm engine, transitions to the activity
// log.
func (b *Bank) forwardEvents(ctx context.Context, c *car.Car) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			switch v := ev.Value.(type) {
			case elevevent.Snapshot:
				b.dispatcher.UpdateCar(v.State)
			case elevevent.HallCallsServed:
				b.dispatcher.MarkServed(v.CarID, v.CallIDs)
			case elevevent.Fault:
				if _, err := b.alarms.Raise(v.CarID, v.Type, v.Severity); err != nil {
					b.log.Error().Err(err).Str("car", v.CarID).Msg("fault not recorded")
				}
			case elevevent.Transition:
				b.log.Info().
					Str("car", v.CarID).
					Str("from", v.From.String()).
					Str("to", v.To.String()).
					Int("floor", v.Floor).
					Time("at", v.At).
					Msg("car transition")
			}
		}
	}
}

// TryAddHallCall implements dispatch.CarGateway with a non-blocking send.
func (b *Bank) TryAddHallCall(carID, callID string, floor int, dirn elevconsts.Dirn) bool {
	c, ok := b.cars[carID]
	if !ok {
		return false
	}
	return c.TrySend(elevcmd.CarCommand{Value: elevcmd.AddHallCall{
		CallID:    callID,
		Floor:     floor,
		Direction: dirn,
	}})
}

// RemoveHallCall implements dispatch.CarGateway.
func (b *Bank) RemoveHallCall(carID, callID string) bool {
	c, ok := b.cars[carID]
	if !ok {
		return false
	}
	return c.TrySend(elevcmd.CarCommand{Value: elevcmd.RemoveHallCall{CallID: callID}})
}

// RaiseFault implements dispatch.FaultSink.
func (b *Bank) RaiseFault(unitID, faultType string, sev elevconsts.Severity) {
	if _, err := b.alarms.Raise(unitID, faultType, sev); err != nil {
		b.log.Error().Err(err).Str("unit", unitID).Msg("fault not recorded")
	}
}

// RequestHallCall gates and then dispatches a lobby request. On Allow the
// returned id can be used to withdraw the call.
func (b *Bank) RequestHallCall(floor int, dirn elevconsts.Dirn, subjectID string, groups []string) (string, access.Decision, error) {
	if dirn != elevconsts.Up && dirn != elevconsts.Down {
		return "", access.Decision{}, fmt.Errorf("%w: hall call needs a direction", ErrBadRequest)
	}
	if floor < b.cfg.MinFloor || floor > b.cfg.MaxFloor {
		return "", access.Decision{}, fmt.Errorf("%w: floor %d outside [%d,%d]",
			ErrBadRequest, floor, b.cfg.MinFloor, b.cfg.MaxFloor)
	}
	dec := b.gate.Check(subjectID, groups, b.cfg.FloorLabel(floor), time.Now())
	if !dec.Allowed {
		return "", dec, nil
	}
	hc := elevconsts.HallCall{
		ID:        uuid.NewString(),
		Floor:     floor,
		Direction: dirn,
		CreatedAt: time.Now(),
		SubjectID: subjectID,
	}
	b.dispatcher.Submit(hc)
	return hc.ID, dec, nil
}

// RequestCarCall gates a destination request and forwards it to the car.
func (b *Bank) RequestCarCall(carID string, floor int, subjectID string, groups []string) (access.Decision, error) {
	c, ok := b.cars[carID]
	if !ok {
		return access.Decision{}, fmt.Errorf("%w: %s", ErrUnknownCar, carID)
	}
	if floor < b.cfg.MinFloor || floor > b.cfg.MaxFloor {
		return access.Decision{}, fmt.Errorf("%w: floor %d outside [%d,%d]",
			ErrBadRequest, floor, b.cfg.MinFloor, b.cfg.MaxFloor)
	}
	dec := b.gate.Check(subjectID, groups, b.cfg.FloorLabel(floor), time.Now())
	if !dec.Allowed {
		return dec, nil
	}
	if !c.TrySend(elevcmd.CarCommand{Value: elevcmd.AddCarCall{Floor: floor}}) {
		return dec, fmt.Errorf("%w: %s", ErrCarUnavailable, carID)
	}
	return dec, nil
}

// CancelHallCall withdraws a call; a no-op once the call is served.
func (b *Bank) CancelHallCall(callID string) {
	b.dispatcher.Cancel(callID)
}

// GetCarSnapshot reads one car's state through its actor.
func (b *Bank) GetCarSnapshot(carID string) (elevconsts.CarSnapshot, error) {
	c, ok := b.cars[carID]
	if !ok {
		return elevconsts.CarSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownCar, carID)
	}
	reply := make(chan elevconsts.CarSnapshot, 1)
	if !c.TrySend(elevcmd.CarCommand{Value: elevcmd.SnapshotRequest{Reply: reply}}) {
		return elevconsts.CarSnapshot{}, fmt.Errorf("%w: %s", ErrCarUnavailable, carID)
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-time.After(time.Second):
		return elevconsts.CarSnapshot{}, fmt.Errorf("%w: %s: snapshot timeout", ErrCarUnavailable, carID)
	}
}

// SetCarMode is the operator command entering Inspection or OutOfService.
func (b *Bank) SetCarMode(carID string, mode elevconsts.Mode) error {
	c, ok := b.cars[carID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCar, carID)
	}
	if !c.TrySend(elevcmd.CarCommand{Value: elevcmd.SetMode{Mode: mode}}) {
		return fmt.Errorf("%w: %s", ErrCarUnavailable, carID)
	}
	return nil
}

// ResetCar returns a held car to Normal/Idle.
func (b *Bank) ResetCar(carID string) error {
	c, ok := b.cars[carID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCar, carID)
	}
	if !c.TrySend(elevcmd.CarCommand{Value: elevcmd.Reset{}}) {
		return fmt.Errorf("%w: %s", ErrCarUnavailable, carID)
	}
	return nil
}

// Deliver pushes a telemetry-sourced command into a car's inbox.
func (b *Bank) Deliver(carID string, cmd elevcmd.CarCommand) error {
	c, ok := b.cars[carID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCar, carID)
	}
	if !c.TrySend(cmd) {
		return fmt.Errorf("%w: %s", ErrCarUnavailable, carID)
	}
	return nil
}

// CarIDs lists the bank's cars in provisioning order.
func (b *Bank) CarIDs() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}
