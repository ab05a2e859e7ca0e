package car

import (
	"sort"

	"github.com/skyrise-ops/elevcore/internal/elevconsts"
)

type dirnStatePair struct {
	dirn  elevconsts.Dirn
	state elevconsts.CarState
}

func (c *Car) hasTarget(floor int) bool {
	if c.carCalls[floor] {
		return true
	}
	for _, h := range c.hallCalls {
		if h.floor == floor {
			return true
		}
	}
	return false
}

func (c *Car) hasAnyTarget() bool {
	if len(c.carCalls) > 0 || len(c.hallCalls) > 0 {
		return true
	}
	return false
}

func (c *Car) targetsAbove() bool {
	for f := c.floor + 1; f <= c.cfg.MaxFloor; f++ {
		if c.hasTarget(f) {
			return true
		}
	}
	return false
}

func (c *Car) targetsBelow() bool {
	for f := c.cfg.MinFloor; f < c.floor; f++ {
		if c.hasTarget(f) {
			return true
		}
	}
	return false
}

func (c *Car) targetHere() bool {
	return c.hasTarget(c.floor)
}

func (c *Car) hallCallHere(dirn elevconsts.Dirn) bool {
	for _, h := range c.hallCalls {
		if h.floor == c.floor && h.dirn == dirn {
			return true
		}
	}
	return false
}

// chooseDirection picks the next state, staying committed to the current
// direction until it holds no more targets. Reversal only happens when the
// committed direction is exhausted, which prevents direction oscillation.
func (c *Car) chooseDirection() dirnStatePair {
	switch c.dirn {
	case elevconsts.Up:
		if c.targetsAbove() {
			return dirnStatePair{elevconsts.Up, elevconsts.MovingUp}
		} else if c.targetHere() {
			return dirnStatePair{elevconsts.Down, elevconsts.DoorOpening}
		} else if c.targetsBelow() {
			return dirnStatePair{elevconsts.Down, elevconsts.MovingDown}
		}
		return dirnStatePair{elevconsts.Stop, elevconsts.Idle}

	case elevconsts.Down:
		if c.targetsBelow() {
			return dirnStatePair{elevconsts.Down, elevconsts.MovingDown}
		} else if c.targetHere() {
			return dirnStatePair{elevconsts.Up, elevconsts.DoorOpening}
		} else if c.targetsAbove() {
			return dirnStatePair{elevconsts.Up, elevconsts.MovingUp}
		}
		return dirnStatePair{elevconsts.Stop, elevconsts.Idle}

	default:
		if c.targetHere() {
			return dirnStatePair{elevconsts.Stop, elevconsts.DoorOpening}
		} else if c.nearestIsAbove() {
			return dirnStatePair{elevconsts.Up, elevconsts.MovingUp}
		} else if c.targetsBelow() {
			return dirnStatePair{elevconsts.Down, elevconsts.MovingDown}
		}
		return dirnStatePair{elevconsts.Stop, elevconsts.Idle}
	}
}

// nearestIsAbove reports whether the nearest target overall lies above the
// current floor. Used only with no committed direction.
func (c *Car) nearestIsAbove() bool {
	if !c.targetsAbove() {
		return false
	}
	if !c.targetsBelow() {
		return true
	}
	up := 0
	for f := c.floor + 1; f <= c.cfg.MaxFloor; f++ {
		if c.hasTarget(f) {
			up = f - c.floor
			break
		}
	}
	down := 0
	for f := c.floor - 1; f >= c.cfg.MinFloor; f-- {
		if c.hasTarget(f) {
			down = c.floor - f
			break
		}
	}
	return up <= down
}

// shouldStopHere decides whether an arrival floor interrupts travel: a car
// call here, a hall call here in the committed direction, or nothing left
// further along the committed direction.
func (c *Car) shouldStopHere() bool {
	switch c.dirn {
	case elevconsts.Down:
		return c.carCalls[c.floor] ||
			c.hallCallHere(elevconsts.Down) ||
			!c.targetsBelow()
	case elevconsts.Up:
		return c.carCalls[c.floor] ||
			c.hallCallHere(elevconsts.Up) ||
			!c.targetsAbove()
	default:
		return true
	}
}

// clearAtFloor removes the targets served by opening the doors here and
// returns the ids of served hall calls, in stable order.
func (c *Car) clearAtFloor() []string {
	delete(c.carCalls, c.floor)

	var served []string
	for id, h := range c.hallCalls {
		if h.floor != c.floor {
			continue
		}
		if h.dirn == c.dirn || c.dirn == elevconsts.Stop {
			served = append(served, id)
			delete(c.hallCalls, id)
		}
	}

	// Direction exhausted: opposite-direction calls at this floor board too,
	// the car will reverse for them.
	exhausted := (c.dirn == elevconsts.Up && !c.targetsAbove()) ||
		(c.dirn == elevconsts.Down && !c.targetsBelow())
	if exhausted {
		for id, h := range c.hallCalls {
			if h.floor == c.floor {
				served = append(served, id)
				delete(c.hallCalls, id)
			}
		}
	}
	sort.Strings(served)
	return served
}
