package dispatch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/elevconsts"
	"github.com/skyrise-ops/elevcore/internal/logger"
)

type gatewayCall struct {
	carID  string
	callID string
}

type fakeGateway struct {
	added        []gatewayCall
	removed      []gatewayCall
	reject       map[string]bool // car ids whose inbox is "full"
	rejectRemove map[string]bool
}

func (g *fakeGateway) TryAddHallCall(carID, callID string, floor int, dirn elevconsts.Dirn) bool {
	if g.reject[carID] {
		return false
	}
	g.added = append(g.added, gatewayCall{carID: carID, callID: callID})
	return true
}

func (g *fakeGateway) RemoveHallCall(carID, callID string) bool {
	if g.rejectRemove[carID] {
		return false
	}
	g.removed = append(g.removed, gatewayCall{carID: carID, callID: callID})
	return true
}

type fakeFaults struct {
	raised []string
}

func (f *fakeFaults) RaiseFault(unitID, faultType string, sev elevconsts.Severity) {
	f.raised = append(f.raised, unitID+"/"+faultType)
}

func testDispatcher() (*Dispatcher, *fakeGateway, *fakeFaults) {
	_ = logger.GetLoggerConfigured(zerolog.Disabled)
	gw := &fakeGateway{reject: make(map[string]bool), rejectRemove: make(map[string]bool)}
	fs := &fakeFaults{}
	d := New(Config{
		BankID:              "A",
		OverloadThreshold:   80,
		IdleDispatchPenalty: 3,
		StarvationWait:      30 * time.Second,
	}, gw, fs)
	return d, gw, fs
}

func snap(id string, floor int, dirn elevconsts.Dirn, state elevconsts.CarState) elevconsts.CarSnapshot {
	return elevconsts.CarSnapshot{
		CarID:     id,
		BankID:    "A",
		Floor:     floor,
		Direction: dirn,
		State:     state,
		Mode:      elevconsts.ModeNormal,
	}
}

func hallCall(id string, floor int, dirn elevconsts.Dirn) elevconsts.HallCall {
	return elevconsts.HallCall{ID: id, Floor: floor, Direction: dirn, CreatedAt: time.Now()}
}

// Scenario: idle car at floor 1 versus a car already moving up past floor 5.
// An up call at floor 7 goes to the moving car, it is on the way.
func TestPrefersCarMovingToward(t *testing.T) {
	d, gw, _ := testDispatcher()
	d.handleCarUpdate(snap("A", 1, elevconsts.Stop, elevconsts.Idle))
	d.handleCarUpdate(snap("B", 5, elevconsts.Up, elevconsts.MovingUp))

	d.handleNewCall(hallCall("c1", 7, elevconsts.Up))

	if len(gw.added) != 1 || gw.added[0].carID != "B" {
		t.Fatalf("expected c1 assigned to B, got %v", gw.added)
	}
	if d.calls["c1"].AssignedCar != "B" {
		t.Errorf("expected assignment recorded, got %q", d.calls["c1"].AssignedCar)
	}
}

func TestIdlePenaltyStillBeatsMovingAway(t *testing.T) {
	d, gw, _ := testDispatcher()
	// A idle at 4 (cost 1+3=4); B at 5 moving up, call below it (cost 2+6=8).
	d.handleCarUpdate(snap("A", 4, elevconsts.Stop, elevconsts.Idle))
	d.handleCarUpdate(snap("B", 5, elevconsts.Up, elevconsts.MovingUp))

	d.handleNewCall(hallCall("c1", 3, elevconsts.Down))

	if len(gw.added) != 1 || gw.added[0].carID != "A" {
		t.Fatalf("expected c1 assigned to idle A, got %v", gw.added)
	}
}

func TestWrongDirectionPassExcluded(t *testing.T) {
	d, gw, _ := testDispatcher()
	// B moving up would pass floor 5 going the wrong way for a down call.
	d.handleCarUpdate(snap("B", 2, elevconsts.Up, elevconsts.MovingUp))

	d.handleNewCall(hallCall("c1", 5, elevconsts.Down))

	if len(gw.added) != 0 {
		t.Fatalf("expected no assignment, got %v", gw.added)
	}
	if d.calls["c1"].AssignedCar != "" {
		t.Errorf("expected call queued unassigned")
	}

	// An idle car appearing picks it up on the next state change.
	d.handleCarUpdate(snap("A", 0, elevconsts.Stop, elevconsts.Idle))
	if len(gw.added) != 1 || gw.added[0].carID != "A" {
		t.Fatalf("expected queued call assigned to A, got %v", gw.added)
	}
}

func TestDeterministicTieBreak(t *testing.T) {
	for i := 0; i < 10; i++ {
		d, gw, _ := testDispatcher()
		d.handleCarUpdate(snap("E02", 0, elevconsts.Stop, elevconsts.Idle))
		d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))

		d.handleNewCall(hallCall("c1", 3, elevconsts.Up))

		if len(gw.added) != 1 || gw.added[0].carID != "E01" {
			t.Fatalf("run %d: expected tie broken to E01, got %v", i, gw.added)
		}
	}
}

func TestTieBreaksOnFewerAssignedCalls(t *testing.T) {
	d, gw, _ := testDispatcher()
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	d.handleCarUpdate(snap("E02", 0, elevconsts.Stop, elevconsts.Idle))

	d.handleNewCall(hallCall("c1", 3, elevconsts.Up))
	d.handleNewCall(hallCall("c2", 3, elevconsts.Up))

	if len(gw.added) != 2 {
		t.Fatalf("expected two assignments, got %v", gw.added)
	}
	if gw.added[0].carID != "E01" || gw.added[1].carID != "E02" {
		t.Errorf("expected load spread E01 then E02, got %v", gw.added)
	}
}

func TestCallAssignedToExactlyOneCar(t *testing.T) {
	d, gw, _ := testDispatcher()
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	d.handleCarUpdate(snap("E02", 4, elevconsts.Stop, elevconsts.Idle))

	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))
	// Duplicate submission and later snapshots must not re-assign.
	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))
	d.handleCarUpdate(snap("E02", 2, elevconsts.Stop, elevconsts.Idle))

	if len(gw.added) != 1 {
		t.Fatalf("expected a single assignment, got %v", gw.added)
	}
}

func TestRedispatchWhenCarLeavesService(t *testing.T) {
	d, gw, _ := testDispatcher()
	d.handleCarUpdate(snap("E01", 9, elevconsts.Stop, elevconsts.Idle))
	d.handleCarUpdate(snap("E02", 3, elevconsts.Stop, elevconsts.Idle))

	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))
	if len(gw.added) != 1 || gw.added[0].carID != "E02" {
		t.Fatalf("expected initial assignment to E02, got %v", gw.added)
	}

	oos := snap("E02", 3, elevconsts.Stop, elevconsts.OutOfService)
	oos.Mode = elevconsts.ModeOutOfService
	d.handleCarUpdate(oos)

	if len(gw.added) != 2 || gw.added[1].carID != "E01" {
		t.Fatalf("expected re-dispatch to E01, got %v", gw.added)
	}
	if d.calls["c1"].AssignedCar != "E01" {
		t.Errorf("expected c1 now on E01, got %q", d.calls["c1"].AssignedCar)
	}
}

func TestOverloadedCarSkipped(t *testing.T) {
	d, gw, _ := testDispatcher()
	heavy := snap("E01", 2, elevconsts.Stop, elevconsts.Idle)
	heavy.Load = 90
	d.handleCarUpdate(heavy)
	d.handleCarUpdate(snap("E02", 8, elevconsts.Stop, elevconsts.Idle))

	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))

	if len(gw.added) != 1 || gw.added[0].carID != "E02" {
		t.Fatalf("expected overloaded E01 skipped, got %v", gw.added)
	}
}

func TestFullInboxMarksUnavailable(t *testing.T) {
	d, gw, _ := testDispatcher()
	gw.reject["E01"] = true
	d.handleCarUpdate(snap("E01", 1, elevconsts.Stop, elevconsts.Idle))
	d.handleCarUpdate(snap("E02", 8, elevconsts.Stop, elevconsts.Idle))

	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))

	if len(gw.added) != 1 || gw.added[0].carID != "E02" {
		t.Fatalf("expected fallback to E02, got %v", gw.added)
	}
	if !d.unavailable["E01"] {
		t.Errorf("expected E01 marked unavailable")
	}

	// The next snapshot clears the mark.
	d.handleCarUpdate(snap("E01", 1, elevconsts.Stop, elevconsts.Idle))
	if d.unavailable["E01"] {
		t.Errorf("expected unavailable mark cleared by snapshot")
	}
}

func TestCancelAssignedCall(t *testing.T) {
	d, gw, _ := testDispatcher()
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))

	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))
	d.handleCancel("c1")

	if len(gw.removed) != 1 || gw.removed[0] != (gatewayCall{carID: "E01", callID: "c1"}) {
		t.Fatalf("expected removal sent to E01, got %v", gw.removed)
	}
	if _, ok := d.calls["c1"]; ok {
		t.Errorf("expected call deleted")
	}

	// Cancelling a served or unknown call is a no-op.
	d.handleCancel("c1")
	if len(gw.removed) != 1 {
		t.Errorf("expected no further removals, got %v", gw.removed)
	}
}

func TestCancelRetriedWhileCarInboxFull(t *testing.T) {
	d, gw, _ := testDispatcher()
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))

	// The assigned car's inbox is full when the withdrawal arrives.
	gw.rejectRemove["E01"] = true
	d.handleCancel("c1")

	if _, ok := d.calls["c1"]; ok {
		t.Fatalf("expected the withdrawal to leave the book")
	}
	if len(gw.removed) != 0 {
		t.Fatalf("expected no removal delivered yet, got %v", gw.removed)
	}
	if !d.unavailable["E01"] {
		t.Errorf("expected E01 marked unavailable after the failed send")
	}

	// The removal stays owed across snapshots while the inbox is full.
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	if len(gw.removed) != 0 {
		t.Fatalf("expected removal still owed, got %v", gw.removed)
	}

	gw.rejectRemove["E01"] = false
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	if len(gw.removed) != 1 || gw.removed[0] != (gatewayCall{carID: "E01", callID: "c1"}) {
		t.Fatalf("expected removal delivered on the next snapshot, got %v", gw.removed)
	}

	// Delivered once: later snapshots do not repeat it.
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	if len(gw.removed) != 1 {
		t.Errorf("expected no duplicate removal, got %v", gw.removed)
	}
}

func TestServedCallsLeaveTheBook(t *testing.T) {
	d, _, _ := testDispatcher()
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))
	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))

	d.handleServed([]string{"c1"})
	if len(d.calls) != 0 {
		t.Errorf("expected empty call book, got %d entries", len(d.calls))
	}
}

func TestStarvationWarningOncePerCall(t *testing.T) {
	d, _, fs := testDispatcher()
	d.cfg.StarvationWait = 10 * time.Second

	hc := hallCall("c1", 2, elevconsts.Up)
	hc.CreatedAt = time.Now().Add(-time.Minute)
	d.handleNewCall(hc) // no cars registered, stays unassigned

	d.checkStarvation(time.Now())
	d.checkStarvation(time.Now())

	if len(fs.raised) != 1 {
		t.Fatalf("expected one starvation warning, got %v", fs.raised)
	}
	if fs.raised[0] != "A/"+FaultStarvation {
		t.Errorf("expected bank-scoped starvation fault, got %s", fs.raised[0])
	}
	if _, ok := d.calls["c1"]; !ok {
		t.Errorf("expected starved call still queued")
	}
}

func TestFreshCallNotStarved(t *testing.T) {
	d, _, fs := testDispatcher()
	d.handleNewCall(hallCall("c1", 2, elevconsts.Up))
	d.checkStarvation(time.Now())
	if len(fs.raised) != 0 {
		t.Errorf("expected no starvation for a fresh call, got %v", fs.raised)
	}
}

func TestOldestCallDispatchedFirst(t *testing.T) {
	d, gw, _ := testDispatcher()

	// Ids deliberately inverted against age: creation time must win over
	// id ordering.
	older := hallCall("c-new", 5, elevconsts.Up)
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := hallCall("c-old", 6, elevconsts.Up)

	// Queue both while no cars exist, then bring one car up.
	d.handleNewCall(newer)
	d.handleNewCall(older)
	d.handleCarUpdate(snap("E01", 0, elevconsts.Stop, elevconsts.Idle))

	if len(gw.added) != 2 {
		t.Fatalf("expected both calls assigned, got %v", gw.added)
	}
	if gw.added[0].callID != "c-new" {
		t.Errorf("expected the older call assigned first, got %v", gw.added)
	}
}
