package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/elevconsts"
	"github.com/skyrise-ops/elevcore/internal/logger"
)

var (
	ErrUnknownUnit     = errors.New("unknown unit")
	ErrUnknownIncident = errors.New("unknown incident")
	ErrBadStep         = errors.New("checklist step out of range")
)

type Status int

const (
	StatusOpen Status = iota
	StatusAcknowledged
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusAcknowledged:
		return "Acknowledged"
	case StatusResolved:
		return "Resolved"
	default:
		return "Undefined"
	}
}

type ChecklistStep struct {
	Step string `json:"step"`
	Done bool   `json:"done"`
}

type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Incident tracks one fault from Open to Resolved. The SLA deadline is fixed
// at creation; Escalated is an orthogonal flag that never clears once set.
type Incident struct {
	ID          string              `json:"id"`
	UnitID      string              `json:"unitId"`
	Type        string              `json:"type"`
	Severity    elevconsts.Severity `json:"severity"`
	Status      Status              `json:"status"`
	Escalated   bool                `json:"escalated"`
	CreatedAt   time.Time           `json:"createdAt"`
	SLADeadline time.Time           `json:"slaDeadline"`
	AckedAt     time.Time           `json:"ackedAt,omitempty"`
	ResolvedAt  time.Time           `json:"resolvedAt,omitempty"`
	Checklist   []ChecklistStep     `json:"checklist"`
	Notes       []Note              `json:"notes"`
}

// Escalation is the notification emitted once when an incident passes its
// SLA deadline unresolved.
type Escalation struct {
	IncidentID string
	UnitID     string
	Type       string
	Severity   elevconsts.Severity
	Deadline   time.Time
}

type Budgets struct {
	Critical time.Duration
	Warning  time.Duration
	Info     time.Duration
}

func (b Budgets) For(sev elevconsts.Severity) time.Duration {
	switch sev {
	case elevconsts.Critical:
		return b.Critical
	case elevconsts.Warning:
		return b.Warning
	default:
		return b.Info
	}
}

// Engine tracks incidents for the units (cars and banks) registered with it.
// All incident mutation is serialized behind one mutex so Acknowledge and
// Tick cannot lose updates to each other.
type Engine struct {
	mu         sync.Mutex
	incidents  map[string]*Incident
	order      []string // creation order, for stable listings
	known      map[string]bool
	budgets    Budgets
	checklists map[string][]string // per incident type
	notify     chan Escalation
	now        func() time.Time
	log        zerolog.Logger
}

func NewEngine(budgets Budgets) *Engine {
	return &Engine{
		incidents:  make(map[string]*Incident),
		known:      make(map[string]bool),
		budgets:    budgets,
		checklists: make(map[string][]string),
		notify:     make(chan Escalation, 16),
		now:        time.Now,
		log:        logger.GetLogger().With().Str("component", "alarm").Logger(),
	}
}

// RegisterUnit makes a car or bank id known so faults against it are accepted.
func (e *Engine) RegisterUnit(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.known[id] = true
}

// SetChecklist installs the checklist template attached to new incidents of
// the given type.
func (e *Engine) SetChecklist(incidentType string, steps []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checklists[incidentType] = steps
}

// Notifications delivers escalation events. The channel is buffered; Tick
// drops (and logs) notifications rather than blocking.
func (e *Engine) Notifications() <-chan Escalation {
	return e.notify
}

// Raise opens an incident. The SLA deadline is now plus the severity budget
// and never changes afterwards.
func (e *Engine) Raise(unitID, incidentType string, sev elevconsts.Severity) (Incident, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.known[unitID] {
		return Incident{}, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}

	now := e.now()
	inc := &Incident{
		ID:          uuid.NewString(),
		UnitID:      unitID,
		Type:        incidentType,
		Severity:    sev,
		Status:      StatusOpen,
		CreatedAt:   now,
		SLADeadline: now.Add(e.budgets.For(sev)),
	}
	for _, step := range e.checklists[incidentType] {
		inc.Checklist = append(inc.Checklist, ChecklistStep{Step: step})
	}
	e.incidents[inc.ID] = inc
	e.order = append(e.order, inc.ID)

	e.log.Warn().
		Str("incident", inc.ID).
		Str("unit", unitID).
		Str("type", incidentType).
		Str("severity", sev.String()).
		Time("slaDeadline", inc.SLADeadline).
		Msg("incident raised")
	return *inc, nil
}

// Acknowledge moves an Open incident to Acknowledged. Calling it again, or on
// a Resolved incident, is a no-op that reports the current status.
func (e *Engine) Acknowledge(id string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inc, ok := e.incidents[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if inc.Status == StatusOpen {
		inc.Status = StatusAcknowledged
		inc.AckedAt = e.now()
	}
	return inc.Status, nil
}

// CompleteStep toggles a checklist step. It never changes the incident status.
func (e *Engine) CompleteStep(id string, stepIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inc, ok := e.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if stepIndex < 0 || stepIndex >= len(inc.Checklist) {
		return fmt.Errorf("%w: %d of %d", ErrBadStep, stepIndex, len(inc.Checklist))
	}
	inc.Checklist[stepIndex].Done = !inc.Checklist[stepIndex].Done
	return nil
}

// Resolve closes an incident from Open or Acknowledged and records the
// resolution time. Resolving twice is a no-op.
func (e *Engine) Resolve(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inc, ok := e.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if inc.Status == StatusResolved {
		return nil
	}
	inc.Status = StatusResolved
	inc.ResolvedAt = e.now()
	return nil
}

// AddNote appends to the incident's notes log.
func (e *Engine) AddNote(id, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inc, ok := e.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	inc.Notes = append(inc.Notes, Note{At: e.now(), Text: text})
	return nil
}

// Tick escalates every non-resolved incident whose deadline has passed and
// that is not yet escalated. This is the only automatic transition. Returns
// how many incidents escalated on this call.
func (e *Engine) Tick() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	escalated := 0
	for _, id := range e.order {
		inc := e.incidents[id]
		if inc.Status == StatusResolved || inc.Escalated || !now.After(inc.SLADeadline) {
			continue
		}
		inc.Escalated = true
		escalated++

		notice := Escalation{
			IncidentID: inc.ID,
			UnitID:     inc.UnitID,
			Type:       inc.Type,
			Severity:   inc.Severity,
			Deadline:   inc.SLADeadline,
		}
		select {
		case e.notify <- notice:
		default:
			e.log.Error().Str("incident", inc.ID).Msg("escalation notification dropped, buffer full")
		}
		e.log.Warn().
			Str("incident", inc.ID).
			Str("unit", inc.UnitID).
			Time("slaDeadline", inc.SLADeadline).
			Msg("SLA breached, incident escalated")
	}
	return escalated
}

// Run ticks the engine on a fixed period until ctx is cancelled. Kept out of
// NewEngine so tests can drive Tick directly.
func (e *Engine) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Engine) Get(id string) (Incident, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inc, ok := e.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	return *inc, nil
}

// ListOpen returns non-resolved incidents in creation order, optionally
// filtered by severity.
func (e *Engine) ListOpen(severityFilter *elevconsts.Severity) []Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Incident
	for _, id := range e.order {
		inc := e.incidents[id]
		if inc.Status == StatusResolved {
			continue
		}
		if severityFilter != nil && inc.Severity != *severityFilter {
			continue
		}
		out = append(out, *inc)
	}
	return out
}
