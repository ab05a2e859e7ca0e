package access

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/logger"
)

// ErrInvalidRule is returned by Upsert when a rule fails validation.
// Invalid rules are never stored.
var ErrInvalidRule = errors.New("invalid access rule")

type SubjectKind int

const (
	SubjectUser SubjectKind = iota
	SubjectGroup
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectUser:
		return "User"
	case SubjectGroup:
		return "Group"
	default:
		return "Undefined"
	}
}

type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// Schedule restricts when a rule grants access. The daily window recurs every
// day; the fixed range bounds the rule to an absolute interval. Zero values
// mean unrestricted.
type Schedule struct {
	WindowStart string    `json:"windowStart,omitempty"` // "09:00"
	WindowEnd   string    `json:"windowEnd,omitempty"`   // "17:00"
	NotBefore   time.Time `json:"notBefore,omitempty"`
	NotAfter    time.Time `json:"notAfter,omitempty"`
}

func parseHM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse window time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (s Schedule) validate() error {
	if (s.WindowStart == "") != (s.WindowEnd == "") {
		return fmt.Errorf("window needs both start and end")
	}
	if s.WindowStart != "" {
		if _, err := parseHM(s.WindowStart); err != nil {
			return err
		}
		if _, err := parseHM(s.WindowEnd); err != nil {
			return err
		}
	}
	if !s.NotBefore.IsZero() && !s.NotAfter.IsZero() && s.NotAfter.Before(s.NotBefore) {
		return fmt.Errorf("fixed range ends before it starts")
	}
	return nil
}

// Contains reports whether now falls inside the schedule.
func (s Schedule) Contains(now time.Time) bool {
	if !s.NotBefore.IsZero() && now.Before(s.NotBefore) {
		return false
	}
	if !s.NotAfter.IsZero() && now.After(s.NotAfter) {
		return false
	}
	if s.WindowStart != "" {
		start, err1 := parseHM(s.WindowStart)
		end, err2 := parseHM(s.WindowEnd)
		if err1 != nil || err2 != nil {
			// Invalid windows cannot reach storage via Upsert; deny anyway.
			return false
		}
		m := now.Hour()*60 + now.Minute()
		if start <= end {
			return start <= m && m < end
		}
		// overnight window, e.g. 22:00-06:00
		return m >= start || m < end
	}
	return true
}

// Rule grants a subject access to a set of floor labels. Expired temporary
// rules deny at check time; they are never deleted implicitly.
type Rule struct {
	ID        string     `json:"id"`
	Subject   Subject    `json:"subject"`
	Floors    []string   `json:"floors"`
	Schedule  Schedule   `json:"schedule"`
	Method    string     `json:"method,omitempty"` // card, pin, app, ...
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (r Rule) allowsFloor(floor string) bool {
	for _, f := range r.Floors {
		if strings.EqualFold(f, floor) {
			return true
		}
	}
	return false
}

type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

type ruleSet struct {
	rules []Rule // insertion order, preserved across upserts
}

// Gate evaluates floor requests against the current rule set. Reads take an
// atomic snapshot; writes replace the snapshot under a single writer lock.
type Gate struct {
	writeMu sync.Mutex
	current atomic.Pointer[ruleSet]
	log     zerolog.Logger
}

func NewGate() *Gate {
	g := &Gate{
		log: logger.GetLogger().With().Str("component", "accessgate").Logger(),
	}
	g.current.Store(&ruleSet{})
	return g
}

// Check approves or denies a floor request. The decision depends only on the
// arguments and the current rule set. Every deny is logged for audit; allows
// are covered by the car event stream instead.
func (g *Gate) Check(subjectID string, groups []string, floor string, now time.Time) Decision {
	d := g.evaluate(subjectID, groups, floor, now)
	if !d.Allowed {
		g.log.Warn().
			Str("subject", subjectID).
			Str("floor", floor).
			Str("reason", d.Reason).
			Msg("access denied")
	}
	return d
}

func (g *Gate) evaluate(subjectID string, groups []string, floor string, now time.Time) Decision {
	rs := g.current.Load()

	// Direct user rules outrank group rules; within a class the first
	// enabled match wins (insertion order).
	var candidates []Rule
	for _, r := range rs.rules {
		if r.Subject.Kind == SubjectUser && r.Subject.ID == subjectID {
			candidates = append(candidates, r)
		}
	}
	for _, group := range groups {
		for _, r := range rs.rules {
			if r.Subject.Kind == SubjectGroup && r.Subject.ID == group {
				candidates = append(candidates, r)
			}
		}
	}
	if len(candidates) == 0 {
		return Deny("no rule")
	}

	var rule *Rule
	for i := range candidates {
		if candidates[i].Enabled {
			rule = &candidates[i]
			break
		}
	}
	if rule == nil {
		return Deny("disabled")
	}
	if rule.ExpiresAt != nil && rule.ExpiresAt.Before(now) {
		return Deny("expired")
	}
	if !rule.allowsFloor(floor) {
		return Deny("floor not permitted")
	}
	if !rule.Schedule.Contains(now) {
		return Deny("outside schedule")
	}
	return Allow()
}

// Upsert validates and stores a rule, replacing any rule with the same id.
// A missing id gets a generated one; the stored rule is returned.
func (g *Gate) Upsert(rule Rule) (Rule, error) {
	if rule.Subject.ID == "" {
		return Rule{}, fmt.Errorf("%w: empty subject id", ErrInvalidRule)
	}
	if rule.Subject.Kind != SubjectUser && rule.Subject.Kind != SubjectGroup {
		return Rule{}, fmt.Errorf("%w: unknown subject kind %d", ErrInvalidRule, rule.Subject.Kind)
	}
	if len(rule.Floors) == 0 {
		return Rule{}, fmt.Errorf("%w: empty floor set", ErrInvalidRule)
	}
	if err := rule.Schedule.validate(); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	old := g.current.Load()
	next := &ruleSet{rules: make([]Rule, 0, len(old.rules)+1)}
	replaced := false
	for _, r := range old.rules {
		if r.ID == rule.ID {
			next.rules = append(next.rules, rule)
			replaced = true
		} else {
			next.rules = append(next.rules, r)
		}
	}
	if !replaced {
		next.rules = append(next.rules, rule)
	}
	g.current.Store(next)
	return rule, nil
}

// Delete removes a rule by id. Deleting an unknown id is a no-op.
func (g *Gate) Delete(id string) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	old := g.current.Load()
	next := &ruleSet{rules: make([]Rule, 0, len(old.rules))}
	for _, r := range old.rules {
		if r.ID != id {
			next.rules = append(next.rules, r)
		}
	}
	g.current.Store(next)
}

// List returns the rules for one subject id, or all rules when the filter is
// empty.
func (g *Gate) List(subjectFilter string) []Rule {
	rs := g.current.Load()
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		if subjectFilter == "" || r.Subject.ID == subjectFilter {
			out = append(out, r)
		}
	}
	return out
}
