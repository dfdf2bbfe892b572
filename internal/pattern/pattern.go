// Package pattern implements quantified event-sequence patterns and the
// greedy, newest-first matcher the response engine runs against a file's
// history on every update.
package pattern

import (
	"fmt"

	"github.com/sentinelfs/sentinel/internal/event"
	"github.com/sentinelfs/sentinel/internal/history"
)

// Quantifier selects how many consecutive occurrences of a step's event
// satisfy that step.
type Quantifier int

const (
	// Exactly matches exactly Count consecutive occurrences.
	Exactly Quantifier = iota
	// MoreThan matches strictly more than Count occurrences: Count+1
	// mandatory, then greedily more.
	MoreThan
	// AtLeast matches Count or more occurrences: Count mandatory, then
	// greedily more. AtLeast(0) matches the empty sequence.
	AtLeast
)

func (q Quantifier) String() string {
	switch q {
	case Exactly:
		return "Exactly"
	case MoreThan:
		return "MoreThan"
	case AtLeast:
		return "AtLeast"
	default:
		return "Unknown"
	}
}

// Step is one quantified element of a Pattern: "Count repetitions of Event,
// per Quantifier's rule".
type Step struct {
	Event      event.Event
	Count      uint32
	Quantifier Quantifier
}

// NewStep constructs a Step, rejecting the semantically meaningless
// Exactly(0). AtLeast(0) is permitted; it matches the empty sequence.
func NewStep(e event.Event, count uint32, q Quantifier) (Step, error) {
	if q == Exactly && count == 0 {
		return Step{}, fmt.Errorf("pattern: Exactly(0) of %s is not a valid step", e)
	}
	return Step{Event: e, Count: count, Quantifier: q}, nil
}

// Pattern is a non-empty ordered list of Steps. The last Step aligns with
// the newest event in the history being matched; see Matches.
type Pattern []Step

// New constructs a Pattern from one or more Steps. It panics if steps is
// empty; patterns describe a behavior and an empty one is a programmer
// error, not a runtime condition.
func New(steps ...Step) Pattern {
	if len(steps) == 0 {
		panic("pattern: a Pattern must have at least one Step")
	}
	return Pattern(steps)
}

// cursor walks a history newest-first via an explicit offset, so the matcher
// never allocates a materialized copy of the events under consideration.
type cursor struct {
	h   *history.History
	pos int
}

func (c *cursor) done() bool {
	return c.pos >= c.h.Len()
}

func (c *cursor) peek() event.Event {
	return c.h.At(c.pos)
}

func (c *cursor) advance() {
	c.pos++
}

// Matches reports whether h, read newest-first, satisfies p with p's last
// step aligned to the newest event. Matching is sequential and greedy with
// no backtracking: each step consumes exactly what its quantifier dictates
// and the cursor never moves backward. The match need not consume the
// entire history; older entries beyond the pattern's reach are ignored.
//
// Matches panics if a Step carries a Quantifier it does not recognize — a
// malformed Pattern is a programmer error, not a matching failure.
func Matches(p Pattern, h *history.History) bool {
	c := &cursor{h: h}
	for i := len(p) - 1; i >= 0; i-- {
		step := p[i]
		if !matchStep(step, c) {
			return false
		}
	}
	return true
}

func matchStep(step Step, c *cursor) bool {
	switch step.Quantifier {
	case Exactly:
		return consumeExactly(step, c)
	case MoreThan:
		if !consumeMandatory(step.Event, step.Count+1, c) {
			return false
		}
		consumeGreedy(step.Event, c)
		return true
	case AtLeast:
		if !consumeMandatory(step.Event, step.Count, c) {
			return false
		}
		consumeGreedy(step.Event, c)
		return true
	default:
		panic(fmt.Sprintf("pattern: unrecognized quantifier %v", step.Quantifier))
	}
}

func consumeExactly(step Step, c *cursor) bool {
	var n uint32
	for ; n < step.Count; n++ {
		if c.done() || c.peek() != step.Event {
			return false
		}
		c.advance()
	}
	return true
}

// consumeMandatory consumes exactly n occurrences of e, failing if fewer
// are available or a non-matching event is encountered.
func consumeMandatory(e event.Event, n uint32, c *cursor) bool {
	var i uint32
	for ; i < n; i++ {
		if c.done() || c.peek() != e {
			return false
		}
		c.advance()
	}
	return true
}

// consumeGreedy advances the cursor past any further consecutive
// occurrences of e, with no upper bound.
func consumeGreedy(e event.Event, c *cursor) {
	for !c.done() && c.peek() == e {
		c.advance()
	}
}
