package pattern

import (
	"testing"

	"github.com/sentinelfs/sentinel/internal/event"
	"github.com/sentinelfs/sentinel/internal/history"
)

// mustStep is a test helper wrapping NewStep for the common case where the
// step is known to be valid.
func mustStep(t *testing.T, e event.Event, count uint32, q Quantifier) Step {
	t.Helper()
	s, err := NewStep(e, count, q)
	if err != nil {
		t.Fatalf("NewStep(%v, %d, %v): %v", e, count, q, err)
	}
	return s
}

// encryptFileUseFseek mirrors the canonical ransomware pattern: read the
// whole file via repeated fseek+read, then reopen and overwrite it.
func encryptFileUseFseek(t *testing.T) Pattern {
	return New(
		mustStep(t, event.Open, 1, Exactly),
		mustStep(t, event.Access, 2, AtLeast),
		mustStep(t, event.CloseNoWrite, 1, Exactly),
		mustStep(t, event.Open, 1, Exactly),
		mustStep(t, event.Modify, 1, AtLeast),
		mustStep(t, event.CloseWrite, 1, Exactly),
	)
}

func appendAll(h *history.History, events ...event.Event) {
	for _, e := range events {
		h.Append(e)
	}
}

func TestMatchesCanonicalEncryptPattern(t *testing.T) {
	p := encryptFileUseFseek(t)
	h := history.New(history.DefaultCapacity)
	appendAll(h,
		event.Open, event.Access, event.Access, event.Access,
		event.CloseNoWrite,
		event.Open, event.Modify, event.Modify, event.CloseWrite,
	)
	if !Matches(p, h) {
		t.Fatal("expected canonical encrypt-and-overwrite sequence to match")
	}
}

func TestMatchesIgnoresOlderTrailingHistory(t *testing.T) {
	p := encryptFileUseFseek(t)
	h := history.New(history.DefaultCapacity)
	// Irrelevant older activity on an unrelated earlier episode.
	appendAll(h, event.Open, event.Access, event.CloseNoWrite)
	appendAll(h,
		event.Open, event.Access, event.Access, event.Access,
		event.CloseNoWrite,
		event.Open, event.Modify, event.CloseWrite,
	)
	if !Matches(p, h) {
		t.Fatal("expected match: older trailing history must not block a match")
	}
}

func TestMatchesFailsOnShortAccessBurst(t *testing.T) {
	p := encryptFileUseFseek(t)
	h := history.New(history.DefaultCapacity)
	appendAll(h,
		event.Open, event.Access, // only 1 access, pattern requires >= 2
		event.CloseNoWrite,
		event.Open, event.Modify, event.CloseWrite,
	)
	if Matches(p, h) {
		t.Fatal("expected no match: access burst below AtLeast(2) threshold")
	}
}

func TestMatchesFailsOnEmptyHistory(t *testing.T) {
	p := encryptFileUseFseek(t)
	h := history.New(history.DefaultCapacity)
	if Matches(p, h) {
		t.Fatal("expected no match against empty history")
	}
}

func TestOpenOnWriteSingleStepPattern(t *testing.T) {
	p := New(mustStep(t, event.Open, 1, Exactly))
	h := history.New(history.DefaultCapacity)
	h.Append(event.Open)
	if !Matches(p, h) {
		t.Fatal("expected single Open to satisfy Open x1 pattern")
	}
}

func TestExactlyZeroRejectedAtConstruction(t *testing.T) {
	if _, err := NewStep(event.Open, 0, Exactly); err == nil {
		t.Fatal("expected NewStep to reject Exactly(0)")
	}
}

func TestAtLeastZeroMatchesEmptySequence(t *testing.T) {
	// AtLeast(0) of Modify, preceded by a mandatory Open: the Modify step
	// should be satisfiable even when no Modify events are present.
	p := New(
		mustStep(t, event.Open, 1, Exactly),
		mustStep(t, event.Modify, 0, AtLeast),
	)
	h := history.New(history.DefaultCapacity)
	h.Append(event.Open)
	if !Matches(p, h) {
		t.Fatal("expected AtLeast(0) to match the empty sequence of Modify events")
	}
}

func TestMoreThanRequiresStrictlyMoreThanCount(t *testing.T) {
	step := mustStep(t, event.Access, 2, MoreThan) // needs >= 3
	p := New(step)

	h := history.New(history.DefaultCapacity)
	appendAll(h, event.Access, event.Access)
	if Matches(p, h) {
		t.Fatal("expected MoreThan(2) to reject exactly 2 occurrences")
	}

	h.Append(event.Access)
	if !Matches(p, h) {
		t.Fatal("expected MoreThan(2) to accept 3 occurrences")
	}
}

func TestNewPanicsOnEmptyPattern(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New() with no steps did not panic")
		}
	}()
	New()
}

func TestMatchesPanicsOnUnrecognizedQuantifier(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Matches with unrecognized quantifier did not panic")
		}
	}()
	p := Pattern{{Event: event.Open, Count: 1, Quantifier: Quantifier(99)}}
	h := history.New(history.DefaultCapacity)
	h.Append(event.Open)
	Matches(p, h)
}
