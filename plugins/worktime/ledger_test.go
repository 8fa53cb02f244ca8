package worktime

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestLedgerStartEnd(t *testing.T) {
	l := NewLedger()
	if out := l.RecordTransition("u", false, true, t0); out.Kind != Started || !out.Start.Equal(t0) {
		t.Fatalf("start: %+v", out)
	}
	out := l.RecordTransition("u", true, false, t0.Add(90*time.Minute))
	if out.Kind != Ended || out.Duration != 90*time.Minute || !out.Start.Equal(t0) {
		t.Fatalf("end: %+v", out)
	}
	if l.Open() != 0 {
		t.Fatalf("open=%d", l.Open())
	}
}

func TestLedgerDuplicateStartKeepsOriginal(t *testing.T) {
	l := NewLedger()
	l.RecordTransition("u", false, true, t0)
	if out := l.RecordTransition("u", false, true, t0.Add(time.Hour)); out.Kind != NoChange {
		t.Fatalf("duplicate start: %v", out.Kind)
	}
	out := l.RecordTransition("u", true, false, t0.Add(2*time.Hour))
	if out.Duration != 2*time.Hour {
		t.Fatalf("duration=%v", out.Duration)
	}
}

func TestLedgerOrphanEnd(t *testing.T) {
	l := NewLedger()
	if out := l.RecordTransition("u", true, false, t0); out.Kind != NoChange {
		t.Fatalf("orphan end: %v", out.Kind)
	}
	l.RecordTransition("u", false, true, t0)
	l.RecordTransition("u", true, false, t0.Add(time.Minute))
	if out := l.RecordTransition("u", true, false, t0.Add(2*time.Minute)); out.Kind != NoChange {
		t.Fatalf("redelivered end: %v", out.Kind)
	}
}

func TestLedgerNoEligibilityChange(t *testing.T) {
	l := NewLedger()
	for _, tc := range [][2]bool{{false, false}, {true, true}} {
		if out := l.RecordTransition("u", tc[0], tc[1], t0); out.Kind != NoChange {
			t.Fatalf("%v: %v", tc, out.Kind)
		}
	}
	if l.Open() != 0 {
		t.Fatal("unexpected open session")
	}
}

func TestLedgerPeekDoesNotMutate(t *testing.T) {
	l := NewLedger()
	if _, ok := l.PeekOpenDuration("u", t0); ok {
		t.Fatal("peek without session")
	}
	l.RecordTransition("u", false, true, t0)
	d, ok := l.PeekOpenDuration("u", t0.Add(5*time.Second))
	if !ok || d != 5*time.Second {
		t.Fatalf("peek=%v %v", d, ok)
	}
	if l.Open() != 1 {
		t.Fatal("peek closed the session")
	}
	// clock skew never yields a negative duration
	if d, _ := l.PeekOpenDuration("u", t0.Add(-time.Second)); d != 0 {
		t.Fatalf("negative peek %v", d)
	}
}

func TestLedgerDrain(t *testing.T) {
	l := NewLedger()
	l.RecordTransition("a", false, true, t0)
	l.RecordTransition("b", false, true, t0)
	if got := l.Drain(); len(got) != 2 {
		t.Fatalf("drain=%v", got)
	}
	if l.Open() != 0 {
		t.Fatal("ledger not empty after drain")
	}
}
