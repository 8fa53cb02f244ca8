package worktime

import (
	"sync"
	"time"
)

type OutcomeKind int

const (
	NoChange OutcomeKind = iota
	Started
	Ended
)

func (k OutcomeKind) String() string {
	switch k {
	case Started:
		return "started"
	case Ended:
		return "ended"
	default:
		return "no_change"
	}
}

// Outcome is the result of one presence transition. Start, End and Duration
// are set for Ended; Start is set for Started.
type Outcome struct {
	Kind     OutcomeKind
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Ledger holds at most one open session per user. A duplicate start keeps
// the original start time; an end without an open session is ignored.
type Ledger struct {
	mu   sync.Mutex
	open map[string]time.Time
}

func NewLedger() *Ledger {
	return &Ledger{open: map[string]time.Time{}}
}

// RecordTransition applies one eligibility change for userID at now.
// The ended session is removed before returning, so it is accounted once.
func (l *Ledger) RecordTransition(userID string, wasEligible, isEligible bool, now time.Time) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case !wasEligible && isEligible:
		if _, ok := l.open[userID]; ok {
			return Outcome{Kind: NoChange}
		}
		l.open[userID] = now
		return Outcome{Kind: Started, Start: now}
	case wasEligible && !isEligible:
		start, ok := l.open[userID]
		if !ok {
			return Outcome{Kind: NoChange}
		}
		delete(l.open, userID)
		return Outcome{Kind: Ended, Start: start, End: now, Duration: max(now.Sub(start), 0)}
	default:
		return Outcome{Kind: NoChange}
	}
}

// PeekOpenDuration reports the elapsed time of userID's open session without
// closing it.
func (l *Ledger) PeekOpenDuration(userID string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, ok := l.open[userID]
	if !ok {
		return 0, false
	}
	return max(now.Sub(start), 0), true
}

// Open returns the number of open sessions.
func (l *Ledger) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Drain removes and returns every open session start. Used at shutdown to
// log what is lost.
func (l *Ledger) Drain() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.open
	l.open = map[string]time.Time{}
	return out
}
