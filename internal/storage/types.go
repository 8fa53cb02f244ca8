package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // file prefix or sqlite database file
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Session is one closed presence session.
type Session struct {
	ID      string
	UserID  string
	Start   time.Time
	End     time.Time
	Seconds float64
}

// Ranked is one row of a total ranking.
type Ranked struct {
	UserID  string
	Seconds float64
}

// Count is one row of a counter tally.
type Count struct {
	UserID string
	Count  int64
}

// AuditEntry records a bot action with a visible side effect.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ActorID  string    `json:"actor_id,omitempty"`
	Module   string    `json:"module"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"err,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// Well-known marker keys.
const MarkerBumpAcked = "bump.last_acknowledged_trigger"

// Well-known counter names.
const CounterBump = "bump"

func sessionSeconds(start, end time.Time) float64 {
	d := end.Sub(start).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
