package bump

import "time"

// Trigger is the newest bump confirmation seen in the bump channel.
type Trigger struct {
	ID         string
	ObservedAt time.Time
}

type DecisionKind int

const (
	NoTrigger DecisionKind = iota
	AlreadyAcked
	TooEarly
	Owed
)

func (k DecisionKind) String() string {
	switch k {
	case AlreadyAcked:
		return "already_acked"
	case TooEarly:
		return "too_early"
	case Owed:
		return "owed"
	default:
		return "no_trigger"
	}
}

type Decision struct {
	Kind DecisionKind
	// DueAt is when the reminder becomes owed (set for TooEarly and Owed).
	DueAt time.Time
}

// Decide evaluates one tick. It has no side effects: the caller sends the
// reminder on Owed and only then stores trigger.ID as the acknowledged marker.
func Decide(trigger *Trigger, lastAcked string, now time.Time, cooldown time.Duration) Decision {
	if trigger == nil || trigger.ID == "" {
		return Decision{Kind: NoTrigger}
	}
	if trigger.ID == lastAcked {
		return Decision{Kind: AlreadyAcked}
	}
	due := trigger.ObservedAt.Add(cooldown)
	if now.Before(due) {
		return Decision{Kind: TooEarly, DueAt: due}
	}
	return Decision{Kind: Owed, DueAt: due}
}
