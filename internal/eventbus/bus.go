package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the feature modules.
const (
	SessionStarted = "worktime.session_started"
	SessionEnded   = "worktime.session_ended"
	ReminderSent   = "bump.reminder_sent"
	BumpCounted    = "bump.counted"
	RoleGranted    = "intro.role_granted"
	PanelPosted    = "recruit.panel_posted"
	RecruitPosted  = "recruit.posted"
	NotifySent     = "notifier.sent"
	NotifyFailed   = "notifier.failed"
)

// Event is a small in-memory signal. Publish never blocks; slow subscribers
// lose events.
type Event struct {
	Type   string
	Time   time.Time
	UserID string
	Data   map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a fanout bus without background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// close under the write lock so no Publish can be mid-send
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
