package notifier

import (
	"time"

	kit "workbot/internal/transport"
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single platform call.
	SendTimeout time.Duration
}

type Kind int

const (
	KindChannel Kind = iota
	KindDM
	KindPanel
)

// Message is one outbound message. Target is a channel id, or a user id for DMs.
type Message struct {
	Kind    Kind
	Target  string
	Text    string
	Buttons []kit.Button

	// DedupKey suppresses repeats within DedupFor. Empty key or zero window disables it.
	DedupKey string
	DedupFor time.Duration

	// Label names the message in logs and history ("reminder", "welcome", ...).
	Label string
}

type HistoryItem struct {
	At     time.Time
	Label  string
	Target string
	OK     bool
	Error  string
}
