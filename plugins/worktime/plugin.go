package worktime

import (
	"context"
	"time"

	"workbot/internal/eventbus"
	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	"workbot/internal/storage"
	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

// Accumulator is the durable side of session accounting. storage.Store
// implements it.
type Accumulator interface {
	Commit(ctx context.Context, userID string, start, end time.Time) (float64, error)
	Total(ctx context.Context, userID string) (float64, error)
	TotalSince(ctx context.Context, userID string, since time.Time) (float64, error)
	TopN(ctx context.Context, limit int, since time.Time) ([]storage.Ranked, error)
}

type Config struct {
	Policy             string
	TargetChannelIDs   []string
	ExcludedChannelIDs []string
	NotifyDM           bool
	RankingLimit       int
	Location           *time.Location
}

const commitTimeout = 5 * time.Second

type Plugin struct {
	cfg    Config
	deps   plugin.Deps
	log    logx.Logger
	policy Policy
	ledger *Ledger
	acc    Accumulator
	now    func() time.Time
}

func New(cfg Config) *Plugin {
	if cfg.RankingLimit <= 0 {
		cfg.RankingLimit = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Plugin{cfg: cfg, ledger: NewLedger()}
}

func (p *Plugin) Name() string { return "worktime" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	pol, err := NewPolicy(p.cfg.Policy, p.cfg.TargetChannelIDs, p.cfg.ExcludedChannelIDs)
	if err != nil {
		return err
	}
	p.policy = pol
	p.deps = deps
	p.log = deps.Logger
	p.now = deps.Clock()
	if deps.Store != nil {
		p.acc = deps.Store
	}
	return nil
}

func (p *Plugin) Register(r *router.Router) {
	r.OnVoice(p.HandleVoice)
	r.AddCommand(p.commands()...)
}

func (p *Plugin) Start(ctx context.Context) error {
	p.log.Info("session tracking active", logx.String("policy", p.policy.Mode()), logx.Bool("storage", p.acc != nil))
	return nil
}

// Stop drops open sessions. They are logged, not committed.
func (p *Plugin) Stop(ctx context.Context) error {
	now := p.now()
	for uid, start := range p.ledger.Drain() {
		p.log.Warn("open session discarded at shutdown", logx.String("user_id", uid), logx.Duration("elapsed", now.Sub(start)))
	}
	return nil
}

// Ledger exposes the session ledger (read-only use).
func (p *Plugin) Ledger() *Ledger { return p.ledger }

// HandleVoice classifies one presence transition and accounts a closed session.
func (p *Plugin) HandleVoice(ctx context.Context, v *kit.VoiceState) {
	if v == nil || v.Bot || v.UserID == "" {
		return
	}
	was, is := p.policy.Classify(v.BeforeChannelID, v.AfterChannelID)
	now := v.At
	if now.IsZero() {
		now = p.now()
	}
	out := p.ledger.RecordTransition(v.UserID, was, is, now)
	log := p.log.With(logx.String("user_id", v.UserID), logx.String("name", v.DisplayName))

	switch out.Kind {
	case Started:
		log.Info("session started", logx.String("channel_id", v.AfterChannelID))
		p.deps.Publish(eventbus.Event{Type: eventbus.SessionStarted, Time: now, UserID: v.UserID})
	case Ended:
		p.closeSession(ctx, log, v.UserID, out)
	}
}

func (p *Plugin) closeSession(ctx context.Context, log logx.Logger, userID string, out Outcome) {
	secs := out.Duration.Seconds()
	formatted := FormatDuration(secs)
	log = log.With(logx.String("duration", formatted))

	if p.acc == nil {
		log.Warn("session ended but storage is unavailable; duration not recorded")
	} else {
		cctx, cancel := context.WithTimeout(ctx, commitTimeout)
		total, err := p.acc.Commit(cctx, userID, out.Start, out.End)
		cancel()
		if err != nil {
			log.Error("session commit failed; duration lost", logx.Err(err))
		} else {
			log.Info("session ended", logx.Float64("total_seconds", total))
		}
	}
	p.deps.Publish(eventbus.Event{Type: eventbus.SessionEnded, Time: out.End, UserID: userID, Data: map[string]any{"seconds": secs}})

	if !p.cfg.NotifyDM || p.deps.Notifier == nil {
		return
	}
	err := p.deps.Notifier.Notify(ctx, notifier.Message{
		Kind:   notifier.KindDM,
		Target: userID,
		Text:   "お疲れ様！今回の作業時間は **" + formatted + "** だったよ。",
		Label:  "session_summary",
	})
	if err != nil {
		log.Warn("session summary not queued", logx.Err(err))
	}
}
