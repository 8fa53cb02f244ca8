package bump

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"workbot/internal/eventbus"
	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	"workbot/internal/storage"
	"workbot/internal/task/scheduler"
	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

const (
	DefaultBotID    = "302050872383242240"
	DefaultMarker   = "表示順をアップしたよ"
	DefaultCooldown = 2 * time.Hour
	DefaultLookback = 100

	reminderText = "みんな、DISBOARDの **/bump** の時間だよ！\nサーバーの表示順を上げて、新しい仲間を増やそう！"
	reportHeader = "📈 **Bump実行回数レポート** 📈"

	// confirmations are remembered this long to drop redelivered messages
	seenFor = 24 * time.Hour
)

type Config struct {
	ChannelID    string
	LogChannelID string
	BotID        string
	Marker       string
	Cooldown     time.Duration
	Lookback     int
}

type Plugin struct {
	cfg  Config
	deps plugin.Deps
	log  logx.Logger
	now  func() time.Time

	// mu serializes the marker read-check-send-write sequence.
	mu    sync.Mutex
	acked string

	countMu sync.Mutex
}

func New(cfg Config) *Plugin {
	if cfg.BotID == "" {
		cfg.BotID = DefaultBotID
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Plugin{cfg: cfg}
}

func (p *Plugin) Name() string { return "bump" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	if deps.Adapter == nil || deps.Notifier == nil {
		return fmt.Errorf("bump: adapter and notifier are required")
	}
	p.deps = deps
	p.log = deps.Logger
	p.now = deps.Clock()
	return nil
}

func (p *Plugin) Register(r *router.Router) {
	r.OnMessage(p.HandleMessage)
}

func (p *Plugin) Start(ctx context.Context) error {
	if p.cfg.ChannelID == "" {
		p.log.Warn("bump channel not configured; reminder is idle")
	}
	if p.deps.Store == nil {
		p.log.Warn("storage disabled; reminder marker is kept in memory only")
	}
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Jobs() []scheduler.Job {
	return []scheduler.Job{{Name: "reminder", EveryTicks: 1, Run: p.CheckReminder}}
}

// CheckReminder runs one debouncer evaluation against the bump channel.
func (p *Plugin) CheckReminder(ctx context.Context) error {
	if p.cfg.ChannelID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs, err := p.deps.Adapter.History(ctx, p.cfg.ChannelID, kit.HistoryQuery{Limit: p.cfg.Lookback})
	if err != nil {
		return fmt.Errorf("bump history: %w", err)
	}
	trig := FindTrigger(msgs, p.cfg.BotID)
	last, err := p.lastAcked(ctx)
	if err != nil {
		return err
	}

	now := p.now()
	d := Decide(trig, last, now, p.cfg.Cooldown)
	if d.Kind != Owed {
		fields := []logx.Field{logx.String("decision", d.Kind.String())}
		if d.Kind == TooEarly {
			fields = append(fields, logx.Duration("due_in", d.DueAt.Sub(now)))
		}
		p.log.Debug("reminder check", fields...)
		return nil
	}

	_, err = p.deps.Notifier.Send(ctx, notifier.Message{
		Kind:   notifier.KindChannel,
		Target: p.cfg.ChannelID,
		Text:   reminderText,
		Label:  "bump_reminder",
	})
	if err != nil {
		return fmt.Errorf("send reminder for %s: %w", trig.ID, err)
	}

	// Sent. A failed write below can only cause one extra reminder after restart.
	p.acked = trig.ID
	if p.deps.Store != nil {
		if err := p.deps.Store.PutMarker(ctx, storage.MarkerBumpAcked, trig.ID); err != nil {
			p.log.Error("reminder sent but marker not persisted", logx.String("trigger_id", trig.ID), logx.Err(err))
		}
	}
	p.log.Info("bump reminder sent", logx.String("trigger_id", trig.ID), logx.Time("trigger_at", trig.ObservedAt))
	p.deps.Publish(eventbus.Event{Type: eventbus.ReminderSent, Time: now, Data: map[string]any{"trigger_id": trig.ID}})
	p.deps.Audit(ctx, storage.AuditEntry{Module: "bump", Action: "reminder", Target: p.cfg.ChannelID, OK: true})
	return nil
}

func (p *Plugin) lastAcked(ctx context.Context) (string, error) {
	if p.acked != "" || p.deps.Store == nil {
		return p.acked, nil
	}
	v, _, err := p.deps.Store.GetMarker(ctx, storage.MarkerBumpAcked)
	if err != nil {
		return "", fmt.Errorf("read reminder marker: %w", err)
	}
	return v, nil
}

// HandleMessage counts bump confirmations and posts the tally report.
func (p *Plugin) HandleMessage(ctx context.Context, m *kit.Message) {
	if m == nil || p.cfg.ChannelID == "" || m.ChannelID != p.cfg.ChannelID {
		return
	}
	if !IsConfirmation(*m, p.cfg.BotID, p.cfg.Marker) {
		return
	}
	uid := ResolveBumper(ctx, *m, p.deps.Adapter.FetchMessage)
	if uid == "" {
		p.log.Warn("bump confirmation without a resolvable user", logx.String("message_id", m.ID))
		return
	}
	log := p.log.With(logx.String("user_id", uid), logx.String("message_id", m.ID))
	st := p.deps.Store
	if st == nil {
		log.Info("bump detected; storage disabled, not counted")
		return
	}

	p.countMu.Lock()
	n, counted, err := p.count(ctx, st, m.ID, uid)
	p.countMu.Unlock()
	if err != nil {
		log.Error("bump count failed", logx.Err(err))
		return
	}
	if !counted {
		log.Debug("bump confirmation already counted")
		return
	}
	log.Info("bump detected", logx.Int64("count", n))
	p.deps.Publish(eventbus.Event{Type: eventbus.BumpCounted, Time: p.now(), UserID: uid, Data: map[string]any{"count": n}})

	if p.cfg.LogChannelID == "" {
		return
	}
	report, err := p.Report(ctx)
	if err != nil {
		log.Error("bump report failed", logx.Err(err))
		return
	}
	if err := p.deps.Notifier.Notify(ctx, notifier.Message{Kind: notifier.KindChannel, Target: p.cfg.LogChannelID, Text: report, Label: "bump_report"}); err != nil {
		log.Warn("bump report not queued", logx.Err(err))
	}
}

func (p *Plugin) count(ctx context.Context, st storage.Store, messageID, userID string) (int64, bool, error) {
	key := "bump:" + messageID
	if until, ok, err := st.GetDedup(ctx, key); err != nil {
		return 0, false, err
	} else if ok && p.now().Before(until) {
		return 0, false, nil
	}
	n, err := st.IncrementCounter(ctx, storage.CounterBump, userID)
	if err != nil {
		return 0, false, err
	}
	if err := st.PutDedup(ctx, key, p.now().Add(seenFor)); err != nil {
		p.log.Warn("bump dedup not stored", logx.Err(err))
	}
	return n, true, nil
}

// Report renders the bump tally, highest count first.
func (p *Plugin) Report(ctx context.Context) (string, error) {
	if p.deps.Store == nil {
		return "", storage.ErrDisabled
	}
	rows, err := p.deps.Store.Counters(ctx, storage.CounterBump)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, reportHeader)
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("・%s: %d回", p.displayName(ctx, r.UserID), r.Count))
	}
	return strings.Join(lines, "\n"), nil
}

func (p *Plugin) displayName(ctx context.Context, userID string) string {
	if p.deps.GuildID != "" {
		if m, err := p.deps.Adapter.Member(ctx, p.deps.GuildID, userID); err == nil && m.DisplayName != "" {
			return m.DisplayName
		}
	}
	return "ID: " + userID
}
