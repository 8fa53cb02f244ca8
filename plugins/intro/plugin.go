// Package intro grants the introduction role to members who post in the
// introduction channel, either directly, through an admin's approval
// reaction or through a periodic history backfill.
package intro

import (
	"context"
	"errors"
	"fmt"
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
	DefaultServerName     = "作業場235"
	DefaultApproveEmoji   = "✅"
	DefaultBackfillWindow = 24 * time.Hour
	DefaultBackfillLimit  = 200
	DefaultBackfillEvery  = 8

	welcomeDedupFor = 10 * time.Minute
)

// Source tells how a grant was triggered.
type Source string

const (
	SourceDirect   Source = "direct"
	SourceReaction Source = "reaction"
	SourceBackfill Source = "backfill"
)

type Config struct {
	ChannelID        string
	RoleID           string
	WelcomeChannelID string
	ServerName       string
	ApproveEmoji     string
	BackfillWindow   time.Duration
	BackfillLimit    int
	// BackfillEveryTicks is the scheduler downshift for the backfill scan.
	BackfillEveryTicks int
}

type Plugin struct {
	cfg     Config
	deps    plugin.Deps
	log     logx.Logger
	now     func() time.Time
	isAdmin func(userID string) bool

	// mu keeps the member check and role grant for one user atomic.
	mu sync.Mutex
}

func New(cfg Config) *Plugin {
	if cfg.ServerName == "" {
		cfg.ServerName = DefaultServerName
	}
	if cfg.ApproveEmoji == "" {
		cfg.ApproveEmoji = DefaultApproveEmoji
	}
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = DefaultBackfillWindow
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = DefaultBackfillLimit
	}
	if cfg.BackfillEveryTicks <= 0 {
		cfg.BackfillEveryTicks = DefaultBackfillEvery
	}
	return &Plugin{cfg: cfg, isAdmin: func(string) bool { return false }}
}

func (p *Plugin) Name() string { return "intro" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	if deps.Adapter == nil {
		return errors.New("intro: adapter is required")
	}
	p.deps = deps
	p.log = deps.Logger
	p.now = deps.Clock()
	return nil
}

func (p *Plugin) Register(r *router.Router) {
	p.isAdmin = r.IsAdmin
	r.OnMessage(p.HandleMessage)
	r.OnReaction(p.HandleReaction)
}

func (p *Plugin) Start(ctx context.Context) error {
	if p.cfg.ChannelID == "" || p.cfg.RoleID == "" {
		p.log.Warn("intro channel or role not configured; grants disabled")
	}
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Jobs() []scheduler.Job {
	return []scheduler.Job{{Name: "backfill", EveryTicks: p.cfg.BackfillEveryTicks, Run: p.Backfill}}
}

func (p *Plugin) enabled() bool { return p.cfg.ChannelID != "" && p.cfg.RoleID != "" }

func (p *Plugin) HandleMessage(ctx context.Context, m *kit.Message) {
	if m == nil || !p.enabled() || m.ChannelID != p.cfg.ChannelID || m.AuthorBot {
		return
	}
	for _, r := range m.AuthorRoles {
		if r == p.cfg.RoleID {
			return
		}
	}
	if _, err := p.Grant(ctx, m.AuthorID, SourceDirect); err != nil {
		p.log.Error("intro grant failed", logx.String("user_id", m.AuthorID), logx.Err(err))
	}
}

// HandleReaction approves the reacted introduction when an admin uses the
// approve emoji.
func (p *Plugin) HandleReaction(ctx context.Context, r *kit.Reaction) {
	if r == nil || !p.enabled() || r.ChannelID != p.cfg.ChannelID || r.Emoji != p.cfg.ApproveEmoji {
		return
	}
	if !p.isAdmin(r.UserID) {
		return
	}
	msg, err := p.deps.Adapter.FetchMessage(ctx, r.ChannelID, r.MessageID)
	if err != nil {
		p.log.Warn("approved message not found", logx.String("message_id", r.MessageID), logx.Err(err))
		return
	}
	if msg.AuthorBot || msg.AuthorID == "" {
		return
	}
	if _, err := p.Grant(ctx, msg.AuthorID, SourceReaction); err != nil {
		p.log.Error("intro grant failed", logx.String("user_id", msg.AuthorID), logx.String("approver", r.UserID), logx.Err(err))
	}
}

// Backfill grants the role to recent intro posters who do not have it yet.
func (p *Plugin) Backfill(ctx context.Context) error {
	if !p.enabled() {
		return nil
	}
	msgs, err := p.deps.Adapter.History(ctx, p.cfg.ChannelID, kit.HistoryQuery{
		Limit: p.cfg.BackfillLimit,
		Since: p.now().Add(-p.cfg.BackfillWindow),
	})
	if err != nil {
		return fmt.Errorf("intro history: %w", err)
	}
	seen := map[string]bool{}
	granted := 0
	var errs []error
	for _, m := range msgs {
		if m.AuthorBot || m.AuthorID == "" || seen[m.AuthorID] {
			continue
		}
		seen[m.AuthorID] = true
		ok, err := p.Grant(ctx, m.AuthorID, SourceBackfill)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			granted++
		}
	}
	p.log.Info("intro backfill finished", logx.Int("scanned", len(msgs)), logx.Int("authors", len(seen)), logx.Int("granted", granted))
	return errors.Join(errs...)
}

// Grant gives userID the intro role and posts the welcome. It reports false
// when the user already has the role or is no longer a member.
func (p *Plugin) Grant(ctx context.Context, userID string, src Source) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.log.With(logx.String("user_id", userID), logx.String("source", string(src)))
	member, err := p.deps.Adapter.Member(ctx, p.deps.GuildID, userID)
	if errors.Is(err, kit.ErrNotFound) {
		log.Debug("author is no longer a member")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("member %s: %w", userID, err)
	}
	if member.Bot || member.HasRole(p.cfg.RoleID) {
		return false, nil
	}

	err = p.deps.Adapter.AddRole(ctx, p.deps.GuildID, userID, p.cfg.RoleID)
	audit := storage.AuditEntry{Module: "intro", Action: "grant_role", Target: userID, OK: err == nil, MetaJSON: `{"source":"` + string(src) + `"}`}
	if err != nil {
		audit.Error = err.Error()
		p.deps.Audit(ctx, audit)
		return false, fmt.Errorf("add role to %s: %w", userID, err)
	}
	p.deps.Audit(ctx, audit)
	log.Info("intro role granted")
	p.deps.Publish(eventbus.Event{Type: eventbus.RoleGranted, Time: p.now(), UserID: userID, Data: map[string]any{"source": string(src)}})
	p.welcome(ctx, log, userID, src)
	return true, nil
}

func (p *Plugin) welcome(ctx context.Context, log logx.Logger, userID string, src Source) {
	if p.cfg.WelcomeChannelID == "" || p.deps.Notifier == nil {
		return
	}
	text := WelcomeText(userID, p.cfg.ServerName, src)
	err := p.deps.Notifier.Notify(ctx, notifier.Message{
		Kind:     notifier.KindChannel,
		Target:   p.cfg.WelcomeChannelID,
		Text:     text,
		DedupKey: "welcome:" + userID,
		DedupFor: welcomeDedupFor,
		Label:    "intro_welcome",
	})
	if err != nil {
		log.Warn("welcome not queued", logx.Err(err))
	}
}

func WelcomeText(userID, serverName string, src Source) string {
	text := fmt.Sprintf("🎉%sさん、ようこそ「%s」へ！VCが開放されたよ、自由に使ってね！", kit.Mention(userID), serverName)
	if src == SourceBackfill {
		text += " (履歴チェックより)"
	}
	return text
}
