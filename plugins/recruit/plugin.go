// Package recruit posts the recruitment panel and handles its buttons.
package recruit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workbot/internal/eventbus"
	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	"workbot/internal/storage"
	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

const (
	DefaultCooldown = 30 * time.Minute

	module       = "recruit"
	actionPost   = "post"
	actionNotify = "notify"

	panelText = "🙌 **作業仲間募集パネル** 🙌\n「募集する」で作業仲間を募集できます。募集の通知がほしい人は「通知を受け取る」を押してね。"
)

type Config struct {
	// ChannelID receives recruitment posts; empty means the panel's channel.
	ChannelID    string
	NotifyRoleID string
	Cooldown     time.Duration
}

type Plugin struct {
	cfg  Config
	deps plugin.Deps
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config) *Plugin {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Plugin{cfg: cfg}
}

func (p *Plugin) Name() string { return module }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	if deps.Notifier == nil {
		return errors.New("recruit: notifier is required")
	}
	p.deps = deps
	p.log = deps.Logger
	p.now = deps.Clock()
	return nil
}

func (p *Plugin) Register(r *router.Router) {
	r.AddCommand(router.Command{
		Spec: kit.CommandSpec{
			Name:        "recruit_panel",
			Description: "作業仲間募集パネルを設置します。",
		},
		Access: router.AccessAdminOnly,
		Handle: p.handlePanel,
	})
	r.AddComponent(
		router.Component{Module: module, Action: actionPost, Handle: p.handlePost},
		router.Component{Module: module, Action: actionNotify, Handle: p.handleNotify},
	)
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

// Panel is the reply carrying the two panel buttons.
func Panel() kit.Reply {
	return kit.Reply{
		Content: panelText,
		Buttons: []kit.Button{
			{CustomID: router.CustomID(module, actionPost), Label: "募集する", Style: kit.ButtonPrimary},
			{CustomID: router.CustomID(module, actionNotify), Label: "通知を受け取る", Style: kit.ButtonSecondary},
		},
	}
}

func (p *Plugin) handlePanel(ctx context.Context, req *router.Request) error {
	in := req.Interaction
	panel := Panel()
	ref, err := p.deps.Notifier.Send(ctx, notifier.Message{
		Kind:    notifier.KindPanel,
		Target:  in.ChannelID,
		Text:    panel.Content,
		Buttons: panel.Buttons,
		Label:   "recruit_panel",
	})
	p.deps.Audit(ctx, auditEntry(in.UserID, "post_panel", in.ChannelID, err))
	if err != nil {
		return fmt.Errorf("post panel: %w", err)
	}
	p.log.Info("recruit panel posted", logx.String("channel_id", ref.ChannelID), logx.String("message_id", ref.MessageID), logx.String("by", in.UserID))
	p.deps.Publish(eventbus.Event{Type: eventbus.PanelPosted, Time: p.now(), UserID: in.UserID, Data: map[string]any{"channel_id": in.ChannelID}})
	return ephemeral(ctx, req, "パネルを設置しました。")
}

func (p *Plugin) handlePost(ctx context.Context, req *router.Request) error {
	in := req.Interaction
	target := p.cfg.ChannelID
	if target == "" {
		target = in.ChannelID
	}
	text := fmt.Sprintf("📢 %s さんが作業仲間を募集しています！", kit.Mention(in.UserID))
	if p.cfg.NotifyRoleID != "" {
		text = "<@&" + p.cfg.NotifyRoleID + "> " + text
	}
	_, err := p.deps.Notifier.Send(ctx, notifier.Message{
		Kind:     notifier.KindChannel,
		Target:   target,
		Text:     text,
		DedupKey: "recruit:" + in.UserID,
		DedupFor: p.cfg.Cooldown,
		Label:    "recruit_post",
	})
	if errors.Is(err, notifier.ErrSuppressed) {
		return ephemeral(ctx, req, fmt.Sprintf("募集は%d分に1回までです。少し待ってね。", int(p.cfg.Cooldown.Minutes())))
	}
	p.deps.Audit(ctx, auditEntry(in.UserID, "recruit", target, err))
	if err != nil {
		return fmt.Errorf("recruit post: %w", err)
	}
	p.deps.Publish(eventbus.Event{Type: eventbus.RecruitPosted, Time: p.now(), UserID: in.UserID})
	return ephemeral(ctx, req, "募集を投稿しました！")
}

func (p *Plugin) handleNotify(ctx context.Context, req *router.Request) error {
	if p.cfg.NotifyRoleID == "" {
		return ephemeral(ctx, req, "通知ロールが設定されていません。")
	}
	in := req.Interaction
	guild := in.GuildID
	if guild == "" {
		guild = p.deps.GuildID
	}
	member, err := req.Adapter.Member(ctx, guild, in.UserID)
	if err != nil {
		return fmt.Errorf("member %s: %w", in.UserID, err)
	}
	if member.HasRole(p.cfg.NotifyRoleID) {
		if err := req.Adapter.RemoveRole(ctx, guild, in.UserID, p.cfg.NotifyRoleID); err != nil {
			return fmt.Errorf("remove notify role: %w", err)
		}
		return ephemeral(ctx, req, "通知ロールを外しました。")
	}
	if err := req.Adapter.AddRole(ctx, guild, in.UserID, p.cfg.NotifyRoleID); err != nil {
		return fmt.Errorf("add notify role: %w", err)
	}
	return ephemeral(ctx, req, "通知ロールを付けました。募集があるとお知らせします。")
}

func ephemeral(ctx context.Context, req *router.Request, text string) error {
	return req.Adapter.Respond(ctx, req.Interaction, kit.Reply{Content: text, Ephemeral: true})
}

func auditEntry(actor, action, target string, err error) storage.AuditEntry {
	e := storage.AuditEntry{ActorID: actor, Module: module, Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
