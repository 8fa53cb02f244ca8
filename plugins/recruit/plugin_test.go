package recruit

import (
	"context"
	"testing"
	"time"

	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	kit "workbot/internal/transport"
	"workbot/internal/transport/transporttest"
	logx "workbot/pkg/logx"
)

func setup(t *testing.T, cfg Config) (*Plugin, *transporttest.Adapter, *router.Router) {
	t.Helper()
	ad := transporttest.New()
	n := notifier.New(notifier.Config{RatePerSec: 1000, RetryBase: time.Millisecond}, ad, logx.Nop(), nil, nil)
	p := New(cfg)
	if err := p.Init(context.Background(), plugin.Deps{Logger: logx.Nop(), Adapter: ad, Notifier: n, GuildID: "g"}); err != nil {
		t.Fatal(err)
	}
	r := router.New(ad, logx.Nop(), router.Options{Admins: []string{"admin"}})
	p.Register(r)
	return p, ad, r
}

func req(ad kit.Adapter, user, channel string) *router.Request {
	return &router.Request{
		Interaction: &kit.Interaction{Kind: kit.InteractionComponent, UserID: user, ChannelID: channel, GuildID: "g"},
		Adapter:     ad,
		Logger:      logx.Nop(),
	}
}

func lastReply(t *testing.T, ad *transporttest.Adapter) kit.Reply {
	t.Helper()
	r := ad.Replies()
	if len(r) == 0 {
		t.Fatal("no reply")
	}
	return r[len(r)-1]
}

func TestPanelCommandIsAdminOnly(t *testing.T) {
	_, _, r := setup(t, Config{})
	specs := r.Specs()
	if len(specs) != 1 || specs[0].Name != "recruit_panel" || !specs[0].AdminOnly {
		t.Fatalf("specs=%+v", specs)
	}
}

func TestPanelPosted(t *testing.T) {
	p, ad, _ := setup(t, Config{})
	if err := p.handlePanel(context.Background(), req(ad, "admin", "lobby")); err != nil {
		t.Fatal(err)
	}
	sent := ad.Sent()
	if len(sent) != 1 || sent[0].Kind != "panel" || sent[0].Target != "lobby" {
		t.Fatalf("sent=%+v", sent)
	}
	if b := sent[0].Buttons; len(b) != 2 || b[0].CustomID != "recruit:post" || b[1].CustomID != "recruit:notify" || b[0].Label != "募集する" {
		t.Fatalf("buttons=%+v", b)
	}
	if r := lastReply(t, ad); !r.Ephemeral {
		t.Fatal("panel confirmation should be ephemeral")
	}
}

func TestRecruitPostCooldown(t *testing.T) {
	p, ad, _ := setup(t, Config{ChannelID: "recruit", NotifyRoleID: "ping"})
	ctx := context.Background()

	if err := p.handlePost(ctx, req(ad, "u1", "lobby")); err != nil {
		t.Fatal(err)
	}
	if err := p.handlePost(ctx, req(ad, "u1", "lobby")); err != nil {
		t.Fatal(err)
	}
	if err := p.handlePost(ctx, req(ad, "u2", "lobby")); err != nil {
		t.Fatal(err)
	}

	sent := ad.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent=%+v", sent)
	}
	if want := "<@&ping> 📢 <@u1> さんが作業仲間を募集しています！"; sent[0].Target != "recruit" || sent[0].Text != want {
		t.Fatalf("post=%+v", sent[0])
	}
	replies := ad.Replies()
	if len(replies) != 3 || replies[1].Content != "募集は30分に1回までです。少し待ってね。" || !replies[1].Ephemeral {
		t.Fatalf("replies=%+v", replies)
	}
}

func TestNotifyRoleToggle(t *testing.T) {
	p, ad, _ := setup(t, Config{NotifyRoleID: "ping"})
	ad.Members["u1"] = kit.Member{UserID: "u1"}
	ctx := context.Background()

	for range 2 {
		if err := p.handleNotify(ctx, req(ad, "u1", "lobby")); err != nil {
			t.Fatal(err)
		}
	}
	rc := ad.RoleChanges()
	if len(rc) != 2 || !rc[0].Added || rc[1].Added || rc[0].RoleID != "ping" {
		t.Fatalf("role changes=%+v", rc)
	}
	if r := lastReply(t, ad); r.Content != "通知ロールを外しました。" {
		t.Fatalf("reply=%q", r.Content)
	}
}

func TestNotifyWithoutRole(t *testing.T) {
	p, ad, _ := setup(t, Config{})
	if err := p.handleNotify(context.Background(), req(ad, "u1", "lobby")); err != nil {
		t.Fatal(err)
	}
	if r := lastReply(t, ad); r.Content != "通知ロールが設定されていません。" {
		t.Fatalf("reply=%q", r.Content)
	}
}
