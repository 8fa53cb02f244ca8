package intro

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	kit "workbot/internal/transport"
	"workbot/internal/transport/transporttest"
	logx "workbot/pkg/logx"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notifier.Message
	keys map[string]bool
}

func (f *fakeNotifier) Send(ctx context.Context, m notifier.Message) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.DedupKey != "" {
		if f.keys == nil {
			f.keys = map[string]bool{}
		}
		if f.keys[m.DedupKey] {
			return kit.MessageRef{}, notifier.ErrSuppressed
		}
		f.keys[m.DedupKey] = true
	}
	f.msgs = append(f.msgs, m)
	return kit.MessageRef{}, nil
}

func (f *fakeNotifier) Notify(ctx context.Context, m notifier.Message) error {
	_, err := f.Send(ctx, m)
	if errors.Is(err, notifier.ErrSuppressed) {
		return nil
	}
	return err
}

func (f *fakeNotifier) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.Text)
	}
	return out
}

func setup(t *testing.T) (*Plugin, *transporttest.Adapter, *fakeNotifier) {
	t.Helper()
	ad := transporttest.New()
	n := &fakeNotifier{}
	p := New(Config{ChannelID: "intro", RoleID: "member", WelcomeChannelID: "welcome"})
	deps := plugin.Deps{Logger: logx.Nop(), Adapter: ad, Notifier: n, GuildID: "g", Now: func() time.Time { return t0 }}
	if err := p.Init(context.Background(), deps); err != nil {
		t.Fatal(err)
	}
	p.Register(router.New(ad, logx.Nop(), router.Options{Admins: []string{"mod"}}))
	return p, ad, n
}

func TestDirectIntroGrantsRole(t *testing.T) {
	p, ad, n := setup(t)
	ad.Members["u1"] = kit.Member{UserID: "u1"}
	ctx := context.Background()

	p.HandleMessage(ctx, &kit.Message{ID: "m1", ChannelID: "intro", AuthorID: "u1", Content: "はじめまして"})
	p.HandleMessage(ctx, &kit.Message{ID: "m2", ChannelID: "intro", AuthorID: "u1", Content: "よろしく"})

	rc := ad.RoleChanges()
	if len(rc) != 1 || rc[0].UserID != "u1" || rc[0].RoleID != "member" || !rc[0].Added {
		t.Fatalf("role changes=%+v", rc)
	}
	want := "🎉<@u1>さん、ようこそ「作業場235」へ！VCが開放されたよ、自由に使ってね！"
	if texts := n.Texts(); len(texts) != 1 || texts[0] != want {
		t.Fatalf("welcome=%q", texts)
	}
}

func TestIntroIgnoresOtherChannelsAndBots(t *testing.T) {
	p, ad, _ := setup(t)
	ad.Members["u1"] = kit.Member{UserID: "u1"}
	ad.Members["b"] = kit.Member{UserID: "b", Bot: true}
	ctx := context.Background()
	p.HandleMessage(ctx, &kit.Message{ChannelID: "chat", AuthorID: "u1"})
	p.HandleMessage(ctx, &kit.Message{ChannelID: "intro", AuthorID: "b", AuthorBot: true})
	p.HandleMessage(ctx, &kit.Message{ChannelID: "intro", AuthorID: "u1", AuthorRoles: []string{"member"}})
	if rc := ad.RoleChanges(); len(rc) != 0 {
		t.Fatalf("role changes=%+v", rc)
	}
}

func TestReactionApprovalRequiresAdmin(t *testing.T) {
	p, ad, n := setup(t)
	ad.Members["u2"] = kit.Member{UserID: "u2"}
	ad.Messages["m9"] = kit.Message{ID: "m9", ChannelID: "intro", AuthorID: "u2"}
	ctx := context.Background()

	p.HandleReaction(ctx, &kit.Reaction{ChannelID: "intro", MessageID: "m9", UserID: "random", Emoji: "✅"})
	p.HandleReaction(ctx, &kit.Reaction{ChannelID: "intro", MessageID: "m9", UserID: "mod", Emoji: "👍"})
	if len(ad.RoleChanges()) != 0 {
		t.Fatal("granted without admin approval")
	}
	p.HandleReaction(ctx, &kit.Reaction{ChannelID: "intro", MessageID: "m9", UserID: "mod", Emoji: "✅"})
	if rc := ad.RoleChanges(); len(rc) != 1 || rc[0].UserID != "u2" {
		t.Fatalf("role changes=%+v", rc)
	}
	if len(n.Texts()) != 1 {
		t.Fatal("welcome missing")
	}
}

func TestBackfillGrantsMissedAuthors(t *testing.T) {
	p, ad, n := setup(t)
	ad.Members["a"] = kit.Member{UserID: "a"}
	ad.Members["b"] = kit.Member{UserID: "b", Roles: []string{"member"}}
	ad.Members["c"] = kit.Member{UserID: "c"}
	ad.Histories["intro"] = []kit.Message{
		{ID: "5", AuthorID: "a", CreatedAt: t0.Add(-time.Hour)},
		{ID: "4", AuthorID: "a", CreatedAt: t0.Add(-2 * time.Hour)},
		{ID: "3", AuthorID: "b", CreatedAt: t0.Add(-3 * time.Hour)},
		{ID: "2", AuthorID: "gone", CreatedAt: t0.Add(-4 * time.Hour)},
		{ID: "1", AuthorID: "c", CreatedAt: t0.Add(-30 * time.Hour)},
	}
	if err := p.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	rc := ad.RoleChanges()
	if len(rc) != 1 || rc[0].UserID != "a" {
		t.Fatalf("role changes=%+v", rc)
	}
	want := "🎉<@a>さん、ようこそ「作業場235」へ！VCが開放されたよ、自由に使ってね！ (履歴チェックより)"
	if texts := n.Texts(); len(texts) != 1 || texts[0] != want {
		t.Fatalf("welcome=%q", texts)
	}
	// a second run finds nothing left to do
	if err := p.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ad.RoleChanges()) != 1 {
		t.Fatal("backfill is not idempotent")
	}
}

func TestGrantRoleFailure(t *testing.T) {
	p, ad, n := setup(t)
	ad.Members["u1"] = kit.Member{UserID: "u1"}
	ad.RoleErr = kit.ErrForbidden
	ok, err := p.Grant(context.Background(), "u1", SourceDirect)
	if ok || !errors.Is(err, kit.ErrForbidden) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(n.Texts()) != 0 {
		t.Fatal("welcome sent without role")
	}
}

func TestBackfillJobCadence(t *testing.T) {
	p := New(Config{BackfillEveryTicks: 4})
	jobs := p.Jobs()
	if len(jobs) != 1 || jobs[0].EveryTicks != 4 || jobs[0].Name != "backfill" {
		t.Fatalf("jobs=%+v", jobs)
	}
	if New(Config{}).Jobs()[0].EveryTicks != DefaultBackfillEvery {
		t.Fatal("default cadence")
	}
}
