package system

import (
	"context"
	"strings"
	"testing"
	"time"

	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	kit "workbot/internal/transport"
	"workbot/internal/transport/transporttest"
	logx "workbot/pkg/logx"
)

func TestDurRel(t *testing.T) {
	cases := map[time.Duration]string{
		42 * time.Second:               "42s",
		3*time.Minute + 5*time.Second:  "3m5s",
		26*time.Hour + 7*time.Minute:   "26h7m",
		-(2*time.Minute + time.Second): "2m1s",
	}
	for in, want := range cases {
		if got := durRel(in); got != want {
			t.Fatalf("durRel(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFmtBytes(t *testing.T) {
	cases := map[uint64]string{
		512:             "512B",
		2048:            "2.0KB",
		5 * 1024 * 1024: "5.0MB",
	}
	for in, want := range cases {
		if got := fmtBytes(in); got != want {
			t.Fatalf("fmtBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	hist := []notifier.HistoryItem{
		{At: now, Label: "reminder", Target: "bump", OK: true},
		{At: now, Label: "session_dm", Target: "u1", OK: false, Error: "forbidden"},
	}
	p := New(Probes{
		SchedulerTicks: func() uint64 { return 7 },
		NotifyHistory:  func() []notifier.HistoryItem { return hist },
	})
	ad := transporttest.New()
	if err := p.Init(context.Background(), plugin.Deps{Logger: logx.Nop(), Adapter: ad, Now: clock}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(90 * time.Minute)

	r := router.New(ad, logx.Nop(), router.Options{})
	p.Register(r)
	specs := r.Specs()
	if len(specs) != 1 || specs[0].Name != "bot_status" || !specs[0].AdminOnly {
		t.Fatalf("specs = %+v", specs)
	}

	req := &router.Request{Interaction: &kit.Interaction{UserID: "admin"}, Adapter: ad, Logger: logx.Nop()}
	if err := p.handleStatus(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	replies := ad.Replies()
	if len(replies) != 1 || !replies[0].Ephemeral {
		t.Fatalf("replies = %+v", replies)
	}
	out := replies[0].Content
	for _, want := range []string{
		"- uptime: 1h30m",
		"- storage: 未接続",
		"- scheduler_ticks: 7",
		"- router_dropped: -",
		"- notifications: 1 sent, 1 failed",
		"session_dm → u1: forbidden",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
}
