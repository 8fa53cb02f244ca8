package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	kit "workbot/internal/transport"
)

// Probes exposes runtime counters of components owned by the app. Nil funcs
// are shown as unavailable.
type Probes struct {
	SchedulerTicks func() uint64
	RouterDropped  func() uint64
	BusDropped     func() uint64
	NotifyHistory  func() []notifier.HistoryItem
}

type Plugin struct {
	probes    Probes
	deps      plugin.Deps
	now       func() time.Time
	startedAt time.Time
}

func New(p Probes) *Plugin     { return &Plugin{probes: p} }
func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.deps = deps
	p.now = deps.Clock()
	p.startedAt = p.now()
	return nil
}

func (p *Plugin) Register(r *router.Router) {
	r.AddCommand(router.Command{
		Spec: kit.CommandSpec{
			Name:        "bot_status",
			Description: "ボットの稼働状況を表示します。",
		},
		Access:  router.AccessAdminOnly,
		Timeout: 5 * time.Second,
		Handle:  p.handleStatus,
	})
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) handleStatus(ctx context.Context, req *router.Request) error {
	return req.Adapter.Respond(ctx, req.Interaction, kit.Reply{Content: p.Status(), Ephemeral: true})
}

// Status renders the operational summary shown by /bot_status.
func (p *Plugin) Status() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}

	storage := "未接続"
	if p.deps.Store != nil {
		storage = "接続中"
	}

	lines := []string{
		"🧠 **bot status**",
		"- uptime: " + durRel(p.now().Sub(p.startedAt)),
		"- go: " + runtime.Version(),
		"- module: " + mod,
		fmt.Sprintf("- goroutines: %d", runtime.NumGoroutine()),
		"- mem_alloc: " + fmtBytes(m.Alloc),
		"- storage: " + storage,
		"- scheduler_ticks: " + counter(p.probes.SchedulerTicks),
		"- router_dropped: " + counter(p.probes.RouterDropped),
		"- bus_dropped: " + counter(p.probes.BusDropped),
	}

	if p.probes.NotifyHistory != nil {
		hist := p.probes.NotifyHistory()
		var failed []notifier.HistoryItem
		for _, it := range hist {
			if !it.OK {
				failed = append(failed, it)
			}
		}
		lines = append(lines, fmt.Sprintf("- notifications: %d sent, %d failed", len(hist)-len(failed), len(failed)))
		// newest three failures
		for i := len(failed) - 1; i >= 0 && i >= len(failed)-3; i-- {
			it := failed[i]
			lines = append(lines, fmt.Sprintf("  - %s %s → %s: %s", it.At.Format("01-02 15:04"), it.Label, it.Target, it.Error))
		}
	}
	return strings.Join(lines, "\n")
}

func counter(fn func() uint64) string {
	if fn == nil {
		return "-"
	}
	return fmt.Sprintf("%d", fn())
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
