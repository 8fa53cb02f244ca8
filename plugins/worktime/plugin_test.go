package worktime

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"workbot/internal/eventbus"
	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	"workbot/internal/storage"
	kit "workbot/internal/transport"
	"workbot/internal/transport/transporttest"
	logx "workbot/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type commit struct {
	UserID     string
	Start, End time.Time
}

type memAcc struct {
	mu      sync.Mutex
	totals  map[string]float64
	commits []commit
	err     error // Commit
	readErr error // Total and TopN
}

func newMemAcc() *memAcc { return &memAcc{totals: map[string]float64{}} }

func (a *memAcc) Commit(ctx context.Context, userID string, start, end time.Time) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.commits = append(a.commits, commit{userID, start, end})
	a.totals[userID] += end.Sub(start).Seconds()
	return a.totals[userID], nil
}

func (a *memAcc) Total(ctx context.Context, userID string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readErr != nil {
		return 0, a.readErr
	}
	return a.totals[userID], nil
}

func (a *memAcc) TotalSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	return a.Total(ctx, userID)
}

func (a *memAcc) TopN(ctx context.Context, limit int, since time.Time) ([]storage.Ranked, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return nil, a.readErr
}

func (a *memAcc) Commits() []commit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]commit(nil), a.commits...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (f *fakeNotifier) Send(ctx context.Context, m notifier.Message) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return kit.MessageRef{}, nil
}

func (f *fakeNotifier) Notify(ctx context.Context, m notifier.Message) error {
	_, err := f.Send(ctx, m)
	return err
}

func (f *fakeNotifier) Messages() []notifier.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Message(nil), f.msgs...)
}

type fixture struct {
	p     *Plugin
	acc   *memAcc
	note  *fakeNotifier
	ad    *transporttest.Adapter
	clock *clock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, withStore bool) *fixture {
	t.Helper()
	f := &fixture{
		acc:   newMemAcc(),
		note:  &fakeNotifier{},
		ad:    transporttest.New(),
		clock: &clock{t: t0},
		bus:   eventbus.New(),
	}
	f.p = New(cfg)
	deps := plugin.Deps{
		Logger:   logx.Nop(),
		Adapter:  f.ad,
		Notifier: f.note,
		Bus:      f.bus,
		GuildID:  "g",
		Now:      f.clock.Now,
	}
	if err := f.p.Init(context.Background(), deps); err != nil {
		t.Fatal(err)
	}
	if withStore {
		f.p.acc = f.acc
	}
	return f
}

func (f *fixture) move(user, before, after string) {
	f.p.HandleVoice(context.Background(), &kit.VoiceState{UserID: user, BeforeChannelID: before, AfterChannelID: after})
}

func workCfg() Config {
	return Config{Policy: PolicyAllow, TargetChannelIDs: []string{"w1", "w2"}, NotifyDM: true}
}

func TestSessionCommittedOnLeave(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.move("u", "", "w1")
	f.clock.Advance(3661 * time.Second)
	f.move("u", "w1", "")

	got := f.acc.Commits()
	if len(got) != 1 || !got[0].Start.Equal(t0) || got[0].End.Sub(got[0].Start) != 3661*time.Second {
		t.Fatalf("commits=%+v", got)
	}
	msgs := f.note.Messages()
	if len(msgs) != 1 || msgs[0].Kind != notifier.KindDM || msgs[0].Target != "u" {
		t.Fatalf("dm=%+v", msgs)
	}
	if want := "お疲れ様！今回の作業時間は **1時間 1分 1秒** だったよ。"; msgs[0].Text != want {
		t.Fatalf("dm text=%q", msgs[0].Text)
	}
}

func TestMoveBetweenWorkChannelsKeepsSession(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.move("u", "", "w1")
	f.clock.Advance(10 * time.Minute)
	f.move("u", "w1", "w2")
	f.clock.Advance(20 * time.Minute)
	f.move("u", "w2", "lounge")

	got := f.acc.Commits()
	if len(got) != 1 || got[0].End.Sub(got[0].Start) != 30*time.Minute {
		t.Fatalf("commits=%+v", got)
	}
}

func TestRedeliveredLeaveCountsOnce(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.move("u", "", "w1")
	f.clock.Advance(time.Minute)
	f.move("u", "w1", "")
	f.move("u", "w1", "")
	if n := len(f.acc.Commits()); n != 1 {
		t.Fatalf("commits=%d", n)
	}
}

func TestSessionUsesTransitionTime(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	join := t0.Add(-5 * time.Minute)
	f.p.HandleVoice(context.Background(), &kit.VoiceState{UserID: "u", AfterChannelID: "w1", At: join})
	// the leave is handled late; the plugin clock has moved past it
	f.clock.Advance(time.Hour)
	f.p.HandleVoice(context.Background(), &kit.VoiceState{UserID: "u", BeforeChannelID: "w1", At: t0.Add(20 * time.Minute)})

	got := f.acc.Commits()
	if len(got) != 1 || !got[0].Start.Equal(join) || got[0].End.Sub(got[0].Start) != 25*time.Minute {
		t.Fatalf("commits=%+v", got)
	}
}

func TestBotsIgnored(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.p.HandleVoice(context.Background(), &kit.VoiceState{UserID: "bot", Bot: true, AfterChannelID: "w1"})
	if f.p.Ledger().Open() != 0 {
		t.Fatal("bot session opened")
	}
}

func TestCommitFailureStillClosesSession(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.acc.err = errors.New("disk full")
	f.move("u", "", "w1")
	f.clock.Advance(time.Minute)
	f.move("u", "w1", "")
	if f.p.Ledger().Open() != 0 {
		t.Fatal("session left open after failed commit")
	}
	if len(f.note.Messages()) != 1 {
		t.Fatal("dm not sent")
	}
}

func TestSessionEventsPublished(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()
	f.move("u", "", "w1")
	f.clock.Advance(time.Second)
	f.move("u", "w1", "")

	var types []string
	for range 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events=%v", types)
		}
	}
	if types[0] != eventbus.SessionStarted || types[1] != eventbus.SessionEnded {
		t.Fatalf("events=%v", types)
	}
}

func worktimeReq(f *fixture, name string, opts map[string]string) *router.Request {
	return &router.Request{
		Interaction: &kit.Interaction{Kind: kit.InteractionCommand, Name: name, UserID: "caller", Options: opts},
		Command:     name,
		Adapter:     f.ad,
		Logger:      logx.Nop(),
	}
}

func lastReply(t *testing.T, ad *transporttest.Adapter) string {
	t.Helper()
	r := ad.Replies()
	if len(r) == 0 {
		t.Fatal("no reply")
	}
	return r[len(r)-1].Content
}

func TestWorktimeIncludesOpenSession(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.move("u", "", "w1")
	f.clock.Advance(time.Hour)
	f.move("u", "w1", "")
	f.move("u", "", "w1")
	f.clock.Advance(61 * time.Second)

	if err := f.p.handleWorktime(context.Background(), worktimeReq(f, "worktime", map[string]string{"member": "u"})); err != nil {
		t.Fatal(err)
	}
	want := "<@u> さんの累計作業時間は **1時間 1分 1秒** です。"
	if got := lastReply(t, f.ad); got != want {
		t.Fatalf("reply=%q", got)
	}
	if f.ad.Deferred() != 1 {
		t.Fatal("worktime must defer before answering")
	}
	// the durable total is untouched by the peek
	if total, _ := f.acc.Total(context.Background(), "u"); total != 3600 {
		t.Fatalf("stored total=%v", total)
	}
}

func TestWorktimeWithoutStore(t *testing.T) {
	f := newFixture(t, workCfg(), false)
	if err := f.p.handleWorktime(context.Background(), worktimeReq(f, "worktime", map[string]string{"member": "u"})); err != nil {
		t.Fatal(err)
	}
	if got := lastReply(t, f.ad); got != replyNotConnected {
		t.Fatalf("reply=%q", got)
	}
	if err := f.p.handleRanking(context.Background(), worktimeReq(f, "worktime_ranking", nil)); err != nil {
		t.Fatal(err)
	}
	if got := lastReply(t, f.ad); got != replyNotConnected {
		t.Fatalf("reply=%q", got)
	}
}

func TestCommandsAnswerWhenStoreReadFails(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.acc.readErr = errors.New("db down")

	if err := f.p.handleWorktime(context.Background(), worktimeReq(f, "worktime", map[string]string{"member": "u"})); !errors.Is(err, f.acc.readErr) {
		t.Fatalf("worktime err=%v", err)
	}
	if err := f.p.handleRanking(context.Background(), worktimeReq(f, "worktime_ranking", nil)); !errors.Is(err, f.acc.readErr) {
		t.Fatalf("ranking err=%v", err)
	}
	if f.ad.Deferred() != 2 {
		t.Fatalf("deferred=%d", f.ad.Deferred())
	}
	replies := f.ad.Replies()
	if len(replies) != 2 {
		t.Fatalf("replies=%+v", replies)
	}
	for _, r := range replies {
		if r.Content != replyUnavailable {
			t.Fatalf("reply=%q", r.Content)
		}
	}
}

func openFileStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "wb")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRankingOrderAndExclusion(t *testing.T) {
	f := newFixture(t, workCfg(), false)
	st := openFileStore(t)
	f.p.acc = st
	f.ad.Members["b"] = kit.Member{UserID: "b", DisplayName: "Bee"}

	ctx := context.Background()
	for _, c := range []struct {
		user string
		secs int
	}{{"a", 300}, {"b", 9000}, {"c", 9000}, {"d", 0}} {
		if _, err := st.Commit(ctx, c.user, t0, t0.Add(time.Duration(c.secs)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.p.handleRanking(ctx, worktimeReq(f, "worktime_ranking", nil)); err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"🏆 **作業時間ランキング（累計）** 🏆",
		"1. Bee: 2時間 30分 0秒",
		"2. ID: c: 2時間 30分 0秒",
		"3. ID: a: 0時間 5分 0秒",
	}, "\n")
	if got := lastReply(t, f.ad); got != want {
		t.Fatalf("ranking:\n%s\nwant:\n%s", got, want)
	}
}

func TestRankingEmpty(t *testing.T) {
	f := newFixture(t, workCfg(), false)
	f.p.acc = openFileStore(t)
	if err := f.p.handleRanking(context.Background(), worktimeReq(f, "worktime_ranking", map[string]string{"period": "week"})); err != nil {
		t.Fatal(err)
	}
	if got := lastReply(t, f.ad); got != replyNoData {
		t.Fatalf("reply=%q", got)
	}
}

func TestRankingWeekWindow(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyAllow, TargetChannelIDs: []string{"w1"}, Location: time.UTC}, false)
	st := openFileStore(t)
	f.p.acc = st
	ctx := context.Background()
	// t0 is Monday 2026-03-02 10:00 UTC
	if _, err := st.Commit(ctx, "old", t0.Add(-48*time.Hour), t0.Add(-47*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Commit(ctx, "new", t0, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := f.p.handleRanking(ctx, worktimeReq(f, "worktime_ranking", map[string]string{"period": "week"})); err != nil {
		t.Fatal(err)
	}
	got := lastReply(t, f.ad)
	if !strings.Contains(got, "今週") || !strings.Contains(got, "ID: new") || strings.Contains(got, "ID: old") {
		t.Fatalf("ranking=%q", got)
	}
}

func TestWindowStart(t *testing.T) {
	loc := time.FixedZone("JST", 9*3600)
	// Sunday 2026-03-08 23:30 JST
	now := time.Date(2026, 3, 8, 23, 30, 0, 0, loc)
	cases := []struct {
		period string
		want   time.Time
	}{
		{PeriodWeek, time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{PeriodMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, loc)},
		{PeriodAll, time.Time{}},
	}
	for _, c := range cases {
		if got := WindowStart(c.period, now, loc); !got.Equal(c.want) {
			t.Fatalf("%s: %v want %v", c.period, got, c.want)
		}
	}
}

func TestStopDrainsOpenSessions(t *testing.T) {
	f := newFixture(t, workCfg(), true)
	f.move("u", "", "w1")
	if err := f.p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.p.Ledger().Open() != 0 || len(f.acc.Commits()) != 0 {
		t.Fatal("open session should be dropped without commit")
	}
}
