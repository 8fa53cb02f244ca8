package plugin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"workbot/internal/eventbus"
	"workbot/internal/router"
	"workbot/internal/storage"
	kit "workbot/internal/transport"
	"workbot/internal/transport/transporttest"
	logx "workbot/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.log, ",")
}

type fakePlugin struct {
	name      string
	rec       *recorder
	initErr   error
	startErr  error
	stopPanic bool
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Init(ctx context.Context, deps Deps) error {
	p.rec.add("init:" + p.name)
	return p.initErr
}

func (p *fakePlugin) Register(r *router.Router) {
	r.AddCommand(router.Command{Spec: kit.CommandSpec{Name: p.name + "_cmd"}, Handle: func(context.Context, *router.Request) error { return nil }})
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.rec.add("start:" + p.name)
	return p.startErr
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.rec.add("stop:" + p.name)
	if p.stopPanic {
		panic("boom")
	}
	return nil
}

func newTestRouter() *router.Router {
	return router.New(transporttest.New(), logx.Nop(), router.Options{})
}

func TestManagerLifecycleOrder(t *testing.T) {
	rec := &recorder{}
	m := NewManager(logx.Nop())
	m.Add(&fakePlugin{name: "a", rec: rec}, &fakePlugin{name: "b", rec: rec, stopPanic: true}, &fakePlugin{name: "c", rec: rec})

	r := newTestRouter()
	if err := m.Init(context.Background(), Deps{Logger: logx.Nop()}, r, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := len(r.Specs()); got != 3 {
		t.Fatalf("registered commands = %d, want 3", got)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	m.StopAll(context.Background(), time.Second)
	// second stop is a no-op
	m.StopAll(context.Background(), time.Second)

	want := "init:a,init:b,init:c,start:a,start:b,start:c,stop:c,stop:b,stop:a"
	if got := rec.String(); got != want {
		t.Fatalf("order = %s\nwant    %s", got, want)
	}
}

func TestManagerInitErrorAborts(t *testing.T) {
	rec := &recorder{}
	m := NewManager(logx.Nop())
	m.Add(&fakePlugin{name: "a", rec: rec, initErr: errors.New("bad config")}, &fakePlugin{name: "b", rec: rec})

	err := m.Init(context.Background(), Deps{Logger: logx.Nop()}, newTestRouter(), nil)
	if err == nil || !strings.Contains(err.Error(), "plugin a init: bad config") {
		t.Fatalf("err = %v", err)
	}
	if got := rec.String(); got != "init:a" {
		t.Fatalf("calls = %s", got)
	}
}

func TestManagerStopsOnlyStarted(t *testing.T) {
	rec := &recorder{}
	m := NewManager(logx.Nop())
	m.Add(&fakePlugin{name: "a", rec: rec}, &fakePlugin{name: "b", rec: rec, startErr: errors.New("no")}, &fakePlugin{name: "c", rec: rec})
	if err := m.Init(context.Background(), Deps{Logger: logx.Nop()}, newTestRouter(), nil); err != nil {
		t.Fatal(err)
	}
	if err := m.StartAll(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	m.StopAll(context.Background(), time.Second)
	if got := rec.String(); got != "init:a,init:b,init:c,start:a,start:b,stop:a" {
		t.Fatalf("calls = %s", got)
	}
}

func TestDepsClockAndNilStore(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := Deps{Logger: logx.Nop(), Now: func() time.Time { return fixed }}
	if got := d.Clock()(); !got.Equal(fixed) {
		t.Fatalf("Clock = %v", got)
	}
	// no store and no bus: both are no-ops
	d.Audit(context.Background(), storage.AuditEntry{Module: "test", Action: "noop"})
	d.Publish(eventbus.Event{Type: "x"})
}
