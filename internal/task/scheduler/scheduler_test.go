package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	logx "workbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		cronSpec string
	}{
		{name: "cron", raw: "*/15 * * * *", kind: SpecCron, source: "cron", cronSpec: "*/15 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cronSpec: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cronSpec: "0 0 * * *"},
		{name: "duration", raw: "15m", kind: SpecInterval, source: "duration", cronSpec: "@every 15m0s"},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, source: "duration", cronSpec: "@every 45s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", cronSpec: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind=%v source=%s", got.Kind, got.Source)
			}
			if got.CronSpec() != tt.cronSpec {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cronSpec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "01:75", "every:-5m"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", raw)
		}
	}
}

func TestCycleDownshift(t *testing.T) {
	var c Cycle
	var mu sync.Mutex
	var ran []string
	rec := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}
	c.Add(Job{Name: "reminder", Run: rec("r")})
	c.Add(Job{Name: "backfill", EveryTicks: 8, Run: rec("b")})

	for i := 0; i < 17; i++ {
		c.Tick(context.Background())
	}
	backfills := 0
	for _, n := range ran {
		if n == "b" {
			backfills++
		}
	}
	// ticks 0, 8 and 16
	if backfills != 3 {
		t.Fatalf("backfill ran %d times, want 3", backfills)
	}
	if len(ran) != 17+3 {
		t.Fatalf("total runs = %d", len(ran))
	}
	if !reflect.DeepEqual(ran[:2], []string{"r", "b"}) {
		t.Fatalf("tick 0 should run both jobs in order, got %v", ran[:2])
	}
	if c.Ticks() != 17 {
		t.Fatalf("Ticks = %d", c.Ticks())
	}
}

func TestCycleFailureDoesNotStopOtherJobs(t *testing.T) {
	var c Cycle
	second := false
	c.Add(Job{Name: "bad", Run: func(context.Context) error { return errors.New("down") }})
	c.Add(Job{Name: "good", Run: func(context.Context) error { second = true; return nil }})

	out := c.Tick(context.Background())
	if len(out) != 2 || out[0].Err == nil || out[1].Err != nil || !second {
		t.Fatalf("unexpected outcomes %+v", out)
	}
}

func TestServiceRunsFirstTickOnStart(t *testing.T) {
	s := New(Config{Schedule: "1h"}, logx.Nop())
	done := make(chan struct{}, 1)
	s.Add(Job{Name: "probe", Run: func(context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick did not run")
	}
}

func TestServiceRejectsBadSchedule(t *testing.T) {
	s := New(Config{Schedule: "whenever"}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
