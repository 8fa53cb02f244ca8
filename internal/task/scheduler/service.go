package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "workbot/pkg/logx"
)

// Config controls the tick source.
type Config struct {
	Schedule    string        // "15m", "00:15", "*/15 * * * *", ...
	TickTimeout time.Duration // bound for one whole tick
	StartDelay  time.Duration // delay before tick 0
	Timezone    string        // IANA name for cron expressions
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	cycle Cycle

	c      *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 5 * time.Minute
	}
	return &Service{cfg: cfg, log: log}
}

// Add registers a job. Jobs added after Start run from the next tick on.
func (s *Service) Add(j Job) { s.cycle.Add(j) }

// Start parses the schedule and begins ticking. Tick 0 runs after StartDelay
// rather than waiting a full interval.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() { s.runTick(runCtx) }))

	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cl))
	if _, err := c.AddJob(spec.CronSpec(), job); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.cfg.StartDelay)
		defer t.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-t.C:
		}
		job.Run()
	}()

	s.log.Info("scheduler started", logx.String("schedule", spec.CronSpec()), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	for _, o := range s.cycle.Tick(tctx) {
		if o.Err != nil {
			s.log.Warn("scheduled job failed", logx.String("job", o.Job), logx.Uint64("tick", o.Tick), logx.Duration("took", o.Took), logx.Err(o.Err))
			continue
		}
		s.log.Debug("scheduled job done", logx.String("job", o.Job), logx.Uint64("tick", o.Tick), logx.Duration("took", o.Took))
	}
}

// Ticks reports the number of ticks started so far.
func (s *Service) Ticks() uint64 { return s.cycle.Ticks() }

// Stop halts ticking and waits for a running tick within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// cronLogger routes robfig/cron's logr-style calls into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
