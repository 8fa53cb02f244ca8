package scheduler

import (
	"context"
	"sync"
	"time"
)

// Job is one periodic check. EveryTicks <= 1 runs it on every tick;
// otherwise it runs on ticks 0, EveryTicks, 2*EveryTicks, ...
type Job struct {
	Name       string
	EveryTicks int
	Run        func(ctx context.Context) error
}

func (j Job) due(tick uint64) bool {
	if j.EveryTicks <= 1 {
		return true
	}
	return tick%uint64(j.EveryTicks) == 0
}

// Outcome reports one job run within a tick.
type Outcome struct {
	Job  string
	Tick uint64
	Took time.Duration
	Err  error
}

// Cycle holds the process-lifetime tick counter. The counter starts at zero
// and is never persisted, so the first tick after start runs every job.
type Cycle struct {
	mu   sync.Mutex
	tick uint64
	jobs []Job
}

func (c *Cycle) Add(j Job) {
	c.mu.Lock()
	c.jobs = append(c.jobs, j)
	c.mu.Unlock()
}

// Tick runs the jobs due on the current tick in registration order, then
// advances the counter. A failing job does not stop the jobs after it.
func (c *Cycle) Tick(ctx context.Context) []Outcome {
	c.mu.Lock()
	tick := c.tick
	c.tick++
	jobs := append([]Job(nil), c.jobs...)
	c.mu.Unlock()

	var out []Outcome
	for _, j := range jobs {
		if !j.due(tick) || j.Run == nil {
			continue
		}
		if ctx.Err() != nil {
			out = append(out, Outcome{Job: j.Name, Tick: tick, Err: ctx.Err()})
			continue
		}
		start := time.Now()
		err := j.Run(ctx)
		out = append(out, Outcome{Job: j.Name, Tick: tick, Took: time.Since(start), Err: err})
	}
	return out
}

// Ticks reports how many ticks have started.
func (c *Cycle) Ticks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}
