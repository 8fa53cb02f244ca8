package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"workbot/internal/router"
	"workbot/internal/task/scheduler"
	logx "workbot/pkg/logx"
)

// Manager owns plugin lifecycle. Plugins start in registration order and
// stop in reverse order; each stop is bounded so one stuck plugin cannot
// hold up shutdown.
type Manager struct {
	mu      sync.Mutex
	log     logx.Logger
	plugins []Plugin
	running map[string]bool
}

func NewManager(log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{log: log, running: map[string]bool{}}
}

func (m *Manager) Add(ps ...Plugin) {
	m.mu.Lock()
	m.plugins = append(m.plugins, ps...)
	m.mu.Unlock()
}

func (m *Manager) Plugins() []Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Plugin(nil), m.plugins...)
}

// Init initializes every plugin and wires it into r and sched (sched may be nil).
// The first Init error aborts.
func (m *Manager) Init(ctx context.Context, deps Deps, r *router.Router, sched *scheduler.Service) error {
	for _, p := range m.Plugins() {
		d := deps
		d.Logger = deps.Logger.With(logx.String("plugin", p.Name()))
		if err := safeCall(func() error { return p.Init(ctx, d) }); err != nil {
			return fmt.Errorf("plugin %s init: %w", p.Name(), err)
		}
		p.Register(r)
		if jp, ok := p.(JobProvider); ok && sched != nil {
			for _, j := range jp.Jobs() {
				j.Name = p.Name() + "." + j.Name
				sched.Add(j)
			}
		}
		m.log.Debug("plugin initialized", logx.String("plugin", p.Name()))
	}
	return nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	for _, p := range m.Plugins() {
		start := time.Now()
		if err := safeCall(func() error { return p.Start(ctx) }); err != nil {
			return fmt.Errorf("plugin %s start: %w", p.Name(), err)
		}
		m.mu.Lock()
		m.running[p.Name()] = true
		m.mu.Unlock()
		m.log.Info("plugin started", logx.String("plugin", p.Name()), logx.Duration("took", time.Since(start)))
	}
	return nil
}

// StopAll stops running plugins in reverse order, each bounded by perPlugin.
func (m *Manager) StopAll(ctx context.Context, perPlugin time.Duration) {
	ps := m.Plugins()
	for i := len(ps) - 1; i >= 0; i-- {
		p := ps[i]
		m.mu.Lock()
		run := m.running[p.Name()]
		delete(m.running, p.Name())
		m.mu.Unlock()
		if !run {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, perPlugin)
		err := safeCall(func() error { return p.Stop(sctx) })
		cancel()
		if err != nil {
			m.log.Warn("plugin stop failed", logx.String("plugin", p.Name()), logx.Err(err))
			continue
		}
		m.log.Info("plugin stopped", logx.String("plugin", p.Name()))
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
