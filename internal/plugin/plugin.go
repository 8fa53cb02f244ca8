package plugin

import (
	"context"
	"time"

	"workbot/internal/eventbus"
	"workbot/internal/notifier"
	"workbot/internal/router"
	"workbot/internal/storage"
	"workbot/internal/task/scheduler"
	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

// Plugin is one feature module of the bot.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	// Register adds the plugin's commands, components and event hooks.
	Register(r *router.Router)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// JobProvider is implemented by plugins with periodic checks.
type JobProvider interface {
	Jobs() []scheduler.Job
}

// Notifier is the outbound side plugins use. *notifier.Service implements it.
type Notifier interface {
	Send(ctx context.Context, m notifier.Message) (kit.MessageRef, error)
	Notify(ctx context.Context, m notifier.Message) error
}

type Deps struct {
	Logger   logx.Logger
	Adapter  kit.Adapter
	Notifier Notifier
	Bus      eventbus.Bus
	// Store is nil when storage is disabled or failed to open.
	Store   storage.Store
	GuildID string
	Now     func() time.Time
}

func (d Deps) Clock() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

// Audit appends an audit entry when a store is configured. Failures are logged.
func (d Deps) Audit(ctx context.Context, e storage.AuditEntry) {
	if d.Store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = d.Clock()()
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.Store.AppendAudit(cctx, e); err != nil {
		d.Logger.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// Publish sends an event on the bus when one is configured.
func (d Deps) Publish(e eventbus.Event) {
	if d.Bus != nil {
		d.Bus.Publish(e)
	}
}
