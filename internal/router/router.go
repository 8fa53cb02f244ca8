package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	rtsup "workbot/internal/runtime/supervisor"
	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

const (
	replyUnauthorized = "このコマンドを使う権限がありません。"
	replyBusy         = "混み合っています。少し待ってからもう一度試してね。"
	replyUnknown      = "不明な操作です。"
)

type (
	VoiceHook    func(ctx context.Context, v *kit.VoiceState)
	MessageHook  func(ctx context.Context, m *kit.Message)
	ReactionHook func(ctx context.Context, r *kit.Reaction)
	ReadyHook    func(ctx context.Context, r *kit.Ready)
)

type Options struct {
	Admins    []string
	Workers   int
	QueueSize int
	// Timeout is the default per-request bound when a route sets none.
	Timeout time.Duration
}

// Router demultiplexes transport events. Voice and ready events are handled
// inline on the dispatch goroutine, so one user's presence transitions are
// applied in arrival order. Messages, reactions and interactions run on a
// bounded worker pool.
type Router struct {
	adapter kit.Adapter
	log     logx.Logger
	opts    Options
	admins  map[string]bool

	mu         sync.RWMutex
	commands   map[string]Command
	order      []string
	components map[string]Component
	voice      []VoiceHook
	messages   []MessageHook
	reactions  []ReactionHook
	ready      []ReadyHook

	jobs    chan func()
	running atomic.Bool
	dropped atomic.Uint64
}

func New(adapter kit.Adapter, log logx.Logger, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	admins := map[string]bool{}
	for _, id := range opts.Admins {
		admins[id] = true
	}
	return &Router{
		adapter:    adapter,
		log:        log,
		opts:       opts,
		admins:     admins,
		commands:   map[string]Command{},
		components: map[string]Component{},
		jobs:       make(chan func(), opts.QueueSize),
	}
}

func (r *Router) IsAdmin(userID string) bool { return r.admins[userID] }

func (r *Router) AddCommand(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if _, dup := r.commands[c.Spec.Name]; !dup {
			r.order = append(r.order, c.Spec.Name)
		}
		r.commands[c.Spec.Name] = c
	}
}

func (r *Router) AddComponent(cs ...Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		r.components[c.key()] = c
	}
}

func (r *Router) OnVoice(h VoiceHook) {
	r.mu.Lock()
	r.voice = append(r.voice, h)
	r.mu.Unlock()
}

func (r *Router) OnMessage(h MessageHook) {
	r.mu.Lock()
	r.messages = append(r.messages, h)
	r.mu.Unlock()
}

func (r *Router) OnReaction(h ReactionHook) {
	r.mu.Lock()
	r.reactions = append(r.reactions, h)
	r.mu.Unlock()
}

func (r *Router) OnReady(h ReadyHook) {
	r.mu.Lock()
	r.ready = append(r.ready, h)
	r.mu.Unlock()
}

// Specs returns the registered slash commands in registration order.
func (r *Router) Specs() []kit.CommandSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.CommandSpec, 0, len(r.order))
	for _, name := range r.order {
		spec := r.commands[name].Spec
		spec.AdminOnly = spec.AdminOnly || r.commands[name].Access == AccessAdminOnly
		out = append(out, spec)
	}
	return out
}

// Dropped reports events dropped because the worker queue was full.
func (r *Router) Dropped() uint64 { return r.dropped.Load() }

// Run consumes events until ctx is done or events is closed.
func (r *Router) Run(ctx context.Context, events <-chan kit.Event) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < r.opts.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.running.Store(true)
	r.log.Info("dispatcher started", logx.Int("workers", r.opts.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		r.running.Store(false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.route(ctx, ev)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in dispatch job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) tryEnqueue(job func()) bool {
	if !r.running.Load() {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Router) route(ctx context.Context, ev kit.Event) {
	r.mu.RLock()
	voice, messages, reactions, ready := r.voice, r.messages, r.reactions, r.ready
	r.mu.RUnlock()

	switch ev.Kind {
	case kit.EventVoiceState:
		if ev.Voice == nil {
			return
		}
		if ev.Voice.At.IsZero() {
			ev.Voice.At = ev.At
		}
		for _, h := range voice {
			r.inline("voice", func() { h(ctx, ev.Voice) })
		}
	case kit.EventReady:
		if ev.Ready == nil {
			return
		}
		for _, h := range ready {
			r.inline("ready", func() { h(ctx, ev.Ready) })
		}
	case kit.EventMessage:
		if ev.Message == nil || len(messages) == 0 {
			return
		}
		m := ev.Message
		if !r.tryEnqueue(func() {
			for _, h := range messages {
				h(ctx, m)
			}
		}) {
			r.log.Warn("message event dropped", logx.String("channel_id", m.ChannelID), logx.String("message_id", m.ID))
		}
	case kit.EventReaction:
		if ev.Reaction == nil || len(reactions) == 0 {
			return
		}
		re := ev.Reaction
		if !r.tryEnqueue(func() {
			for _, h := range reactions {
				h(ctx, re)
			}
		}) {
			r.log.Warn("reaction event dropped", logx.String("message_id", re.MessageID))
		}
	case kit.EventInteraction:
		if ev.Interaction != nil {
			r.routeInteraction(ctx, ev.Interaction)
		}
	}
}

func (r *Router) inline(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in event hook", logx.String("kind", kind), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (r *Router) routeInteraction(ctx context.Context, in *kit.Interaction) {
	var (
		handle  HandlerFunc
		access  Access
		timeout time.Duration
		key     = in.Name
		payload string
		found   bool
	)
	r.mu.RLock()
	switch in.Kind {
	case kit.InteractionCommand:
		var c Command
		c, found = r.commands[in.Name]
		handle, access, timeout = c.Handle, c.Access, c.Timeout
	case kit.InteractionComponent:
		var ok bool
		if key, payload, ok = splitCustomID(in.Name); ok {
			var c Component
			c, found = r.components[key]
			handle, access, timeout = c.Handle, c.Access, c.Timeout
		}
	}
	r.mu.RUnlock()

	if !found || handle == nil {
		r.log.Debug("unknown interaction", logx.String("name", in.Name), logx.String("kind", string(in.Kind)))
		r.reply(ctx, in, replyUnknown)
		return
	}
	admin := r.IsAdmin(in.UserID)
	if access == AccessAdminOnly && !admin {
		r.reply(ctx, in, replyUnauthorized)
		return
	}
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}

	rid := newReqID()
	req := &Request{
		Interaction: in,
		Command:     key,
		Payload:     payload,
		ReqID:       rid,
		Admin:       admin,
		Adapter:     r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("cmd", key),
			logx.String("user_id", in.UserID),
			logx.String("channel_id", in.ChannelID),
		),
	}
	final := Chain(handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.reply(ctx, in, replyBusy)
	}
}

func (r *Router) reply(ctx context.Context, in *kit.Interaction, text string) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.adapter.Respond(cctx, in, kit.Reply{Content: text, Ephemeral: true}); err != nil {
		r.log.Debug("interaction reply failed", logx.Err(err))
	}
}
