// Package discord implements transport.Adapter on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

type Config struct {
	Token string
	// ForwardTimeout bounds how long a gateway handler waits for room in the
	// event channel before dropping the event (default 5s).
	ForwardTimeout time.Duration
}

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMessageReactions |
	discordgo.IntentsMessageContent

type Adapter struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	runMu    sync.Mutex
	running  bool
	out      chan<- kit.Event
	ctx      context.Context
	cancel   context.CancelFunc
	removers []func()

	selfID atomic.Value // string

	// voice tracks the last known channel per guild member so transitions
	// carry a reliable "before" channel.
	voiceMu sync.Mutex
	voice   map[string]string

	dropped atomic.Uint64

	cmdMu   sync.Mutex
	cmdHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 5 * time.Second
	}
	s, err := discordgo.New("Bot " + strings.TrimPrefix(token, "Bot "))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = intents
	// Handlers run on the gateway goroutine so events reach the dispatch
	// loop in arrival order.
	s.SyncEvents = true
	s.ShouldRetryOnRateLimit = false

	if log.IsZero() {
		log = logx.Nop()
	}
	installLogger(log)
	return &Adapter{cfg: cfg, log: log, s: s, voice: map[string]string{}}, nil
}

// installLogger routes discordgo's own log output through logx.
func installLogger(log logx.Logger) {
	discordgo.Logger = func(level, caller int, format string, a ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, a...))
		switch level {
		case discordgo.LogError:
			log.Error(msg, logx.String("src", "discordgo"))
		case discordgo.LogWarning:
			log.Warn(msg, logx.String("src", "discordgo"))
		default:
			log.Debug(msg, logx.String("src", "discordgo"))
		}
	}
}

func (a *Adapter) SelfID() string {
	v, _ := a.selfID.Load().(string)
	return v
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Event) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out = out
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.removers = []func(){
		a.s.AddHandler(a.onReady),
		a.s.AddHandler(a.onGuildCreate),
		a.s.AddHandler(a.onVoiceState),
		a.s.AddHandler(a.onMessage),
		a.s.AddHandler(a.onReaction),
		a.s.AddHandler(a.onInteraction),
	}
	if err := a.s.Open(); err != nil {
		a.cancel()
		for _, rm := range a.removers {
			rm()
		}
		a.removers = nil
		return mapErr(err)
	}
	a.running = true
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	if a.cancel != nil {
		a.cancel()
	}
	removers := a.removers
	a.removers = nil
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	for _, rm := range removers {
		rm()
	}
	a.log.Info("closing gateway", logx.Uint64("dropped_events", a.dropped.Load()))

	done := make(chan error, 1)
	go func() { done <- a.s.Close() }()

	grace := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		a.log.Warn("gateway close grace elapsed; continuing shutdown")
		return nil
	}
}

// forward blocks until the dispatch loop accepts ev, the adapter stops or
// the forward timeout passes.
func (a *Adapter) forward(ev kit.Event) {
	a.runMu.Lock()
	out, ctx := a.out, a.ctx
	a.runMu.Unlock()
	if out == nil || ctx == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case out <- ev:
		return
	default:
	}
	t := time.NewTimer(a.cfg.ForwardTimeout)
	defer t.Stop()
	select {
	case out <- ev:
	case <-ctx.Done():
	case <-t.C:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.log.Warn("gateway event dropped (dispatch loop busy)", logx.String("kind", string(ev.Kind)), logx.Uint64("dropped", n))
		}
	}
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.selfID.Store(r.User.ID)
	}
	ready := &kit.Ready{Guilds: len(r.Guilds)}
	if r.User != nil {
		ready.SelfID, ready.SelfName = r.User.ID, r.User.Username
	}
	a.forward(kit.Event{Kind: kit.EventReady, Ready: ready})
}

// onGuildCreate seeds voice tracking with members already connected.
func (a *Adapter) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil {
		return
	}
	a.voiceMu.Lock()
	for _, vs := range g.VoiceStates {
		if vs != nil && vs.ChannelID != "" {
			a.voice[g.ID+":"+vs.UserID] = vs.ChannelID
		}
	}
	a.voiceMu.Unlock()
}

func (a *Adapter) onVoiceState(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.VoiceState == nil {
		return
	}
	key := e.GuildID + ":" + e.UserID
	a.voiceMu.Lock()
	before, known := a.voice[key]
	if e.ChannelID == "" {
		delete(a.voice, key)
	} else {
		a.voice[key] = e.ChannelID
	}
	a.voiceMu.Unlock()
	if !known && e.BeforeUpdate != nil {
		before = e.BeforeUpdate.ChannelID
	}
	if before == e.ChannelID {
		// mute/deafen/stream changes
		return
	}
	at := time.Now()
	a.forward(kit.Event{Kind: kit.EventVoiceState, At: at, Voice: convertVoice(e.VoiceState, before, at)})
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.ID == a.SelfID() {
		return
	}
	msg := convertMessage(m.Message)
	a.forward(kit.Event{Kind: kit.EventMessage, At: msg.CreatedAt, Message: &msg})
}

func (a *Adapter) onReaction(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.UserID == a.SelfID() {
		return
	}
	a.forward(kit.Event{Kind: kit.EventReaction, Reaction: &kit.Reaction{
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.Name,
	}})
}

func (a *Adapter) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil {
		return
	}
	in := convertInteraction(i.Interaction)
	if in == nil {
		return
	}
	a.forward(kit.Event{Kind: kit.EventInteraction, Interaction: in})
}
