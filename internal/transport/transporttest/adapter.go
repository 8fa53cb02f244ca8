// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"strconv"
	"sync"
	"time"

	kit "workbot/internal/transport"
)

type Sent struct {
	Kind    string // "text" | "dm" | "panel"
	Target  string
	Text    string
	Buttons []kit.Button
}

type RoleChange struct {
	UserID string
	RoleID string
	Added  bool
}

// Adapter records every outbound call. Exported maps and slices may be seeded
// before use; read them back through the accessor methods once goroutines run.
type Adapter struct {
	mu sync.Mutex

	Members   map[string]kit.Member    // by user id
	Histories map[string][]kit.Message // by channel id, newest first
	Messages  map[string]kit.Message   // by message id

	// SendErrs is consumed one error per send call; a nil entry means success.
	SendErrs []error
	// DMErr fails every DM while set.
	DMErr   error
	RoleErr error

	sent      []Sent
	roles     []RoleChange
	replies   []kit.Reply
	followups []kit.Reply
	deferred  int
	commands  []kit.CommandSpec
	nextID    int
}

func New() *Adapter {
	return &Adapter{
		Members:   map[string]kit.Member{},
		Histories: map[string][]kit.Message{},
		Messages:  map[string]kit.Message{},
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Event) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                       { return nil }

func (a *Adapter) popErr() error {
	if len(a.SendErrs) == 0 {
		return nil
	}
	err := a.SendErrs[0]
	a.SendErrs = a.SendErrs[1:]
	return err
}

func (a *Adapter) send(s Sent) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.popErr(); err != nil {
		return kit.MessageRef{}, err
	}
	a.nextID++
	a.sent = append(a.sent, s)
	return kit.MessageRef{ChannelID: s.Target, MessageID: "m" + strconv.Itoa(a.nextID)}, nil
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	return a.send(Sent{Kind: "text", Target: channelID, Text: text})
}

func (a *Adapter) SendPanel(ctx context.Context, channelID string, r kit.Reply) (kit.MessageRef, error) {
	return a.send(Sent{Kind: "panel", Target: channelID, Text: r.Content, Buttons: r.Buttons})
}

func (a *Adapter) SendDM(ctx context.Context, userID, text string) error {
	a.mu.Lock()
	dmErr := a.DMErr
	a.mu.Unlock()
	if dmErr != nil {
		return dmErr
	}
	_, err := a.send(Sent{Kind: "dm", Target: userID, Text: text})
	return err
}

func (a *Adapter) History(ctx context.Context, channelID string, q kit.HistoryQuery) ([]kit.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []kit.Message
	for _, m := range a.Histories[channelID] {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if !q.Since.IsZero() && m.CreatedAt.Before(q.Since) {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (kit.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.Messages[messageID]
	if !ok {
		return kit.Message{}, kit.ErrNotFound
	}
	return m, nil
}

func (a *Adapter) Member(ctx context.Context, guildID, userID string) (kit.Member, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.Members[userID]
	if !ok {
		return kit.Member{}, kit.ErrNotFound
	}
	m.Roles = append([]string(nil), m.Roles...)
	return m, nil
}

func (a *Adapter) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return a.changeRole(userID, roleID, true)
}

func (a *Adapter) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return a.changeRole(userID, roleID, false)
}

func (a *Adapter) changeRole(userID, roleID string, add bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RoleErr != nil {
		return a.RoleErr
	}
	a.roles = append(a.roles, RoleChange{UserID: userID, RoleID: roleID, Added: add})
	m, ok := a.Members[userID]
	if !ok {
		m = kit.Member{UserID: userID}
	}
	var roles []string
	for _, r := range m.Roles {
		if r != roleID {
			roles = append(roles, r)
		}
	}
	if add {
		roles = append(roles, roleID)
	}
	m.Roles = roles
	a.Members[userID] = m
	return nil
}

func (a *Adapter) RegisterCommands(ctx context.Context, guildID string, cmds []kit.CommandSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append([]kit.CommandSpec(nil), cmds...)
	return nil
}

func (a *Adapter) Defer(ctx context.Context, in *kit.Interaction, ephemeral bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred++
	return nil
}

func (a *Adapter) Respond(ctx context.Context, in *kit.Interaction, r kit.Reply) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, r)
	return nil
}

func (a *Adapter) Followup(ctx context.Context, in *kit.Interaction, r kit.Reply) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.followups = append(a.followups, r)
	return nil
}

func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

func (a *Adapter) RoleChanges() []RoleChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RoleChange(nil), a.roles...)
}

// Replies returns initial responses followed by followups.
func (a *Adapter) Replies() []kit.Reply {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]kit.Reply(nil), a.replies...)
	return append(out, a.followups...)
}

func (a *Adapter) Deferred() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deferred
}

func (a *Adapter) Commands() []kit.CommandSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]kit.CommandSpec(nil), a.commands...)
}

// WaitSent polls until at least n messages were sent or the timeout passes.
func (a *Adapter) WaitSent(n int, timeout time.Duration) []Sent {
	deadline := time.Now().Add(timeout)
	for {
		s := a.Sent()
		if len(s) >= n || time.Now().After(deadline) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
}
