package router

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

// Request is one routed interaction.
type Request struct {
	Interaction *kit.Interaction
	// Command is the slash command name or the "module:action" component key.
	Command string
	// Payload is the custom id remainder after "module:action:".
	Payload string
	ReqID   string
	Admin   bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Option returns a command option value, or "" when absent.
func (r *Request) Option(name string) string {
	if r.Interaction == nil {
		return ""
	}
	return r.Interaction.Options[name]
}

type Command struct {
	Spec    kit.CommandSpec
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

// Component handles button clicks whose custom id is "module:action[:payload]".
type Component struct {
	Module  string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

func (c Component) key() string { return c.Module + ":" + c.Action }

// CustomID builds a component custom id.
func CustomID(module, action string, payload ...string) string {
	parts := append([]string{module, action}, payload...)
	return strings.Join(parts, ":")
}

func splitCustomID(id string) (key, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(id), ":", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	key = parts[0] + ":" + parts[1]
	if len(parts) == 3 {
		payload = parts[2]
	}
	return key, payload, true
}

func newReqID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
