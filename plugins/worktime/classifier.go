package worktime

import (
	"fmt"
	"strings"
)

const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// Policy decides which voice channels count as work. In allow mode only the
// listed channels count; in deny mode every channel except the listed ones does.
type Policy struct {
	mode     string
	channels map[string]struct{}
}

func NewPolicy(mode string, targets, excluded []string) (Policy, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = PolicyAllow
	}
	var list []string
	switch mode {
	case PolicyAllow:
		if len(excluded) > 0 {
			return Policy{}, fmt.Errorf("allow policy takes target channels only")
		}
		list = targets
	case PolicyDeny:
		if len(targets) > 0 {
			return Policy{}, fmt.Errorf("deny policy takes excluded channels only")
		}
		list = excluded
	default:
		return Policy{}, fmt.Errorf("unknown policy %q", mode)
	}
	set := make(map[string]struct{}, len(list))
	for _, id := range list {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return Policy{mode: mode, channels: set}, nil
}

func (p Policy) Mode() string { return p.mode }

// Eligible reports whether channelID counts as work. "" (not in voice) never does.
func (p Policy) Eligible(channelID string) bool {
	if channelID == "" {
		return false
	}
	_, listed := p.channels[channelID]
	if p.mode == PolicyDeny {
		return !listed
	}
	return listed
}

// Classify maps a before/after channel pair to eligibility flags.
func (p Policy) Classify(before, after string) (was, is bool) {
	return p.Eligible(before), p.Eligible(after)
}
