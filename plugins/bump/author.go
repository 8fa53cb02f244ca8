package bump

import (
	"context"
	"regexp"
	"strings"

	kit "workbot/internal/transport"
)

var mentionRE = regexp.MustCompile(`<@!?(\d+)>`)

// IsConfirmation reports whether m is a successful bump posted by the bump
// service. The marker may sit in the text or in an embed.
func IsConfirmation(m kit.Message, botID, marker string) bool {
	if m.AuthorID != botID {
		return false
	}
	if strings.Contains(m.Content, marker) {
		return true
	}
	for _, d := range m.EmbedDescriptions {
		if strings.Contains(d, marker) {
			return true
		}
	}
	return false
}

// FindTrigger returns the newest message in msgs (newest first) authored by
// the bump service, or nil.
func FindTrigger(msgs []kit.Message, botID string) *Trigger {
	for _, m := range msgs {
		if m.AuthorID == botID {
			return &Trigger{ID: m.ID, ObservedAt: m.CreatedAt}
		}
	}
	return nil
}

// ResolveBumper finds who ran the bump behind a confirmation message. The
// slash-command invoker wins, then the author of the replied-to message, then
// the first mention in an embed description. It returns "" when none match.
func ResolveBumper(ctx context.Context, m kit.Message, fetch func(ctx context.Context, channelID, messageID string) (kit.Message, error)) string {
	if m.InteractionUserID != "" {
		return m.InteractionUserID
	}
	if m.ReplyToID != "" && fetch != nil {
		if ref, err := fetch(ctx, m.ChannelID, m.ReplyToID); err == nil && ref.AuthorID != "" {
			return ref.AuthorID
		}
	}
	for _, d := range m.EmbedDescriptions {
		if sm := mentionRE.FindStringSubmatch(d); sm != nil {
			return sm[1]
		}
	}
	return ""
}
