package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	EventVoiceState  EventKind = "voice_state"
	EventMessage     EventKind = "message"
	EventReaction    EventKind = "reaction"
	EventInteraction EventKind = "interaction"
	EventReady       EventKind = "ready"
)

// Event is a platform event already demultiplexed by the adapter.
// Exactly one payload pointer is set, matching Kind.
type Event struct {
	Kind        EventKind
	At          time.Time
	Voice       *VoiceState
	Message     *Message
	Reaction    *Reaction
	Interaction *Interaction
	Ready       *Ready
}

// VoiceState is a membership transition. Empty channel ids mean "not in voice".
// At is when the gateway delivered the transition; zero means unknown.
type VoiceState struct {
	GuildID         string
	UserID          string
	DisplayName     string
	Bot             bool
	BeforeChannelID string
	AfterChannelID  string
	At              time.Time
}

type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	AuthorBot   bool
	AuthorRoles []string // nil when the author is not a guild member (or unknown)
	Content     string
	CreatedAt   time.Time

	// ReplyToID is the referenced message id when the message is a reply.
	ReplyToID string
	// InteractionUserID is the invoking user when the message answers a slash command.
	InteractionUserID string
	EmbedDescriptions []string
}

type Reaction struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Emoji     string
}

type InteractionKind string

const (
	InteractionCommand   InteractionKind = "command"
	InteractionComponent InteractionKind = "component"
)

type Interaction struct {
	ID        string
	Kind      InteractionKind
	GuildID   string
	ChannelID string
	UserID    string
	UserName  string
	UserRoles []string

	// Name is the slash command name (command) or the custom id (component).
	Name string
	// Options maps option name to its raw value (user options carry the user id).
	Options map[string]string

	// Raw is the adapter-specific interaction (discordgo: *discordgo.Interaction).
	Raw any
}

type Ready struct {
	SelfID   string
	SelfName string
	Guilds   int
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

type Button struct {
	CustomID string
	Label    string
	Style    ButtonStyle
}

type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota
	ButtonSecondary
	ButtonSuccess
)

// Reply is a plain templated response. Embeds are not supported.
type Reply struct {
	Content   string
	Ephemeral bool
	Buttons   []Button
}

type Member struct {
	UserID      string
	DisplayName string
	Bot         bool
	Roles       []string
}

func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// HistoryQuery bounds a channel history scan. Messages are returned newest first.
type HistoryQuery struct {
	Limit int
	// Since stops the scan at messages older than this instant (zero = no bound).
	Since time.Time
}

type OptionKind int

const (
	OptionString OptionKind = iota
	OptionUser
)

type CommandOption struct {
	Name        string
	Description string
	Kind        OptionKind
	Required    bool
	Choices     []string
}

type CommandSpec struct {
	Name        string
	Description string
	Options     []CommandOption
	// AdminOnly hides the command from members without Manage Server.
	AdminOnly bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, channelID, text string) (MessageRef, error)
	SendPanel(ctx context.Context, channelID string, r Reply) (MessageRef, error)
	SendDM(ctx context.Context, userID, text string) error

	History(ctx context.Context, channelID string, q HistoryQuery) ([]Message, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)

	Member(ctx context.Context, guildID, userID string) (Member, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error

	RegisterCommands(ctx context.Context, guildID string, cmds []CommandSpec) error
	Defer(ctx context.Context, in *Interaction, ephemeral bool) error
	Respond(ctx context.Context, in *Interaction, r Reply) error
	Followup(ctx context.Context, in *Interaction, r Reply) error
}

// Mention renders a user mention.
func Mention(userID string) string { return "<@" + userID + ">" }
