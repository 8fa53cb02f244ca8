package discord

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"

	"github.com/bwmarrin/discordgo"

	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

// historyPage is the largest page the messages endpoint returns.
const historyPage = 100

// mapErr tags REST failures with the transport sentinels while keeping the
// original error in the chain.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("%w: %w", kit.ErrRateLimited, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", kit.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", kit.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", kit.ErrRateLimited, err)
		}
	}
	return err
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	m, err := a.s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return kit.MessageRef{}, mapErr(err)
	}
	return kit.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

func (a *Adapter) SendPanel(ctx context.Context, channelID string, r kit.Reply) (kit.MessageRef, error) {
	m, err := a.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    r.Content,
		Components: components(r.Buttons),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return kit.MessageRef{}, mapErr(err)
	}
	return kit.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

func (a *Adapter) SendDM(ctx context.Context, userID, text string) error {
	ch, err := a.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return mapErr(err)
	}
	_, err = a.s.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx))
	return mapErr(err)
}

// History pages backwards through a channel, newest first, until the limit
// or the Since bound is reached.
func (a *Adapter) History(ctx context.Context, channelID string, q kit.HistoryQuery) ([]kit.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = historyPage
	}
	var (
		out    []kit.Message
		before string
	)
	for len(out) < limit {
		page := min(historyPage, limit-len(out))
		msgs, err := a.s.ChannelMessages(channelID, page, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return out, mapErr(err)
		}
		for _, m := range msgs {
			if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
				return out, nil
			}
			out = append(out, convertMessage(m))
		}
		if len(msgs) < page {
			break
		}
		before = msgs[len(msgs)-1].ID
	}
	return out, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (kit.Message, error) {
	m, err := a.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Message{}, mapErr(err)
	}
	return convertMessage(m), nil
}

func (a *Adapter) Member(ctx context.Context, guildID, userID string) (kit.Member, error) {
	if m, err := a.s.State.Member(guildID, userID); err == nil && m.User != nil {
		return convertMember(m), nil
	}
	m, err := a.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Member{}, mapErr(err)
	}
	return convertMember(m), nil
}

func (a *Adapter) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return mapErr(a.s.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)))
}

func (a *Adapter) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return mapErr(a.s.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)))
}

// RegisterCommands overwrites the guild's commands. It only calls the API
// when the command list changed since the last successful call.
func (a *Adapter) RegisterCommands(ctx context.Context, guildID string, cmds []kit.CommandSpec) error {
	appID := a.SelfID()
	if appID == "" {
		return errors.New("register commands before ready")
	}
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	h := fnv.New64a()
	h.Write([]byte(guildID))
	out := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		fmt.Fprintf(h, "\x00%s\x00%s\x00%v", c.Name, c.Description, c.AdminOnly)
		for _, o := range c.Options {
			fmt.Fprintf(h, "\x00%s:%d:%v:%v", o.Name, o.Kind, o.Required, o.Choices)
		}
		out = append(out, commandSpec(c))
	}
	sum := h.Sum64()
	if sum == a.cmdHash {
		return nil
	}
	if _, err := a.s.ApplicationCommandBulkOverwrite(appID, guildID, out, discordgo.WithContext(ctx)); err != nil {
		return mapErr(err)
	}
	a.cmdHash = sum
	a.log.Info("slash commands registered", logx.Int("count", len(out)), logx.String("guild_id", guildID))
	return nil
}

func rawInteraction(in *kit.Interaction) (*discordgo.Interaction, error) {
	if in == nil {
		return nil, errors.New("nil interaction")
	}
	raw, ok := in.Raw.(*discordgo.Interaction)
	if !ok || raw == nil {
		return nil, fmt.Errorf("interaction %s has no discord payload", in.ID)
	}
	return raw, nil
}

func flags(ephemeral bool) discordgo.MessageFlags {
	if ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func (a *Adapter) Defer(ctx context.Context, in *kit.Interaction, ephemeral bool) error {
	raw, err := rawInteraction(in)
	if err != nil {
		return err
	}
	return mapErr(a.s.InteractionRespond(raw, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags(ephemeral)},
	}, discordgo.WithContext(ctx)))
}

func (a *Adapter) Respond(ctx context.Context, in *kit.Interaction, r kit.Reply) error {
	raw, err := rawInteraction(in)
	if err != nil {
		return err
	}
	return mapErr(a.s.InteractionRespond(raw, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:    r.Content,
			Flags:      flags(r.Ephemeral),
			Components: components(r.Buttons),
		},
	}, discordgo.WithContext(ctx)))
}

func (a *Adapter) Followup(ctx context.Context, in *kit.Interaction, r kit.Reply) error {
	raw, err := rawInteraction(in)
	if err != nil {
		return err
	}
	_, err = a.s.FollowupMessageCreate(raw, true, &discordgo.WebhookParams{
		Content:    r.Content,
		Flags:      flags(r.Ephemeral),
		Components: components(r.Buttons),
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

var _ kit.Adapter = (*Adapter)(nil)
