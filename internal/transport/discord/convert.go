package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "workbot/internal/transport"
)

func displayName(m *discordgo.Member, u *discordgo.User) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil && m != nil {
		u = m.User
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func convertVoice(vs *discordgo.VoiceState, before string, at time.Time) *kit.VoiceState {
	out := &kit.VoiceState{
		GuildID:         vs.GuildID,
		UserID:          vs.UserID,
		BeforeChannelID: before,
		AfterChannelID:  vs.ChannelID,
		At:              at,
	}
	if vs.Member != nil {
		out.DisplayName = displayName(vs.Member, nil)
		if vs.Member.User != nil {
			out.Bot = vs.Member.User.Bot
		}
	}
	return out
}

func convertMessage(m *discordgo.Message) kit.Message {
	out := kit.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorBot = m.Author.Bot
		out.AuthorName = displayName(m.Member, m.Author)
	}
	if m.Member != nil {
		out.AuthorRoles = append([]string{}, m.Member.Roles...)
	}
	if m.MessageReference != nil {
		out.ReplyToID = m.MessageReference.MessageID
	}
	if m.Interaction != nil && m.Interaction.User != nil {
		out.InteractionUserID = m.Interaction.User.ID
	}
	for _, e := range m.Embeds {
		if e != nil && e.Description != "" {
			out.EmbedDescriptions = append(out.EmbedDescriptions, e.Description)
		}
	}
	return out
}

func convertMember(m *discordgo.Member) kit.Member {
	out := kit.Member{DisplayName: displayName(m, nil), Roles: append([]string(nil), m.Roles...)}
	if m.User != nil {
		out.UserID = m.User.ID
		out.Bot = m.User.Bot
	}
	return out
}

func convertInteraction(i *discordgo.Interaction) *kit.Interaction {
	in := &kit.Interaction{
		ID:        i.ID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Raw:       i,
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		in.UserID = i.Member.User.ID
		in.UserName = displayName(i.Member, nil)
		in.UserRoles = append([]string(nil), i.Member.Roles...)
	case i.User != nil:
		in.UserID = i.User.ID
		in.UserName = displayName(nil, i.User)
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		in.Kind = kit.InteractionCommand
		in.Name = data.Name
		in.Options = map[string]string{}
		for _, opt := range data.Options {
			if opt != nil && opt.Value != nil {
				in.Options[opt.Name] = fmt.Sprint(opt.Value)
			}
		}
	case discordgo.InteractionMessageComponent:
		in.Kind = kit.InteractionComponent
		in.Name = i.MessageComponentData().CustomID
	default:
		return nil
	}
	return in
}

func buttonStyle(s kit.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case kit.ButtonSecondary:
		return discordgo.SecondaryButton
	case kit.ButtonSuccess:
		return discordgo.SuccessButton
	default:
		return discordgo.PrimaryButton
	}
}

// components renders buttons as action rows of at most five.
func components(buttons []kit.Button) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for start := 0; start < len(buttons); start += 5 {
		end := min(start+5, len(buttons))
		row := discordgo.ActionsRow{}
		for _, b := range buttons[start:end] {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Label,
				Style:    buttonStyle(b.Style),
				CustomID: b.CustomID,
			})
		}
		rows = append(rows, row)
	}
	return rows
}

func commandSpec(c kit.CommandSpec) *discordgo.ApplicationCommand {
	cmd := &discordgo.ApplicationCommand{Name: c.Name, Description: c.Description}
	if c.AdminOnly {
		perm := int64(discordgo.PermissionManageServer)
		cmd.DefaultMemberPermissions = &perm
	}
	for _, o := range c.Options {
		opt := &discordgo.ApplicationCommandOption{
			Name:        o.Name,
			Description: o.Description,
			Required:    o.Required,
			Type:        discordgo.ApplicationCommandOptionString,
		}
		if o.Kind == kit.OptionUser {
			opt.Type = discordgo.ApplicationCommandOptionUser
		}
		for _, ch := range o.Choices {
			opt.Choices = append(opt.Choices, &discordgo.ApplicationCommandOptionChoice{Name: ch, Value: ch})
		}
		cmd.Options = append(cmd.Options, opt)
	}
	return cmd
}
