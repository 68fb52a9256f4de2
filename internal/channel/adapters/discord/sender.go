package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/tentacle/internal/channel"
	"github.com/memohai/tentacle/internal/conversation"
)

// Sender performs channel actions through a Discord session.
type Sender struct {
	session Session
}

func NewSender(session Session) *Sender {
	return &Sender{session: session}
}

func (s *Sender) SendText(ctx context.Context, channelID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := s.session.ChannelMessageSend(channelID, truncateDiscordText(text), discordgo.WithContext(ctx))
	return classify(err)
}

func (s *Sender) SendAttachment(ctx context.Context, channelID string, a conversation.Attachment) error {
	if len(a.Data) == 0 {
		if a.URL == "" {
			return fmt.Errorf("%w: attachment %s has no content", channel.ErrNotFound, a.Name)
		}
		return s.SendText(ctx, channelID, a.URL)
	}
	_, err := s.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Files: []*discordgo.File{fileOf(a)},
	}, discordgo.WithContext(ctx))
	return classify(err)
}

func (s *Sender) SendDirectMessage(ctx context.Context, userID, text string) error {
	dm, err := s.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify(err)
	}
	return s.SendText(ctx, dm.ID, text)
}

func (s *Sender) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return classify(s.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

func (s *Sender) SendEmbed(ctx context.Context, channelID string, e conversation.Embed) error {
	_, err := s.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embedOf(e)},
	}, discordgo.WithContext(ctx))
	return classify(err)
}

// interactionSender answers a deferred slash command through followup
// messages. Reactions and DMs still go through the session.
type interactionSender struct {
	*Sender
	interaction *discordgo.Interaction
}

func (s *interactionSender) SendText(ctx context.Context, channelID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.followup(ctx, &discordgo.WebhookParams{Content: truncateDiscordText(text)})
}

func (s *interactionSender) SendAttachment(ctx context.Context, channelID string, a conversation.Attachment) error {
	if len(a.Data) == 0 {
		return s.Sender.SendAttachment(ctx, channelID, a)
	}
	return s.followup(ctx, &discordgo.WebhookParams{Files: []*discordgo.File{fileOf(a)}})
}

func (s *interactionSender) SendEmbed(ctx context.Context, channelID string, e conversation.Embed) error {
	return s.followup(ctx, &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embedOf(e)}})
}

func (s *interactionSender) followup(ctx context.Context, params *discordgo.WebhookParams) error {
	_, err := s.session.FollowupMessageCreate(s.interaction, true, params, discordgo.WithContext(ctx))
	return classify(err)
}

func fileOf(a conversation.Attachment) *discordgo.File {
	return &discordgo.File{
		Name:        a.Name,
		ContentType: a.MimeType,
		Reader:      bytes.NewReader(a.Data),
	}
}

func embedOf(e conversation.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		URL:         e.URL,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.FooterText != "" || e.FooterIconURL != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.FooterText, IconURL: e.FooterIconURL}
	}
	return out
}

// classify maps Discord REST failures onto the channel error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", channel.ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", channel.ErrNotFound, err)
		}
	}
	return err
}

func truncateDiscordText(text string) string {
	runes := []rune(text)
	if len(runes) > channel.DiscordMessageLimit {
		text = string(runes[:channel.DiscordMessageLimit-3]) + "..."
	}
	return text
}
