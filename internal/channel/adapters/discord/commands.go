package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/tentacle/internal/channel/inbound"
)

const (
	commandAsk   = "ask"
	commandReset = "reset"
	optionPrompt = "prompt"

	resetColor = 0xED4245
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandAsk,
			Description: "Ask the assistant a question. Follow ups are allowed.",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionPrompt,
				Description: "Message to send to the assistant.",
				Required:    true,
			}},
		},
		{
			Name:        commandReset,
			Description: "Start a new conversation in this channel.",
		},
	}
}

func (a *Adapter) onInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	switch data.Name {
	case commandAsk:
		a.ask(i, data)
	case commandReset:
		a.reset(i)
	default:
		a.logger.Debug("unknown command", slog.String("command", data.Name))
	}
}

func (a *Adapter) ask(i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) {
	id, ok := a.commands.CommandInstanceID()
	if !ok {
		a.respondEphemeral(i, "This command is not configured by the bot administrator.")
		return
	}
	var prompt string
	for _, opt := range data.Options {
		if opt != nil && opt.Name == optionPrompt && opt.Type == discordgo.ApplicationCommandOptionString {
			prompt = opt.StringValue()
		}
	}
	if prompt == "" {
		a.respondEphemeral(i, "Please provide a prompt.")
		return
	}

	if err := a.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}, discordgo.WithContext(a.base)); err != nil {
		a.logger.Error("defer interaction failed", slog.Any("error", err))
		return
	}

	a.process(inbound.Event{
		MessageID:    i.ID,
		InstanceHint: &id,
		Author:       authorOf(interactionUser(i), i.Member),
		ChannelID:    i.ChannelID,
		GuildID:      i.GuildID,
		Content:      prompt,
		ReceivedAt:   a.now().UTC(),
	}, &interactionSender{Sender: NewSender(a.session), interaction: i}, false)
}

func (a *Adapter) reset(i *discordgo.Interaction) {
	id, ok := a.coordinator.RouteEvent(inbound.Event{ChannelID: i.ChannelID, GuildID: i.GuildID})
	if !ok {
		a.respondEphemeral(i, "No active conversation found. Please start a new conversation first.")
		return
	}
	ctx, cancel := context.WithTimeout(a.base, 10*time.Second)
	defer cancel()
	if err := a.coordinator.Reset(ctx, id); err != nil {
		a.logger.Error("reset failed", slog.Int64("instance_id", id), slog.Any("error", err))
		a.respondEphemeral(i, "The conversation could not be reset. Please try again later.")
		return
	}
	a.logger.Info("conversation reset", slog.Int64("instance_id", id), slog.String("channel_id", i.ChannelID))
	err := a.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{{
				Title:       "Conversation Reset",
				Description: "New chat session started. The previous conversation has been forgotten.",
				Color:       resetColor,
			}},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		a.logger.Warn("reset response failed", slog.Any("error", err))
	}
}

func (a *Adapter) respondEphemeral(i *discordgo.Interaction, text string) {
	err := a.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(a.base))
	if err != nil {
		a.logger.Warn("interaction response failed", slog.Any("error", err))
	}
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
