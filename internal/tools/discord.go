package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/conversation"
)

// DiscordExecutor turns platform methods into composer directives. Nothing
// is sent here; the composer re-checks each directive against the current
// grant before delivering it.
type DiscordExecutor struct {
	logger *slog.Logger
}

func NewDiscordExecutor(log *slog.Logger) *DiscordExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &DiscordExecutor{logger: log.With(slog.String("tool", "discord"))}
}

// Descriptors lists the platform tools this executor owns.
func (e *DiscordExecutor) Descriptors() []Descriptor {
	return []Descriptor{
		{
			Name:        capability.AddReaction,
			Description: "Adds a reaction to the message the user sent. Accepts a standard emoji or a custom emoji in the format <:name:id>. Returns: None | Error message",
			InputSchema: objectSchema(map[string]any{
				"emoji": stringProp("The emoji to add as a reaction."),
			}),
		},
		{
			Name:        capability.SendMessage,
			Description: "Sends a message to the current channel. Identical to plain text, but can be combined with other methods. Returns: None | Error message",
			InputSchema: objectSchema(map[string]any{
				"message": stringProp("The message to send to the channel."),
			}, "message"),
		},
		{
			Name:        capability.SendDirectMessage,
			Description: "Sends a direct message to the user who sent this message. Returns: None | Error message",
			InputSchema: objectSchema(map[string]any{
				"message": stringProp("The message to send in the direct message."),
			}, "message"),
		},
		{
			Name:        capability.SendTextAttachment,
			Description: "Sends a text file as an attachment in the current channel. Returns: Success message | Error message",
			InputSchema: objectSchema(map[string]any{
				"file_name":    stringProp("The name of the file including its extension, e.g. 'example.txt'."),
				"file_content": stringProp("The content of the file to send."),
			}, "file_name", "file_content"),
		},
	}
}

func (e *DiscordExecutor) Call(ctx context.Context, call Call) (Result, error) {
	switch call.Name {
	case capability.AddReaction:
		return e.addReaction(call)
	case capability.SendMessage:
		return e.sendMessage(call)
	case capability.SendDirectMessage:
		return e.sendDirectMessage(call)
	case capability.SendTextAttachment:
		return e.sendTextAttachment(call)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
}

func (e *DiscordExecutor) addReaction(call Call) (Result, error) {
	if call.Session.MessageID == "" {
		return ErrorResult("This method can only react to user messages."), nil
	}
	emoji := StringArg(call.Arguments, "emoji")
	if emoji == "" {
		return ErrorResult("No emoji provided to add reaction."), nil
	}
	e.logger.Info("reaction requested",
		slog.Int64("instance_id", call.Session.Context.InstanceID),
		slog.String("message_id", call.Session.MessageID),
		slog.String("emoji", emoji),
	)
	return Result{Outputs: []conversation.Output{directive(conversation.Directive{
		Kind:       conversation.DirectiveReaction,
		Capability: capability.AddReaction,
		Emoji:      emoji,
	})}}, nil
}

func (e *DiscordExecutor) sendMessage(call Call) (Result, error) {
	message := RawStringArg(call.Arguments, "message")
	if strings.TrimSpace(message) == "" {
		return ErrorResult("Message must not be empty."), nil
	}
	return Result{Outputs: []conversation.Output{directive(conversation.Directive{
		Kind:       conversation.DirectiveChannelMessage,
		Capability: capability.SendMessage,
		Text:       message,
	})}}, nil
}

func (e *DiscordExecutor) sendDirectMessage(call Call) (Result, error) {
	if call.Session.AuthorID == "" {
		return ErrorResult("Method is missing a query object or author."), nil
	}
	message := RawStringArg(call.Arguments, "message")
	if strings.TrimSpace(message) == "" {
		return ErrorResult("Message must not be empty."), nil
	}
	e.logger.Info("direct message requested",
		slog.Int64("instance_id", call.Session.Context.InstanceID),
		slog.String("author_id", call.Session.AuthorID),
	)
	return Result{Outputs: []conversation.Output{directive(conversation.Directive{
		Kind:       conversation.DirectiveDirectMessage,
		Capability: capability.SendDirectMessage,
		Text:       message,
	})}}, nil
}

func (e *DiscordExecutor) sendTextAttachment(call Call) (Result, error) {
	name := StringArg(call.Arguments, "file_name")
	content := strings.TrimSpace(RawStringArg(call.Arguments, "file_content"))
	if name == "" || content == "" {
		return ErrorResult("File name and content must be provided."), nil
	}
	return TextAttachment(name, content), nil
}

// TextAttachment builds the result of a successful text attachment.
func TextAttachment(name, content string) Result {
	return Result{
		Content: fmt.Sprintf("Text attachment '%s' sent successfully.", name),
		Outputs: []conversation.Output{directive(conversation.Directive{
			Kind:       conversation.DirectiveAttachment,
			Capability: capability.SendTextAttachment,
			Attachment: &conversation.Attachment{
				Name:     name,
				MimeType: "text/plain; charset=utf-8",
				Data:     []byte(content),
			},
		})},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
