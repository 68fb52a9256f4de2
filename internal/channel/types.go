// Package channel turns dispatch results into platform actions and delivers
// them through a platform Sender.
package channel

import (
	"context"
	"errors"

	"github.com/memohai/tentacle/internal/conversation"
)

var (
	// ErrPermissionDenied means the platform refused the action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound means the target channel, user or message is gone.
	ErrNotFound = errors.New("not found")
)

// ActionKind discriminates Action.
type ActionKind string

const (
	ActionSendText          ActionKind = "send_text"
	ActionSendAttachment    ActionKind = "send_attachment"
	ActionSendDirectMessage ActionKind = "send_direct_message"
	ActionAddReaction       ActionKind = "add_reaction"
	ActionSendEmbed         ActionKind = "send_embed"
)

// Action is one platform side effect. Only the fields of its kind are set.
type Action struct {
	Kind       ActionKind               `json:"kind"`
	Text       string                   `json:"text,omitempty"`
	Emoji      string                   `json:"emoji,omitempty"`
	Attachment *conversation.Attachment `json:"attachment,omitempty"`
	Embed      *conversation.Embed      `json:"embed,omitempty"`
}

// Target locates where actions of one event are delivered.
type Target struct {
	ChannelID string `json:"channel_id"`
	// MessageID is the triggering message; reactions need it.
	MessageID string `json:"message_id,omitempty"`
	// AuthorID receives direct messages.
	AuthorID string `json:"author_id,omitempty"`
}

// Sender performs the platform primitives. Implementations map platform
// refusals onto ErrPermissionDenied and ErrNotFound.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) error
	SendAttachment(ctx context.Context, channelID string, attachment conversation.Attachment) error
	SendDirectMessage(ctx context.Context, userID, text string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	SendEmbed(ctx context.Context, channelID string, embed conversation.Embed) error
}
