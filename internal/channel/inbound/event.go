package inbound

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/tentacle/internal/conversation"
)

// Author identifies the user behind an event.
type Author struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Mention string `json:"mention"`
}

type EmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Embed is the textual content of a rich embed attached to a message.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	AuthorName  string       `json:"author_name,omitempty"`
	AuthorURL   string       `json:"author_url,omitempty"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      string       `json:"footer,omitempty"`
}

// Reply is the message an event replies to.
type Reply struct {
	Author  Author  `json:"author"`
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Event is one inbound chat event.
type Event struct {
	MessageID string `json:"message_id,omitempty"`
	// InstanceHint routes command invocations to an explicit instance.
	InstanceHint *int64                    `json:"instance_hint,omitempty"`
	Author       Author                    `json:"author"`
	ChannelID    string                    `json:"channel_id"`
	GuildID      string                    `json:"guild_id,omitempty"`
	Content      string                    `json:"content"`
	Attachments  []conversation.Attachment `json:"attachments,omitempty"`
	Embeds       []Embed                   `json:"embeds,omitempty"`
	// Reaction is set when the event is a reaction to Content.
	Reaction   string    `json:"reaction,omitempty"`
	ReplyTo    *Reply    `json:"reply_to,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Empty reports whether the event carries nothing to answer.
func (e Event) Empty() bool {
	return strings.TrimSpace(e.Content) == "" && len(e.Attachments) == 0 && len(e.Embeds) == 0
}

// RenderTurn converts an event into the user turn sent to the model. The
// text is prefixed with a metadata block naming the author and any reply or
// reaction context.
func RenderTurn(e Event) conversation.Turn {
	var meta strings.Builder
	switch {
	case e.Reaction != "":
		meta.WriteString("**Reaction to Message**\n")
		fmt.Fprintf(&meta, " - Reaction: %s\n", e.Reaction)
	case e.ReplyTo != nil:
		fmt.Fprintf(&meta, "**Replying to Message from %s**\n", e.ReplyTo.Author.Name)
		meta.WriteString(" - Original Message: \n [Start of Original Message]\n")
		meta.WriteString(e.ReplyTo.Content + "\n")
		if text := renderEmbeds(e.ReplyTo.Embeds); text != "" {
			meta.WriteString(text + "\n")
		}
		meta.WriteString("[End of Original Message]\n")
	default:
		meta.WriteString("**Message Sent**\n")
	}
	meta.WriteString("Author:\n")
	fmt.Fprintf(&meta, " - Name: %s\n", e.Author.Name)
	fmt.Fprintf(&meta, " - Mention: %s\n", e.Author.Mention)

	parts := []conversation.Part{conversation.TextPart(meta.String())}
	if strings.TrimSpace(e.Content) != "" {
		parts = append(parts, conversation.TextPart(e.Content))
	}
	if text := renderEmbeds(e.Embeds); text != "" {
		parts = append(parts, conversation.TextPart(text))
	}
	for _, a := range e.Attachments {
		parts = append(parts, conversation.AttachmentPart(a))
	}

	created := e.ReceivedAt
	if created.IsZero() {
		created = time.Now()
	}
	return conversation.Turn{
		ID:        uuid.NewString(),
		Role:      conversation.RoleUser,
		Parts:     parts,
		AuthorID:  e.Author.ID,
		CreatedAt: created,
	}
}

func renderEmbeds(embeds []Embed) string {
	if len(embeds) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("**Embed Content**\n")
	for _, e := range embeds {
		title := e.Title
		if title == "" {
			title = "No Title"
		}
		fmt.Fprintf(&b, "# %s\n", title)
		if e.AuthorName != "" {
			if e.AuthorURL != "" {
				fmt.Fprintf(&b, " - Author: %s (%s)\n", e.AuthorName, e.AuthorURL)
			} else {
				fmt.Fprintf(&b, " - Author: %s\n", e.AuthorName)
			}
		}
		if e.URL != "" {
			fmt.Fprintf(&b, " - URL: %s\n", e.URL)
		}
		if e.Description != "" {
			b.WriteString(e.Description + "\n")
		}
		if len(e.Fields) > 0 {
			b.WriteString("Fields:\n")
			for _, f := range e.Fields {
				fmt.Fprintf(&b, " - %s: %s\n", f.Name, f.Value)
			}
		}
		if e.Footer != "" {
			fmt.Fprintf(&b, "Footer: %s\n", e.Footer)
		}
		b.WriteString("[End Embedded Content]\n\n")
	}
	return strings.TrimSpace(b.String())
}
