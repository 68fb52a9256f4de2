// Package conversation defines conversation domain types and rules.
package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/memohai/tentacle/internal/capability"
)

// Role is the author class of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates Part.
type PartType string

const (
	PartText       PartType = "text"
	PartAttachment PartType = "attachment"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Attachment references a file carried by a turn. Data is kept for generated
// content; inbound files are referenced by URL.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// IsText reports whether the attachment content is plain text.
func (a Attachment) IsText() bool {
	return strings.HasPrefix(a.MimeType, "text/")
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// ToolCall is a model request to run a named method.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Part is one content element of a turn.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func AttachmentPart(a Attachment) Part {
	return Part{Type: PartAttachment, Attachment: &a}
}

func ToolCallPart(call ToolCall) Part {
	return Part{Type: PartToolCall, ToolCall: &call}
}

func ToolResultPart(result ToolResult) Part {
	return Part{Type: PartToolResult, ToolResult: &result}
}

// Turn is one message-equivalent unit of a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	AuthorID  string    `json:"author_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	texts := make([]string, 0, len(t.Parts))
	for _, p := range t.Parts {
		if p.Type == PartText && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ToolCalls returns the tool calls requested in the turn, in order.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// HasContent reports whether the turn carries any usable part.
func (t Turn) HasContent() bool {
	for _, p := range t.Parts {
		switch p.Type {
		case PartText:
			if strings.TrimSpace(p.Text) != "" {
				return true
			}
		case PartAttachment, PartToolCall, PartToolResult:
			return true
		}
	}
	return false
}

// State is the dispatch state machine position.
type State string

const (
	StatePending            State = "pending"
	StateAwaitingToolResult State = "awaiting_tool_result"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// FailureReason classifies a failed dispatch.
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonDepthExceeded   FailureReason = "depth_exceeded"
	ReasonTimeout         FailureReason = "timeout"
	ReasonRateLimited     FailureReason = "rate_limited"
	ReasonProviderError   FailureReason = "provider_error"
	ReasonContentFiltered FailureReason = "content_filtered"
)

// DirectiveKind enumerates side effects requested by methods.
type DirectiveKind string

const (
	DirectiveChannelMessage DirectiveKind = "channel_message"
	DirectiveDirectMessage  DirectiveKind = "direct_message"
	DirectiveAttachment     DirectiveKind = "attachment"
	DirectiveLinkEmbed      DirectiveKind = "link_embed"
	DirectiveReaction       DirectiveKind = "reaction"
)

// Embed is a rich link card.
type Embed struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	Color         int    `json:"color,omitempty"`
	FooterText    string `json:"footer_text,omitempty"`
	FooterIconURL string `json:"footer_icon_url,omitempty"`
}

// Directive is a gated side effect produced during dispatch and carried out
// by the composer. Capability is re-checked at composition time.
type Directive struct {
	Kind       DirectiveKind         `json:"kind"`
	Capability capability.Capability `json:"capability"`
	Text       string                `json:"text,omitempty"`
	Emoji      string                `json:"emoji,omitempty"`
	Attachment *Attachment           `json:"attachment,omitempty"`
	Embed      *Embed                `json:"embed,omitempty"`
}

// OutputKind discriminates Output.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputAttachment OutputKind = "attachment"
	OutputDirective  OutputKind = "directive"
)

// Output is one ordered element of a dispatch result.
type Output struct {
	Kind       OutputKind  `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Directive  *Directive  `json:"directive,omitempty"`
}

// Usage counts tokens across every backend call of a dispatch.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// DispatchResult is the terminal outcome of one dispatch.
type DispatchResult struct {
	State   State         `json:"state"`
	Reason  FailureReason `json:"reason,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Outputs []Output      `json:"outputs,omitempty"`
	// Turns are the new turns to append, starting with the input turn.
	Turns  []Turn `json:"turns,omitempty"`
	Usage  Usage  `json:"usage"`
	Rounds int    `json:"rounds"`
}

// Failed reports whether the dispatch terminated in the Failed state.
func (r DispatchResult) Failed() bool {
	return r.State == StateFailed
}

// Text joins every text output, in order.
func (r DispatchResult) Text() string {
	var parts []string
	for _, o := range r.Outputs {
		if o.Kind == OutputText && strings.TrimSpace(o.Text) != "" {
			parts = append(parts, o.Text)
		}
	}
	return strings.Join(parts, "\n")
}
