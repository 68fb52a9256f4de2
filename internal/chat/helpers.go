package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memohai/tentacle/internal/conversation"
)

// attachmentReference renders an attachment the backend cannot receive inline.
func attachmentReference(a conversation.Attachment) string {
	name := a.Name
	if name == "" {
		name = "attachment"
	}
	switch {
	case a.IsText() && len(a.Data) > 0:
		return fmt.Sprintf("[attachment %s]\n%s", name, string(a.Data))
	case a.URL != "":
		return fmt.Sprintf("[attachment %s (%s): %s]", name, a.MimeType, a.URL)
	default:
		return fmt.Sprintf("[attachment %s (%s)]", name, a.MimeType)
	}
}

// decodeArguments parses tool-call arguments. Invalid or non-object input
// becomes an empty map so the call can still be echoed to the backend.
func decodeArguments(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// encodeArguments is the inverse of decodeArguments for SDKs that take a
// JSON string.
func encodeArguments(raw json.RawMessage) string {
	if len(raw) == 0 || !json.Valid(raw) {
		return "{}"
	}
	return string(raw)
}

// Method names contain dots, which the OpenAI and Anthropic tool schemas
// reject.
const wireSeparator = "__"

func wireToolName(name string) string {
	return strings.ReplaceAll(name, ".", wireSeparator)
}

// toolNameFromWire maps a wire name back to the declared tool name.
func toolNameFromWire(tools []Tool, wire string) string {
	for _, t := range tools {
		if wireToolName(t.Name) == wire {
			return t.Name
		}
	}
	return strings.ReplaceAll(wire, wireSeparator, ".")
}

// toolParameters returns a JSON schema object for a tool, defaulting to an
// empty object schema.
func toolParameters(t Tool) map[string]any {
	if len(t.Parameters) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.Parameters
}

func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// textOf joins the text and inline-text attachments of a turn for
// backends that accept a plain string.
func textOf(turn conversation.Turn) string {
	var b strings.Builder
	for _, p := range turn.Parts {
		var s string
		switch p.Type {
		case conversation.PartText:
			s = p.Text
		case conversation.PartAttachment:
			if p.Attachment != nil {
				s = attachmentReference(*p.Attachment)
			}
		}
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
	}
	return b.String()
}
