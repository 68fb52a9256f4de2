package flow

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/memohai/tentacle/internal/conversation"
)

const (
	prunedMarker      = "[tentacle pruned]"
	maxToolResultSize = 8 * 1024
	toolResultEdge    = 2 * 1024
)

// prepareHistory copies history for a backend request. Leading tool traffic
// without its originating user turn is dropped, and oversized tool results
// are cut to their head and tail.
func prepareHistory(history []conversation.Turn) []conversation.Turn {
	start := 0
	for start < len(history) && history[start].Role != conversation.RoleUser {
		start++
	}
	out := make([]conversation.Turn, 0, len(history)-start+1)
	for _, turn := range history[start:] {
		if !turn.HasContent() {
			continue
		}
		if turn.Role == conversation.RoleTool {
			turn = pruneToolTurn(turn)
		}
		out = append(out, turn)
	}
	return out
}

func pruneToolTurn(turn conversation.Turn) conversation.Turn {
	parts := make([]conversation.Part, len(turn.Parts))
	for i, p := range turn.Parts {
		if p.ToolResult != nil && len(p.ToolResult.Content) > maxToolResultSize {
			r := *p.ToolResult
			r.Content = pruneText(r.Content, r.Name)
			p.ToolResult = &r
		}
		parts[i] = p
	}
	turn.Parts = parts
	return turn
}

// pruneText keeps the head and tail of s within maxToolResultSize bytes.
func pruneText(s, label string) string {
	if len(s) <= maxToolResultSize {
		return s
	}
	head := utf8Prefix(s, toolResultEdge)
	tail := utf8Suffix(s, toolResultEdge)
	return fmt.Sprintf("%s %s result too long (bytes=%d, lines=%d), showing head/tail\n\n%s\n\n[...snip...]\n\n%s",
		prunedMarker, label, len(s), strings.Count(s, "\n")+1, head, tail)
}

func utf8Prefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Suffix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// decodeArguments parses model-supplied arguments. Anything that is not a
// JSON object becomes an empty map and fails schema validation downstream.
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
