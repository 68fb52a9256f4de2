package chat

import (
	"testing"

	"google.golang.org/genai"

	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
)

func TestGeminiContentsMapsRolesAndParts(t *testing.T) {
	t.Parallel()

	call := conversation.ToolCall{ID: "c1", Name: "spacebin.post", Arguments: []byte(`{"message":"hi"}`)}
	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Parts: []conversation.Part{
			conversation.TextPart("hello"),
			conversation.AttachmentPart(conversation.Attachment{Name: "a.png", MimeType: "image/png", Data: []byte{1, 2}}),
		}},
		{Role: conversation.RoleAssistant, Parts: []conversation.Part{conversation.ToolCallPart(call)}},
		{Role: conversation.RoleTool, Parts: []conversation.Part{conversation.ToolResultPart(conversation.ToolResult{CallID: "c1", Name: "spacebin.post", Content: "denied", IsError: true})}},
		{Role: conversation.RoleUser},
	}
	contents := geminiContents(turns)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3 (empty turn dropped)", len(contents))
	}
	if contents[0].Role != genai.RoleUser || len(contents[0].Parts) != 2 || contents[0].Parts[1].InlineData == nil {
		t.Fatalf("user content = %+v", contents[0])
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].FunctionCall.Args["message"] != "hi" {
		t.Fatalf("model content = %+v", contents[1])
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Response["error"] != "denied" {
		t.Fatalf("function response = %+v", resp)
	}
}

func TestGeminiConfigBuiltinToolsOnlyWithoutFunctions(t *testing.T) {
	t.Parallel()

	settings := instance.AISettings{Temperature: 1, TopP: 0.95, TopK: 40, MaxTokens: -1, URLContext: true, GoogleSearch: true, ImageGeneration: true}
	cfg := geminiConfig(Request{System: "be nice", Settings: settings})
	if len(cfg.Tools) != 2 || cfg.Tools[0].URLContext == nil || cfg.Tools[1].GoogleSearch == nil {
		t.Fatalf("builtin tools = %+v", cfg.Tools)
	}
	if cfg.MaxOutputTokens != 0 {
		t.Fatalf("negative max tokens should be unset, got %d", cfg.MaxOutputTokens)
	}
	if len(cfg.ResponseModalities) != 2 || cfg.SystemInstruction == nil {
		t.Fatalf("config = %+v", cfg)
	}

	cfg = geminiConfig(Request{Settings: settings, Tools: []Tool{{Name: "spacebin.post"}}})
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("function tools = %+v", cfg.Tools)
	}
}

func TestGeminiResponse(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: "here"},
				{FunctionCall: &genai.FunctionCall{Name: "spacebin.post", Args: map[string]any{"message": "x"}}},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte{9}}},
			}},
			FinishReason: genai.FinishReasonStop,
		}, {
			Content: &genai.Content{Parts: []*genai.Part{{Text: "second candidate"}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 4, TotalTokenCount: 7},
	}
	out := geminiResponse(resp)
	if out.Blocked || len(out.Parts) != 3 {
		t.Fatalf("parts = %+v", out.Parts)
	}
	if out.Parts[0].Text != "here" {
		t.Fatalf("first candidate text = %q", out.Parts[0].Text)
	}
	if calls := out.ToolCalls(); len(calls) != 1 || calls[0].ID == "" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if a := out.Parts[2].Attachment; a == nil || a.Name != "image_1.png" {
		t.Fatalf("attachment = %+v", out.Parts[2].Attachment)
	}
	if out.Usage.TotalTokens != 7 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestGeminiResponseBlocked(t *testing.T) {
	t.Parallel()

	out := geminiResponse(&genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	})
	if !out.Blocked {
		t.Fatal("prompt feedback block should mark the response blocked")
	}
	out = geminiResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	})
	if !out.Blocked || out.BlockReason != string(genai.FinishReasonSafety) {
		t.Fatalf("safety finish = %+v", out)
	}
}
