package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memohai/tentacle/internal/conversation"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider completes requests with the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

var _ Provider = (*AnthropicProvider)(nil)

func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	msg, err := p.client.Messages.New(ctx, anthropicParams(req))
	if err != nil {
		return Response{}, wrapSDKError(ProviderAnthropic, anthropicStatus(err), err)
	}
	return anthropicResponse(msg, req.Tools), nil
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.StatusCode
	}
	return 0
}

func anthropicParams(req Request) anthropic.MessageNewParams {
	s := req.Settings
	model := s.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(defaultAnthropicMaxTokens)
	if s.MaxTokens > 0 {
		maxTokens = int64(s.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Messages:    anthropicMessages(req.Messages),
		Temperature: anthropic.Float(min(s.Temperature, 1)),
	}
	if s.TopK > 0 {
		params.TopK = anthropic.Int(int64(s.TopK))
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		schema := toolParameters(t)
		input := anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
			Required:   requiredFields(schema),
		}
		tool := anthropic.ToolUnionParamOfTool(input, wireToolName(t.Name))
		tool.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, tool)
	}
	return params
}

// anthropicMessages folds tool results into user messages and merges
// consecutive turns of the same side, as the Messages API requires
// alternating roles.
func anthropicMessages(turns []conversation.Turn) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var lastAssistant bool
	push := func(assistant bool, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if len(out) > 0 && lastAssistant == assistant {
			out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			return
		}
		if assistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		lastAssistant = assistant
	}
	for _, turn := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range turn.Parts {
			switch p.Type {
			case conversation.PartText:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			case conversation.PartAttachment:
				if p.Attachment == nil {
					continue
				}
				if p.Attachment.IsImage() && len(p.Attachment.Data) > 0 {
					blocks = append(blocks, anthropic.NewImageBlockBase64(p.Attachment.MimeType, base64.StdEncoding.EncodeToString(p.Attachment.Data)))
					continue
				}
				blocks = append(blocks, anthropic.NewTextBlock(attachmentReference(*p.Attachment)))
			case conversation.PartToolCall:
				if p.ToolCall != nil {
					blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolCall.ID, decodeArguments(p.ToolCall.Arguments), wireToolName(p.ToolCall.Name)))
				}
			case conversation.PartToolResult:
				if p.ToolResult != nil {
					blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolResult.CallID, p.ToolResult.Content, p.ToolResult.IsError))
				}
			}
		}
		push(turn.Role == conversation.RoleAssistant, blocks)
	}
	return out
}

func anthropicResponse(msg *anthropic.Message, tools []Tool) Response {
	var out Response
	if msg == nil {
		return out
	}
	out.Usage = conversation.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	out.FinishReason = string(msg.StopReason)
	if msg.StopReason == anthropic.StopReasonRefusal {
		out.Blocked = true
		out.BlockReason = string(msg.StopReason)
		return out
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				out.Parts = append(out.Parts, conversation.TextPart(text))
			}
		case "tool_use":
			use := block.AsToolUse()
			args := []byte(use.Input)
			if len(args) == 0 {
				args = []byte("{}")
			}
			out.Parts = append(out.Parts, conversation.ToolCallPart(conversation.ToolCall{
				ID:        use.ID,
				Name:      toolNameFromWire(tools, use.Name),
				Arguments: args,
			}))
		}
	}
	return out
}
