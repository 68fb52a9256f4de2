package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/memohai/tentacle/internal/conversation"
)

const defaultOpenAIModel = openai.ChatModelGPT4oMini

// OpenAIProvider completes requests with the Chat Completions API. It also
// serves OpenAI-compatible servers such as Ollama.
type OpenAIProvider struct {
	name         string
	client       openai.Client
	defaultModel string
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		name:         ProviderOpenAI,
		client:       openai.NewClient(opts...),
		defaultModel: defaultOpenAIModel,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return Response{}, wrapSDKError(p.name, openAIStatus(err), err)
	}
	return openAIResponse(resp, req.Tools), nil
}

func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.StatusCode
	}
	return 0
}

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	s := req.Settings
	model := s.Model
	if model == "" {
		model = p.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Messages:    openAIMessages(req.System, req.Messages),
		Model:       model,
		Temperature: openai.Float(s.Temperature),
		TopP:        openai.Float(s.TopP),
	}
	if s.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        wireToolName(t.Name),
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(toolParameters(t)),
				},
			}
		}
		params.Tools = tools
	}
	return params
}

func openAIMessages(system string, turns []conversation.Turn) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleAssistant:
			calls := turn.ToolCalls()
			if len(calls) == 0 {
				if text := textOf(turn); text != "" {
					messages = append(messages, openai.AssistantMessage(text))
				}
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := textOf(turn); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, call := range calls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      wireToolName(call.Name),
						Arguments: encodeArguments(call.Arguments),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case conversation.RoleTool:
			for _, part := range turn.Parts {
				if part.ToolResult == nil {
					continue
				}
				content := part.ToolResult.Content
				if part.ToolResult.IsError {
					content = "error: " + content
				}
				messages = append(messages, openai.ToolMessage(content, part.ToolResult.CallID))
			}
		default:
			if msg, ok := openAIUserMessage(turn); ok {
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

func openAIUserMessage(turn conversation.Turn) (openai.ChatCompletionMessageParamUnion, bool) {
	hasImage := false
	for _, p := range turn.Parts {
		if p.Attachment != nil && p.Attachment.IsImage() && (len(p.Attachment.Data) > 0 || p.Attachment.URL != "") {
			hasImage = true
			break
		}
	}
	if !hasImage {
		text := textOf(turn)
		return openai.UserMessage(text), text != ""
	}
	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range turn.Parts {
		switch {
		case p.Type == conversation.PartText && p.Text != "":
			parts = append(parts, openai.TextContentPart(p.Text))
		case p.Attachment != nil && p.Attachment.IsImage() && len(p.Attachment.Data) > 0:
			url := "data:" + p.Attachment.MimeType + ";base64," + base64.StdEncoding.EncodeToString(p.Attachment.Data)
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		case p.Attachment != nil && p.Attachment.IsImage() && p.Attachment.URL != "":
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: p.Attachment.URL}))
		case p.Attachment != nil:
			parts = append(parts, openai.TextContentPart(attachmentReference(*p.Attachment)))
		}
	}
	return openai.UserMessage(parts), len(parts) > 0
}

func openAIResponse(resp *openai.ChatCompletion, tools []Tool) Response {
	var out Response
	if resp == nil {
		return out
	}
	out.Usage = conversation.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.FinishReason == "content_filter" {
		out.Blocked = true
		out.BlockReason = choice.FinishReason
		return out
	}
	if choice.Message.Refusal != "" && choice.Message.Content == "" {
		out.Blocked = true
		out.BlockReason = "refusal"
		return out
	}
	if choice.Message.Content != "" {
		out.Parts = append(out.Parts, conversation.TextPart(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.Parts = append(out.Parts, conversation.ToolCallPart(conversation.ToolCall{
			ID:        call.ID,
			Name:      toolNameFromWire(tools, call.Function.Name),
			Arguments: []byte(args),
		}))
	}
	return out
}
