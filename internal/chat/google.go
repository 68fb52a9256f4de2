package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/memohai/tentacle/internal/conversation"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GoogleProvider completes requests with the Gemini API.
type GoogleProvider struct {
	client *genai.Client
}

var _ Provider = (*GoogleProvider)(nil)

func NewGoogleProvider(ctx context.Context, apiKey, baseURL string) (*GoogleProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (p *GoogleProvider) Name() string { return ProviderGemini }

func (p *GoogleProvider) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Settings.Model
	if model == "" {
		model = defaultGeminiModel
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), geminiConfig(req))
	if err != nil {
		return Response{}, wrapSDKError(ProviderGemini, geminiStatus(err), err)
	}
	return geminiResponse(resp), nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	s := req.Settings
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(s.Temperature)),
		TopP:        genai.Ptr(float32(s.TopP)),
	}
	if s.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(s.TopK))
	}
	if s.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(s.MaxTokens)
	}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	// Built-in tools cannot be combined with function declarations.
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	} else {
		if s.URLContext {
			cfg.Tools = append(cfg.Tools, &genai.Tool{URLContext: &genai.URLContext{}})
		}
		if s.GoogleSearch {
			cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
		}
	}
	if s.ImageGeneration {
		cfg.ResponseModalities = []string{"TEXT", "IMAGE"}
	}
	return cfg
}

func geminiContents(turns []conversation.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var parts []*genai.Part
		for _, p := range turn.Parts {
			switch p.Type {
			case conversation.PartText:
				if p.Text != "" {
					parts = append(parts, &genai.Part{Text: p.Text})
				}
			case conversation.PartAttachment:
				if p.Attachment == nil {
					continue
				}
				if len(p.Attachment.Data) > 0 && p.Attachment.MimeType != "" {
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{
						Data:     p.Attachment.Data,
						MIMEType: p.Attachment.MimeType,
					}})
					continue
				}
				parts = append(parts, &genai.Part{Text: attachmentReference(*p.Attachment)})
			case conversation.PartToolCall:
				if p.ToolCall == nil {
					continue
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   p.ToolCall.ID,
					Name: p.ToolCall.Name,
					Args: decodeArguments(p.ToolCall.Arguments),
				}})
			case conversation.PartToolResult:
				if p.ToolResult == nil {
					continue
				}
				key := "result"
				if p.ToolResult.IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       p.ToolResult.CallID,
					Name:     p.ToolResult.Name,
					Response: map[string]any{key: p.ToolResult.Content},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := genai.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func geminiResponse(resp *genai.GenerateContentResponse) Response {
	var out Response
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = conversation.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		out.Blocked = true
		out.BlockReason = string(fb.BlockReason)
		return out
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return out
	}
	cand := resp.Candidates[0]
	out.FinishReason = string(cand.FinishReason)
	switch cand.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist,
		genai.FinishReasonSPII, genai.FinishReasonImageSafety, genai.FinishReasonRecitation:
		out.Blocked = true
		out.BlockReason = string(cand.FinishReason)
		return out
	}
	if cand.Content == nil {
		return out
	}
	images := 0
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			out.Parts = append(out.Parts, conversation.TextPart(part.Text))
		}
		if fc := part.FunctionCall; fc != nil {
			id := fc.ID
			if id == "" {
				id = "call-" + uuid.NewString()
			}
			args, _ := json.Marshal(fc.Args)
			out.Parts = append(out.Parts, conversation.ToolCallPart(conversation.ToolCall{
				ID:        id,
				Name:      fc.Name,
				Arguments: args,
			}))
		}
		if blob := part.InlineData; blob != nil && len(blob.Data) > 0 {
			images++
			out.Parts = append(out.Parts, conversation.AttachmentPart(conversation.Attachment{
				Name:     generatedFileName(images, blob.MIMEType, blob.DisplayName),
				MimeType: blob.MIMEType,
				Data:     blob.Data,
			}))
		}
	}
	return out
}

func generatedFileName(index int, mimeType, displayName string) string {
	if strings.TrimSpace(displayName) != "" {
		return displayName
	}
	return fmt.Sprintf("image_%d%s", index, extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "text/plain":
		return ".txt"
	case "text/markdown":
		return ".md"
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
