package chat

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/memohai/tentacle/internal/conversation"
)

// DebugProvider answers every request with a summary of what it received.
// It never calls tools.
type DebugProvider struct{}

var _ Provider = DebugProvider{}

func (DebugProvider) Name() string { return ProviderDebug }

type debugSummary struct {
	Model    string   `yaml:"model,omitempty"`
	History  int      `yaml:"history"`
	Tools    []string `yaml:"tools,omitempty"`
	Message  string   `yaml:"message"`
	Provider string   `yaml:"provider"`
}

func (DebugProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	summary := debugSummary{
		Model:    req.Settings.Model,
		Provider: ProviderDebug,
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == conversation.RoleUser {
			summary.Message = strings.TrimSpace(req.Messages[i].Text())
			summary.History = i
			break
		}
	}
	for _, t := range req.Tools {
		summary.Tools = append(summary.Tools, t.Name)
	}
	raw, err := yaml.Marshal(summary)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w: %w", ProviderDebug, ErrProviderError, err)
	}
	text := "This is a debug message.\n```yaml\n" + string(raw) + "```"
	return Response{
		Parts:        []conversation.Part{conversation.TextPart(text)},
		FinishReason: "stop",
	}, nil
}
