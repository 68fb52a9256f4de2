// Package chat adapts generative model backends to one provider-agnostic
// completion call.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
)

// Provider names accepted in configuration.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderDebug     = "debug"
)

var (
	ErrTimeout         = errors.New("provider timeout")
	ErrRateLimited     = errors.New("provider rate limited")
	ErrProviderError   = errors.New("provider error")
	ErrContentFiltered = errors.New("content filtered")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Tool declares a callable method to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion call. Messages holds the full conversation in
// order, including the new input and any tool rounds.
type Request struct {
	System   string              `json:"system"`
	Messages []conversation.Turn `json:"messages"`
	Tools    []Tool              `json:"tools,omitempty"`
	Settings instance.AISettings `json:"settings"`
}

// Response is the first candidate of a completion.
type Response struct {
	Parts        []conversation.Part `json:"parts"`
	Usage        conversation.Usage  `json:"usage"`
	FinishReason string              `json:"finish_reason,omitempty"`
	// Blocked is set when the provider withheld output for safety reasons.
	Blocked     bool   `json:"blocked,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
}

// ToolCalls returns the tool calls of the response, in order.
func (r Response) ToolCalls() []conversation.ToolCall {
	return conversation.Turn{Parts: r.Parts}.ToolCalls()
}

// Empty reports whether the response carries nothing usable.
func (r Response) Empty() bool {
	return !conversation.Turn{Parts: r.Parts}.HasContent()
}

// Provider completes requests against one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// StatusError carries the HTTP status reported by a provider SDK.
type StatusError struct {
	Provider string
	Status   int
	Err      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
}

func (e *StatusError) Unwrap() []error {
	return []error{e.Err, classifyStatus(e.Status)}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return ErrProviderError
	}
}

// Reason maps a Complete error onto a dispatch failure reason.
func Reason(err error) conversation.FailureReason {
	switch {
	case err == nil:
		return conversation.ReasonNone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return conversation.ReasonTimeout
	case errors.Is(err, ErrRateLimited):
		return conversation.ReasonRateLimited
	case errors.Is(err, ErrContentFiltered):
		return conversation.ReasonContentFiltered
	default:
		return conversation.ReasonProviderError
	}
}

// wrapSDKError normalizes an SDK error. Context errors pass through so the
// caller can classify them as timeouts.
func wrapSDKError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", provider, err)
	}
	if status > 0 {
		return &StatusError{Provider: provider, Status: status, Err: err}
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrProviderError, err)
}
