// Package tools holds the gated methods a model may call during a dispatch
// and the registry that validates and routes those calls.
package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Session carries the request-scoped identity of a tool call.
type Session struct {
	Context   instance.EffectiveContext
	AuthorID  string
	ChannelID string
	MessageID string
	Depth     int
	// Trace forwards debug records of nested dispatches; nil disables them.
	Trace     func(ctx context.Context, stage string, payload any)
}

// Call is one validated tool invocation.
type Call struct {
	ID        string
	Name      capability.Capability
	Arguments map[string]any
	Session   Session
}

// Descriptor declares a tool to the model.
type Descriptor struct {
	Name        capability.Capability `json:"name"`
	Description string                `json:"description,omitempty"`
	InputSchema map[string]any        `json:"inputSchema"`
}

// Result is what a tool hands back to the dispatcher. Content goes to the
// model; Outputs go to the composer.
type Result struct {
	Content string                `json:"content,omitempty"`
	IsError bool                  `json:"is_error,omitempty"`
	Outputs []conversation.Output `json:"outputs,omitempty"`
	Usage   conversation.Usage    `json:"usage"`
	// Failure aborts the whole dispatch when set.
	Failure conversation.FailureReason `json:"failure,omitempty"`
	Detail  string                     `json:"detail,omitempty"`
}

// Silent reports whether the model needs no follow-up for this result.
func (r Result) Silent() bool {
	return !r.IsError && strings.TrimSpace(r.Content) == ""
}

// Executor runs one or more registered tools.
type Executor interface {
	Call(ctx context.Context, call Call) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (Result, error)

func (f ExecutorFunc) Call(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// ErrorResult builds a model-facing failure result.
func ErrorResult(message string) Result {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "tool execution failed"
	}
	return Result{Content: msg, IsError: true}
}

func directive(d conversation.Directive) conversation.Output {
	return conversation.Output{Kind: conversation.OutputDirective, Directive: &d}
}
