// Package flow runs one dispatch: it builds the backend request, drives the
// tool-call state machine and produces the result the composer consumes.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/chat"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
	"github.com/memohai/tentacle/internal/tools"
)

const (
	DefaultMaxDepth  = 3
	DefaultMaxRounds = 8

	refusalTemplate = "Method %s is not available in this context. Do not call it again; answer the user without it."
	denialApology   = "Sorry, I'm not allowed to do that here."
)

// ProviderSource returns the backend for resolved AI settings.
type ProviderSource interface {
	For(ctx context.Context, settings instance.AISettings) (chat.Provider, error)
}

// AgentResolver resolves the context of a named agent.
type AgentResolver interface {
	ResolveAgent(name string) (instance.EffectiveContext, error)
}

// TraceFunc receives debug records for one dispatch.
type TraceFunc func(ctx context.Context, stage string, payload any)

// Request is one dispatch.
type Request struct {
	Context instance.EffectiveContext
	History []conversation.Turn
	Input   conversation.Turn
	// Depth counts nested agent.run calls; the root dispatch is 0.
	Depth     int
	AuthorID  string
	ChannelID string
	MessageID string
	Trace     TraceFunc
}

func (r Request) trace(ctx context.Context, stage string, payload any) {
	if r.Trace != nil {
		r.Trace(ctx, stage, payload)
	}
}

type Options struct {
	MaxDepth  int
	MaxRounds int
	// Timeout bounds the root dispatch including nested calls.
	Timeout time.Duration
	Now     func() time.Time
}

// Dispatcher drives dispatches against the configured backends.
type Dispatcher struct {
	logger    *slog.Logger
	gate      *capability.Gate
	providers ProviderSource
	tools     *tools.Registry
	agents    AgentResolver
	opts      Options
}

// NewDispatcher creates a dispatcher and registers the agent.run executor.
func NewDispatcher(log *slog.Logger, gate *capability.Gate, providers ProviderSource, registry *tools.Registry, agents AgentResolver, opts Options) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		logger:    log.With(slog.String("service", "dispatcher")),
		gate:      gate,
		providers: providers,
		tools:     registry,
		agents:    agents,
		opts:      opts,
	}
	if err := registry.Register(&agentRunner{dispatcher: d}, tools.AgentRunDescriptor()); err != nil {
		return nil, fmt.Errorf("register agent.run: %w", err)
	}
	return d, nil
}

// MaxDepth returns the configured agent.run depth bound.
func (d *Dispatcher) MaxDepth() int {
	return d.opts.MaxDepth
}

// run holds the mutable state of one dispatch.
type run struct {
	req      Request
	state    conversation.State
	messages []conversation.Turn
	turns    []conversation.Turn
	outputs  []conversation.Output
	usage    conversation.Usage
	rounds   int
	denials  int
}

// Dispatch runs req to a terminal state. It never returns an error; failures
// are reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) conversation.DispatchResult {
	log := d.logger.With(
		slog.Int64("instance_id", req.Context.InstanceID),
		slog.Int("depth", req.Depth),
	)
	if req.Depth > d.opts.MaxDepth {
		log.Warn("agent depth exceeded", slog.Int("max_depth", d.opts.MaxDepth))
		return failed(conversation.ReasonDepthExceeded, fmt.Sprintf("agent depth %d exceeds %d", req.Depth, d.opts.MaxDepth), nil)
	}
	if req.Depth == 0 && d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	provider, err := d.providers.For(ctx, req.Context.AI)
	if err != nil {
		log.Error("provider unavailable", slog.Any("error", err))
		return failed(conversation.ReasonProviderError, err.Error(), nil)
	}

	input := normalizeTurn(req.Input, conversation.RoleUser, d.opts.Now())
	r := &run{
		req:      req,
		state:    conversation.StatePending,
		messages: append(prepareHistory(req.History), input),
		turns:    []conversation.Turn{input},
	}
	declared := d.declaredTools(req.Context)
	system := d.systemPrompt(req.Context)

	for {
		if r.rounds >= d.opts.MaxRounds {
			log.Warn("tool round budget exhausted", slog.Int("rounds", r.rounds))
			return failed(conversation.ReasonProviderError, "tool round budget exhausted", r)
		}
		r.rounds++

		chatReq := chat.Request{
			System:   system,
			Messages: r.messages,
			Tools:    declared,
			Settings: req.Context.AI,
		}
		if req.Context.Debug.Prompt {
			req.trace(ctx, "prompt", chatReq)
		}
		resp, err := provider.Complete(ctx, chatReq)
		if err != nil {
			reason := chat.Reason(err)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = conversation.ReasonTimeout
			}
			log.Error("backend call failed", slog.String("reason", string(reason)), slog.Any("error", err))
			return failed(reason, err.Error(), r)
		}
		r.usage.Add(resp.Usage)
		if req.Context.Debug.Response {
			req.trace(ctx, "response", resp)
		}
		if resp.Blocked {
			return failed(conversation.ReasonContentFiltered, resp.BlockReason, r)
		}
		if resp.Empty() {
			return failed(conversation.ReasonContentFiltered, "empty response", r)
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			r.appendAssistant(resp.Parts, d.opts.Now())
			r.collect(resp.Parts)
			return r.complete()
		}

		r.transition(log, conversation.StateAwaitingToolResult)
		if done, result := d.handleToolRound(ctx, log, r, resp.Parts, calls); done {
			return result
		}
		r.transition(log, conversation.StatePending)
	}
}

// handleToolRound executes one round of tool calls. It reports done when the
// dispatch reached a terminal state.
func (d *Dispatcher) handleToolRound(ctx context.Context, log *slog.Logger, r *run, parts []conversation.Part, calls []conversation.ToolCall) (bool, conversation.DispatchResult) {
	authorized := make([]bool, len(calls))
	denied := false
	for i, call := range calls {
		authorized[i] = d.gate.Authorize(r.req.Context, call.Name)
		denied = denied || !authorized[i]
	}
	if denied && r.denials >= 1 {
		log.Info("repeated capability denial, replying with apology")
		text := r.req.Context.Apology(denialApology)
		r.appendAssistant([]conversation.Part{conversation.TextPart(text)}, d.opts.Now())
		r.outputs = append(r.outputs, conversation.Output{Kind: conversation.OutputText, Text: text})
		return true, r.complete()
	}
	if denied {
		r.denials++
	}

	now := d.opts.Now()
	r.appendAssistant(parts, now)
	r.collect(parts)

	results := make([]conversation.Part, 0, len(calls))
	silent := !denied
	for i, call := range calls {
		if !authorized[i] {
			results = append(results, conversation.ToolResultPart(conversation.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: fmt.Sprintf(refusalTemplate, call.Name),
				IsError: true,
			}))
			continue
		}
		res, err := d.tools.Execute(ctx, tools.Call{
			ID:        call.ID,
			Name:      capability.Capability(call.Name),
			Arguments: decodeArguments(call.Arguments),
			Session: tools.Session{
				Context:   r.req.Context,
				AuthorID:  r.req.AuthorID,
				ChannelID: r.req.ChannelID,
				MessageID: r.req.MessageID,
				Depth:     r.req.Depth,
				Trace:     r.req.Trace,
			},
		})
		if err != nil {
			res = tools.ErrorResult(fmt.Sprintf("Method %s is not implemented.", call.Name))
		}
		if res.Failure != conversation.ReasonNone {
			return true, failed(res.Failure, res.Detail, r)
		}
		r.usage.Add(res.Usage)
		r.outputs = append(r.outputs, res.Outputs...)
		if !res.Silent() {
			silent = false
		}
		results = append(results, conversation.ToolResultPart(conversation.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: res.Content,
			IsError: res.IsError,
		}))
	}
	toolTurn := conversation.Turn{
		ID:        uuid.NewString(),
		Role:      conversation.RoleTool,
		Parts:     results,
		CreatedAt: now,
	}
	r.messages = append(r.messages, toolTurn)
	r.turns = append(r.turns, toolTurn)

	if silent {
		return true, r.complete()
	}
	return false, conversation.DispatchResult{}
}

func (d *Dispatcher) declaredTools(ec instance.EffectiveContext) []chat.Tool {
	descriptors := d.tools.Declared(func(c capability.Capability) bool {
		return capability.IsBuiltin(c) || ec.Capabilities.Has(c)
	})
	out := make([]chat.Tool, 0, len(descriptors))
	for _, desc := range descriptors {
		out = append(out, chat.Tool{
			Name:        string(desc.Name),
			Description: desc.Description,
			Parameters:  desc.InputSchema,
		})
	}
	return out
}

func (d *Dispatcher) systemPrompt(ec instance.EffectiveContext) string {
	if !ec.TimeInPrompt {
		return ec.SystemPrompt
	}
	loc, err := time.LoadLocation(ec.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := d.opts.Now().In(loc).Format("2006-01-02 15:04:05 MST")
	return strings.TrimSpace(ec.SystemPrompt + "\n\nThe current time is " + now + ".")
}

func (r *run) transition(log *slog.Logger, to conversation.State) {
	log.Debug("dispatch state", slog.String("from", string(r.state)), slog.String("to", string(to)))
	r.state = to
}

func (r *run) appendAssistant(parts []conversation.Part, now time.Time) {
	turn := conversation.Turn{
		ID:        uuid.NewString(),
		Role:      conversation.RoleAssistant,
		Parts:     parts,
		CreatedAt: now,
	}
	r.messages = append(r.messages, turn)
	r.turns = append(r.turns, turn)
}

// collect forwards model text and generated files to the composer.
func (r *run) collect(parts []conversation.Part) {
	for _, p := range parts {
		switch {
		case p.Type == conversation.PartText && strings.TrimSpace(p.Text) != "":
			r.outputs = append(r.outputs, conversation.Output{Kind: conversation.OutputText, Text: p.Text})
		case p.Type == conversation.PartAttachment && p.Attachment != nil:
			a := *p.Attachment
			r.outputs = append(r.outputs, conversation.Output{Kind: conversation.OutputAttachment, Attachment: &a})
		}
	}
}

func (r *run) complete() conversation.DispatchResult {
	r.state = conversation.StateCompleted
	return conversation.DispatchResult{
		State:   conversation.StateCompleted,
		Outputs: r.outputs,
		Turns:   r.turns,
		Usage:   r.usage,
		Rounds:  r.rounds,
	}
}

// failed builds a terminal failure. Partial turns are dropped so nothing is
// appended to memory.
func failed(reason conversation.FailureReason, detail string, r *run) conversation.DispatchResult {
	out := conversation.DispatchResult{
		State:  conversation.StateFailed,
		Reason: reason,
		Detail: detail,
	}
	if r != nil {
		r.state = conversation.StateFailed
		out.Usage = r.usage
		out.Rounds = r.rounds
	}
	return out
}

func normalizeTurn(turn conversation.Turn, role conversation.Role, now time.Time) conversation.Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Role == "" {
		turn.Role = role
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	return turn
}
