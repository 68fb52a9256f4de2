package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
	"github.com/memohai/tentacle/internal/tools"
)

// agentRunner executes agent.run by recursing into the dispatcher with the
// named agent's context and an explicit depth.
type agentRunner struct {
	dispatcher *Dispatcher
}

func (a *agentRunner) Call(ctx context.Context, call tools.Call) (tools.Result, error) {
	d := a.dispatcher
	name := tools.StringArg(call.Arguments, "agent")
	prompt := tools.RawStringArg(call.Arguments, "prompt")
	save, _, err := tools.BoolArg(call.Arguments, "save_output")
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	depth := call.Session.Depth + 1
	if depth > d.opts.MaxDepth {
		d.logger.Warn("agent.run depth exceeded",
			slog.String("agent", name),
			slog.Int("depth", depth),
			slog.Int("max_depth", d.opts.MaxDepth),
		)
		return tools.Result{
			Failure: conversation.ReasonDepthExceeded,
			Detail:  fmt.Sprintf("agent %s at depth %d exceeds %d", name, depth, d.opts.MaxDepth),
		}, nil
	}

	agentCtx, err := d.agents.ResolveAgent(name)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Agent %s not found. Make sure you're not referencing the friendly name of the agent, but the actual name in the config.", name)), nil
	}
	agentCtx = narrowToCaller(agentCtx, call.Session.Context)

	sub := d.Dispatch(ctx, Request{
		Context:   agentCtx,
		Input:     conversation.Turn{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart(prompt)}},
		Depth:     depth,
		AuthorID:  call.Session.AuthorID,
		ChannelID: call.Session.ChannelID,
		MessageID: call.Session.MessageID,
		Trace:     call.Session.Trace,
	})
	if sub.Failed() {
		if sub.Reason == conversation.ReasonDepthExceeded {
			return tools.Result{Failure: sub.Reason, Detail: sub.Detail, Usage: sub.Usage}, nil
		}
		res := tools.ErrorResult(fmt.Sprintf("Failed to run agent: %s", sub.Reason))
		res.Usage = sub.Usage
		return res, nil
	}

	// Agent text returns to the calling model; everything else reaches the
	// composer unchanged.
	var text []string
	var passthrough []conversation.Output
	for _, o := range sub.Outputs {
		if o.Kind == conversation.OutputText {
			text = append(text, o.Text)
			continue
		}
		passthrough = append(passthrough, o)
	}
	content := strings.Join(text, "\n")
	if strings.TrimSpace(content) == "" {
		content = "The agent finished without a text response."
	}
	res := tools.Result{Content: content, Outputs: passthrough, Usage: sub.Usage}
	if save {
		attachment := tools.TextAttachment(name+"_output.md", content)
		res.Outputs = append(res.Outputs, attachment.Outputs...)
		res.Content = attachment.Content + "\n\n" + content
	}
	return res, nil
}

// narrowToCaller binds an agent context to the calling instance. The agent
// never holds a capability the caller lacks, builtins aside, and inherits the
// caller's debug flags.
func narrowToCaller(agentCtx, caller instance.EffectiveContext) instance.EffectiveContext {
	allowed := caller.Capabilities.Union(capability.NewSet(capability.Builtins()...))
	agentCtx.InstanceID = caller.InstanceID
	agentCtx.Capabilities = agentCtx.Capabilities.Intersect(allowed)
	agentCtx.Debug = caller.Debug
	methods := make(map[string]map[string]any, len(agentCtx.Methods))
	for name, cfg := range agentCtx.Methods {
		if agentCtx.Capabilities.Has(capability.Capability(name)) {
			methods[name] = cfg
		}
	}
	agentCtx.Methods = methods
	return agentCtx
}
