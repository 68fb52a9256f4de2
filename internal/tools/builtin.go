package tools

import (
	"context"
	"errors"

	"github.com/memohai/tentacle/internal/capability"
)

var errDebugMethod = errors.New("this is a debug method that always errors")

// DebugExecutor backs debug.error, which always fails.
type DebugExecutor struct{}

func (DebugExecutor) Descriptor() Descriptor {
	return Descriptor{
		Name:        capability.DebugError,
		Description: "A debug method that will always error. Returns: None",
	}
}

func (DebugExecutor) Call(ctx context.Context, call Call) (Result, error) {
	return Result{}, errDebugMethod
}

// AgentRunDescriptor declares agent.run. The executor lives with the
// dispatcher, which owns recursion.
func AgentRunDescriptor() Descriptor {
	return Descriptor{
		Name:        capability.AgentRun,
		Description: "Runs an agent with the provided query. Returns: Agent response | Error message",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent":  stringProp("The name of the agent to run."),
				"prompt": stringProp("The prompt to send to the agent. This should be an LLM prompt that the agent can understand."),
				"save_output": map[string]any{
					"type":        "boolean",
					"description": "Whether to save the output of the agent as a text attachment. Suggested when the agent produces a report meant for the user.",
				},
			},
			"required": []string{"agent", "prompt"},
		},
	}
}

// RegisterDefaults registers every built-in tool except agent.run.
func RegisterDefaults(r *Registry, discord *DiscordExecutor, spacebin *SpacebinExecutor) error {
	for _, d := range discord.Descriptors() {
		if err := r.Register(discord, d); err != nil {
			return err
		}
	}
	if err := r.Register(spacebin, spacebin.Descriptor()); err != nil {
		return err
	}
	debug := DebugExecutor{}
	return r.Register(debug, debug.Descriptor())
}
