// Package instance resolves the tiered gateway configuration (global, agent,
// instance) into the effective context used for one dispatch.
package instance

import (
	"fmt"
	"math/rand/v2"

	"gopkg.in/yaml.v3"

	"github.com/memohai/tentacle/internal/capability"
)

// DefaultInstanceID is the sentinel entry used when no exact instance matches.
const DefaultInstanceID int64 = -1

// MemoryMode selects the conversation backend for an instance.
type MemoryMode string

const (
	MemoryNone     MemoryMode = "none"
	MemoryDatabase MemoryMode = "database"
)

// Defaults applied when no tier sets a value.
const (
	DefaultProvider     = "gemini"
	DefaultTopP         = 0.95
	DefaultTopK         = 40
	DefaultTemperature  = 1.0
	DefaultMaxTokens    = -1
	DefaultTimezone     = "UTC"
	DefaultPersonaName  = "Jerry"
	DefaultPersonaEmoji = "🐙"
)

// Tiers is the fully parsed gateway configuration.
type Tiers struct {
	Global    GlobalConfig              `yaml:"global"`
	Agents    map[string]AgentConfig    `yaml:"agents" validate:"dive"`
	Methods   map[string]map[string]any `yaml:"methods"`
	Instances map[int64]InstanceConfig  `yaml:"instances" validate:"dive"`
}

// AIConfig is one tier's view of the backend settings. Nil fields inherit.
type AIConfig struct {
	Provider        *string  `yaml:"provider,omitempty" json:"provider,omitempty" validate:"omitempty,oneof=gemini openai anthropic ollama debug"`
	APIKey          *string  `yaml:"api_key,omitempty" json:"-"`
	BaseURL         *string  `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`
	Model           *string  `yaml:"model,omitempty" json:"model,omitempty"`
	TopP            *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty" validate:"omitempty,min=0,max=1"`
	TopK            *int     `yaml:"model_top_k,omitempty" json:"top_k,omitempty" validate:"omitempty,min=0"`
	Temperature     *float64 `yaml:"model_temperature,omitempty" json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	MaxTokens       *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	URLContext      *bool    `yaml:"url_context,omitempty" json:"url_context,omitempty"`
	GoogleSearch    *bool    `yaml:"google_search,omitempty" json:"google_search,omitempty"`
	ImageGeneration *bool    `yaml:"image_generation,omitempty" json:"image_generation,omitempty"`
}

// PromptConfig controls system prompt generation for a tier.
type PromptConfig struct {
	Default       *bool   `yaml:"default,omitempty"`
	Extra         *string `yaml:"extra,omitempty"`
	Name          *string `yaml:"name,omitempty"`
	PersonalEmoji *string `yaml:"personal_emoji,omitempty"`
}

// DebugConfig toggles observability records for an instance.
type DebugConfig struct {
	Prompt   bool `yaml:"prompt" json:"prompt"`
	Response bool `yaml:"response" json:"response"`
}

// GlobalConfig is the lowest tier.
type GlobalConfig struct {
	Timezone          string       `yaml:"timezone" validate:"omitempty,timezone"`
	TimeInPrompt      bool         `yaml:"time_in_prompt"`
	AI                AIConfig     `yaml:"ai"`
	Prompt            PromptConfig `yaml:"prompt"`
	Capabilities      []string     `yaml:"capabilities"`
	CommandInstanceID *int64       `yaml:"command_instance_id"`
	Memory            MemoryMode   `yaml:"memory" validate:"omitempty,oneof=none database"`
	Apologies         []string     `yaml:"apologies"`
}

// AgentConfig is a named, reusable backend configuration.
type AgentConfig struct {
	Description  string   `yaml:"description" validate:"required"`
	AI           AIConfig `yaml:"ai"`
	Prompt       string   `yaml:"prompt"`
	ImageOutput  bool     `yaml:"image_output"`
	FriendlyName string   `yaml:"friendly_name"`
	IconURL      string   `yaml:"icon_url" validate:"omitempty,url"`
	Capabilities []string `yaml:"capabilities"`
}

// InstanceConfig is the highest tier.
type InstanceConfig struct {
	Agent         string         `yaml:"agent"`
	Prompt        PromptConfig   `yaml:"prompt"`
	PersonalEmoji *string        `yaml:"personal_emoji"`
	Capabilities  CapabilityList `yaml:"capabilities"`
	AI            AIConfig       `yaml:"ai"`
	Memory        *MemoryMode    `yaml:"memory" validate:"omitempty,oneof=none database"`
	Debug         DebugConfig    `yaml:"debug"`
}

// CapabilityList is an instance capability declaration. It accepts either a
// plain YAML sequence or a mapping with names and a replace flag.
type CapabilityList struct {
	Names   []string `yaml:"names"`
	Replace bool     `yaml:"replace"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *CapabilityList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*l = CapabilityList{Names: names}
		return nil
	case yaml.MappingNode:
		type plain CapabilityList
		var out plain
		if err := value.Decode(&out); err != nil {
			return err
		}
		*l = CapabilityList(out)
		return nil
	default:
		return fmt.Errorf("capabilities: expected list or mapping, got %s", value.Tag)
	}
}

// AISettings is the merged, concrete backend configuration.
type AISettings struct {
	Provider        string  `json:"provider"`
	APIKey          string  `json:"-"`
	BaseURL         string  `json:"base_url,omitempty"`
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	MaxTokens       int     `json:"max_tokens"`
	URLContext      bool    `json:"url_context"`
	GoogleSearch    bool    `json:"google_search"`
	ImageGeneration bool    `json:"image_generation"`
}

// AgentDescriptor is the public face of an agent for the agent catalogue.
type AgentDescriptor struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ImageOutput  bool   `json:"image_output"`
	FriendlyName string `json:"friendly_name"`
	IconURL      string `json:"icon_url,omitempty"`
}

// EffectiveContext is the merge result for one instance (or one agent run).
// It is rebuilt on every Resolve; maps it carries are shared read-only.
type EffectiveContext struct {
	InstanceID    int64                     `json:"instance_id"`
	AgentName     string                    `json:"agent,omitempty"`
	AgentRun      bool                      `json:"agent_run,omitempty"`
	AI            AISettings                `json:"ai"`
	SystemPrompt  string                    `json:"system_prompt"`
	Capabilities  capability.Set            `json:"-"`
	Memory        MemoryMode                `json:"memory"`
	Debug         DebugConfig               `json:"debug"`
	Methods       map[string]map[string]any `json:"methods,omitempty"`
	Agents        []AgentDescriptor         `json:"agents,omitempty"`
	Apologies     []string                  `json:"apologies,omitempty"`
	Timezone      string                    `json:"timezone"`
	TimeInPrompt  bool                      `json:"time_in_prompt"`
	PersonalEmoji string                    `json:"personal_emoji"`
}

func (c EffectiveContext) GrantedInstance() int64 {
	return c.InstanceID
}

func (c EffectiveContext) GrantedCapabilities() capability.Set {
	return c.Capabilities
}

// MethodConfig returns the method configuration block for a capability.
func (c EffectiveContext) MethodConfig(cap capability.Capability) map[string]any {
	if cfg, ok := c.Methods[string(cap)]; ok && cfg != nil {
		return cfg
	}
	return map[string]any{}
}

// Agent looks up an agent descriptor by its configured name.
func (c EffectiveContext) Agent(name string) (AgentDescriptor, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentDescriptor{}, false
}

// Apology picks one configured apology uniformly at random, or fallback when
// none are configured.
func (c EffectiveContext) Apology(fallback string) string {
	if len(c.Apologies) == 0 {
		return fallback
	}
	return c.Apologies[rand.IntN(len(c.Apologies))]
}
