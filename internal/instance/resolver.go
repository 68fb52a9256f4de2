package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/memohai/tentacle/internal/capability"
)

var (
	// ErrUnknownInstance means no instance entry and no default entry exists.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrUnknownAgent means an agent name is not configured.
	ErrUnknownAgent = errors.New("unknown agent")
)

type compiledInstance struct {
	cfg     InstanceConfig
	caps    capability.Set
	replace bool
}

type snapshot struct {
	version   uint64
	tiers     Tiers
	global    capability.Set
	agents    map[string]capability.Set
	instances map[int64]compiledInstance
	catalogue []AgentDescriptor
}

// Resolver merges configuration tiers into effective contexts. The compiled
// snapshot is swapped atomically; readers never see a partial update.
type Resolver struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// NewResolver compiles tiers into the initial snapshot.
func NewResolver(log *slog.Logger, tiers Tiers) (*Resolver, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{logger: log.With(slog.String("service", "instance_resolver"))}
	if _, err := r.Swap(tiers); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap compiles tiers and publishes them. It returns the instance ids whose
// effective context changed, including removed and added ones.
func (r *Resolver) Swap(tiers Tiers) ([]int64, error) {
	next, err := r.compile(tiers)
	if err != nil {
		return nil, err
	}
	prev := r.current.Load()
	if prev != nil {
		next.version = prev.version + 1
	} else {
		next.version = 1
	}
	r.current.Store(next)
	r.logger.Info("configuration published",
		slog.Uint64("version", next.version),
		slog.Int("instances", len(next.instances)),
		slog.Int("agents", len(next.agents)),
	)
	if prev == nil {
		return nil, nil
	}
	return changedInstances(prev, next), nil
}

// Version returns the number of published snapshots.
func (r *Resolver) Version() uint64 {
	if s := r.current.Load(); s != nil {
		return s.version
	}
	return 0
}

// Resolve builds the effective context for an instance id.
func (r *Resolver) Resolve(id int64) (EffectiveContext, error) {
	return r.current.Load().resolve(id)
}

// ResolveAgent builds the effective context for running a named agent.
func (r *Resolver) ResolveAgent(name string) (EffectiveContext, error) {
	return r.current.Load().resolveAgent(name)
}

// Route maps a channel, then its guild, onto a configured instance id.
func (r *Resolver) Route(channelID, guildID int64) (int64, bool) {
	s := r.current.Load()
	if _, ok := s.instances[channelID]; ok && channelID != 0 {
		return channelID, true
	}
	if _, ok := s.instances[guildID]; ok && guildID != 0 {
		return guildID, true
	}
	return 0, false
}

// CommandInstanceID returns the instance used for the application command.
func (r *Resolver) CommandInstanceID() (int64, bool) {
	s := r.current.Load()
	if id := s.tiers.Global.CommandInstanceID; id != nil {
		return *id, true
	}
	if _, ok := s.instances[DefaultInstanceID]; ok {
		return DefaultInstanceID, true
	}
	return 0, false
}

// InstanceIDs lists configured instance ids in ascending order.
func (r *Resolver) InstanceIDs() []int64 {
	s := r.current.Load()
	ids := make([]int64, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Resolver) compile(tiers Tiers) (*snapshot, error) {
	s := &snapshot{
		tiers:     tiers,
		agents:    make(map[string]capability.Set, len(tiers.Agents)),
		instances: make(map[int64]compiledInstance, len(tiers.Instances)),
	}
	s.global = r.parseCaps("global", tiers.Global.Capabilities)

	names := make([]string, 0, len(tiers.Agents))
	for name, agent := range tiers.Agents {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("agent name is required")
		}
		s.agents[name] = r.parseCaps("agent "+name, agent.Capabilities)
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		agent := tiers.Agents[name]
		friendly := agent.FriendlyName
		if friendly == "" {
			friendly = name
		}
		s.catalogue = append(s.catalogue, AgentDescriptor{
			Name:         name,
			Description:  agent.Description,
			ImageOutput:  agent.ImageOutput,
			FriendlyName: friendly,
			IconURL:      agent.IconURL,
		})
	}

	for id, inst := range tiers.Instances {
		if inst.Agent != "" {
			if _, ok := tiers.Agents[inst.Agent]; !ok {
				return nil, fmt.Errorf("instance %d: %w: %s", id, ErrUnknownAgent, inst.Agent)
			}
		}
		s.instances[id] = compiledInstance{
			cfg:     inst,
			caps:    r.parseCaps(fmt.Sprintf("instance %d", id), inst.Capabilities.Names),
			replace: inst.Capabilities.Replace,
		}
	}
	if id := tiers.Global.CommandInstanceID; id != nil {
		if _, ok := s.instances[*id]; !ok {
			if _, ok := s.instances[DefaultInstanceID]; !ok {
				return nil, fmt.Errorf("command instance %d: %w", *id, ErrUnknownInstance)
			}
		}
	}
	return s, nil
}

func (r *Resolver) parseCaps(scope string, names []string) capability.Set {
	set, unknown := capability.ParseSet(names)
	for _, name := range unknown {
		r.logger.Warn("unknown capability ignored", slog.String("scope", scope), slog.String("capability", name))
	}
	return set
}

func (s *snapshot) resolve(id int64) (EffectiveContext, error) {
	inst, ok := s.instances[id]
	if !ok {
		inst, ok = s.instances[DefaultInstanceID]
		if !ok {
			return EffectiveContext{}, fmt.Errorf("%w: %d", ErrUnknownInstance, id)
		}
	}

	var agent AgentConfig
	agentCaps := capability.Set{}
	if inst.cfg.Agent != "" {
		agent = s.tiers.Agents[inst.cfg.Agent]
		agentCaps = s.agents[inst.cfg.Agent]
	}

	caps := inst.caps
	if !inst.replace {
		caps = capability.NewSet(capability.Builtins()...).Union(s.global, agentCaps, inst.caps)
	}

	memory := s.tiers.Global.Memory
	if inst.cfg.Memory != nil {
		memory = *inst.cfg.Memory
	}
	if memory == "" {
		memory = MemoryNone
	}

	ctx := s.base()
	ctx.InstanceID = id
	ctx.AgentName = inst.cfg.Agent
	ctx.AI = mergeAI(s.tiers.Global.AI, agent.AI, inst.cfg.AI)
	ctx.Capabilities = caps
	ctx.Memory = memory
	ctx.Debug = inst.cfg.Debug
	ctx.Methods = s.methodsFor(caps)
	ctx.PersonalEmoji = firstString(inst.cfg.Prompt.PersonalEmoji, inst.cfg.PersonalEmoji, s.tiers.Global.Prompt.PersonalEmoji)
	if ctx.PersonalEmoji == "" {
		ctx.PersonalEmoji = DefaultPersonaEmoji
	}
	ctx.SystemPrompt = systemPrompt(s.tiers.Global.Prompt, inst.cfg.Prompt, inst.cfg.PersonalEmoji, id, s.catalogue, caps.Has(capability.AgentRun))
	return ctx, nil
}

func (s *snapshot) resolveAgent(name string) (EffectiveContext, error) {
	agent, ok := s.tiers.Agents[name]
	if !ok {
		return EffectiveContext{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	caps := capability.NewSet(capability.Builtins()...).Union(s.global, s.agents[name])
	prompt := strings.TrimSpace(agent.Prompt)
	if prompt == "" {
		prompt = DefaultAgentPrompt
	}

	ctx := s.base()
	ctx.InstanceID = DefaultInstanceID
	ctx.AgentName = name
	ctx.AgentRun = true
	ctx.AI = mergeAI(s.tiers.Global.AI, agent.AI, AIConfig{})
	ctx.Capabilities = caps
	ctx.Memory = MemoryNone
	ctx.Methods = s.methodsFor(caps)
	ctx.PersonalEmoji = DefaultPersonaEmoji
	ctx.AI.ImageGeneration = ctx.AI.ImageGeneration || agent.ImageOutput
	ctx.SystemPrompt = prompt
	return ctx, nil
}

func (s *snapshot) base() EffectiveContext {
	tz := s.tiers.Global.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	return EffectiveContext{
		Agents:       s.catalogue,
		Apologies:    s.tiers.Global.Apologies,
		Timezone:     tz,
		TimeInPrompt: s.tiers.Global.TimeInPrompt,
	}
}

func (s *snapshot) methodsFor(caps capability.Set) map[string]map[string]any {
	out := make(map[string]map[string]any, caps.Len())
	for _, c := range caps.List() {
		if cfg, ok := s.tiers.Methods[string(c)]; ok {
			out[string(c)] = cfg
		}
	}
	return out
}

// mergeAI overrides field by field: instance over agent over global over defaults.
func mergeAI(tiers ...AIConfig) AISettings {
	out := AISettings{
		Provider:    DefaultProvider,
		TopP:        DefaultTopP,
		TopK:        DefaultTopK,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, t := range tiers {
		if t.Provider != nil {
			out.Provider = strings.ToLower(strings.TrimSpace(*t.Provider))
		}
		if t.APIKey != nil {
			out.APIKey = *t.APIKey
		}
		if t.BaseURL != nil {
			out.BaseURL = *t.BaseURL
		}
		if t.Model != nil {
			out.Model = *t.Model
		}
		if t.TopP != nil {
			out.TopP = *t.TopP
		}
		if t.TopK != nil {
			out.TopK = *t.TopK
		}
		if t.Temperature != nil {
			out.Temperature = *t.Temperature
		}
		if t.MaxTokens != nil {
			out.MaxTokens = *t.MaxTokens
		}
		if t.URLContext != nil {
			out.URLContext = *t.URLContext
		}
		if t.GoogleSearch != nil {
			out.GoogleSearch = *t.GoogleSearch
		}
		if t.ImageGeneration != nil {
			out.ImageGeneration = *t.ImageGeneration
		}
	}
	return out
}

func changedInstances(prev, next *snapshot) []int64 {
	ids := map[int64]struct{}{}
	for id := range prev.instances {
		ids[id] = struct{}{}
	}
	for id := range next.instances {
		ids[id] = struct{}{}
	}
	var changed []int64
	for id := range ids {
		a, errA := prev.resolve(id)
		b, errB := next.resolve(id)
		if (errA == nil) != (errB == nil) || !sameContext(a, b) {
			changed = append(changed, id)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

func sameContext(a, b EffectiveContext) bool {
	if !a.Capabilities.Equal(b.Capabilities) {
		return false
	}
	a.Capabilities, b.Capabilities = capability.Set{}, capability.Set{}
	return reflect.DeepEqual(a, b)
}
