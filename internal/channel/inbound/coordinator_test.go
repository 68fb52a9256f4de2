package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/channel"
	"github.com/memohai/tentacle/internal/chat"
	"github.com/memohai/tentacle/internal/config"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/conversation/flow"
	"github.com/memohai/tentacle/internal/instance"
	"github.com/memohai/tentacle/internal/memory"
	"github.com/memohai/tentacle/internal/tools"
)

func ptr[T any](v T) *T { return &v }

type scriptedProvider struct {
	mu       sync.Mutex
	requests []chat.Request
	script   func(ctx context.Context, call int, req chat.Request) (chat.Response, error)
	started  chan int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req chat.Request) (chat.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	p.mu.Unlock()
	if p.started != nil {
		p.started <- call
	}
	return p.script(ctx, call, req)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) chat.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type fakeSender struct {
	mu      sync.Mutex
	actions []string
}

func (s *fakeSender) add(entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, entry)
	return nil
}

func (s *fakeSender) SendText(ctx context.Context, channelID, text string) error {
	return s.add("send_text:" + text)
}

func (s *fakeSender) SendAttachment(ctx context.Context, channelID string, a conversation.Attachment) error {
	return s.add("send_attachment:" + a.Name)
}

func (s *fakeSender) SendDirectMessage(ctx context.Context, userID, text string) error {
	return s.add("send_direct_message:" + text)
}

func (s *fakeSender) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return s.add("add_reaction:" + emoji)
}

func (s *fakeSender) SendEmbed(ctx context.Context, channelID string, e conversation.Embed) error {
	return s.add("send_embed:" + e.URL)
}

func (s *fakeSender) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) Ping(ctx context.Context) error { return errors.New("connection refused") }
func (failingBackend) Close() error { return nil }
func (failingBackend) Append(ctx context.Context, id int64, turns ...conversation.Turn) error {
	return errors.New("connection refused")
}
func (failingBackend) Read(ctx context.Context, id int64, limit int) ([]conversation.Turn, error) {
	return nil, errors.New("connection refused")
}
func (failingBackend) Reset(ctx context.Context, id int64) error { return errors.New("connection refused") }

type harness struct {
	coordinator *Coordinator
	provider    *scriptedProvider
	sender      *fakeSender
	memory      *memory.Manager
	buffer      *memory.Buffer
	records     *[]Record
	logs        *bytes.Buffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func newHarness(t *testing.T, tiers instance.Tiers, backend memory.Backend, opts flow.Options) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(&syncBuffer{buf: logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	resolver, err := instance.NewResolver(log, tiers)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	provider := &scriptedProvider{}
	providers := chat.NewRegistry(log, config.ProvidersConfig{})
	providers.Register(chat.ProviderGemini, provider)

	registry := tools.NewRegistry()
	if err := tools.RegisterDefaults(registry, tools.NewDiscordExecutor(log), tools.NewSpacebinExecutor(log, nil)); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	gate := capability.NewGate(log)
	dispatcher, err := flow.NewDispatcher(log, gate, providers, registry, resolver, opts)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	buffer := memory.NewBuffer(50)
	mem := memory.NewManager(log, buffer, backend, memory.ManagerOptions{})

	var mu sync.Mutex
	records := []Record{}
	sink := SinkFunc(func(ctx context.Context, r Record) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	})
	deliverer := channel.NewDeliverer(log, channel.OutboundPolicy{RetryMax: 1})
	composer := channel.NewComposer(log, gate, channel.OutboundPolicy{})
	return &harness{
		coordinator: NewCoordinator(log, resolver, mem, dispatcher, composer, deliverer, sink),
		provider:    provider,
		sender:      &fakeSender{},
		memory:      mem,
		buffer:      buffer,
		records:     &records,
		logs:        logs,
	}
}

func baseTiers() instance.Tiers {
	return instance.Tiers{
		Global: instance.GlobalConfig{
			AI:        instance.AIConfig{Provider: ptr("gemini")},
			Apologies: []string{"Sorry, something broke."},
		},
		Agents: map[string]instance.AgentConfig{
			"loop": {Description: "calls itself", Capabilities: []string{"agent.run"}},
		},
		Instances: map[int64]instance.InstanceConfig{
			42: {Capabilities: instance.CapabilityList{Names: []string{"discord.send_direct_message"}, Replace: true}},
			77: {Capabilities: instance.CapabilityList{Names: []string{"agent.run"}}},
		},
	}
}

func messageEvent(channelID, messageID, content string) Event {
	return Event{
		MessageID: messageID,
		ChannelID: channelID,
		GuildID:   "9000",
		Author:    Author{ID: "u1", Name: "Alice", Mention: "<@u1>"},
		Content:   content,
	}
}

func textResponse(text string) chat.Response {
	return chat.Response{Parts: []conversation.Part{conversation.TextPart(text)}}
}

func callResponse(id, name string, args map[string]any) chat.Response {
	raw, _ := json.Marshal(args)
	return chat.Response{Parts: []conversation.Part{conversation.ToolCallPart(conversation.ToolCall{ID: id, Name: name, Arguments: raw})}}
}

func TestDeniedSpacebinFallsBackToOneText(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		if call == 1 {
			return callResponse("c1", "spacebin.post", map[string]any{"message": "a very long text"}), nil
		}
		return textResponse("Here is the text directly: a very long text"), nil
	}

	if err := h.coordinator.Handle(context.Background(), messageEvent("42", "m1", "post this please"), h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.sender.snapshot()
	if len(got) != 1 || got[0] != "send_text:Here is the text directly: a very long text" {
		t.Fatalf("actions = %v", got)
	}
	refusal := h.provider.request(1).Messages[2].Parts[0].ToolResult
	if refusal == nil || !refusal.IsError {
		t.Fatalf("expected refusal tool result, got %+v", h.provider.request(1).Messages[2])
	}
	turns, _ := h.buffer.Read(context.Background(), 42, 0)
	if len(turns) != 4 {
		t.Fatalf("stored turns = %d, want 4", len(turns))
	}
	if !strings.Contains(h.logs.String(), "capability denied") {
		t.Fatal("denial was not logged")
	}
}

func TestDatabaseReadFailureDegradesToEmptyHistory(t *testing.T) {
	tiers := baseTiers()
	inst := tiers.Instances[42]
	inst.Memory = ptr(instance.MemoryDatabase)
	tiers.Instances[42] = inst
	h := newHarness(t, tiers, failingBackend{}, flow.Options{})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		return textResponse("hello"), nil
	}

	if err := h.coordinator.Handle(context.Background(), messageEvent("42", "m1", "hi"), h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(h.provider.request(0).Messages); n != 1 {
		t.Fatalf("history sent = %d messages, want only the input", n)
	}
	if !strings.Contains(h.logs.String(), "MemoryBackendUnavailable") {
		t.Fatal("expected MemoryBackendUnavailable log")
	}
	if !h.memory.Degraded(42) {
		t.Fatal("instance should be degraded")
	}
	if got := h.sender.snapshot(); len(got) != 1 || got[0] != "send_text:hello" {
		t.Fatalf("actions = %v", got)
	}
	turns, _ := h.buffer.Read(context.Background(), 42, 0)
	if len(turns) != 2 {
		t.Fatalf("buffered turns = %d, want 2", len(turns))
	}
}

func TestFailedDispatchAppendsNothing(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		return chat.Response{}, &chat.StatusError{Provider: "gemini", Status: 429, Err: errors.New("quota")}
	}

	if err := h.coordinator.Handle(context.Background(), messageEvent("42", "m1", "hi"), h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.sender.snapshot(); len(got) != 1 || got[0] != "send_text:Sorry, something broke." {
		t.Fatalf("actions = %v", got)
	}
	turns, _ := h.buffer.Read(context.Background(), 42, 0)
	if len(turns) != 0 {
		t.Fatalf("failed dispatch stored %d turns", len(turns))
	}
}

func TestNestedAgentDepthProducesOneMessage(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{MaxDepth: 2})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		return callResponse(fmt.Sprintf("c%d", call), "agent.run", map[string]any{"agent": "loop", "prompt": "again"}), nil
	}

	outcome, err := h.coordinator.Query(context.Background(), 77, messageEvent("77", "m1", "go"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if outcome.Result.Reason != conversation.ReasonDepthExceeded {
		t.Fatalf("reason = %s", outcome.Result.Reason)
	}
	if len(outcome.Actions) != 1 || outcome.Actions[0].Kind != channel.ActionSendText {
		t.Fatalf("actions = %+v", outcome.Actions)
	}
	if h.provider.calls() != 3 {
		t.Fatalf("backend calls = %d", h.provider.calls())
	}
}

func TestDispatchesSerializePerInstance(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	release := make(chan struct{})
	h.provider.started = make(chan int, 4)
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		if call == 1 {
			<-release
		}
		return textResponse(fmt.Sprintf("answer %d", call)), nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.coordinator.Handle(context.Background(), messageEvent("42", "m1", "first"), h.sender)
	}()
	<-h.provider.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.coordinator.Handle(context.Background(), messageEvent("42", "m2", "second"), h.sender)
	}()
	select {
	case <-h.provider.started:
		t.Fatal("second dispatch started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	second := h.provider.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("second dispatch saw %d messages, want 3", len(second.Messages))
	}
	if !strings.Contains(second.Messages[0].Text(), "first") || second.Messages[1].Text() != "answer 1" {
		t.Fatalf("history out of order: %+v", second.Messages)
	}
	if got := h.sender.snapshot(); strings.Join(got, ",") != "send_text:answer 1,send_text:answer 2" {
		t.Fatalf("actions = %v", got)
	}
	if h.coordinator.locks.size() != 0 {
		t.Fatal("lock entries leaked")
	}
}

func TestDifferentInstancesRunConcurrently(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	release := make(chan struct{})
	h.provider.started = make(chan int, 4)
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		<-release
		return textResponse("ok"), nil
	}

	var wg sync.WaitGroup
	for _, id := range []string{"42", "77"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = h.coordinator.Handle(context.Background(), messageEvent(id, "m-"+id, "hi"), h.sender)
		}(id)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-h.provider.started:
		case <-time.After(2 * time.Second):
			t.Fatal("instances were not dispatched concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestStaleEventOutputIsDiscarded(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	release := make(chan struct{})
	h.provider.started = make(chan int, 1)
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		<-release
		return textResponse("too late"), nil
	}

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.coordinator.process(context.Background(), 42, messageEvent("42", "m1", "hi"), h.sender)
		done <- out
	}()
	<-h.provider.started
	h.coordinator.Invalidate("m1")
	close(release)
	out := <-done

	if !out.Discarded {
		t.Fatal("outcome should be discarded")
	}
	if len(h.sender.snapshot()) != 0 {
		t.Fatalf("stale output was sent: %v", h.sender.snapshot())
	}
	turns, _ := h.buffer.Read(context.Background(), 42, 0)
	if len(turns) != 0 {
		t.Fatal("stale output was stored")
	}
	if n := h.coordinator.PruneStale(-time.Second); n != 1 {
		t.Fatalf("pruned = %d", n)
	}
}

func TestUnroutedEventsAreIgnored(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		return textResponse("nope"), nil
	}

	if err := h.coordinator.Handle(context.Background(), messageEvent("555", "m1", "hi"), h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := h.coordinator.Handle(context.Background(), messageEvent("42", "m2", "  "), h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.provider.calls() != 0 {
		t.Fatalf("backend calls = %d", h.provider.calls())
	}
}

func TestGuildMappingAndInstanceHint(t *testing.T) {
	tiers := baseTiers()
	tiers.Instances[9000] = instance.InstanceConfig{}
	h := newHarness(t, tiers, nil, flow.Options{})

	if id, ok := h.coordinator.RouteEvent(messageEvent("555", "m1", "hi")); !ok || id != 9000 {
		t.Fatalf("guild route = %d %v", id, ok)
	}
	if id, ok := h.coordinator.RouteEvent(messageEvent("42", "m1", "hi")); !ok || id != 42 {
		t.Fatalf("channel route = %d %v", id, ok)
	}
	e := messageEvent("42", "m1", "hi")
	e.InstanceHint = ptr(int64(77))
	if id, ok := h.coordinator.RouteEvent(e); !ok || id != 77 {
		t.Fatalf("hinted route = %d %v", id, ok)
	}
}

func TestDebugFlagsEmitRecords(t *testing.T) {
	tiers := baseTiers()
	inst := tiers.Instances[42]
	inst.Debug = instance.DebugConfig{Prompt: true, Response: true}
	tiers.Instances[42] = inst
	h := newHarness(t, tiers, nil, flow.Options{})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		return textResponse("ok"), nil
	}

	if err := h.coordinator.Handle(context.Background(), messageEvent("42", "m1", "hi"), h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	records := *h.records
	if len(records) != 2 || records[0].Stage != "prompt" || records[1].Stage != "response" {
		t.Fatalf("records = %+v", records)
	}
	if records[0].InstanceID != 42 {
		t.Fatalf("record instance = %d", records[0].InstanceID)
	}
}

func TestReloadClearsChangedInstances(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	ctx := context.Background()
	_ = h.buffer.Append(ctx, 42, conversation.Turn{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("a")}})
	_ = h.buffer.Append(ctx, 77, conversation.Turn{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("b")}})

	next := baseTiers()
	inst := next.Instances[77]
	inst.Prompt.Extra = ptr("be brief")
	next.Instances[77] = inst
	changed, err := h.coordinator.Reload(ctx, next)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(changed) != 1 || changed[0] != 77 {
		t.Fatalf("changed = %v", changed)
	}
	if turns, _ := h.buffer.Read(ctx, 77, 0); len(turns) != 0 {
		t.Fatal("changed instance kept its history")
	}
	if turns, _ := h.buffer.Read(ctx, 42, 0); len(turns) != 1 {
		t.Fatal("unchanged instance lost its history")
	}
}

func TestReloadHoldsEventsUntilHistoryIsCleared(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	release := make(chan struct{})
	h.provider.started = make(chan int, 4)
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		if call == 1 {
			<-release
		}
		return textResponse(fmt.Sprintf("answer %d", call)), nil
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.coordinator.Handle(ctx, messageEvent("77", "m1", "before"), h.sender)
	}()
	<-h.provider.started

	next := baseTiers()
	inst := next.Instances[77]
	inst.Prompt.Extra = ptr("be brief")
	next.Instances[77] = inst
	reloaded := make(chan []int64, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		changed, _ := h.coordinator.Reload(ctx, next)
		reloaded <- changed
	}()
	// Let Reload queue behind the in-flight event before the next one arrives.
	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.coordinator.Handle(ctx, messageEvent("77", "m2", "after"), h.sender)
	}()
	select {
	case <-reloaded:
		t.Fatal("reload finished while an event was in flight")
	case <-h.provider.started:
		t.Fatal("event started while a reload was pending")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	if changed := <-reloaded; len(changed) != 1 || changed[0] != 77 {
		t.Fatalf("changed = %v", changed)
	}
	after := h.provider.request(1)
	if len(after.Messages) != 1 {
		t.Fatalf("event after reload saw %d messages, want only its input", len(after.Messages))
	}
	if !strings.Contains(after.System, "be brief") {
		t.Fatal("event after reload used the old configuration")
	}
	turns, _ := h.buffer.Read(ctx, 77, 0)
	if len(turns) != 2 || !strings.Contains(turns[0].Text(), "after") {
		t.Fatalf("stored turns = %+v", turns)
	}
}

func TestUnknownHintedInstanceIsDroppedQuietly(t *testing.T) {
	h := newHarness(t, baseTiers(), nil, flow.Options{})
	h.provider.script = func(ctx context.Context, call int, req chat.Request) (chat.Response, error) {
		return textResponse("nope"), nil
	}
	e := messageEvent("42", "m1", "hi")
	e.InstanceHint = ptr(int64(555))

	if err := h.coordinator.Handle(context.Background(), e, h.sender); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.provider.calls() != 0 || len(h.sender.snapshot()) != 0 {
		t.Fatalf("unknown instance was dispatched: calls=%d actions=%v", h.provider.calls(), h.sender.snapshot())
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "event dropped, unknown instance") || strings.Contains(logs, "level=WARN") || strings.Contains(logs, "level=ERROR") {
		t.Fatalf("logs = %s", logs)
	}

	if _, err := h.coordinator.Query(context.Background(), 555, messageEvent("555", "m2", "hi")); !errors.Is(err, instance.ErrUnknownInstance) {
		t.Fatalf("query err = %v", err)
	}
}
