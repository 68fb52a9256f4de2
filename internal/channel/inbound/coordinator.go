// Package inbound coordinates inbound chat events: it routes each event to an
// instance, serializes work per instance and runs resolve, memory read,
// dispatch, composition, delivery and memory append as one unit.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/tentacle/internal/channel"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/conversation/flow"
	"github.com/memohai/tentacle/internal/instance"
)

// Resolver is the configuration view the coordinator needs.
type Resolver interface {
	Resolve(id int64) (instance.EffectiveContext, error)
	Route(channelID, guildID int64) (int64, bool)
	Swap(tiers instance.Tiers) ([]int64, error)
}

type Memory interface {
	Read(ctx context.Context, instanceID int64, mode instance.MemoryMode) []conversation.Turn
	Append(ctx context.Context, instanceID int64, mode instance.MemoryMode, turns ...conversation.Turn) error
	Reset(ctx context.Context, instanceID int64) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req flow.Request) conversation.DispatchResult
}

type Composer interface {
	Compose(grant instance.EffectiveContext, result conversation.DispatchResult) []channel.Action
}

type Deliverer interface {
	Deliver(ctx context.Context, sender channel.Sender, target channel.Target, actions []channel.Action) error
}

// Outcome describes one processed event.
type Outcome struct {
	ID         string                      `json:"id"`
	InstanceID int64                       `json:"instance_id"`
	Result     conversation.DispatchResult `json:"result"`
	Actions    []channel.Action            `json:"actions"`
	// Discarded is set when the event went stale before delivery.
	Discarded bool `json:"discarded,omitempty"`
}

// Coordinator is the entry point for inbound events.
type Coordinator struct {
	logger     *slog.Logger
	resolver   Resolver
	memory     Memory
	dispatcher Dispatcher
	composer   Composer
	deliverer  Deliverer
	sink       Sink
	// reloading is held shared by every event and exclusively by Reload, so
	// no event observes new configuration before its history is cleared.
	reloading  sync.RWMutex
	locks      *keyedMutex
	stale      *staleTracker
	now        func() time.Time
}

func NewCoordinator(log *slog.Logger, resolver Resolver, memory Memory, dispatcher Dispatcher, composer Composer, deliverer Deliverer, sink Sink) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = NewLogSink(log)
	}
	return &Coordinator{
		logger:     log.With(slog.String("service", "coordinator")),
		resolver:   resolver,
		memory:     memory,
		dispatcher: dispatcher,
		composer:   composer,
		deliverer:  deliverer,
		sink:       sink,
		locks:      newKeyedMutex(),
		stale:      newStaleTracker(),
		now:        time.Now,
	}
}

// RouteEvent maps an event onto an instance id: an explicit hint first, then
// the channel mapping, then the guild mapping.
func (c *Coordinator) RouteEvent(e Event) (int64, bool) {
	if e.InstanceHint != nil {
		return *e.InstanceHint, true
	}
	channelID, _ := strconv.ParseInt(e.ChannelID, 10, 64)
	guildID, _ := strconv.ParseInt(e.GuildID, 10, 64)
	return c.resolver.Route(channelID, guildID)
}

// Handle processes an event and delivers the resulting actions through
// sender. Events that match no instance, or name an unknown one, are ignored.
func (c *Coordinator) Handle(ctx context.Context, e Event, sender channel.Sender) error {
	if e.Empty() {
		return nil
	}
	id, ok := c.RouteEvent(e)
	if !ok {
		c.logger.Debug("event ignored, no instance", slog.String("channel_id", e.ChannelID), slog.String("guild_id", e.GuildID))
		return nil
	}
	_, err := c.process(ctx, id, e, sender)
	if errors.Is(err, instance.ErrUnknownInstance) {
		c.logger.Debug("event dropped, unknown instance", slog.Int64("instance_id", id), slog.String("channel_id", e.ChannelID))
		return nil
	}
	return err
}

// Query runs an event against an explicit instance and returns the composed
// actions without delivering them.
func (c *Coordinator) Query(ctx context.Context, instanceID int64, e Event) (Outcome, error) {
	return c.process(ctx, instanceID, e, nil)
}

func (c *Coordinator) process(ctx context.Context, id int64, e Event, sender channel.Sender) (Outcome, error) {
	out := Outcome{ID: uuid.NewString(), InstanceID: id}
	log := c.logger.With(
		slog.String("dispatch_id", out.ID),
		slog.Int64("instance_id", id),
		slog.String("message_id", e.MessageID),
	)

	c.reloading.RLock()
	defer c.reloading.RUnlock()
	unlock := c.locks.Lock(id)
	defer unlock()

	ec, err := c.resolver.Resolve(id)
	if err != nil {
		return out, fmt.Errorf("resolve instance %d: %w", id, err)
	}
	ec.InstanceID = id

	history := c.memory.Read(ctx, id, ec.Memory)
	out.Result = c.dispatcher.Dispatch(ctx, flow.Request{
		Context:   ec,
		History:   history,
		Input:     RenderTurn(e),
		AuthorID:  e.Author.ID,
		ChannelID: e.ChannelID,
		MessageID: e.MessageID,
		Trace: func(ctx context.Context, stage string, payload any) {
			c.sink.Record(ctx, Record{InstanceID: id, Stage: stage, Payload: payload, At: c.now()})
		},
	})

	if c.stale.Stale(e.MessageID) {
		log.Info("discarding output of stale event", slog.String("state", string(out.Result.State)))
		out.Discarded = true
		return out, nil
	}

	// The grant may have changed during the dispatch.
	grant, err := c.resolver.Resolve(id)
	if err != nil {
		log.Warn("instance vanished during dispatch, composing with the original grant", slog.Any("error", err))
		grant = ec
	}
	grant.InstanceID = id
	out.Actions = c.composer.Compose(grant, out.Result)

	if sender != nil && len(out.Actions) > 0 {
		target := channel.Target{ChannelID: e.ChannelID, MessageID: e.MessageID, AuthorID: e.Author.ID}
		if err := c.deliverer.Deliver(ctx, sender, target, out.Actions); err != nil {
			log.Error("delivery failed", slog.Any("error", err))
		}
	}

	if out.Result.Failed() {
		log.Warn("dispatch failed",
			slog.String("reason", string(out.Result.Reason)),
			slog.String("detail", out.Result.Detail),
		)
		return out, nil
	}
	if err := c.memory.Append(ctx, id, ec.Memory, out.Result.Turns...); err != nil {
		log.Error("memory append failed", slog.Any("error", err))
	}
	log.Info("dispatch completed",
		slog.Int("rounds", out.Result.Rounds),
		slog.Int("actions", len(out.Actions)),
		slog.Int("total_tokens", out.Result.Usage.TotalTokens),
	)
	return out, nil
}

// Invalidate marks an event stale. In-flight work for it finishes but its
// output is neither sent nor stored.
func (c *Coordinator) Invalidate(messageID string) {
	c.stale.Mark(messageID, c.now())
}

// PruneStale forgets invalidation markers older than ttl.
func (c *Coordinator) PruneStale(ttl time.Duration) int {
	return c.stale.Prune(c.now().Add(-ttl))
}

// Reset clears the conversation of an instance.
func (c *Coordinator) Reset(ctx context.Context, instanceID int64) error {
	unlock := c.locks.Lock(instanceID)
	defer unlock()
	return c.memory.Reset(ctx, instanceID)
}

// Reload publishes new configuration tiers and clears the conversations of
// every instance whose effective context changed. It waits for in-flight
// events to finish and holds new ones until the reset is done.
func (c *Coordinator) Reload(ctx context.Context, tiers instance.Tiers) ([]int64, error) {
	c.reloading.Lock()
	defer c.reloading.Unlock()
	changed, err := c.resolver.Swap(tiers)
	if err != nil {
		return nil, fmt.Errorf("swap configuration: %w", err)
	}
	var errs []error
	for _, id := range changed {
		if err := c.Reset(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("reset instance %d: %w", id, err))
		}
	}
	c.logger.Info("configuration reloaded", slog.Int("changed_instances", len(changed)))
	return changed, errors.Join(errs...)
}
