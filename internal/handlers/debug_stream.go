package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/tentacle/internal/auth"
	"github.com/memohai/tentacle/internal/channel/inbound"
)

const (
	debugBufferSize   = 64
	debugWriteTimeout = 10 * time.Second
	debugPingInterval = 30 * time.Second
)

// DebugHub fans debug records out to websocket subscribers. Slow
// subscribers lose records instead of blocking dispatches.
type DebugHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*debugSubscriber]struct{}
}

type debugSubscriber struct {
	instanceID *int64
	records    chan inbound.Record
}

func NewDebugHub(log *slog.Logger) *DebugHub {
	if log == nil {
		log = slog.Default()
	}
	return &DebugHub{
		logger: log.With(slog.String("handler", "debug_stream")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*debugSubscriber]struct{}),
	}
}

func (h *DebugHub) Register(e *echo.Echo) {
	e.GET("/debug/stream", h.Stream, auth.RequireAdmin)
}

// Record implements inbound.Sink.
func (h *DebugHub) Record(ctx context.Context, r inbound.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.instanceID != nil && *sub.instanceID != r.InstanceID {
			continue
		}
		select {
		case sub.records <- r:
		default:
			h.logger.Debug("debug subscriber lagging, record dropped", slog.Int64("instance_id", r.InstanceID))
		}
	}
}

// Stream upgrades to a websocket and writes every record as JSON. The
// optional instance_id query parameter filters records.
func (h *DebugHub) Stream(c echo.Context) error {
	var filter *int64
	if raw := c.QueryParam("instance_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "instance_id must be an integer")
		}
		filter = &id
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer ws.Close()

	sub := h.subscribe(filter)
	defer h.unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(debugPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case r := <-sub.records:
			_ = ws.SetWriteDeadline(time.Now().Add(debugWriteTimeout))
			if err := ws.WriteJSON(r); err != nil {
				h.logger.Debug("debug stream write failed", slog.Any("error", err))
				return nil
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(debugWriteTimeout)); err != nil {
				return nil
			}
		}
	}
}

func (h *DebugHub) subscribe(filter *int64) *debugSubscriber {
	sub := &debugSubscriber{instanceID: filter, records: make(chan inbound.Record, debugBufferSize)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info("debug subscriber connected", slog.Int("subscribers", n))
	return sub
}

func (h *DebugHub) unsubscribe(sub *debugSubscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info("debug subscriber disconnected", slog.Int("subscribers", n))
}

func (h *DebugHub) subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
