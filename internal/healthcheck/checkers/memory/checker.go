package memorychecker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/tentacle/internal/healthcheck"
	"github.com/memohai/tentacle/internal/memory"
)

const checkTypeMemoryBackend = "memory.backend"

// Observer exposes the memory manager state.
type Observer interface {
	Status() memory.Status
	Probe(ctx context.Context) error
}

// Checker reports memory backend reachability and degraded instances.
type Checker struct {
	logger   *slog.Logger
	observer Observer
}

func NewChecker(log *slog.Logger, observer Observer) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_memory")),
		observer: observer,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if c.observer == nil {
		return []healthcheck.CheckResult{{
			ID:      checkTypeMemoryBackend,
			Type:    checkTypeMemoryBackend,
			Status:  healthcheck.StatusUnknown,
			Summary: "Memory manager is not available.",
		}}
	}
	status := c.observer.Status()
	item := healthcheck.CheckResult{
		ID:      checkTypeMemoryBackend,
		Type:    checkTypeMemoryBackend,
		Status:  healthcheck.StatusOK,
		Summary: "Memory backend is reachable.",
		Metadata: map[string]any{
			"backend":            status.Backend,
			"buffered_instances": status.Buffered,
		},
	}
	if status.Backend == "" || status.Backend == "none" {
		item.Summary = "No memory backend configured; history is kept in the buffer."
		return []healthcheck.CheckResult{item}
	}
	if err := c.observer.Probe(ctx); err != nil {
		c.logger.Warn("memory backend probe failed", slog.String("backend", status.Backend), slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Memory backend is unreachable."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	if len(status.Degraded) > 0 {
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("%d instance(s) fell back to the buffer.", len(status.Degraded))
		item.Metadata["degraded"] = status.Degraded
	}
	return []healthcheck.CheckResult{item}
}
