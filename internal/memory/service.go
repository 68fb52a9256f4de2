package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
)

const (
	defaultReadLimit = 30
	defaultTimeout   = 5 * time.Second
)

// ManagerOptions tunes the manager.
type ManagerOptions struct {
	ReadLimit int
	Timeout   time.Duration
}

// Manager routes memory operations to the buffer or the persistent backend
// according to the instance memory mode. A backend failure degrades the
// instance to the buffer for the rest of the process lifetime.
type Manager struct {
	logger    *slog.Logger
	buffer    *Buffer
	backend   Backend
	readLimit int
	timeout   time.Duration

	mu       sync.RWMutex
	degraded map[int64]time.Time
}

// NewManager builds a manager. backend may be nil, in which case database
// mode instances degrade on first use.
func NewManager(log *slog.Logger, buffer *Buffer, backend Backend, opts ManagerOptions) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if buffer == nil {
		buffer = NewBuffer(0)
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Manager{
		logger:    log.With(slog.String("service", "memory")),
		buffer:    buffer,
		backend:   backend,
		readLimit: opts.ReadLimit,
		timeout:   opts.Timeout,
		degraded:  make(map[int64]time.Time),
	}
}

// Read returns the recent history for an instance. It never fails: backend
// errors degrade the instance and the buffer contents are returned instead.
func (m *Manager) Read(ctx context.Context, instanceID int64, mode instance.MemoryMode) []conversation.Turn {
	if m.persistent(instanceID, mode) {
		turns, err := m.backendRead(ctx, instanceID)
		if err == nil {
			return turns
		}
		m.degrade(instanceID, "read", err)
	}
	turns, _ := m.buffer.Read(ctx, instanceID, m.readLimit)
	return turns
}

// Append stores the turns of one finished dispatch as a unit.
func (m *Manager) Append(ctx context.Context, instanceID int64, mode instance.MemoryMode, turns ...conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if m.persistent(instanceID, mode) {
		err := m.withTimeout(ctx, func(ctx context.Context) error {
			return m.backend.Append(ctx, instanceID, turns...)
		})
		if err == nil {
			return nil
		}
		m.degrade(instanceID, "append", err)
	}
	return m.buffer.Append(ctx, instanceID, turns...)
}

// Reset clears the instance in both tiers.
func (m *Manager) Reset(ctx context.Context, instanceID int64) error {
	_ = m.buffer.Reset(ctx, instanceID)
	if m.backend == nil {
		return nil
	}
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		return m.backend.Reset(ctx, instanceID)
	})
	if err != nil {
		m.logger.Warn("memory reset failed", slog.Int64("instance_id", instanceID), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	m.logger.Info("memory reset", slog.Int64("instance_id", instanceID))
	return nil
}

// Degraded reports whether the instance has fallen back to the buffer.
func (m *Manager) Degraded(instanceID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.degraded[instanceID]
	return ok
}

// Status summarizes the manager state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.degraded))
	for id := range m.degraded {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	name := "none"
	if m.backend != nil {
		name = m.backend.Name()
	}
	return Status{Backend: name, Degraded: ids, Buffered: m.buffer.Len()}
}

// Probe pings the persistent backend and logs the outcome.
func (m *Manager) Probe(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}
	err := m.withTimeout(ctx, m.backend.Ping)
	if err != nil {
		m.logger.Warn("memory backend probe failed", slog.String("backend", m.backend.Name()), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	m.logger.Debug("memory backend probe ok", slog.String("backend", m.backend.Name()))
	return nil
}

func (m *Manager) persistent(instanceID int64, mode instance.MemoryMode) bool {
	if mode != instance.MemoryDatabase {
		return false
	}
	if m.backend == nil {
		m.degrade(instanceID, "select", ErrBackendUnavailable)
		return false
	}
	return !m.Degraded(instanceID)
}

func (m *Manager) backendRead(ctx context.Context, instanceID int64) ([]conversation.Turn, error) {
	var turns []conversation.Turn
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		turns, err = m.backend.Read(ctx, instanceID, m.readLimit)
		return err
	})
	return turns, err
}

func (m *Manager) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return fn(ctx)
}

func (m *Manager) degrade(instanceID int64, op string, err error) {
	m.mu.Lock()
	_, already := m.degraded[instanceID]
	if !already {
		m.degraded[instanceID] = time.Now()
	}
	m.mu.Unlock()
	if already {
		return
	}
	m.logger.Warn("MemoryBackendUnavailable",
		slog.Int64("instance_id", instanceID),
		slog.String("op", op),
		slog.Any("error", err),
	)
}
