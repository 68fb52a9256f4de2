// Package memory keeps per-instance conversation history. An in-process
// bounded buffer serves instances without persistence; Postgres or SQLite
// back instances in database mode.
package memory

import (
	"context"
	"errors"

	"github.com/memohai/tentacle/internal/conversation"
)

// ErrBackendUnavailable marks a persistent backend failure. The manager
// degrades to the buffer when it sees one.
var ErrBackendUnavailable = errors.New("memory backend unavailable")

// Store is a per-instance turn log.
type Store interface {
	// Append adds turns atomically, in order.
	Append(ctx context.Context, instanceID int64, turns ...conversation.Turn) error
	// Read returns at most limit of the most recent turns, oldest first.
	// A non-positive limit returns everything.
	Read(ctx context.Context, instanceID int64, limit int) ([]conversation.Turn, error)
	// Reset removes every turn of the instance.
	Reset(ctx context.Context, instanceID int64) error
}

// Backend is a persistent Store that can be probed and closed.
type Backend interface {
	Store
	Name() string
	Ping(ctx context.Context) error
	Close() error
}

// Status is a point-in-time summary for the admin API.
type Status struct {
	Backend  string  `json:"backend"`
	Degraded []int64 `json:"degraded,omitempty"`
	Buffered int     `json:"buffered_instances"`
}
