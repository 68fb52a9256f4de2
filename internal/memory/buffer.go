package memory

import (
	"context"
	"sync"

	"github.com/memohai/tentacle/internal/conversation"
)

// Buffer is the in-process store. Each instance keeps at most cap turns;
// the oldest are evicted first.
type Buffer struct {
	mu    sync.RWMutex
	cap   int
	turns map[int64][]conversation.Turn
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 50
	}
	return &Buffer{cap: capacity, turns: make(map[int64][]conversation.Turn)}
}

func (b *Buffer) Append(_ context.Context, instanceID int64, turns ...conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.turns[instanceID], turns...)
	if over := len(list) - b.cap; over > 0 {
		list = append([]conversation.Turn(nil), list[over:]...)
	}
	b.turns[instanceID] = list
	return nil
}

func (b *Buffer) Read(_ context.Context, instanceID int64, limit int) ([]conversation.Turn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.turns[instanceID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]conversation.Turn, len(list))
	copy(out, list)
	return out, nil
}

func (b *Buffer) Reset(_ context.Context, instanceID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.turns, instanceID)
	return nil
}

// Len returns the number of instances holding turns.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}
