package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidates(t *testing.T) {
	s := NewService(nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Job{Name: "prune", Spec: "@every 1m", Run: noop}))
	assert.ErrorIs(t, s.Add(Job{Name: "prune", Spec: "@every 1m", Run: noop}), ErrDuplicateJob)
	assert.Error(t, s.Add(Job{Name: "bad", Spec: "not a spec", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "nil", Spec: "@every 1m"}))
}

func TestTriggerRunsJob(t *testing.T) {
	s := NewService(nil)
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "probe", Spec: "@hourly", Run: func(context.Context) error {
		if calls.Add(1) > 1 {
			return boom
		}
		return nil
	}}))

	require.NoError(t, s.Trigger(context.Background(), "probe"))
	assert.ErrorIs(t, s.Trigger(context.Background(), "probe"), boom)
	assert.ErrorIs(t, s.Trigger(context.Background(), "missing"), ErrUnknownJob)
}

func TestScheduledJobFires(t *testing.T) {
	s := NewService(nil)
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}))
	require.NoError(t, s.Bootstrap(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	next, err := s.Next("tick")
	require.NoError(t, err)
	assert.False(t, next.IsZero())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}
