package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/process-engine/types"
)

// TestRedisStore exercises the Redis-backed store against a local
// Redis instance and skips when none is reachable.
func TestRedisStore(t *testing.T) {
	opts := RedisOptions{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	}

	s, err := NewRedisStore(opts)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()

	ctx := context.Background()

	t.Run("SaveAndGetProcess", func(t *testing.T) {
		proc := newProcess("redis-proc-1", types.StatusRunning)
		require.NoError(t, s.SaveProcess(ctx, proc))

		got, err := s.GetProcess(ctx, "redis-proc-1")
		require.NoError(t, err)
		assert.Equal(t, proc.ID, got.ID)
		assert.Equal(t, types.StatusRunning, got.Status)

		_, err = s.GetProcess(ctx, "redis-missing")
		assert.ErrorIs(t, err, ErrProcessNotFound)
	})

	t.Run("WorkflowState", func(t *testing.T) {
		state := newState("redis-proc-1")
		require.NoError(t, s.SaveWorkflowState(ctx, state))

		got, err := s.GetWorkflowState(ctx, "redis-proc-1")
		require.NoError(t, err)
		assert.Equal(t, "step-1", got.CurrentNode)
	})

	t.Run("ListProcesses", func(t *testing.T) {
		require.NoError(t, s.SaveProcess(ctx, newProcess("redis-proc-2", types.StatusPending)))

		procs, err := s.ListProcesses(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(procs), 2)
	})

	t.Run("ClearTerminal", func(t *testing.T) {
		require.NoError(t, s.SaveProcess(ctx, newProcess("redis-proc-3", types.StatusCompleted)))
		require.NoError(t, s.ClearTerminal(ctx))

		_, err := s.GetProcess(ctx, "redis-proc-3")
		assert.ErrorIs(t, err, ErrProcessNotFound)
	})

	t.Run("DeleteProcess", func(t *testing.T) {
		require.NoError(t, s.DeleteProcess(ctx, "redis-proc-1"))
		require.NoError(t, s.DeleteProcess(ctx, "redis-proc-2"))

		_, err := s.GetProcess(ctx, "redis-proc-1")
		assert.ErrorIs(t, err, ErrProcessNotFound)
	})
}
