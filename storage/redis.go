package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/procflow/process-engine/types"
)

const (
	processPrefix = "process:"
	statePrefix   = "workflow_state:"
)

// RedisStore is a Redis-backed implementation of ProcessStore.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// saveToRedis marshals and stores a value under prefix+id.
func (s *RedisStore) saveToRedis(ctx context.Context, prefix, id string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %v", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value stored under prefix+id.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveProcess stores a process record in Redis.
func (s *RedisStore) SaveProcess(ctx context.Context, proc types.Process) error {
	return s.saveToRedis(ctx, processPrefix, proc.ID, proc)
}

// GetProcess retrieves a process record from Redis.
func (s *RedisStore) GetProcess(ctx context.Context, id string) (types.Process, error) {
	return getFromRedis[types.Process](ctx, s.client, processPrefix, id, ErrProcessNotFound)
}

// DeleteProcess removes a process record and its workflow state from Redis.
func (s *RedisStore) DeleteProcess(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.Del(ctx, processPrefix+id)
		pipe.Del(ctx, statePrefix+id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete process %s: %v", id, err)
		}
		return nil
	})
}

// ListProcesses returns every stored process, unordered.
func (s *RedisStore) ListProcesses(ctx context.Context) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		keys, err := s.client.Keys(ctx, processPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan process keys: %v", err)
		}

		out := make([]types.Process, 0, len(keys))
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}

			var proc types.Process
			if err := json.Unmarshal(data, &proc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, proc)
		}
		return out, nil
	})
}

// SaveWorkflowState stores a workflow state snapshot in Redis.
func (s *RedisStore) SaveWorkflowState(ctx context.Context, state types.WorkflowState) error {
	return s.saveToRedis(ctx, statePrefix, state.ProcessID, state)
}

// GetWorkflowState retrieves the workflow state for a process.
func (s *RedisStore) GetWorkflowState(ctx context.Context, processID string) (types.WorkflowState, error) {
	return getFromRedis[types.WorkflowState](ctx, s.client, statePrefix, processID, ErrStateNotFound)
}

// ClearTerminal removes processes in a terminal state using pipelining.
func (s *RedisStore) ClearTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, processPrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan process keys: %v", err)
		}

		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}

			var proc types.Process
			if err := json.Unmarshal(data, &proc); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if proc.Status.Terminal() {
				pipe.Del(ctx, key)
				pipe.Del(ctx, statePrefix+proc.ID)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
