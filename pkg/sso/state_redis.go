package sso

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStateStore is a StateStore backed by Redis, for multi-instance
// deployments where every node must observe the same single-use guarantee.
// Atomicity comes from GETDEL; expiry from the key TTL.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a Redis-backed state store
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		prefix: "sso:state:",
	}
}

// Put stores a protocol state with the standard TTL
func (s *RedisStateStore) Put(ctx context.Context, state *ProtocolState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal protocol state: %w", err)
	}
	return s.client.Set(ctx, s.prefix+state.ID, data, StateTTL).Err()
}

// Consume atomically fetches and deletes a protocol state
func (s *RedisStateStore) Consume(ctx context.Context, id string) (*ProtocolState, error) {
	data, err := s.client.GetDel(ctx, s.prefix+id).Result()
	if err == redis.Nil {
		return nil, protocolErr(CodeInvalidState, "unknown or already consumed state %q", id)
	} else if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}

	var state ProtocolState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protocol state: %w", err)
	}
	return &state, nil
}

// Cleanup is a no-op: Redis evicts entries via key TTL
func (s *RedisStateStore) Cleanup(context.Context) (int, error) {
	return 0, nil
}
