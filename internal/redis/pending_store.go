package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

const (
	fieldRequest  = "request"
	fieldEarliest = "earliest_ms"
)

func pendingKey(identifier string) string { return "bgtask:pending:" + identifier }

// claimScript removes and returns the stored request only if it is due.
// KEYS[1] = pending key, ARGV[1] = now in unix ms.
var claimScript = redis.NewScript(`
local earliest = redis.call("HGET", KEYS[1], "earliest_ms")
if not earliest then
	return false
end
if tonumber(earliest) > tonumber(ARGV[1]) then
	return false
end
local req = redis.call("HGET", KEYS[1], "request")
redis.call("DEL", KEYS[1])
return req
`)

// PendingStore keeps at most one pending task request per identifier in a
// Redis hash, so requests survive a restart of the agent.
type PendingStore struct {
	client *redis.Client
}

// NewPendingStore creates a Redis-backed pending request store.
func NewPendingStore(client *redis.Client) *PendingStore {
	return &PendingStore{client: client}
}

func (s *PendingStore) Put(ctx context.Context, req domain.PendingTaskRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal pending request: %w", err)
	}
	var earliest int64
	if req.EarliestBegin != nil {
		earliest = req.EarliestBegin.UnixMilli()
	}
	err = s.client.HSet(ctx, pendingKey(req.Identifier),
		fieldRequest, data,
		fieldEarliest, earliest,
	).Err()
	if err != nil {
		return fmt.Errorf("redis put pending %s: %w", req.Identifier, err)
	}
	return nil
}

func (s *PendingStore) List(ctx context.Context, identifier string) ([]domain.PendingTaskRequest, error) {
	data, err := s.client.HGet(ctx, pendingKey(identifier), fieldRequest).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get pending %s: %w", identifier, err)
	}
	req, err := decodeRequest(data)
	if err != nil {
		return nil, err
	}
	return []domain.PendingTaskRequest{*req}, nil
}

// ClaimDue atomically removes the request for identifier if it is due at now.
func (s *PendingStore) ClaimDue(ctx context.Context, identifier string, now time.Time) (*domain.PendingTaskRequest, error) {
	data, err := claimScript.Run(ctx, s.client, []string{pendingKey(identifier)}, now.UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis claim pending %s: %w", identifier, err)
	}
	return decodeRequest([]byte(data))
}

func (s *PendingStore) Delete(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, pendingKey(identifier)).Err(); err != nil {
		return fmt.Errorf("redis delete pending %s: %w", identifier, err)
	}
	return nil
}

func decodeRequest(data []byte) (*domain.PendingTaskRequest, error) {
	var req domain.PendingTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal pending request: %w", err)
	}
	return &req, nil
}
