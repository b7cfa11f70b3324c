package lockmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "selfhealing:lock:"

// RedisBackend is the preferred central-store backend of spec §4.2: an
// atomic compare-and-set with TTL (`SET NX EX`) and a Lua compare-and-delete
// release that only removes the key if owner+token still match, so a lock
// that expired and was reacquired by someone else is never released by the
// stale holder.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(lockID string) string {
	return keyPrefix + lockID
}

// compareAndDelete only deletes KEYS[1] if its stored value is still exactly
// ARGV[1], the payload Release read and matched on owner+token — the Go
// analogue of the original's "GET then DEL if equal" Lua script.
const compareAndDelete = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func ownerToken(info Info) string {
	return info.Owner + ":" + info.Token
}

func (b *RedisBackend) TryAcquire(ctx context.Context, info Info, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshal lock info: %w", err)
	}
	ok, err := b.client.SetNX(ctx, redisKey(info.LockID), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return ok, nil
}

func (b *RedisBackend) Release(ctx context.Context, info Info) (bool, error) {
	raw, err := b.client.Get(ctx, redisKey(info.LockID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET: %w", err)
	}
	var existing Info
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return false, fmt.Errorf("unmarshal lock info: %w", err)
	}
	if ownerToken(existing) != ownerToken(info) {
		return false, nil
	}
	result, err := b.client.Eval(ctx, compareAndDelete, []string{redisKey(info.LockID)}, raw).Result()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete: %w", err)
	}
	n, _ := result.(int64)
	return n > 0, nil
}

func (b *RedisBackend) Get(ctx context.Context, lockIDValue string) (Info, bool, error) {
	raw, err := b.client.Get(ctx, redisKey(lockIDValue)).Result()
	if err == redis.Nil {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("redis GET: %w", err)
	}
	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return Info{}, false, fmt.Errorf("unmarshal lock info: %w", err)
	}
	return info, true, nil
}

func (b *RedisBackend) List(ctx context.Context) ([]Info, error) {
	var out []Info
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := b.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET during scan: %w", err)
		}
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("unmarshal lock info during scan: %w", err)
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return out, nil
}

// CleanupExpired is a no-op: Redis expires keys natively (spec §4.2 "TTL").
func (b *RedisBackend) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}
