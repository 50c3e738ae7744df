package cashier

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// FailureTracker counts consecutive failed broadcasts per claim.
type FailureTracker interface {
	Fail(ctx context.Context, claimID string) (int64, error)
	Reset(ctx context.Context, claimIDs ...string) error
	// Counts returns the current count of every claim that has one.
	Counts(ctx context.Context, claimIDs ...string) (map[string]int64, error)
}

const failureKeyPrefix = "settler:failures:"

type RedisFailureTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func ConfigureRedis(path string) (*redis.Client, error) {
	rd := redis.NewClient(&redis.Options{
		Addr: path,
		DB:   0, // use default DB
	})
	if err := rd.Ping(context.Background()); err.Err() != nil {
		return nil, errors.Wrap(err.Err(), "failed to ping redis")
	}
	return rd, nil
}

// NewRedisFailureTracker keeps counters for ttl after the last failure, so a
// claim that stops failing is eventually forgotten even without a reset.
func NewRedisFailureTracker(client *redis.Client, ttl time.Duration) *RedisFailureTracker {
	return &RedisFailureTracker{client: client, ttl: ttl}
}

func (rt *RedisFailureTracker) Fail(ctx context.Context, claimID string) (int64, error) {
	key := failureKeyPrefix + claimID
	pipe := rt.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rt.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "failed counting failure for %s", claimID)
	}
	return incr.Val(), nil
}

func (rt *RedisFailureTracker) Reset(ctx context.Context, claimIDs ...string) error {
	if len(claimIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(claimIDs))
	for _, id := range claimIDs {
		keys = append(keys, failureKeyPrefix+id)
	}
	return errors.Wrap(rt.client.Del(ctx, keys...).Err(), "failed resetting failure counters")
}

func (rt *RedisFailureTracker) Counts(ctx context.Context, claimIDs ...string) (map[string]int64, error) {
	counts := map[string]int64{}
	if len(claimIDs) == 0 {
		return counts, nil
	}
	keys := make([]string, 0, len(claimIDs))
	for _, id := range claimIDs {
		keys = append(keys, failureKeyPrefix+id)
	}
	vals, err := rt.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed reading failure counters")
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid failure counter for %s", claimIDs[i])
		}
		counts[claimIDs[i]] = n
	}
	return counts, nil
}

type MemoryFailureTracker struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryFailureTracker() *MemoryFailureTracker {
	return &MemoryFailureTracker{counts: map[string]int64{}}
}

func (mt *MemoryFailureTracker) Fail(ctx context.Context, claimID string) (int64, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.counts[claimID]++
	return mt.counts[claimID], nil
}

func (mt *MemoryFailureTracker) Reset(ctx context.Context, claimIDs ...string) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, id := range claimIDs {
		delete(mt.counts, id)
	}
	return nil
}

func (mt *MemoryFailureTracker) Counts(ctx context.Context, claimIDs ...string) (map[string]int64, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	counts := map[string]int64{}
	for _, id := range claimIDs {
		if n, ok := mt.counts[id]; ok {
			counts[id] = n
		}
	}
	return counts, nil
}

func (mt *MemoryFailureTracker) Count(claimID string) int64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.counts[claimID]
}
