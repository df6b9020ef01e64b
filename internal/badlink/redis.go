package badlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const (
	redisKeyPrefix     = "resolver:badlink:"
	redisUpsertRetries = 8
	redisScanBatch     = 200
)

// RedisStore keeps one JSON value per identity with a native TTL matching
// the flag's expiry. Reports use WATCH/MULTI so concurrent reporters on
// the same key retry instead of overwriting each other.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(identity string) string {
	return redisKeyPrefix + identity
}

func (s *RedisStore) Upsert(ctx context.Context, report Report, now time.Time, ttl time.Duration) (domain.BadLinkFlag, Outcome, error) {
	key := redisKey(report.Identity)
	var (
		result  domain.BadLinkFlag
		outcome Outcome
	)

	txf := func(tx *redis.Tx) error {
		existing, found, err := readFlag(ctx, tx, key)
		if err != nil {
			return err
		}
		result, outcome = applyReport(existing, found, report, now, ttl)
		if outcome == OutcomeDuplicate {
			return nil
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return err
		}
		expiry := result.ExpiresAt.Sub(now)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, expiry)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisUpsertRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, outcome, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.BadLinkFlag{}, "", err
	}
	return domain.BadLinkFlag{}, "", fmt.Errorf("bad link upsert for %s: too much contention", report.Identity)
}

func (s *RedisStore) Get(ctx context.Context, identity string, now time.Time) (domain.BadLinkFlag, bool, error) {
	key := redisKey(identity)
	flag, found, err := readFlag(ctx, s.client, key)
	if err != nil || !found {
		return domain.BadLinkFlag{}, false, err
	}
	if flag.Expired(now) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return domain.BadLinkFlag{}, false, err
		}
		return domain.BadLinkFlag{}, false, nil
	}
	return flag, true, nil
}

// DeleteExpired catches rows whose stored expiry passed before the native
// TTL fired, which happens when clocks drift between writers.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		flag, found, err := readFlag(ctx, s.client, key)
		if err != nil {
			return removed, err
		}
		if !found || !flag.Expired(now) {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, iter.Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readFlag(ctx context.Context, client stringGetter, key string) (domain.BadLinkFlag, bool, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BadLinkFlag{}, false, nil
		}
		return domain.BadLinkFlag{}, false, err
	}
	var flag domain.BadLinkFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return domain.BadLinkFlag{}, false, fmt.Errorf("decode bad link %s: %w", key, err)
	}
	return flag, true, nil
}
