package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "apptsched:checkpoint:"

// RedisLog stores entries in a Redis list keyed by job id.
type RedisLog struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisLog(rdb *redis.Client, jobID string, ttl time.Duration) *RedisLog {
	return &RedisLog{rdb: rdb, key: keyPrefix + jobID, ttl: ttl}
}

func RedisOpener(rdb *redis.Client, ttl time.Duration) Opener {
	return func(jobID, _ string) Log { return NewRedisLog(rdb, jobID, ttl) }
}

func (l *RedisLog) Append(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, l.key, b)
	if l.ttl > 0 {
		pipe.Expire(ctx, l.key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint: redis append: %w", err)
	}
	return nil
}

func (l *RedisLog) Entries(ctx context.Context) ([]Entry, error) {
	raw, err := l.rdb.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis read: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
