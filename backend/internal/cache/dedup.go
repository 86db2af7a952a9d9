package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IntentDeduper 把处理过的 requestId 记在 Redis，所有实例共享
type IntentDeduper struct {
	rdb *redis.Client
}

func NewIntentDeduper(rdb *redis.Client) *IntentDeduper {
	return &IntentDeduper{rdb: rdb}
}

// Claim 第一次见到 key 时返回 true
func (d *IntentDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, dedupKey(key), 1, ttl).Result()
}

// Release 处理失败时删除，允许客户端用同一个 requestId 重试
func (d *IntentDeduper) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, dedupKey(key)).Err()
}
