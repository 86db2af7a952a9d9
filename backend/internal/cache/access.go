package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"boardServer/backend/internal/store"
)

const (
	ACLBaseTTL   = 10 * time.Minute // 基础过期时间
	ACLJitter    = time.Minute      // 随机抖动范围
	ACLDeniedTTL = 30 * time.Second // 无权限结果缓存更短

	aclGranted = "1"
	aclDenied  = "0"
)

// 随机 TTL，避免同一时间大量过期
func aclTTL() time.Duration {
	return ACLBaseTTL + time.Duration(rand.Int63n(int64(ACLJitter)))
}

// CachedStore 在 store.Store 前面缓存看板访问权限。
// 每次 move/加入房间都要做权限检查，命中 Redis 就不用查库
type CachedStore struct {
	store.Store
	rdb *redis.Client
	sf  singleflight.Group
}

func NewCachedStore(st store.Store, rdb *redis.Client) *CachedStore {
	return &CachedStore{Store: st, rdb: rdb}
}

var _ store.Store = (*CachedStore)(nil)

func (s *CachedStore) readACL(ctx context.Context, key string) (granted, hit bool, err error) {
	res, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, err
	}
	return res == aclGranted, true, nil
}

// HasBoardAccess Redis 不可用时直接查库
func (s *CachedStore) HasBoardAccess(ctx context.Context, userID uint64, boardID string) (bool, error) {
	key := aclKey(boardID, userID)
	v, err, _ := s.sf.Do(key, func() (any, error) {
		granted, hit, err := s.readACL(ctx, key)
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("acl cache read failed")
		}
		if hit {
			return granted, nil
		}

		// 回源
		granted, err = s.Store.HasBoardAccess(ctx, userID, boardID)
		if err != nil {
			return false, err
		}
		val, ttl := aclDenied, ACLDeniedTTL
		if granted {
			val, ttl = aclGranted, aclTTL()
		}
		if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
			log.WithError(err).WithField("key", key).Warn("acl cache write failed")
		}
		return granted, nil
	})
	if err != nil {
		return false, err
	}
	granted, ok := v.(bool)
	if !ok {
		return false, errors.New("acl cache: internal type error")
	}
	return granted, nil
}

// AddMember 写库成功后删掉缓存的“无权限”结果
func (s *CachedStore) AddMember(ctx context.Context, boardID string, userID uint64) error {
	if err := s.Store.AddMember(ctx, boardID, userID); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, aclKey(boardID, userID)).Err(); err != nil {
		log.WithError(err).WithField("board", boardID).Warn("acl cache invalidate failed")
	}
	return nil
}
