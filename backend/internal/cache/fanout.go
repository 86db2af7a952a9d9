// Package cache Redis 上的跨实例状态：事件转发和请求去重
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardServer/backend/internal/board"
)

const (
	resubscribeMin = 200 * time.Millisecond
	resubscribeMax = 10 * time.Second
)

var errSubscriptionClosed = errors.New("fanout: subscription channel closed")

// Fanout 通过 Redis pub/sub 把房间事件转发给其他实例，让一个看板房间可以跨进程
type Fanout struct {
	rdb        *redis.Client
	instanceID string

	readyOnce sync.Once
	ready     chan struct{}
}

// envelope 一次提交产生的所有事件（重排时是整个容器）放在同一条消息里
type envelope struct {
	Instance string        `json:"instance"`
	Origin   string        `json:"origin"`
	Events   []board.Event `json:"events"`
}

func NewFanout(rdb *redis.Client, instanceID string) *Fanout {
	return &Fanout{rdb: rdb, instanceID: instanceID, ready: make(chan struct{})}
}

// Publish 实现 ws.Publisher
func (f *Fanout) Publish(ctx context.Context, originConnID, boardID string, evs ...board.Event) error {
	if len(evs) == 0 {
		return nil
	}
	b, err := json.Marshal(envelope{Instance: f.instanceID, Origin: originConnID, Events: evs})
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, boardChannel(boardID), b).Err()
}

// Ready 第一次订阅建立后关闭
func (f *Fanout) Ready() <-chan struct{} { return f.ready }

// Run 订阅所有看板频道，把其他实例发布的事件交给 deliver，直到 ctx 结束。
// 订阅失败或断开时按指数退避重新订阅，不会因为 Redis 抖动退出
func (f *Fanout) Run(ctx context.Context, deliver func(originConnID, boardID string, evs ...board.Event)) error {
	backoff := resubscribeMin
	for {
		subscribed, err := f.subscribe(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = resubscribeMin
		}
		log.WithError(err).WithField("retryIn", backoff).Warn("fanout: subscription lost, resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, resubscribeMax)
	}
}

// subscribe 一次订阅的生命周期。subscribed 表示订阅曾经建立成功
func (f *Fanout) subscribe(ctx context.Context, deliver func(originConnID, boardID string, evs ...board.Event)) (subscribed bool, err error) {
	sub := f.rdb.PSubscribe(ctx, boardChannelPat)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return false, err
	}
	f.readyOnce.Do(func() { close(f.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errSubscriptionClosed
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithError(err).WithField("channel", msg.Channel).Error("fanout: unable to parse event")
				continue
			}
			// 本实例发布的事件已经在本地推送过
			if env.Instance == f.instanceID || len(env.Events) == 0 {
				continue
			}
			boardID := strings.TrimPrefix(msg.Channel, strings.TrimSuffix(boardChannelPat, "*"))
			deliver(env.Origin, boardID, env.Events...)
		}
	}
}
