package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// Lua scripts keep the token comparison and the mutation atomic, the same
// shape the lock's check-owner-then-delete has always needed.
var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0`)

	compareAndExtendScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0`)
)

// Redis implements chat.Store over a go-redis client.
type Redis struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedis wraps an already-configured client.
func NewRedis(client redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndExtendScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, key, toInterfaces(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return r.client.SRem(ctx, key, toInterfaces(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub connection with an initially empty channel
// set; rooms are attached as they gain local members.
func (r *Redis) Subscribe(ctx context.Context, handler func(channel string, payload []byte)) (chat.Subscription, error) {
	ps := r.client.Subscribe(ctx)
	sub := &redisSub{ps: ps}
	go func() {
		for msg := range ps.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Add(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *redisSub) Remove(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}

func toInterfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
