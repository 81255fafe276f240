package chat

import (
	"context"
	"time"
)

// Store is the capability interface over the shared coordination store.
// Two implementations exist: a Redis-backed client for distributed mode
// and an in-memory variant for standalone mode. The failover coordinator
// selects which one the rest of the service sees, so callers are agnostic.
type Store interface {
	// Ping checks connectivity within the context's deadline.
	Ping(ctx context.Context) error

	// SetNX sets key to value with a TTL only if the key is absent.
	// Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value matches.
	// Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndExtend resets the TTL of key only if its current value
	// matches. Returns false if the key expired or changed hands.
	CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Publish sends payload to every subscriber of channel, cluster-wide.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers a handler for incoming messages. Channels are
	// attached and detached through the returned Subscription.
	Subscribe(ctx context.Context, handler func(channel string, payload []byte)) (Subscription, error)

	Close() error
}

// Subscription is a live pub/sub receiver whose channel set can change
// as rooms gain and lose local members.
type Subscription interface {
	Add(ctx context.Context, channels ...string) error
	Remove(ctx context.Context, channels ...string) error
	Close() error
}
