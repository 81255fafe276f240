// Package bus delivers frames to every session in a room, on every node,
// at least once. Local fan-out happens first for low latency; replication
// onto the shared per-room channel follows only in distributed mode.
// Receivers deduplicate on (origin node, sequence), so ordering is only
// promised within one node's stream for a room.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/internal/registry"
	"github.com/tinywideclouds/go-chat-service/internal/rooms"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

const (
	roomChannelPrefix = "chat:room:"
	controlChannel    = "chat:control"
	privateChannel    = "chat:private"

	// roomsSetKey and roomNodesPrefix record which rooms have
	// subscribers cluster-wide, maintained under the room's lock.
	roomsSetKey     = "chat:rooms"
	roomNodesPrefix = "chat:roomnodes:"

	subscribeLockTTL = 5 * time.Second
	bookkeepTimeout  = 2 * time.Second
)

// ModeSource is the failover coordinator's surface consumed by the bus.
type ModeSource interface {
	Mode() chat.Mode
	Store() chat.Store
	ReportFailure()
}

// Locker serializes cross-node subscription bookkeeping.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string)
}

// Throttle stretches background cadences under degradation.
type Throttle interface {
	PresenceInterval(base time.Duration) time.Duration
}

// Config holds the bus tunables.
type Config struct {
	NodeID           string
	PresenceInterval time.Duration // base announce cadence, default 30s
	DedupEntries     int           // (origin, room) pairs tracked, default 4096
}

// Bus is the message fan-out and replication engine.
type Bus struct {
	cfg      Config
	registry *registry.Registry
	rooms    *rooms.Index
	modes    ModeSource
	locks    Locker
	throttle Throttle

	seq  atomic.Uint64
	seen *lru.Cache[string, uint64]

	mu         sync.Mutex
	sub        chat.Subscription
	subscribed map[string]struct{}

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a bus. locks and throttle may be nil in tests.
func New(cfg Config, reg *registry.Registry, ix *rooms.Index, modes ModeSource, locks Locker, throttle Throttle, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) (*Bus, error) {
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = 30 * time.Second
	}
	if cfg.DedupEntries <= 0 {
		cfg.DedupEntries = 4096
	}
	seen, err := lru.New[string, uint64](cfg.DedupEntries)
	if err != nil {
		return nil, err
	}
	return &Bus{
		cfg:        cfg,
		registry:   reg,
		rooms:      ix,
		modes:      modes,
		locks:      locks,
		throttle:   throttle,
		seen:       seen,
		subscribed: make(map[string]struct{}),
		clock:      clk,
		metrics:    m,
		logger:     logger.With().Str("component", "MessageBus").Str("node", cfg.NodeID).Logger(),
	}, nil
}

// Start opens the subscription against the currently selected store and
// launches the presence announcer. Call after the failover probe settled.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.Resync(ctx); err != nil {
		return err
	}
	go b.announceLoop(ctx)
	return nil
}

// Stop closes the live subscription.
func (b *Bus) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// Resync tears down any existing subscription and rebuilds it against the
// store the coordinator currently selects, re-attaching every room with
// local members. Called at start and after a failover recovery; replay of
// frames published while detached is not attempted (at-least-once, with a
// known bounded gap).
func (b *Bus) Resync(ctx context.Context) error {
	b.mu.Lock()
	old := b.sub
	b.sub = nil
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	sub, err := b.modes.Store().Subscribe(ctx, b.handleMessage)
	if err != nil {
		return err
	}
	channels := []string{controlChannel, privateChannel}
	roomIDs := b.rooms.SubscribedRooms()
	for _, roomID := range roomIDs {
		channels = append(channels, roomChannelPrefix+roomID)
	}
	if err := sub.Add(ctx, channels...); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.subscribed = make(map[string]struct{}, len(roomIDs))
	for _, roomID := range roomIDs {
		b.subscribed[roomID] = struct{}{}
	}
	b.mu.Unlock()

	b.logger.Info().Int("rooms", len(roomIDs)).Msg("subscription resynced")
	return nil
}

// Publish stamps the frame with this node's origin and sequence, fans it
// out to the room's local members, then replicates it when distributed.
// Replication failure degrades to local-only delivery, never fails the
// user-facing publish.
func (b *Bus) Publish(ctx context.Context, roomID string, f *chat.Frame) {
	f.RoomID = roomID
	if f.Timestamp == 0 {
		f.Timestamp = chat.Now()
	}
	f.OriginNode = b.cfg.NodeID
	f.Seq = b.seq.Add(1)

	b.registry.BroadcastLocal(b.rooms.LocalMembers(roomID), f)
	b.metrics.MessagesPublished.Inc()

	b.replicate(ctx, roomChannelPrefix+roomID, f)
}

// PublishPrivate delivers a private frame to the target user's local
// connection (and echoes to the sender), replicating on the private
// channel so the target's hosting node can deliver it too.
func (b *Bus) PublishPrivate(ctx context.Context, f *chat.Frame) {
	if f.Timestamp == 0 {
		f.Timestamp = chat.Now()
	}
	f.OriginNode = b.cfg.NodeID
	f.Seq = b.seq.Add(1)

	b.deliverPrivateLocal(f, true)
	b.metrics.MessagesPublished.Inc()

	b.replicate(ctx, privateChannel, f)
}

func (b *Bus) deliverPrivateLocal(f *chat.Frame, echoSender bool) {
	var targets []string
	if connID, ok := b.rooms.ConnForUser(f.Target); ok {
		targets = append(targets, connID)
	}
	if echoSender && f.UserID != "" && f.UserID != f.Target {
		if connID, ok := b.rooms.ConnForUser(f.UserID); ok {
			targets = append(targets, connID)
		}
	}
	if len(targets) > 0 {
		b.registry.BroadcastLocal(targets, f)
	}
}

func (b *Bus) replicate(ctx context.Context, channel string, f *chat.Frame) {
	if b.modes.Mode() != chat.ModeDistributed {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		b.logger.Error().Err(err).Msg("frame marshal failed, not replicated")
		return
	}
	if err := b.modes.Store().Publish(ctx, channel, payload); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("replication failed, delivered locally only")
		b.modes.ReportFailure()
		return
	}
	b.metrics.MessagesReplicated.Inc()
}

// EnsureSubscribed attaches the room's shared channel when its local
// membership becomes non-empty, and records this node's interest in the
// cluster bookkeeping sets under the room's lock. Implements
// rooms.Subscriber.
func (b *Bus) EnsureSubscribed(roomID string) {
	b.mu.Lock()
	if _, ok := b.subscribed[roomID]; ok {
		b.mu.Unlock()
		return
	}
	b.subscribed[roomID] = struct{}{}
	sub := b.sub
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()
	if sub != nil {
		if err := sub.Add(ctx, roomChannelPrefix+roomID); err != nil {
			b.logger.Warn().Err(err).Str("room", roomID).Msg("room channel subscribe failed")
		}
	}
	b.bookkeepSubscription(ctx, roomID, true)
}

// Unsubscribe detaches the room's shared channel after the grace period
// expired with no local members. Implements rooms.Subscriber.
func (b *Bus) Unsubscribe(roomID string) {
	b.mu.Lock()
	if _, ok := b.subscribed[roomID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribed, roomID)
	sub := b.sub
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()
	if sub != nil {
		if err := sub.Remove(ctx, roomChannelPrefix+roomID); err != nil {
			b.logger.Warn().Err(err).Str("room", roomID).Msg("room channel unsubscribe failed")
		}
	}
	b.bookkeepSubscription(ctx, roomID, false)
}

// bookkeepSubscription maintains the cluster-wide room/node sets. The
// room's lock serializes concurrent nodes; if the lock or the store is
// unavailable the sets are skipped — they are advisory, and presence
// TTLs bound the staleness.
func (b *Bus) bookkeepSubscription(ctx context.Context, roomID string, joined bool) {
	if b.modes.Mode() != chat.ModeDistributed {
		return
	}
	store := b.modes.Store()

	if b.locks != nil {
		token, err := b.locks.Acquire(ctx, "room:"+roomID, subscribeLockTTL)
		if err != nil {
			b.logger.Debug().Err(err).Str("room", roomID).Msg("subscription bookkeeping unguarded, lock unavailable")
		} else {
			defer b.locks.Release(ctx, "room:"+roomID, token)
		}
	}

	nodesKey := roomNodesPrefix + roomID
	var err error
	if joined {
		if err = store.SAdd(ctx, roomsSetKey, roomID); err == nil {
			err = store.SAdd(ctx, nodesKey, b.cfg.NodeID)
		}
	} else {
		if err = store.SRem(ctx, nodesKey, b.cfg.NodeID); err == nil {
			var nodes []string
			if nodes, err = store.SMembers(ctx, nodesKey); err == nil && len(nodes) == 0 {
				err = store.SRem(ctx, roomsSetKey, roomID)
			}
		}
	}
	if err != nil {
		b.logger.Warn().Err(err).Str("room", roomID).Msg("subscription bookkeeping failed")
		b.modes.ReportFailure()
	}
}

// ClusterRooms merges locally known rooms with the cluster bookkeeping
// set. Used by the introspection API; local rooms are authoritative.
func (b *Bus) ClusterRooms(ctx context.Context) []string {
	local := b.rooms.Rooms()
	if b.modes.Mode() != chat.ModeDistributed {
		return local
	}
	remote, err := b.modes.Store().SMembers(ctx, roomsSetKey)
	if err != nil {
		b.logger.Debug().Err(err).Msg("cluster room listing unavailable")
		return local
	}
	seen := make(map[string]struct{}, len(local)+len(remote))
	merged := make([]string, 0, len(local)+len(remote))
	for _, roomID := range append(local, remote...) {
		if _, dup := seen[roomID]; dup {
			continue
		}
		seen[roomID] = struct{}{}
		merged = append(merged, roomID)
	}
	return merged
}

// controlMessage travels on the control channel, separate from chat
// content to avoid head-of-line blocking.
type controlMessage struct {
	Type      string         `json:"type"`
	Node      string         `json:"node"`
	Counts    map[string]int `json:"counts"`
	TTLMillis int64          `json:"ttl_ms"`
}

// handleMessage is the subscription callback for every shared channel.
func (b *Bus) handleMessage(channel string, payload []byte) {
	switch {
	case channel == controlChannel:
		b.handleControl(payload)
	case channel == privateChannel:
		b.handleRemotePrivate(payload)
	case strings.HasPrefix(channel, roomChannelPrefix):
		b.handleRemoteRoom(payload)
	}
}

func (b *Bus) handleControl(payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Debug().Err(err).Msg("malformed control message dropped")
		return
	}
	if msg.Node == b.cfg.NodeID || msg.Type != "presence" {
		return
	}
	ttl := time.Duration(msg.TTLMillis) * time.Millisecond
	for roomID, count := range msg.Counts {
		b.rooms.ApplyPresence(msg.Node, roomID, count, ttl)
	}
}

func (b *Bus) handleRemoteRoom(payload []byte) {
	f, ok := b.decodeRemote(payload, "")
	if !ok {
		return
	}
	b.registry.BroadcastLocal(b.rooms.LocalMembers(f.RoomID), f)
	b.metrics.MessagesReceived.Inc()
}

func (b *Bus) handleRemotePrivate(payload []byte) {
	f, ok := b.decodeRemote(payload, "~private")
	if !ok {
		return
	}
	b.deliverPrivateLocal(f, false)
	b.metrics.MessagesReceived.Inc()
}

// decodeRemote parses a replicated frame, dropping our own echoes and
// anything already seen from the origin's stream.
func (b *Bus) decodeRemote(payload []byte, streamSuffix string) (*chat.Frame, bool) {
	var f chat.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		b.logger.Debug().Err(err).Msg("malformed replicated frame dropped")
		return nil, false
	}
	if f.OriginNode == "" || f.OriginNode == b.cfg.NodeID {
		return nil, false
	}
	stream := f.RoomID
	if streamSuffix != "" {
		stream = streamSuffix
	}
	key := f.OriginNode + "|" + stream
	if last, ok := b.seen.Get(key); ok && f.Seq <= last {
		b.metrics.MessagesDeduped.Inc()
		return nil, false
	}
	b.seen.Add(key, f.Seq)
	return &f, true
}

// announceLoop periodically publishes this node's per-room local member
// counts on the control channel. The cadence stretches under degradation;
// counts carry a TTL of three announce intervals so silence ages them out.
func (b *Bus) announceLoop(ctx context.Context) {
	for {
		interval := b.cfg.PresenceInterval
		if b.throttle != nil {
			interval = b.throttle.PresenceInterval(interval)
		}
		timer := b.clock.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		b.AnnouncePresence(ctx, 3*interval)
	}
}

// AnnouncePresence publishes the presence delta once. Exposed for the
// resync path and tests.
func (b *Bus) AnnouncePresence(ctx context.Context, ttl time.Duration) {
	if b.modes.Mode() != chat.ModeDistributed {
		return
	}
	counts := b.rooms.LocalPresence()
	if len(counts) == 0 {
		return
	}
	payload, err := json.Marshal(controlMessage{
		Type:      "presence",
		Node:      b.cfg.NodeID,
		Counts:    counts,
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		return
	}
	if err := b.modes.Store().Publish(ctx, controlChannel, payload); err != nil {
		b.logger.Debug().Err(err).Msg("presence announce failed")
		b.modes.ReportFailure()
	}
}
