// Package registry provides the sharded connection table. Sessions are
// partitioned across N shards by a hash of the connection ID so that
// registration and broadcast contend on per-shard locks, never a global one.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// Admission is consulted before a new session is accepted. The degradation
// controller implements it.
type Admission interface {
	AdmitConnection() error
}

// Config holds the registry's tunables.
type Config struct {
	// Shards must be a power of two. Defaults to 64.
	Shards int
	// HeartbeatInterval is the expected client ping cadence. Sessions
	// with no traffic for 2.5 intervals are swept as stale.
	HeartbeatInterval time.Duration
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is the sharded connection table.
type Registry struct {
	shards    []*shard
	mask      uint32
	admission Admission
	count     atomic.Int64

	// onUnregister cascades removal into room membership and lock
	// cleanup. Set once at wiring time, before any registration.
	onUnregister func(*Session)

	heartbeatInterval time.Duration

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a registry. admission may be nil, in which case every
// registration is admitted.
func New(cfg Config, admission Admission, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) (*Registry, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	if cfg.Shards&(cfg.Shards-1) != 0 {
		return nil, fmt.Errorf("shard count must be a power of two, got %d", cfg.Shards)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return &Registry{
		shards:            shards,
		mask:              uint32(cfg.Shards - 1),
		admission:         admission,
		clock:             clk,
		metrics:           m,
		logger:            logger.With().Str("component", "ConnectionRegistry").Logger(),
		heartbeatInterval: cfg.HeartbeatInterval,
	}, nil
}

// SetUnregisterHook installs the cascade run after a session is removed.
// Must be called during wiring, before traffic.
func (r *Registry) SetUnregisterHook(fn func(*Session)) {
	r.onUnregister = fn
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()&r.mask]
}

// Register inserts a session after consulting the admission policy.
func (r *Registry) Register(sess *Session) error {
	if r.admission != nil {
		if err := r.admission.AdmitConnection(); err != nil {
			r.metrics.ConnectionsRefused.Inc()
			return err
		}
	}
	sh := r.shardFor(sess.ID)
	sh.mu.Lock()
	if _, exists := sh.sessions[sess.ID]; exists {
		sh.mu.Unlock()
		return fmt.Errorf("connection %q already registered", sess.ID)
	}
	sh.sessions[sess.ID] = sess
	sh.mu.Unlock()

	r.count.Add(1)
	r.metrics.Connections.Inc()
	r.metrics.ConnectionsOpened.Inc()
	r.logger.Debug().Str("conn", sess.ID).Str("user", sess.UserID).Int64("connections", r.count.Load()).Msg("session registered")
	return nil
}

// Unregister removes a session, runs the unregister cascade and closes it.
// Idempotent: removing an unknown ID is a no-op.
func (r *Registry) Unregister(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	sess, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}

	r.count.Add(-1)
	r.metrics.Connections.Dec()
	r.metrics.ConnectionsClosed.Inc()
	if r.onUnregister != nil {
		r.onUnregister(sess)
	}
	sess.Close()
	r.logger.Debug().Str("conn", id).Int64("connections", r.count.Load()).Msg("session unregistered")
}

// Get returns the session for a connection ID, shard-local.
func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	return sess, ok
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int { return int(r.count.Load()) }

// BroadcastLocal enqueues a frame on every listed session's send queue.
// Targets are grouped by shard and each shard's sessions are snapshotted
// under its own read lock, released before enqueueing; no two shard locks
// are ever held together.
func (r *Registry) BroadcastLocal(ids []string, f *chat.Frame) {
	byShard := make(map[*shard][]string)
	for _, id := range ids {
		sh := r.shardFor(id)
		byShard[sh] = append(byShard[sh], id)
	}

	var wg sync.WaitGroup
	for sh, shardIDs := range byShard {
		wg.Add(1)
		go func(sh *shard, shardIDs []string) {
			defer wg.Done()
			targets := make([]*Session, 0, len(shardIDs))
			sh.mu.RLock()
			for _, id := range shardIDs {
				if sess, ok := sh.sessions[id]; ok {
					targets = append(targets, sess)
				}
			}
			sh.mu.RUnlock()
			for _, sess := range targets {
				if !sess.Enqueue(f) {
					r.metrics.FramesDropped.Inc()
				}
			}
		}(sh, shardIDs)
	}
	wg.Wait()
}

// QueueDepth reports the total frames waiting across all send queues,
// an input to the degradation controller.
func (r *Registry) QueueDepth() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			total += sess.QueueDepth()
		}
		sh.mu.RUnlock()
	}
	return total
}

// ShardSizes reports per-shard occupancy.
func (r *Registry) ShardSizes() []int {
	sizes := make([]int, len(r.shards))
	for i, sh := range r.shards {
		sh.mu.RLock()
		sizes[i] = len(sh.sessions)
		sh.mu.RUnlock()
	}
	return sizes
}

// SweepStale runs until ctx is cancelled, marking sessions stale after
// 2.5 missed heartbeat intervals and unregistering them.
func (r *Registry) SweepStale(ctx context.Context) {
	ticker := r.clock.Ticker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	cutoff := r.clock.Now().Add(-time.Duration(2.5 * float64(r.heartbeatInterval)))
	var stale []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, sess := range sh.sessions {
			if sess.LastBeat().Before(cutoff) {
				sess.setState(StateStale)
				stale = append(stale, id)
			}
		}
		sh.mu.RUnlock()
	}
	for _, id := range stale {
		r.logger.Info().Str("conn", id).Err(chat.ErrStaleConnection).Msg("closing stale session")
		r.Unregister(id)
	}
}
