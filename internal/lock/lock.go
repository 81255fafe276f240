// Package lock implements cluster-wide mutual exclusion on top of the
// shared store's set-if-absent primitive, with reentrancy, background
// renewal and loss detection after an expiry race.
package lock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

const keyPrefix = "chatlock:"

// StoreProvider yields the currently selected store implementation. The
// failover coordinator implements it, so in standalone mode acquisition
// lands on the in-memory store and succeeds locally.
type StoreProvider interface {
	Store() chat.Store
}

// Config holds the acquisition retry tunables.
type Config struct {
	RetryBase time.Duration // first retry delay, default 50ms
	RetryMax  time.Duration // retry delay cap, default 1s
}

type holding struct {
	token     string
	ttl       time.Duration
	reentries int
	lost      atomic.Bool
	cancel    context.CancelFunc
}

// Manager tracks the locks held by this node. One logical owner per
// Manager: reentry is counted per key without another store round trip.
type Manager struct {
	provider StoreProvider
	owner    string
	cfg      Config

	mu   sync.Mutex
	held map[string]*holding

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager creates a lock manager owned by nodeID.
func NewManager(provider StoreProvider, nodeID string, cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Second
	}
	return &Manager{
		provider: provider,
		owner:    nodeID + ":" + uuid.NewString()[:8],
		cfg:      cfg,
		held:     make(map[string]*holding),
		clock:    clk,
		metrics:  m,
		logger:   logger.With().Str("component", "DistributedLock").Logger(),
	}
}

// Acquire takes the lock for key, retrying with jittered backoff until the
// context's deadline. It returns the opaque token identifying this
// acquisition. Reentrant: if this manager already holds a live token for
// key, the reentry counter is bumped and the same token returned without
// contacting the store.
//
// Errors: chat.ErrLockTimeout once ctx expires while contending,
// chat.ErrConnectivity when the store cannot be reached.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	if h, ok := m.held[key]; ok && !h.lost.Load() {
		h.reentries++
		m.mu.Unlock()
		m.logger.Debug().Str("key", key).Int("reentries", h.reentries).Msg("lock reentered")
		return h.token, nil
	}
	m.mu.Unlock()

	token := uuid.NewString()
	delay := m.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		ok, err := m.provider.Store().SetNX(ctx, keyPrefix+key, token, ttl)
		if err != nil {
			m.metrics.LockAcquisitions.WithLabelValues("connectivity_error").Inc()
			return "", fmt.Errorf("lock %q: %w: %v", key, chat.ErrConnectivity, err)
		}
		if ok {
			m.checkout(key, token, ttl)
			m.metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			m.logger.Debug().Str("key", key).Msg("lock acquired")
			return token, nil
		}

		// Contended: back off with jitter, bounded by the caller's deadline.
		jitter := time.Duration(rand.Float64() * 0.4 * float64(delay))
		timer := m.clock.Timer(delay - delay/5 + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
			return "", fmt.Errorf("lock %q: %w", key, chat.ErrLockTimeout)
		case <-timer.C:
		}
		if delay *= 2; delay > m.cfg.RetryMax {
			delay = m.cfg.RetryMax
		}
	}
}

// checkout records the holding and starts its renewal loop.
func (m *Manager) checkout(key, token string, ttl time.Duration) {
	renewCtx, cancel := context.WithCancel(context.Background())
	h := &holding{token: token, ttl: ttl, cancel: cancel}
	m.mu.Lock()
	m.held[key] = h
	m.mu.Unlock()
	// The ticker is created here, not in the goroutine, so renewal is
	// scheduled from the moment the lock is held rather than whenever
	// the goroutine first runs.
	ticker := m.clock.Ticker(ttl / 3)
	go m.renewLoop(renewCtx, key, h, ticker)
}

// renewLoop extends the lock at ttl/3 until released or lost. A renewal
// whose token no longer matches means another holder won after expiry:
// the lock is marked lost and the protected work must abort.
func (m *Manager) renewLoop(ctx context.Context, key string, h *holding, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, h.ttl/3)
			ok, err := m.provider.Store().CompareAndExtend(renewCtx, keyPrefix+key, h.token, h.ttl)
			cancel()
			if err != nil {
				// Transient store trouble; the key's TTL still has
				// two renewal windows of slack.
				m.logger.Warn().Err(err).Str("key", key).Msg("lock renewal attempt failed")
				continue
			}
			if !ok {
				h.lost.Store(true)
				m.logger.Warn().Str("key", key).Msg("lock lost: token superseded after expiry")
				return
			}
		}
	}
}

// Release gives up one acquisition of key. Reentrant acquisitions unwind
// the counter first; the final release deletes the store entry if the
// token still matches. Releasing an expired or unknown lock is a no-op,
// not an error.
func (m *Manager) Release(ctx context.Context, key, token string) {
	m.mu.Lock()
	h, ok := m.held[key]
	if !ok || h.token != token {
		m.mu.Unlock()
		return
	}
	if h.reentries > 0 && !h.lost.Load() {
		h.reentries--
		m.mu.Unlock()
		return
	}
	delete(m.held, key)
	m.mu.Unlock()

	h.cancel()
	if h.lost.Load() {
		return
	}
	if _, err := m.provider.Store().CompareAndDelete(ctx, keyPrefix+key, token); err != nil {
		// The TTL will reclaim it.
		m.logger.Warn().Err(err).Str("key", key).Msg("lock release failed, leaving to expiry")
	}
}

// Lost reports whether a held lock was taken over after an expiry race.
func (m *Manager) Lost(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[key]
	return ok && h.lost.Load()
}

// ReleaseAll releases every lock this manager still holds, ignoring
// reentry counts. Used at shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	held := make(map[string]*holding, len(m.held))
	for key, h := range m.held {
		held[key] = h
		h.reentries = 0
	}
	m.mu.Unlock()
	for key, h := range held {
		m.Release(ctx, key, h.token)
	}
}
