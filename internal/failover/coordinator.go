// Package failover decides the node's operating mode. It probes the
// shared store at startup and continuously afterwards, switching between
// distributed and standalone operation so chat keeps working locally
// whenever the coordination substrate is away.
package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// Config holds the probing tunables.
type Config struct {
	ProbeTimeout  time.Duration // bound on a single connectivity check, default 2s
	CheckInterval time.Duration // re-check cadence while distributed, default 5s
	BackoffBase   time.Duration // first reconnect delay, default 1s
	BackoffMax    time.Duration // reconnect delay cap, default 30s
}

func (c *Config) defaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Coordinator owns the mode state machine. primary is the Redis-backed
// store (nil when none is configured, pinning the node to standalone);
// fallback is the in-memory store that keeps lock and pub/sub semantics
// alive locally.
type Coordinator struct {
	primary  chat.Store
	fallback chat.Store
	cfg      Config

	mode        atomic.Int32
	lastContact atomic.Int64

	mu       sync.Mutex
	onChange []func(chat.Mode)

	kick chan struct{}

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a coordinator in the probing state.
func New(primary, fallback chat.Store, cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
		clock:    clk,
		metrics:  m,
		logger:   logger.With().Str("component", "FailoverCoordinator").Logger(),
	}
	c.mode.Store(int32(chat.ModeProbing))
	return c
}

// Mode returns the current operating mode.
func (c *Coordinator) Mode() chat.Mode { return chat.Mode(c.mode.Load()) }

// Store returns the store implementation callers should use right now.
func (c *Coordinator) Store() chat.Store {
	if c.Mode() == chat.ModeDistributed {
		return c.primary
	}
	return c.fallback
}

// LastContact is the time of the last successful store round trip.
func (c *Coordinator) LastContact() time.Time {
	return time.Unix(0, c.lastContact.Load())
}

// OnModeChange registers a callback invoked from the monitor goroutine
// whenever the mode flips. Register during wiring, before Run.
func (c *Coordinator) OnModeChange(fn func(chat.Mode)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// ReportFailure asks the monitor to re-probe immediately. Components that
// hit a connectivity error on the primary store call this instead of
// waiting out the check interval.
func (c *Coordinator) ReportFailure() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Probe runs the startup connectivity check and settles the initial mode.
func (c *Coordinator) Probe(ctx context.Context) chat.Mode {
	if c.primary == nil {
		c.setMode(chat.ModeStandalone)
		c.logger.Info().Msg("no shared store configured, running standalone")
		return chat.ModeStandalone
	}
	if c.ping(ctx) {
		c.setMode(chat.ModeDistributed)
	} else {
		c.setMode(chat.ModeStandalone)
	}
	return c.Mode()
}

// Run monitors connectivity until ctx is cancelled. While distributed it
// re-checks periodically; while standalone it retries with exponential
// backoff capped at BackoffMax, flipping back on the first success.
func (c *Coordinator) Run(ctx context.Context) {
	if c.Mode() == chat.ModeProbing {
		c.Probe(ctx)
	}
	if c.primary == nil {
		<-ctx.Done()
		return
	}

	backoff := c.cfg.BackoffBase
	for {
		var wait time.Duration
		if c.Mode() == chat.ModeDistributed {
			wait = c.cfg.CheckInterval
		} else {
			wait = backoff
		}

		timer := c.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.kick:
			timer.Stop()
		case <-timer.C:
		}

		if c.ping(ctx) {
			backoff = c.cfg.BackoffBase
			if c.Mode() != chat.ModeDistributed {
				c.logger.Info().Msg("shared store reachable again, resuming distributed mode")
				c.setMode(chat.ModeDistributed)
			}
			continue
		}

		if c.Mode() == chat.ModeDistributed {
			c.logger.Warn().Msg("lost shared store connectivity, falling back to standalone mode")
			c.setMode(chat.ModeStandalone)
		}
		if backoff *= 2; backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Coordinator) ping(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.primary.Ping(probeCtx); err != nil {
		return false
	}
	c.lastContact.Store(c.clock.Now().UnixNano())
	return true
}

func (c *Coordinator) setMode(mode chat.Mode) {
	old := chat.Mode(c.mode.Swap(int32(mode)))
	c.metrics.OperatingMode.Set(float64(mode))
	if old == mode {
		return
	}
	c.mu.Lock()
	callbacks := make([]func(chat.Mode), len(c.onChange))
	copy(callbacks, c.onChange)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(mode)
	}
}
