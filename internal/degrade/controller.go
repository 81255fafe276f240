// Package degrade keeps the node responsive under overload by shedding
// non-essential work before refusing essential work. A periodic sampler
// walks the level state machine Normal → Light → Medium → Heavy one step
// per cycle, with hysteresis so metrics hovering near a boundary do not
// flap the level.
package degrade

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// LevelThresholds are the upward triggers for one level. Any single
// metric crossing its threshold is enough to justify the level.
type LevelThresholds struct {
	Occupancy  float64 // connections / max connections
	QueueDepth int     // frames waiting across all send queues
	Memory     float64 // process heap / total system memory
}

// Config holds the controller's tunables.
type Config struct {
	SampleInterval time.Duration
	MaxConnections int

	Light  LevelThresholds
	Medium LevelThresholds
	Heavy  LevelThresholds

	// DownscaleFactor scales a level's thresholds for the downward
	// check: the level drops only once every metric sits below
	// threshold*factor, the hysteresis margin. Defaults to 0.8.
	DownscaleFactor float64

	// RejectEveryN is the fraction of new connections shed at medium
	// level: every Nth admission attempt is refused.
	RejectEveryN int

	// PublishRate and PublishBurst bound per-connection publishes once
	// the level reaches medium.
	PublishRate  rate.Limit
	PublishBurst int
}

func (c *Config) defaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100000
	}
	if c.Light == (LevelThresholds{}) {
		c.Light = LevelThresholds{Occupancy: 0.70, QueueDepth: 1000, Memory: 0.70}
	}
	if c.Medium == (LevelThresholds{}) {
		c.Medium = LevelThresholds{Occupancy: 0.85, QueueDepth: 5000, Memory: 0.85}
	}
	if c.Heavy == (LevelThresholds{}) {
		c.Heavy = LevelThresholds{Occupancy: 0.95, QueueDepth: 20000, Memory: 0.95}
	}
	if c.DownscaleFactor <= 0 || c.DownscaleFactor >= 1 {
		c.DownscaleFactor = 0.8
	}
	if c.RejectEveryN <= 0 {
		c.RejectEveryN = 3
	}
	if c.PublishRate <= 0 {
		c.PublishRate = 5
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 10
	}
}

// Samples is one evaluation cycle's metric reading.
type Samples struct {
	Occupancy   float64
	QueueDepth  int
	MemoryRatio float64
}

// Controller samples load and computes the admission/throughput policy.
type Controller struct {
	cfg Config

	connCount  func() int
	queueDepth func() int
	memRatio   func() float64

	level    atomic.Int32
	admitSeq atomic.Uint64

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a controller reading occupancy from connCount and queue
// pressure from queueDepth. memRatio may be nil to use the process
// heap / total system memory sampler.
func New(cfg Config, connCount, queueDepth func() int, memRatio func() float64, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	cfg.defaults()
	if memRatio == nil {
		memRatio = processMemoryRatio
	}
	return &Controller{
		cfg:        cfg,
		connCount:  connCount,
		queueDepth: queueDepth,
		memRatio:   memRatio,
		clock:      clk,
		metrics:    m,
		logger:     logger.With().Str("component", "DegradationController").Logger(),
	}
}

// processMemoryRatio compares the Go heap against total system memory.
func processMemoryRatio() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total := memory.TotalMemory()
	if total == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(total)
}

// Level returns the current degradation level.
func (c *Controller) Level() chat.Level { return chat.Level(c.level.Load()) }

// MaxConnections returns the configured hard connection ceiling.
func (c *Controller) MaxConnections() int { return c.cfg.MaxConnections }

// Run samples and evaluates until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(c.sample())
		}
	}
}

func (c *Controller) sample() Samples {
	return Samples{
		Occupancy:   float64(c.connCount()) / float64(c.cfg.MaxConnections),
		QueueDepth:  c.queueDepth(),
		MemoryRatio: c.memRatio(),
	}
}

// Evaluate advances the level state machine by at most one step, in
// either direction. Stepping once per cycle bounds the blast radius of
// a single bad reading.
func (c *Controller) Evaluate(s Samples) chat.Level {
	cur := c.Level()
	next := cur

	if target := c.justifiedLevel(s, 1.0); target > cur {
		next = cur + 1
	} else if cur > chat.LevelNormal {
		// Downward needs every metric below the scaled thresholds of
		// everything at or above the candidate level.
		if c.justifiedLevel(s, c.cfg.DownscaleFactor) < cur {
			next = cur - 1
		}
	}

	if next != cur {
		c.level.Store(int32(next))
		c.metrics.DegradationLevel.Set(float64(next))
		c.logger.Warn().
			Stringer("from", cur).
			Stringer("to", next).
			Float64("occupancy", s.Occupancy).
			Int("queue_depth", s.QueueDepth).
			Float64("memory", s.MemoryRatio).
			Msg("degradation level changed")
	}
	return next
}

// justifiedLevel returns the highest level whose (scaled) thresholds any
// metric exceeds.
func (c *Controller) justifiedLevel(s Samples, scale float64) chat.Level {
	for _, cand := range []struct {
		level chat.Level
		t     LevelThresholds
	}{
		{chat.LevelHeavy, c.cfg.Heavy},
		{chat.LevelMedium, c.cfg.Medium},
		{chat.LevelLight, c.cfg.Light},
	} {
		if s.Occupancy >= cand.t.Occupancy*scale ||
			float64(s.QueueDepth) >= float64(cand.t.QueueDepth)*scale ||
			s.MemoryRatio >= cand.t.Memory*scale {
			return cand.level
		}
	}
	return chat.LevelNormal
}

// AdmitConnection applies the admission policy for one connection
// attempt. Heavy rejects everything; medium sheds every Nth attempt; the
// hard connection ceiling always applies.
func (c *Controller) AdmitConnection() error {
	if c.connCount() >= c.cfg.MaxConnections {
		return chat.ErrCapacityExceeded
	}
	switch c.Level() {
	case chat.LevelHeavy:
		return chat.ErrCapacityExceeded
	case chat.LevelMedium:
		if c.admitSeq.Add(1)%uint64(c.cfg.RejectEveryN) == 0 {
			return chat.ErrCapacityExceeded
		}
	}
	return nil
}

// ShouldLimitPublish reports whether per-connection publish rate limits
// are in force (medium and above).
func (c *Controller) ShouldLimitPublish() bool {
	return c.Level() >= chat.LevelMedium
}

// NewPublishLimiter builds the per-session limiter consulted when
// publish limiting is in force.
func (c *Controller) NewPublishLimiter() *rate.Limiter {
	return rate.NewLimiter(c.cfg.PublishRate, c.cfg.PublishBurst)
}

// PresenceInterval stretches the presence announce cadence as the level
// rises; replication frequency is the first non-critical work shed.
func (c *Controller) PresenceInterval(base time.Duration) time.Duration {
	switch c.Level() {
	case chat.LevelLight:
		return 2 * base
	case chat.LevelMedium:
		return 4 * base
	case chat.LevelHeavy:
		return 8 * base
	default:
		return base
	}
}
