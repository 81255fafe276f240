package degrade

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

func newTestController(cfg Config, connCount func() int) *Controller {
	if connCount == nil {
		connCount = func() int { return 0 }
	}
	return New(cfg, connCount, func() int { return 0 }, func() float64 { return 0 }, clock.NewMock(), metrics.NewNop(), zerolog.Nop())
}

func TestEvaluateStepsUpOneLevelPerCycle(t *testing.T) {
	c := newTestController(Config{}, nil)

	// A reading justifying heavy still only advances one step per cycle.
	overload := Samples{Occupancy: 0.99}
	assert.Equal(t, chat.LevelLight, c.Evaluate(overload))
	assert.Equal(t, chat.LevelMedium, c.Evaluate(overload))
	assert.Equal(t, chat.LevelHeavy, c.Evaluate(overload))
	assert.Equal(t, chat.LevelHeavy, c.Evaluate(overload), "heavy is the ceiling")
}

func TestEvaluateStepsDownWithHysteresis(t *testing.T) {
	c := newTestController(Config{}, nil)

	c.Evaluate(Samples{Occupancy: 0.99})
	c.Evaluate(Samples{Occupancy: 0.99})
	assert.Equal(t, chat.LevelMedium, c.Level())

	// Occupancy just below the medium threshold (0.85) is inside the
	// hysteresis band (0.85*0.8=0.68): the level must hold.
	assert.Equal(t, chat.LevelMedium, c.Evaluate(Samples{Occupancy: 0.80}))

	// Below the band the level steps down, one cycle at a time.
	calm := Samples{Occupancy: 0.10}
	assert.Equal(t, chat.LevelLight, c.Evaluate(calm))
	assert.Equal(t, chat.LevelNormal, c.Evaluate(calm))
	assert.Equal(t, chat.LevelNormal, c.Evaluate(calm))
}

func TestEvaluateAnySingleMetricTriggers(t *testing.T) {
	c := newTestController(Config{}, nil)
	assert.Equal(t, chat.LevelLight, c.Evaluate(Samples{QueueDepth: 1500}))

	c = newTestController(Config{}, nil)
	assert.Equal(t, chat.LevelLight, c.Evaluate(Samples{MemoryRatio: 0.75}))
}

func TestAdmitConnectionPolicies(t *testing.T) {
	conns := 0
	c := newTestController(Config{MaxConnections: 100, RejectEveryN: 3}, func() int { return conns })

	// Normal level admits everything under the ceiling.
	assert.NoError(t, c.AdmitConnection())

	// The hard ceiling applies at every level.
	conns = 100
	assert.ErrorIs(t, c.AdmitConnection(), chat.ErrCapacityExceeded)
	conns = 0

	// Medium sheds every third attempt.
	c.Evaluate(Samples{Occupancy: 0.99})
	c.Evaluate(Samples{Occupancy: 0.99})
	assert.Equal(t, chat.LevelMedium, c.Level())
	var rejected int
	for i := 0; i < 9; i++ {
		if c.AdmitConnection() != nil {
			rejected++
		}
	}
	assert.Equal(t, 3, rejected)

	// Heavy rejects all new connections.
	c.Evaluate(Samples{Occupancy: 0.99})
	assert.Equal(t, chat.LevelHeavy, c.Level())
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, c.AdmitConnection(), chat.ErrCapacityExceeded)
	}
}

func TestShouldLimitPublish(t *testing.T) {
	c := newTestController(Config{}, nil)
	assert.False(t, c.ShouldLimitPublish())

	c.Evaluate(Samples{Occupancy: 0.99})
	assert.False(t, c.ShouldLimitPublish(), "light level does not limit publishes")

	c.Evaluate(Samples{Occupancy: 0.99})
	assert.True(t, c.ShouldLimitPublish())

	c.Evaluate(Samples{Occupancy: 0.99})
	assert.True(t, c.ShouldLimitPublish())
}

func TestPresenceIntervalStretchesWithLevel(t *testing.T) {
	c := newTestController(Config{}, nil)
	base := 30 * time.Second

	assert.Equal(t, base, c.PresenceInterval(base))
	c.Evaluate(Samples{Occupancy: 0.99})
	assert.Equal(t, 2*base, c.PresenceInterval(base))
	c.Evaluate(Samples{Occupancy: 0.99})
	assert.Equal(t, 4*base, c.PresenceInterval(base))
	c.Evaluate(Samples{Occupancy: 0.99})
	assert.Equal(t, 8*base, c.PresenceInterval(base))
}

func TestNewPublishLimiterEnforcesBurst(t *testing.T) {
	c := newTestController(Config{PublishRate: 1, PublishBurst: 2}, nil)
	lim := c.NewPublishLimiter()

	assert.True(t, lim.Allow())
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow(), "burst exhausted")
}
