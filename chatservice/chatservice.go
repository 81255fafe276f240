// Package chatservice wires the chat session and routing core into a
// runnable service: registry, room index, lock manager, message bus,
// degradation controller and failover coordinator, plus the operator API.
// All components are constructed here once and passed down explicitly;
// nothing is reached through ambient global state.
package chatservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-chat-service/chatservice/config"
	"github.com/tinywideclouds/go-chat-service/internal/api"
	"github.com/tinywideclouds/go-chat-service/internal/bus"
	"github.com/tinywideclouds/go-chat-service/internal/degrade"
	"github.com/tinywideclouds/go-chat-service/internal/failover"
	"github.com/tinywideclouds/go-chat-service/internal/lock"
	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/internal/platform/store"
	"github.com/tinywideclouds/go-chat-service/internal/realtime"
	"github.com/tinywideclouds/go-chat-service/internal/registry"
	"github.com/tinywideclouds/go-chat-service/internal/rooms"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// Wrapper is the API-side service: the operator HTTP surface plus every
// background component. The realtime server runs alongside it; both are
// driven by app.Run.
type Wrapper struct {
	cfg    *config.AppConfig
	logger zerolog.Logger

	apiServer *http.Server

	registry *registry.Registry
	rooms    *rooms.Index
	locks    *lock.Manager
	bus      *bus.Bus
	degrade  *degrade.Controller
	failover *failover.Coordinator

	stores []chat.Store

	bgCancel context.CancelFunc
}

// New constructs and wires the whole service. It returns the API wrapper
// and the realtime WebSocket server.
func New(cfg *config.AppConfig, logger zerolog.Logger) (*Wrapper, *realtime.Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	clk := clock.New()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	fallback := store.NewMemory(clk)
	var primary chat.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		primary = store.NewRedis(client, logger)
	}

	fo := failover.New(primary, fallback, failover.Config{}, clk, m, logger)
	locks := lock.NewManager(fo, cfg.NodeID, lock.Config{}, clk, m, logger)

	// The controller reads occupancy from the registry, which in turn
	// asks the controller for admission; the closures break the cycle.
	var reg *registry.Registry
	deg := degrade.New(degrade.Config{
		SampleInterval: cfg.Degradation.SampleInterval,
		MaxConnections: cfg.MaxConnections,
		Light: degrade.LevelThresholds{
			Occupancy:  cfg.Degradation.LightOccupancy,
			QueueDepth: cfg.Degradation.LightQueueDepth,
			Memory:     cfg.Degradation.MemoryHigh * 0.8,
		},
		Medium: degrade.LevelThresholds{
			Occupancy:  cfg.Degradation.MediumOccupancy,
			QueueDepth: cfg.Degradation.MediumQueueDepth,
			Memory:     cfg.Degradation.MemoryHigh * 0.9,
		},
		Heavy: degrade.LevelThresholds{
			Occupancy:  cfg.Degradation.HeavyOccupancy,
			QueueDepth: cfg.Degradation.HeavyQueueDepth,
			Memory:     cfg.Degradation.MemoryHigh,
		},
		RejectEveryN: cfg.Degradation.RejectEveryN,
		PublishRate:  rate.Limit(cfg.Degradation.PublishRatePerSecond),
		PublishBurst: cfg.Degradation.PublishBurst,
	}, func() int {
		if reg == nil {
			return 0
		}
		return reg.Len()
	}, func() int {
		if reg == nil {
			return 0
		}
		return reg.QueueDepth()
	}, nil, clk, m, logger)

	var err error
	reg, err = registry.New(registry.Config{
		Shards:            cfg.ShardCount,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, deg, clk, m, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build registry: %w", err)
	}

	ix := rooms.New(cfg.UnsubscribeGrace, clk, logger)

	b, err := bus.New(bus.Config{
		NodeID:           cfg.NodeID,
		PresenceInterval: cfg.PresenceInterval,
	}, reg, ix, fo, locks, deg, clk, m, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build bus: %w", err)
	}
	ix.SetSubscriber(b)

	// Unregistration cascades: room leave, then the session's own
	// cleanup (lock releases registered through OnClose).
	reg.SetUnregisterHook(func(sess *registry.Session) {
		ix.Leave(sess.ID)
	})

	// A mode flip rebuilds the subscription against the newly selected
	// store; recovery also re-announces presence straight away.
	fo.OnModeChange(func(mode chat.Mode) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Resync(ctx); err != nil {
			logger.Error().Err(err).Stringer("mode", mode).Msg("subscription resync failed after mode change")
			return
		}
		if mode == chat.ModeDistributed {
			b.AnnouncePresence(ctx, 3*cfg.PresenceInterval)
		}
	})

	rt := realtime.New(realtime.Config{
		Port:              cfg.WebSocketPort,
		HeartbeatInterval: cfg.HeartbeatInterval,
		QueueSize:         cfg.SendQueueSize,
	}, reg, ix, b, deg, logger)

	mux := http.NewServeMux()
	api.NewAPI(reg, ix, b, deg, fo, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	w := &Wrapper{
		cfg:    cfg,
		logger: logger.With().Str("component", "ChatService").Logger(),
		apiServer: &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: mux,
		},
		registry: reg,
		rooms:    ix,
		locks:    locks,
		bus:      b,
		degrade:  deg,
		failover: fo,
		stores:   storesOf(primary, fallback),
	}
	return w, rt, nil
}

func storesOf(stores ...chat.Store) []chat.Store {
	out := make([]chat.Store, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Start probes the shared store, launches the background loops and then
// serves the operator API until Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	mode := w.failover.Probe(ctx)
	w.logger.Info().Str("node", w.cfg.NodeID).Stringer("mode", mode).Msg("chat service starting")

	bgCtx, cancel := context.WithCancel(context.Background())
	w.bgCancel = cancel

	if err := w.bus.Start(bgCtx); err != nil {
		cancel()
		return fmt.Errorf("start message bus: %w", err)
	}
	go w.failover.Run(bgCtx)
	go w.degrade.Run(bgCtx)
	go w.registry.SweepStale(bgCtx)

	w.logger.Info().Str("addr", w.apiServer.Addr).Msg("API server starting...")
	if err := w.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the API server and unwinds the background components:
// bus subscription, held locks, store connections.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down chat service...")
	var finalErr error

	if err := w.apiServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}

	w.bus.Stop()
	w.locks.ReleaseAll(ctx)
	if w.bgCancel != nil {
		w.bgCancel()
	}
	for _, s := range w.stores {
		if err := s.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("store close failed")
		}
	}

	w.logger.Info().Msg("Chat service shut down.")
	return finalErr
}
