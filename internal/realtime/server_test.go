package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-chat-service/internal/bus"
	"github.com/tinywideclouds/go-chat-service/internal/degrade"
	"github.com/tinywideclouds/go-chat-service/internal/failover"
	"github.com/tinywideclouds/go-chat-service/internal/metrics"
	"github.com/tinywideclouds/go-chat-service/internal/platform/store"
	"github.com/tinywideclouds/go-chat-service/internal/registry"
	"github.com/tinywideclouds/go-chat-service/internal/rooms"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

type testStack struct {
	ts      *httptest.Server
	degrade *degrade.Controller
}

// newTestStack wires a full standalone node and serves its WebSocket mux
// from an in-process test server.
func newTestStack(t *testing.T) *testStack {
	t.Helper()
	clk := clock.New()
	m := metrics.NewNop()
	logger := zerolog.Nop()

	// Same closure trick as chatservice wiring: the controller reads
	// occupancy from the registry, which asks the controller for admission.
	var reg *registry.Registry
	deg := degrade.New(degrade.Config{MaxConnections: 100}, func() int {
		if reg == nil {
			return 0
		}
		return reg.Len()
	}, func() int {
		if reg == nil {
			return 0
		}
		return reg.QueueDepth()
	}, func() float64 { return 0 }, clk, m, logger)

	reg, err := registry.New(registry.Config{Shards: 16}, deg, clk, m, logger)
	require.NoError(t, err)
	ix := rooms.New(time.Minute, clk, logger)

	fo := failover.New(nil, store.NewMemory(clk), failover.Config{}, clk, m, logger)
	fo.Probe(context.Background())

	b, err := bus.New(bus.Config{NodeID: "node-test"}, reg, ix, fo, nil, deg, clk, m, logger)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	ix.SetSubscriber(b)

	srv := New(Config{Port: "0", HeartbeatInterval: time.Second, QueueSize: 32}, reg, ix, b, deg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testStack{ts: ts, degrade: deg}
}

func (s *testStack) dial(t *testing.T, roomID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/" + roomID + "/" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil drains frames until match reports true, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*chat.Frame) bool) *chat.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var f chat.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(&f) {
			return &f
		}
		require.True(t, time.Now().Before(deadline), "no matching frame before deadline")
	}
}

func TestRoomMessageExchange(t *testing.T) {
	stack := newTestStack(t)

	alice := stack.dial(t, "general", "alice")
	readUntil(t, alice, func(f *chat.Frame) bool {
		return f.Type == chat.FrameSystem && strings.Contains(f.Content, "alice joined")
	})

	bob := stack.dial(t, "general", "bob")
	readUntil(t, bob, func(f *chat.Frame) bool {
		return f.Type == chat.FrameSystem && strings.Contains(f.Content, "bob joined")
	})
	readUntil(t, alice, func(f *chat.Frame) bool {
		return f.Type == chat.FrameSystem && strings.Contains(f.Content, "bob joined")
	})

	require.NoError(t, alice.WriteJSON(&chat.Frame{Type: chat.FrameText, Content: "hello room"}))

	// Both members receive the message, stamped with the sender.
	for _, conn := range []*websocket.Conn{alice, bob} {
		got := readUntil(t, conn, func(f *chat.Frame) bool { return f.Type == chat.FrameText })
		assert.Equal(t, "hello room", got.Content)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, "general", got.RoomID)
		assert.NotZero(t, got.Timestamp)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	stack := newTestStack(t)

	alice := stack.dial(t, "general", "alice")
	carol := stack.dial(t, "random", "carol")
	readUntil(t, carol, func(f *chat.Frame) bool {
		return f.Type == chat.FrameSystem && strings.Contains(f.Content, "carol joined")
	})

	require.NoError(t, alice.WriteJSON(&chat.Frame{Type: chat.FrameText, Content: "general only"}))
	readUntil(t, alice, func(f *chat.Frame) bool { return f.Type == chat.FrameText })

	// Carol must see nothing from the other room.
	require.NoError(t, carol.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f chat.Frame
	err := carol.ReadJSON(&f)
	require.Error(t, err, "unexpected frame in isolated room: %+v", f)
}

func TestPingEcho(t *testing.T) {
	stack := newTestStack(t)
	alice := stack.dial(t, "general", "alice")

	require.NoError(t, alice.WriteJSON(&chat.Frame{Type: chat.FramePing}))
	got := readUntil(t, alice, func(f *chat.Frame) bool { return f.Type == chat.FramePing })
	assert.NotZero(t, got.Timestamp)
}

func TestPrivateMessageDeliveryAndEcho(t *testing.T) {
	stack := newTestStack(t)

	alice := stack.dial(t, "general", "alice")
	bob := stack.dial(t, "random", "bob")
	readUntil(t, bob, func(f *chat.Frame) bool {
		return f.Type == chat.FrameSystem && strings.Contains(f.Content, "bob joined")
	})

	require.NoError(t, alice.WriteJSON(&chat.Frame{Type: chat.FramePrivate, Content: "psst", Target: "bob"}))

	got := readUntil(t, bob, func(f *chat.Frame) bool { return f.Type == chat.FramePrivate })
	assert.Equal(t, "psst", got.Content)
	assert.Equal(t, "alice", got.UserID)

	// The sender gets an echo of their own private message.
	got = readUntil(t, alice, func(f *chat.Frame) bool { return f.Type == chat.FramePrivate })
	assert.Equal(t, "psst", got.Content)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	stack := newTestStack(t)
	alice := stack.dial(t, "general", "alice")
	readUntil(t, alice, func(f *chat.Frame) bool { return f.Type == chat.FrameSystem })

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData),
				"expected invalid payload close, got %v", err)
			return
		}
	}
}

func TestHeavyLoadRefusesNewConnections(t *testing.T) {
	stack := newTestStack(t)
	for i := 0; i < 3; i++ {
		stack.degrade.Evaluate(degrade.Samples{Occupancy: 0.99})
	}
	require.Equal(t, chat.LevelHeavy, stack.degrade.Level())

	url := "ws" + strings.TrimPrefix(stack.ts.URL, "http") + "/ws/general/late"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "the upgrade itself succeeds; refusal arrives as a close frame")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater),
				"expected try-again-later close, got %v", err)
			return
		}
	}
}

func TestMissingPathSegmentsRejected(t *testing.T) {
	stack := newTestStack(t)
	url := "ws" + strings.TrimPrefix(stack.ts.URL, "http") + "/ws/general"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, 101, resp.StatusCode)
	}
}
