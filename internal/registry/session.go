package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// State is the liveness state of a session.
type State int32

const (
	StateActive State = iota
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one registered connection: identity, its outbound queue and
// heartbeat bookkeeping. The write loop drains Outbound; everything else
// only enqueues.
type Session struct {
	ID     string
	UserID string

	send    chan *chat.Frame
	dropped atomic.Uint64

	lastBeat atomic.Int64 // unix nanos
	state    atomic.Int32

	limiter *rate.Limiter

	mu      sync.Mutex
	roomID  string
	onClose []func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates a session with a send queue of the given capacity.
// limiter may be nil; it gates publishes only under medium degradation.
func NewSession(id, userID string, queueSize int, limiter *rate.Limiter) *Session {
	s := &Session{
		ID:      id,
		UserID:  userID,
		send:    make(chan *chat.Frame, queueSize),
		limiter: limiter,
		closed:  make(chan struct{}),
	}
	s.lastBeat.Store(time.Now().UnixNano())
	return s
}

// Enqueue places a frame on the send queue without blocking. A full queue
// sheds its oldest frame so one slow consumer cannot stall a broadcast.
// Returns false if a frame was dropped to make room.
func (s *Session) Enqueue(f *chat.Frame) bool {
	if s.State() == StateClosed {
		return true
	}
	select {
	case s.send <- f:
		return true
	default:
	}
	// Queue full: drop the oldest entry, then retry once.
	select {
	case <-s.send:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.send <- f:
	default:
		s.dropped.Add(1)
	}
	return false
}

// Outbound is drained by the connection's write loop, in enqueue order.
func (s *Session) Outbound() <-chan *chat.Frame { return s.send }

// QueueDepth reports the number of frames waiting to be written.
func (s *Session) QueueDepth() int { return len(s.send) }

// Dropped reports how many frames were shed from a full queue.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Touch records traffic from the client, resetting staleness.
func (s *Session) Touch(now time.Time) {
	s.lastBeat.Store(now.UnixNano())
	if State(s.state.Load()) == StateStale {
		s.state.CompareAndSwap(int32(StateStale), int32(StateActive))
	}
}

// LastBeat returns the time of the last observed client traffic.
func (s *Session) LastBeat() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) setState(state State) { s.state.Store(int32(state)) }

// SetRoom records the session's current room (at most one at a time).
func (s *Session) SetRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

// Room returns the session's current room, or "" when not joined.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// AllowPublish consults the session's rate limiter. A nil limiter means
// the session is not rate limited.
func (s *Session) AllowPublish() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// OnClose registers cleanup to run exactly once when the session closes,
// such as releasing locks checked out on the connection's behalf.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close marks the session closed, runs registered cleanup and signals the
// write loop to exit. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.mu.Lock()
		fns := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		close(s.closed)
	})
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }
