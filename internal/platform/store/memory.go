// Package store provides the two chat.Store implementations: a Redis
// client for distributed mode and an in-process variant that gives
// standalone mode the same semantics with no network.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

var errClosed = errors.New("store closed")

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is the standalone-mode store. Pub/sub fan-out stays inside the
// process; key and set operations behave like their Redis counterparts,
// including lazy TTL expiry.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]memEntry
	sets   map[string]map[string]struct{}
	subs   map[*memorySub]struct{}
	closed bool

	clock clock.Clock
}

// NewMemory creates an empty in-process store.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		kv:    make(map[string]memEntry),
		sets:  make(map[string]map[string]struct{}),
		subs:  make(map[*memorySub]struct{}),
		clock: clk,
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// liveLocked reports whether key holds an unexpired entry, expiring it
// lazily otherwise. Caller holds m.mu.
func (m *Memory) liveLocked(key string) (memEntry, bool) {
	e, ok := m.kv[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !e.expires.After(m.clock.Now()) {
		delete(m.kv, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed
	}
	if _, live := m.liveLocked(key); live {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = m.clock.Now().Add(ttl)
	}
	m.kv[key] = e
	return true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed
	}
	e, live := m.liveLocked(key)
	if !live || e.value != value {
		return false, nil
	}
	delete(m.kv, key)
	return true, nil
}

func (m *Memory) CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed
	}
	e, live := m.liveLocked(key)
	if !live || e.value != value {
		return false, nil
	}
	e.expires = m.clock.Now().Add(ttl)
	m.kv[key] = e
	return true, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

type memMsg struct {
	channel string
	payload []byte
}

type memorySub struct {
	store   *Memory
	handler func(channel string, payload []byte)

	mu       sync.Mutex
	channels map[string]struct{}

	queue     chan memMsg
	closeOnce sync.Once
	done      chan struct{}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	targets := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		if sub.subscribedTo(channel) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.queue <- memMsg{channel: channel, payload: payload}:
		case <-sub.done:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handler func(channel string, payload []byte)) (chat.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	sub := &memorySub{
		store:    m,
		handler:  handler,
		channels: make(map[string]struct{}),
		queue:    make(chan memMsg, 256),
		done:     make(chan struct{}),
	}
	m.subs[sub] = struct{}{}
	go sub.dispatch()
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[*memorySub]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

func (s *memorySub) subscribedTo(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

// dispatch preserves per-publisher ordering by draining a single queue.
func (s *memorySub) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.handler(msg.channel, msg.payload)
		}
	}
}

func (s *memorySub) Add(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *memorySub) Remove(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *memorySub) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *memorySub) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
	s.shutdown()
	return nil
}
