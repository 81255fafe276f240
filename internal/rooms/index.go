// Package rooms tracks which connections are in which room on this node,
// plus advisory presence counts replicated from other nodes.
//
// The local membership set is authoritative for this node's own
// connections. Remote counts arrive over the control channel with a TTL
// and are informational only; they never drive local delivery decisions.
package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Subscriber is notified when a room's local membership transitions
// between empty and non-empty, so cross-node subscriptions track
// locally-hosted rooms rather than cluster-wide rooms. The message bus
// implements it.
type Subscriber interface {
	EnsureSubscribed(roomID string)
	Unsubscribe(roomID string)
}

type remoteCount struct {
	count   int
	expires time.Time
}

type room struct {
	local        map[string]string // connection ID -> user ID
	remote       map[string]remoteCount
	createdAt    time.Time
	lastActivity time.Time

	// unsubTimer delays the cross-node unsubscribe after the local set
	// empties, so rapidly rejoining users do not thrash subscriptions.
	// Messages published on the shared channel during a torn-down grace
	// window can be missed; at-least-once semantics bound that loss.
	unsubTimer *clock.Timer
}

type member struct {
	userID string
	roomID string
}

// Index is the room membership table.
type Index struct {
	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]member
	users map[string]string // user ID -> connection ID, latest wins

	sub   Subscriber
	grace time.Duration

	clock  clock.Clock
	logger zerolog.Logger
}

// New creates an empty index. grace is the unsubscribe delay applied when
// a room's local set empties.
func New(grace time.Duration, clk clock.Clock, logger zerolog.Logger) *Index {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Index{
		rooms:  make(map[string]*room),
		conns:  make(map[string]member),
		users:  make(map[string]string),
		grace:  grace,
		clock:  clk,
		logger: logger.With().Str("component", "RoomIndex").Logger(),
	}
}

// SetSubscriber installs the bus notification target. Must be called
// during wiring, before any join.
func (ix *Index) SetSubscriber(sub Subscriber) {
	ix.mu.Lock()
	ix.sub = sub
	ix.mu.Unlock()
}

// Join places a connection into a room, removing it from any prior room
// first. The first local member of a room triggers a subscription.
func (ix *Index) Join(connID, userID, roomID string) {
	ix.mu.Lock()

	if prev, ok := ix.conns[connID]; ok && prev.roomID != roomID {
		ix.leaveLocked(connID, prev)
	}

	rm, ok := ix.rooms[roomID]
	if !ok {
		now := ix.clock.Now()
		rm = &room{
			local:     make(map[string]string),
			remote:    make(map[string]remoteCount),
			createdAt: now,
		}
		ix.rooms[roomID] = rm
	}
	if rm.unsubTimer != nil {
		rm.unsubTimer.Stop()
		rm.unsubTimer = nil
	}

	first := len(rm.local) == 0
	rm.local[connID] = userID
	rm.lastActivity = ix.clock.Now()
	ix.conns[connID] = member{userID: userID, roomID: roomID}
	ix.users[userID] = connID
	sub := ix.sub
	ix.mu.Unlock()

	ix.logger.Debug().Str("conn", connID).Str("user", userID).Str("room", roomID).Msg("joined room")
	if first && sub != nil {
		sub.EnsureSubscribed(roomID)
	}
}

// Leave removes a connection from its room. When the room's local set
// empties, the cross-node unsubscribe is scheduled after the grace period.
func (ix *Index) Leave(connID string) {
	ix.mu.Lock()
	m, ok := ix.conns[connID]
	if !ok {
		ix.mu.Unlock()
		return
	}
	ix.leaveLocked(connID, m)
	ix.mu.Unlock()
	ix.logger.Debug().Str("conn", connID).Str("room", m.roomID).Msg("left room")
}

// leaveLocked must be called with ix.mu held.
func (ix *Index) leaveLocked(connID string, m member) {
	delete(ix.conns, connID)
	if ix.users[m.userID] == connID {
		delete(ix.users, m.userID)
	}
	rm, ok := ix.rooms[m.roomID]
	if !ok {
		return
	}
	delete(rm.local, connID)
	rm.lastActivity = ix.clock.Now()
	if len(rm.local) > 0 {
		return
	}

	roomID := m.roomID
	rm.unsubTimer = ix.clock.AfterFunc(ix.grace, func() {
		ix.expireRoom(roomID)
	})
}

// expireRoom fires after the grace period; it unsubscribes and collects
// the room if it is still empty.
func (ix *Index) expireRoom(roomID string) {
	ix.mu.Lock()
	rm, ok := ix.rooms[roomID]
	if !ok || len(rm.local) > 0 {
		ix.mu.Unlock()
		return
	}
	now := ix.clock.Now()
	remoteAlive := false
	for node, rc := range rm.remote {
		if rc.expires.After(now) {
			remoteAlive = true
		} else {
			delete(rm.remote, node)
		}
	}
	if !remoteAlive {
		delete(ix.rooms, roomID)
	}
	rm.unsubTimer = nil
	sub := ix.sub
	ix.mu.Unlock()

	ix.logger.Debug().Str("room", roomID).Msg("room idle past grace period, unsubscribing")
	if sub != nil {
		sub.Unsubscribe(roomID)
	}
}

// ListLocalUsers returns the user IDs of the room's local members, sorted.
func (ix *Index) ListLocalUsers(roomID string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rm, ok := ix.rooms[roomID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(rm.local))
	users := make([]string, 0, len(rm.local))
	for _, userID := range rm.local {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// LocalMembers returns the connection IDs of the room's local members.
func (ix *Index) LocalMembers(roomID string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rm, ok := ix.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rm.local))
	for connID := range rm.local {
		ids = append(ids, connID)
	}
	return ids
}

// Rooms returns the identifiers of all rooms known locally, sorted.
func (ix *Index) Rooms() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ids := make([]string, 0, len(ix.rooms))
	for roomID := range ix.rooms {
		ids = append(ids, roomID)
	}
	sort.Strings(ids)
	return ids
}

// ConnForUser returns the connection currently mapped to a user.
func (ix *Index) ConnForUser(userID string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	connID, ok := ix.users[userID]
	return connID, ok
}

// ApplyPresence records another node's member count for a room, valid
// for ttl. A count of zero clears the node's entry.
func (ix *Index) ApplyPresence(node, roomID string, count int, ttl time.Duration) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rm, ok := ix.rooms[roomID]
	if !ok {
		if count == 0 {
			return
		}
		rm = &room{
			local:     make(map[string]string),
			remote:    make(map[string]remoteCount),
			createdAt: ix.clock.Now(),
		}
		ix.rooms[roomID] = rm
	}
	if count == 0 {
		delete(rm.remote, node)
		return
	}
	rm.remote[node] = remoteCount{count: count, expires: ix.clock.Now().Add(ttl)}
}

// UserCount returns local members plus unexpired remote counts. The
// remote portion is advisory (UI "N users online"), never authoritative.
func (ix *Index) UserCount(roomID string) (local, remote int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rm, ok := ix.rooms[roomID]
	if !ok {
		return 0, 0
	}
	now := ix.clock.Now()
	for _, rc := range rm.remote {
		if rc.expires.After(now) {
			remote += rc.count
		}
	}
	return len(rm.local), remote
}

// LocalPresence snapshots per-room local member counts for the periodic
// presence announcement.
func (ix *Index) LocalPresence() map[string]int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	counts := make(map[string]int, len(ix.rooms))
	for roomID, rm := range ix.rooms {
		if len(rm.local) > 0 {
			counts[roomID] = len(rm.local)
		}
	}
	return counts
}

// SubscribedRooms lists rooms with at least one local member, the set a
// resync must re-subscribe after a failover recovery.
func (ix *Index) SubscribedRooms() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ids := make([]string, 0, len(ix.rooms))
	for roomID, rm := range ix.rooms {
		if len(rm.local) > 0 {
			ids = append(ids, roomID)
		}
	}
	sort.Strings(ids)
	return ids
}
