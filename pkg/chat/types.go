// Package chat defines the wire types, operating modes and error taxonomy
// shared between the chat service's components and its consumers.
package chat

import "time"

// Frame types understood by the service. Frames carrying any other type
// are ignored, not treated as a protocol error.
const (
	FrameText    = "text"
	FramePing    = "ping"
	FrameSystem  = "system"
	FramePrivate = "private"
)

// Frame is the payload exchanged over a chat connection and replicated
// between nodes. Timestamp is seconds since epoch, fractional.
type Frame struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	RoomID    string  `json:"room_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Target    string  `json:"target,omitempty"`

	// Replication metadata. OriginNode plus the per-origin monotonic
	// sequence lets receivers deduplicate replayed frames; ordering is
	// only guaranteed within a single origin's stream for a room.
	OriginNode string `json:"source_node,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
}

// Now returns the current time in the frame timestamp format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Level is the node's degradation level. Transitions move one step at a
// time per evaluation cycle.
type Level int32

const (
	LevelNormal Level = iota
	LevelLight
	LevelMedium
	LevelHeavy
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelLight:
		return "light"
	case LevelMedium:
		return "medium"
	case LevelHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// Mode is the node's cluster operating mode.
type Mode int32

const (
	ModeProbing Mode = iota
	ModeDistributed
	ModeStandalone
)

func (m Mode) String() string {
	switch m {
	case ModeProbing:
		return "probing"
	case ModeDistributed:
		return "distributed"
	case ModeStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}
