package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-chat-service/internal/registry"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// readLoop consumes frames from the socket until close, protocol error or
// staleness. Any inbound traffic refreshes the heartbeat; the read
// deadline sits at 2.5 heartbeat intervals so two to three missed pings
// end the connection.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *registry.Session, roomID string) {
	readTimeout := time.Duration(2.5 * float64(s.cfg.HeartbeatInterval))
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("conn", sess.ID).Msg("read loop ended")
			}
			return
		}
		sess.Touch(time.Now())

		var f chat.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn().Err(chat.ErrProtocol).Str("conn", sess.ID).Msg("malformed frame, closing connection")
			s.closeWith(conn, websocket.CloseInvalidFramePayloadData, "malformed frame")
			return
		}

		switch f.Type {
		case chat.FramePing:
			// Heartbeat; echo so the client can measure round trips.
			sess.Enqueue(&chat.Frame{Type: chat.FramePing, Timestamp: chat.Now()})

		case chat.FrameText, chat.FrameSystem:
			if s.degrade.ShouldLimitPublish() && !sess.AllowPublish() {
				sess.Enqueue(&chat.Frame{
					Type:    chat.FrameSystem,
					Content: "message rate limited, server under load",
					UserID:  "system",
				})
				continue
			}
			f.UserID = sess.UserID
			s.bus.Publish(ctx, roomID, &f)

		case chat.FramePrivate:
			if f.Target == "" {
				continue
			}
			if s.degrade.ShouldLimitPublish() && !sess.AllowPublish() {
				continue
			}
			f.UserID = sess.UserID
			s.bus.PublishPrivate(ctx, &f)

		default:
			// Unknown frame types are ignored, not fatal.
		}
	}
}

// writeLoop drains the session's send queue onto the socket in enqueue
// order, interleaving protocol-level pings. It exits when the session
// closes or a write fails; the read loop then observes the closed socket
// and unwinds registration.
func (s *Server) writeLoop(conn *websocket.Conn, sess *registry.Session) {
	pinger := time.NewTicker(s.cfg.HeartbeatInterval)
	defer pinger.Stop()

	for {
		select {
		case f := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				s.logger.Debug().Err(err).Str("conn", sess.ID).Msg("write failed, closing")
				_ = conn.Close()
				return
			}
		case <-pinger.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-sess.Done():
			s.closeWith(conn, websocket.CloseNormalClosure, "session closed")
			return
		}
	}
}
