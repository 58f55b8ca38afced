package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmoretti/huddle/internal/notify"
)

// clientCommand is the message shape accepted on the realtime channel. Ending
// a session over the socket goes through the same settlement path as the REST
// endpoint.
type clientCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type wsEvent struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id,omitempty"`
	Message      string `json:"message,omitempty"`
	Notification string `json:"notification,omitempty"`
	Settled      bool   `json:"settled,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleWS upgrades the connection and fans the caller's notifications onto
// it. The read loop accepts end_session commands; everything else is rejected
// in-band so the socket stays up.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe(userID)
	defer unsubscribe()

	ctx := r.Context()
	outbound := make(chan wsEvent, 64)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Idle subscribers only ever read, so the server keeps the
		// connection alive; the pong handler refreshes the read deadline.
		pings := time.NewTicker(s.pingInterval)
		defer pings.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pings.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case n, ok := <-events:
				if !ok {
					return
				}
				if !s.writeEvent(conn, wsEvent{
					Type:         "notification",
					SessionID:    n.SessionID,
					Notification: string(n.Kind),
					Message:      n.Message,
				}) {
					return
				}
			case ev, ok := <-outbound:
				if !ok {
					return
				}
				if !s.writeEvent(conn, ev) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			s.queueEvent(outbound, wsEvent{Type: "error", Error: "invalid_client_message"})
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", cmd.Type).Inc()
		}

		switch cmd.Type {
		case "end_session":
			res, err := s.engine.EndAs(ctx, userID, cmd.SessionID)
			if err != nil {
				s.queueEvent(outbound, wsEvent{Type: "error", SessionID: cmd.SessionID, Error: err.Error()})
				continue
			}
			notify.PublishAll(s.hub, res.Notifications)
			s.queueEvent(outbound, wsEvent{Type: "session_ended", SessionID: cmd.SessionID, Settled: res.Settled})
		case "ping":
			s.queueEvent(outbound, wsEvent{Type: "pong"})
		default:
			s.queueEvent(outbound, wsEvent{Type: "error", Error: "unknown_command " + cmd.Type})
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev wsEvent) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		return false
	}
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("outbound", ev.Type).Inc()
	}
	return true
}

// queueEvent keeps websocket writes single-threaded; drop if the outbound
// queue is saturated.
func (s *Server) queueEvent(outbound chan<- wsEvent, ev wsEvent) {
	select {
	case outbound <- ev:
	default:
	}
}
