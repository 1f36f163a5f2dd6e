package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 4 * 1024
)

// logStream upgrades to a websocket that first replays the retained tail and
// then forwards live events. The orchestrator closes the feed of a client
// that falls behind, which ends the connection with 1013 so it can
// reconnect and replay.
func (s *Server) logStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		requestLogger(r, s.logger).Warn("log stream upgrade failed", "error", err)
		return
	}
	s.trackStream(conn)
	defer s.untrackStream(conn)

	events, cancel := s.orch.Subscribe()
	defer cancel()

	// The reader only services control frames; it cancels the feed when the
	// client goes away.
	go func() {
		defer cancel()
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, event := range s.orch.Snapshot().Logs {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "log stream closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackStream(conn *websocket.Conn) {
	s.streamsMu.Lock()
	s.streams[conn] = struct{}{}
	s.streamsMu.Unlock()
}

func (s *Server) untrackStream(conn *websocket.Conn) {
	s.streamsMu.Lock()
	delete(s.streams, conn)
	s.streamsMu.Unlock()
	conn.Close()
}

// CloseStreams ends every open log stream with a going-away close frame. It
// is registered as a shutdown hook because http.Server.Shutdown does not
// track hijacked connections.
func (s *Server) CloseStreams() {
	s.streamsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.streams))
	for conn := range s.streams {
		conns = append(conns, conn)
	}
	s.streamsMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		conn.Close()
	}
	if len(conns) > 0 {
		s.logger.Info("closed log streams for shutdown", "count", len(conns))
	}
}
