package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-host UI and reverse proxies; the job API carries no
	// credentials worth CSRF-protecting.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn        *websocket.Conn
	events      <-chan bus.Event
	unsubscribe func()
	logger      *zap.SugaredLogger
}

// handleWS upgrades the connection and streams bus events until the
// client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	events, unsubscribe := s.bus.Subscribe()
	client := &wsClient{
		conn:        conn,
		events:      events,
		unsubscribe: unsubscribe,
		logger:      s.logger,
	}
	s.logger.Infow("WebSocket client connected", "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames; its job is detecting disconnects
// and answering pings.
func (c *wsClient) readPump() {
	defer func() {
		c.unsubscribe()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards bus events and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	greeting := bus.Event{Type: bus.EventConnected, Data: []byte(`{"message":"connected"}`)}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(greeting); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
