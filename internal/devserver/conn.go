package devserver

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	sendBuffer = 64
)

// wsConn is one websocket of a user. A user may hold several.
type wsConn struct {
	ws     *websocket.Conn
	id     session.Identity
	out    chan *proto.Packet
	hub    *hub
	logger *slog.Logger
}

func newConn(ws *websocket.Conn, id session.Identity, h *hub) *wsConn {
	return &wsConn{
		ws:     ws,
		id:     id,
		out:    make(chan *proto.Packet, sendBuffer),
		hub:    h,
		logger: h.logger.With(slog.String("user", id.UserID)),
	}
}

func (c *wsConn) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.ws.Close()
		c.logger.Debug("exited read loop")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var p proto.Packet
		if err := proto.Decode(r, &p); err != nil {
			c.logger.Warn("dropping packet", slog.String("error", err.Error()))
			continue
		}
		if !c.hub.pass(c, &p) {
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.logger.Debug("exited write loop")
	}()

	for {
		select {
		case p, ok := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Warn("NextWriter", slog.String("error", err.Error()))
				return
			}
			if err := proto.Encode(w, p); err != nil {
				c.logger.Warn("encode", slog.String("error", err.Error()))
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
