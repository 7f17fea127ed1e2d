package ws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
)

// conn is one physical connection. The manager replaces it on reconnect.
type conn struct {
	ws          *websocket.Conn
	cfg         *Config
	writeStream chan *proto.Packet
	// done is closed when the read loop exits.
	done   chan struct{}
	logger *slog.Logger
}

func newConn(ws *websocket.Conn, cfg *Config, logger *slog.Logger) *conn {
	return &conn{
		ws:          ws,
		cfg:         cfg,
		writeStream: make(chan *proto.Packet, cfg.OutboundBuffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

func (c *conn) readLoop(route func(*proto.Packet)) {
	c.logger.Debug("read loop started")
	defer func() {
		close(c.done)
		c.ws.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		format, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Warn(fmt.Sprintf("NextReader: %v", err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var p proto.Packet
		if err := proto.Decode(r, &p); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(p.String())
		route(&p)
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case p := <-c.writeStream:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				c.ws.Close()
				return
			}
			if err := proto.Encode(w, p); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flushing writer: %v", err))
				c.ws.Close()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			c.ws.Close()
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				c.ws.Close()
				return
			}
		}
	}
}
