package devserver

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
)

var errStopped = errors.New("hub stopped")

type inbound struct {
	conn   *wsConn
	packet *proto.Packet
}

// eventHandler handles one client event. The returned data is sent in the
// ack of events carrying a correlation id.
type eventHandler func(c *wsConn, p *proto.Packet) (interface{}, error)

// hub owns the connections and the state. Every mutation runs on its loop.
type hub struct {
	connect    chan *wsConn
	disconnect chan *wsConn
	in         chan inbound
	actions    chan func()
	done       chan struct{}

	conns    map[string]map[*wsConn]struct{}
	state    *state
	handlers map[string]eventHandler
	logger   *slog.Logger
}

func newHub(st *state, logger *slog.Logger) *hub {
	h := &hub{
		connect:    make(chan *wsConn),
		disconnect: make(chan *wsConn),
		in:         make(chan inbound, 256),
		actions:    make(chan func()),
		done:       make(chan struct{}),
		conns:      make(map[string]map[*wsConn]struct{}),
		state:      st,
		handlers:   make(map[string]eventHandler),
		logger:     logger,
	}
	h.registerHandlers()
	return h
}

func (h *hub) on(t string, fn eventHandler) {
	if _, ok := h.handlers[t]; ok {
		panic("handler(" + t + "): already exists")
	}
	h.handlers[t] = fn
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for _, set := range h.conns {
			for c := range set {
				close(c.out)
			}
		}
		h.conns = nil
		close(h.done)
		h.logger.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.connect:
			h.addConn(c)
		case c := <-h.disconnect:
			h.removeConn(c)
		case in := <-h.in:
			h.handle(in.conn, in.packet)
		case fn := <-h.actions:
			fn()
		}
	}
}

// join registers a connection. It reports false once the hub stopped.
func (h *hub) join(c *wsConn) bool {
	select {
	case h.connect <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(c *wsConn) {
	select {
	case h.disconnect <- c:
	case <-h.done:
	}
}

func (h *hub) pass(c *wsConn, p *proto.Packet) bool {
	select {
	case h.in <- inbound{conn: c, packet: p}:
		return true
	case <-h.done:
		return false
	}
}

// post runs fn on the loop without waiting for it.
func (h *hub) post(fn func()) {
	select {
	case h.actions <- fn:
	case <-h.done:
	}
}

// do runs fn on the loop and waits for it.
func (h *hub) do(ctx context.Context, fn func(*state)) error {
	ran := make(chan struct{})
	select {
	case h.actions <- func() { fn(h.state); close(ran) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errStopped
	}
	select {
	case <-ran:
		return nil
	case <-h.done:
		return errStopped
	}
}

func (h *hub) online(userID string) bool {
	return len(h.conns[userID]) > 0
}

func (h *hub) addConn(c *wsConn) {
	h.state.addUser(c.id)
	first := !h.online(c.id.UserID)
	if first {
		h.conns[c.id.UserID] = make(map[*wsConn]struct{})
	}
	h.conns[c.id.UserID][c] = struct{}{}
	h.logger.Info("connected", slog.String("user", c.id.UserID), slog.String("role", string(c.id.Role)))

	if first {
		h.pushTo(h.state.contacts(c.id.UserID), proto.UserOnline,
			proto.PresencePayload{UserID: c.id.UserID, At: h.state.now().UTC()})
	}
	for _, r := range h.state.roomsOf(c.id.UserID) {
		h.sendTo(c, proto.ChatReady, proto.RoomPayload{Room: r})
	}
}

func (h *hub) removeConn(c *wsConn) {
	set, ok := h.conns[c.id.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.out)
	h.logger.Info("disconnected", slog.String("user", c.id.UserID))
	if len(set) > 0 {
		return
	}
	delete(h.conns, c.id.UserID)
	at := h.state.now().UTC()
	h.state.lastSeen[c.id.UserID] = at
	h.pushTo(h.state.contacts(c.id.UserID), proto.UserOffline,
		proto.PresencePayload{UserID: c.id.UserID, At: at})
}

// sendOrDisconnect drops connections that cannot keep up.
func (h *hub) sendOrDisconnect(c *wsConn, p *proto.Packet) {
	select {
	case c.out <- p:
	default:
		h.logger.Warn("slow connection, disconnecting", slog.String("user", c.id.UserID))
		h.removeConn(c)
	}
}

func (h *hub) sendTo(c *wsConn, t string, payload interface{}) {
	p, err := proto.NewPacket(t, "", payload)
	if err != nil {
		h.logger.Error("build packet", slog.String("type", t), slog.String("error", err.Error()))
		return
	}
	h.sendOrDisconnect(c, p)
}

// pushTo sends an event to every connection of the users.
func (h *hub) pushTo(userIDs []string, t string, payload interface{}) {
	p, err := proto.NewPacket(t, "", payload)
	if err != nil {
		h.logger.Error("build packet", slog.String("type", t), slog.String("error", err.Error()))
		return
	}
	for _, id := range userIDs {
		for c := range h.conns[id] {
			h.sendOrDisconnect(c, p)
		}
	}
}

func (h *hub) handle(c *wsConn, p *proto.Packet) {
	if _, ok := h.conns[c.id.UserID][c]; !ok {
		return
	}
	fn, ok := h.handlers[p.Type]
	if !ok {
		h.logger.Warn("no handler", slog.String("type", p.Type))
		h.reply(c, p, nil, chat.E(p.Type, chat.ErrValidation, errors.New("unknown event")))
		return
	}
	data, err := h.safeHandle(fn, c, p)
	if err != nil {
		h.logger.Debug("event rejected", slog.String("type", p.Type), slog.String("error", err.Error()))
	}
	h.reply(c, p, data, err)
}

func (h *hub) safeHandle(fn eventHandler, c *wsConn, p *proto.Packet) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panic", slog.String("type", p.Type), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = errors.New("internal error")
		}
	}()
	return fn(c, p)
}

func (h *hub) reply(c *wsConn, p *proto.Packet, data interface{}, err error) {
	if p.CorrelationID == "" {
		return
	}
	code, msg := codeOf(err)
	if code != proto.Success {
		data = nil
	}
	ack, aerr := proto.NewAck(p.CorrelationID, code, data, msg)
	if aerr != nil {
		h.logger.Error("build ack", slog.String("error", aerr.Error()))
		return
	}
	h.sendOrDisconnect(c, ack)
}

func codeOf(err error) (proto.Code, string) {
	switch {
	case err == nil:
		return proto.Success, ""
	case errors.Is(err, chat.ErrInvalidState):
		return proto.InvalidState, err.Error()
	case errors.Is(err, chat.ErrValidation):
		return proto.Invalid, err.Error()
	case errors.Is(err, chat.ErrForbiddenRole):
		return proto.Forbidden, err.Error()
	case errors.Is(err, chat.ErrNotFound):
		return proto.NotFound, err.Error()
	default:
		return proto.Internal, err.Error()
	}
}

// expireAt schedules the expiry of an offered quote.
func (h *hub) expireAt(q chat.Quote) {
	time.AfterFunc(time.Until(q.ExpiresAt), func() {
		h.post(func() {
			if e, ok := h.state.expireQuote(q.ID); ok {
				h.pushTo(h.state.members(e.RoomID), proto.QuoteExpired, proto.QuotePayload{Quote: e})
				return
			}
			// fired early against the wall clock
			if cur, ok := h.state.quotes[q.RoomID]; ok && cur.ID == q.ID && cur.State == chat.QuoteOffered {
				h.expireAt(*cur)
			}
		})
	})
}
