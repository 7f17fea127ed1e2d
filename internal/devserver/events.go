package devserver

import (
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
)

func (h *hub) registerHandlers() {
	h.on(proto.StartChat, h.handleStartChat(chat.Client))
	h.on(proto.GuideStartChat, h.handleStartChat(chat.Guide))
	h.on(proto.VendorStartChat, h.handleStartChat(chat.Vendor))

	for _, t := range []string{proto.SendMessage, proto.GuideSendMessage, proto.VendorSendMessage, proto.LocalGuideMessage} {
		h.on(t, h.handleSend)
	}

	h.on(proto.MarkDelivered, h.handleReceipt(false))
	h.on(proto.MarkRead, h.handleReceipt(true))

	h.on(proto.CreateQuote, h.handleCreateQuote)
	h.on(proto.AcceptQuote, h.handleResolveQuote(chat.QuoteAccepted, proto.QuoteAccepted))
	h.on(proto.DeclineQuote, h.handleResolveQuote(chat.QuoteDeclined, proto.QuoteDeclined))

	h.on(proto.CheckOnline, h.handleCheckOnline)
}

func decode(p *proto.Packet, v interface{}) error {
	if err := p.Decode(v); err != nil {
		return chat.E(p.Type, chat.ErrValidation, err)
	}
	return nil
}

func (h *hub) handleStartChat(role chat.Role) eventHandler {
	return func(c *wsConn, p *proto.Packet) (interface{}, error) {
		if c.id.Role != role {
			return nil, chat.E(p.Type, chat.ErrForbiddenRole, nil)
		}
		var req proto.StartChatPayload
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		room, err := h.state.startChat(c.id, req)
		if err != nil {
			return nil, err
		}
		h.pushTo(h.state.members(room.ID), proto.RoomUpserted, proto.RoomPayload{Room: room})
		return proto.RoomPayload{Room: room}, nil
	}
}

func (h *hub) handleSend(c *wsConn, p *proto.Packet) (interface{}, error) {
	var req proto.SendMessagePayload
	if err := decode(p, &req); err != nil {
		return nil, err
	}
	m, created, err := h.state.send(c.id, p.Type, req)
	if err != nil {
		return nil, err
	}
	if created {
		h.pushTo(h.state.members(m.RoomID), proto.NewMessage, proto.MessagePayload{Message: m})
	}
	return proto.SendMessageAck{MessageID: m.ID, ClientID: m.ClientID, CreatedAt: m.CreatedAt}, nil
}

func (h *hub) handleReceipt(read bool) eventHandler {
	push := proto.MessagesDelivered
	if read {
		push = proto.MessagesRead
	}
	return func(c *wsConn, p *proto.Packet) (interface{}, error) {
		var req proto.ReceiptRequestPayload
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		changed, err := h.state.mark(c.id, req.RoomID, req.MessageIDs, read)
		if err != nil || len(changed) == 0 {
			return nil, err
		}
		h.pushTo(h.state.members(req.RoomID), push, proto.ReceiptPayload{
			RoomID:     req.RoomID,
			MessageIDs: changed,
			UserID:     c.id.UserID,
			At:         h.state.now().UTC(),
		})
		return nil, nil
	}
}

func (h *hub) handleCreateQuote(c *wsConn, p *proto.Packet) (interface{}, error) {
	var req proto.CreateQuotePayload
	if err := decode(p, &req); err != nil {
		return nil, err
	}
	q, err := h.state.createQuote(c.id, req)
	if err != nil {
		return nil, err
	}
	h.expireAt(q)
	h.pushTo(h.state.members(q.RoomID), proto.QuoteCreated, proto.QuotePayload{Quote: q})
	return proto.QuotePayload{Quote: q}, nil
}

func (h *hub) handleResolveQuote(to chat.QuoteState, push string) eventHandler {
	return func(c *wsConn, p *proto.Packet) (interface{}, error) {
		var req proto.QuoteActionPayload
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		q, expired, err := h.state.resolveQuote(c.id, req, to)
		if expired {
			h.pushTo(h.state.members(q.RoomID), proto.QuoteExpired, proto.QuotePayload{Quote: q})
		}
		if err != nil {
			return nil, err
		}
		h.pushTo(h.state.members(q.RoomID), push, proto.QuotePayload{Quote: q})
		return proto.QuotePayload{Quote: q}, nil
	}
}

func (h *hub) handleCheckOnline(c *wsConn, p *proto.Packet) (interface{}, error) {
	var req proto.CheckOnlinePayload
	if err := decode(p, &req); err != nil {
		return nil, err
	}
	return proto.OnlineStatus{
		UserID:   req.UserID,
		Online:   h.online(req.UserID),
		LastSeen: h.state.lastSeen[req.UserID],
	}, nil
}
