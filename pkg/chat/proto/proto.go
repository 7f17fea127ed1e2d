package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/tripchat/pkg/chat"
)

// Event names. Client events are emitted by the core, server events are pushed
// to it. Local events never travel over the wire: the connection manager
// injects them into the inbound queue so connection changes are ordered with
// the rest of the traffic.
const (
	// StartChat variants open (or find) a room with a peer. The variant is
	// selected by the role of the acting user.
	StartChat       = "start_chat"
	GuideStartChat  = "guide_start_chat"
	VendorStartChat = "vendor_start_chat"

	SendMessage       = "send_message"
	GuideSendMessage  = "guide_send_message"
	VendorSendMessage = "vendor_send_message"
	// LocalGuideMessage sends into a guide negotiation room regardless of role.
	LocalGuideMessage = "local_guide_message"

	MarkDelivered = "mark_delivered"
	MarkRead      = "mark_read"

	CreateQuote  = "create_quote"
	AcceptQuote  = "accept_quote"
	DeclineQuote = "decline_quote"

	CheckOnline = "check_online"

	// Ack answers a client event carrying a correlation id.
	Ack = "ack"

	ChatReady         = "chat_ready"
	RoomUpserted      = "room_upserted"
	NewMessage        = "new_message"
	MessagesDelivered = "messages_delivered"
	MessagesRead      = "messages_read"
	QuoteCreated      = "quote_created"
	QuoteAccepted     = "quote_accepted"
	QuoteDeclined     = "quote_declined"
	QuoteExpired      = "quote_expired"
	UserOnline        = "user_online"
	UserOffline       = "user_offline"

	ConnectionReady = "connection_ready"
	ConnectionLost  = "connection_lost"
)

// Packet is the envelope of every event sent over the wire.
type Packet struct {
	Type string `json:"type"`
	// CorrelationID matches an Ack with the packet it answers. It is empty for
	// fire-and-forget events and pushes.
	CorrelationID string `json:"correlationId,omitempty"`
	// Payload is decoded by the handler of Type.
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet{Type: %s, CorrelationID: %s, Payload.Size: %d}", p.Type, p.CorrelationID, len(p.Payload))
}

// NewPacket encodes payload into a packet. A nil payload leaves Payload empty.
func NewPacket(t, correlationID string, payload interface{}) (*Packet, error) {
	p := &Packet{Type: t, CorrelationID: correlationID, SentAt: time.Now().UTC()}
	if payload == nil {
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	p.Payload = b
	return p, nil
}

// Local builds a packet for a local event.
func Local(t string) *Packet {
	return &Packet{Type: t, SentAt: time.Now().UTC()}
}

func (p *Packet) Decode(v interface{}) error {
	if len(p.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", p.Type)
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Type, err)
	}
	return nil
}

func Encode(w io.Writer, p *Packet) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	return nil
}

func Decode(r io.Reader, p *Packet) error {
	if err := json.NewDecoder(r).Decode(p); err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}
	return nil
}

// NewCorrelationID generates a random correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Code is the outcome carried by an Ack.
type Code int

const (
	Success Code = iota
	InvalidState
	Invalid
	Forbidden
	NotFound
	Internal
)

// AckPayload is the payload of an Ack packet.
type AckPayload struct {
	OK    bool            `json:"ok"`
	Code  Code            `json:"code"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewAck builds the ack packet answering correlationID.
func NewAck(correlationID string, code Code, data interface{}, msg string) (*Packet, error) {
	ack := AckPayload{OK: code == Success, Code: code, Error: msg}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal ack data: %w", err)
		}
		ack.Data = b
	}
	return NewPacket(Ack, correlationID, ack)
}

// Err maps a rejected ack onto the error taxonomy.
func (a *AckPayload) Err(op string) error {
	if a.OK {
		return nil
	}
	var cause error
	if a.Error != "" {
		cause = errors.New(a.Error)
	}
	switch a.Code {
	case InvalidState:
		return chat.E(op, chat.ErrInvalidState, cause)
	case Invalid:
		return chat.E(op, chat.ErrValidation, cause)
	case Forbidden:
		return chat.E(op, chat.ErrForbiddenRole, cause)
	case NotFound:
		return chat.E(op, chat.ErrNotFound, cause)
	default:
		return chat.E(op, chat.ErrUpstream, cause)
	}
}

// DecodeData decodes the data of a successful ack.
func (a *AckPayload) DecodeData(v interface{}) error {
	if len(a.Data) == 0 {
		return fmt.Errorf("decode ack data: empty")
	}
	if err := json.Unmarshal(a.Data, v); err != nil {
		return fmt.Errorf("decode ack data: %w", err)
	}
	return nil
}
