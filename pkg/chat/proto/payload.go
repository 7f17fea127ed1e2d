package proto

import (
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
)

type StartChatPayload struct {
	PeerID    string        `json:"peerId"`
	Kind      chat.RoomKind `json:"kind"`
	BookingID string        `json:"bookingId,omitempty"`
	PostID    string        `json:"postId,omitempty"`
}

// RoomPayload is pushed with ChatReady and RoomUpserted, and returned in the
// ack of a start chat event.
type RoomPayload struct {
	Room chat.Room `json:"room"`
}

type SendMessagePayload struct {
	RoomID   string                 `json:"roomId"`
	ClientID string                 `json:"clientId"`
	Text     string                 `json:"text,omitempty"`
	Media    []chat.MediaAttachment `json:"media,omitempty"`
}

// SendMessageAck is the ack data of every send message variant.
type SendMessageAck struct {
	MessageID string    `json:"messageId"`
	ClientID  string    `json:"clientId"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessagePayload struct {
	Message chat.Message `json:"message"`
}

// ReceiptRequestPayload is emitted with MarkDelivered and MarkRead.
type ReceiptRequestPayload struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

// ReceiptPayload is pushed with MessagesDelivered and MessagesRead.
type ReceiptPayload struct {
	RoomID     string    `json:"roomId"`
	MessageIDs []string  `json:"messageIds"`
	UserID     string    `json:"userId"`
	At         time.Time `json:"at"`
}

type CreateQuotePayload struct {
	RoomID   string  `json:"roomId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Note     string  `json:"note,omitempty"`
	// TTLSeconds is the requested lifetime, zero for the server default.
	TTLSeconds int64 `json:"ttlSeconds,omitempty"`
}

type QuoteActionPayload struct {
	RoomID  string `json:"roomId"`
	QuoteID string `json:"quoteId"`
}

// QuotePayload is pushed with every quote event and returned in quote acks.
type QuotePayload struct {
	Quote chat.Quote `json:"quote"`
}

type CheckOnlinePayload struct {
	UserID string `json:"userId"`
}

// OnlineStatus is the ack data of CheckOnline.
type OnlineStatus struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// PresencePayload is pushed with UserOnline and UserOffline.
type PresencePayload struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}
