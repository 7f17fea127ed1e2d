package dispatch

import (
	"sync"

	"github.com/putto11262002/tripchat/pkg/chat"
)

type UpdateKind int

const (
	RoomChanged UpdateKind = iota
	MessagesChanged
	ReceiptsChanged
	QuoteChanged
	PresenceChanged
	ConnectionChanged
	// Notice carries a non-fatal error to show to the user.
	Notice
)

func (k UpdateKind) String() string {
	switch k {
	case RoomChanged:
		return "room"
	case MessagesChanged:
		return "messages"
	case ReceiptsChanged:
		return "receipts"
	case QuoteChanged:
		return "quote"
	case PresenceChanged:
		return "presence"
	case ConnectionChanged:
		return "connection"
	default:
		return "notice"
	}
}

// Update tells observers which part of the state to re-render.
type Update struct {
	Kind       UpdateKind
	RoomID     string
	MessageIDs []string
	Quote      *chat.Quote
	Presence   *chat.Presence
	Connected  bool
	Err        error
}

// broadcaster fans updates out to subscribers. A slow subscriber misses
// updates instead of stalling the router.
type broadcaster struct {
	mu   sync.Mutex
	subs []chan Update
	size int
}

func (b *broadcaster) subscribe() <-chan Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Update, b.size)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *broadcaster) publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
