// Package notify delivers the "new message while backgrounded" signal. The
// rendering of the notification belongs to the receiver.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Notification describes a message received while the session was in the
// background.
type Notification struct {
	UserID    string    `json:"userId"`
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Preview   string    `json:"preview"`
	At        time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error {
	return nil
}

// ChanNotifier hands notifications to an in-process consumer. A full channel
// drops the notification instead of blocking the caller.
type ChanNotifier struct {
	C chan Notification
}

func NewChanNotifier(size int) *ChanNotifier {
	return &ChanNotifier{C: make(chan Notification, size)}
}

func (c *ChanNotifier) Notify(ctx context.Context, n Notification) error {
	select {
	case c.C <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("notification channel full, dropped %s", n.MessageID)
	}
}

// NATSNotifier publishes notifications as JSON on <subject>.<userId>.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

func NewNATSNotifier(url, subject string, opts ...nats.Option) (*NATSNotifier, error) {
	opts = append([]nats.Option{
		nats.Name("tripchat-notify"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSNotifier{nc: nc, subject: subject}, nil
}

// Subject is where notifications for userID are published.
func (n *NATSNotifier) Subject(userID string) string {
	return n.subject + "." + userID
}

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	if err := n.nc.Publish(n.Subject(note.UserID), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
