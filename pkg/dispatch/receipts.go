package dispatch

import (
	"context"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
)

// receiptKey identifies the receipts of one kind in one room.
type receiptKey struct {
	roomID string
	read   bool
}

func (k receiptKey) event() string {
	if k.read {
		return proto.MarkRead
	}
	return proto.MarkDelivered
}

// takeReceipts returns ids together with the unsent receipts of the same
// kind and room, and forgets the latter. Loop only.
func (r *Router) takeReceipts(k receiptKey, ids []string) []string {
	pending, ok := r.unsent[k]
	if !ok {
		return ids
	}
	delete(r.unsent, k)
	for _, id := range ids {
		pending.Add(id)
	}
	return pending.Slice()
}

// keepReceipts queues receipts for the next emit of their kind. Loop only.
func (r *Router) keepReceipts(k receiptKey, ids []string) {
	set, ok := r.unsent[k]
	if !ok {
		set = chat.NewUserSet()
		r.unsent[k] = set
	}
	for _, id := range ids {
		set.Add(id)
	}
}

// sendReceipts emits receipts off the loop. On failure they are queued and
// go out with the next receipt of the same kind or on reconnect.
func (r *Router) sendReceipts(ctx context.Context, k receiptKey, ids []string) error {
	err := r.conn.Send(ctx, k.event(), proto.ReceiptRequestPayload{RoomID: k.roomID, MessageIDs: ids})
	if err == nil {
		return nil
	}
	qerr := r.do(context.WithoutCancel(ctx), func(context.Context) error {
		r.keepReceipts(k, ids)
		return nil
	})
	if qerr != nil {
		r.logger.Warn("receipts dropped", "room", k.roomID, "event", k.event(), "error", qerr)
	}
	return err
}

// flushReceipts re-emits every queued receipt. Loop only.
func (r *Router) flushReceipts(ctx context.Context) {
	for k, set := range r.unsent {
		k, ids := k, set.Slice()
		delete(r.unsent, k)
		r.goBackground(ctx, func(ctx context.Context) {
			if err := r.sendReceipts(ctx, k, ids); err != nil {
				r.logger.Warn("resend receipts", "room", k.roomID, "event", k.event(), "error", err)
			}
		})
	}
}
