package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/notify"
)

var errMissingID = errors.New("missing id")

// handleConnectionReady treats every (re)connect as a cold start: presence
// is re-checked, queued receipts are re-emitted and known rooms are
// refreshed in the background.
func (r *Router) handleConnectionReady(ctx context.Context, _ *proto.Packet) error {
	r.connected.Store(true)
	r.metrics.Connected.Set(1)
	r.publish(Update{Kind: ConnectionChanged, Connected: true})
	r.pres.Resync(ctx)
	r.flushReceipts(ctx)

	ids := r.dir.IDs()
	if len(ids) == 0 {
		return nil
	}
	r.goBackground(ctx, func(ctx context.Context) {
		r.resync(ctx, ids)
	})
	return nil
}

func (r *Router) resync(ctx context.Context, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		room, roomErr := r.deps.History.FetchRoom(ctx, id)
		if roomErr != nil {
			r.logger.Warn("resync room", "room", id, "error", roomErr)
		}
		page, pageErr := r.deps.History.FetchMessages(ctx, id, r.pageSize, nil)
		if pageErr != nil {
			r.logger.Warn("resync messages", "room", id, "error", pageErr)
		}
		err := r.do(ctx, func(ctx context.Context) error {
			if roomErr == nil {
				if err := r.dir.Upsert(room); err != nil {
					return err
				}
			}
			if pageErr == nil {
				r.appendAll(ctx, id, page.Messages, true)
			}
			r.publish(Update{Kind: RoomChanged, RoomID: id})
			return nil
		})
		if err != nil {
			r.logger.Warn("resync", "room", id, "error", err)
		}
	}
}

func (r *Router) handleConnectionLost(_ context.Context, _ *proto.Packet) error {
	r.connected.Store(false)
	r.metrics.Connected.Set(0)
	r.pres.MarkUnknown()
	r.publish(Update{Kind: ConnectionChanged, Connected: false})
	return nil
}

func (r *Router) handleRoom(_ context.Context, p *proto.Packet) error {
	var pl proto.RoomPayload
	if err := p.Decode(&pl); err != nil {
		return err
	}
	if err := r.dir.Upsert(pl.Room); err != nil {
		return fmt.Errorf("upsert room %s: %w", pl.Room.ID, err)
	}
	delete(r.fetching, pl.Room.ID)
	r.publish(Update{Kind: RoomChanged, RoomID: pl.Room.ID})
	return nil
}

func (r *Router) handleNewMessage(ctx context.Context, p *proto.Packet) error {
	var pl proto.MessagePayload
	if err := p.Decode(&pl); err != nil {
		return err
	}
	m := pl.Message
	if m.ID == "" || m.RoomID == "" {
		return fmt.Errorf("new message: %w", errMissingID)
	}
	grew := r.store.Append(m)
	if m.ClientID != "" {
		delete(r.uploads, m.ClientID)
	}
	r.ensureRoom(ctx, m.RoomID, &chat.Summary{Text: m.Preview(), At: m.CreatedAt})
	r.saveCache(ctx, m.RoomID, m.ID)

	if m.SenderID != r.id.UserID {
		if changed := r.store.MarkDelivered(m.RoomID, []string{m.ID}, r.id.UserID); len(changed) > 0 {
			k := receiptKey{roomID: m.RoomID}
			ids := r.takeReceipts(k, changed)
			r.goBackground(ctx, func(ctx context.Context) {
				if err := r.sendReceipts(ctx, k, ids); err != nil {
					r.logger.Warn("auto delivery receipt", "message", m.ID, "error", err)
				}
			})
		}
		if grew && r.background.Load() {
			r.notify(ctx, m)
		}
	}
	r.publish(Update{Kind: MessagesChanged, RoomID: m.RoomID, MessageIDs: []string{m.ID}})
	return nil
}

func (r *Router) notify(ctx context.Context, m chat.Message) {
	n := notify.Notification{
		UserID:    r.id.UserID,
		RoomID:    m.RoomID,
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Preview:   m.Preview(),
		At:        m.CreatedAt,
	}
	r.goBackground(ctx, func(ctx context.Context) {
		if err := r.deps.Notifier.Notify(ctx, n); err != nil {
			r.logger.Warn("notify", "message", n.MessageID, "error", err)
		}
	})
}

func (r *Router) handleReceipts(_ context.Context, p *proto.Packet) error {
	var pl proto.ReceiptPayload
	if err := p.Decode(&pl); err != nil {
		return err
	}
	if pl.RoomID == "" || pl.UserID == "" {
		return fmt.Errorf("receipts: %w", errMissingID)
	}
	read := p.Type == proto.MessagesRead
	var changed []string
	if read {
		changed = r.store.MarkRead(pl.RoomID, pl.MessageIDs, pl.UserID)
		if pl.UserID == r.id.UserID {
			// read on another device of the same user
			if at := r.latestOf(pl.RoomID, pl.MessageIDs); !at.IsZero() {
				r.store.SetLastRead(pl.RoomID, r.id.UserID, at)
			}
		}
	} else {
		changed = r.store.MarkDelivered(pl.RoomID, pl.MessageIDs, pl.UserID)
	}
	if len(changed) > 0 {
		r.publish(Update{Kind: ReceiptsChanged, RoomID: pl.RoomID, MessageIDs: changed})
	}
	return nil
}

// handleQuote applies a quote event. The event type is authoritative for
// the resulting state.
func (r *Router) handleQuote(state chat.QuoteState) handler {
	return func(ctx context.Context, p *proto.Packet) error {
		var pl proto.QuotePayload
		if err := p.Decode(&pl); err != nil {
			return err
		}
		q := pl.Quote
		if q.ID == "" || q.RoomID == "" {
			return fmt.Errorf("%s: %w", p.Type, errMissingID)
		}
		q.State = state
		r.ensureRoom(ctx, q.RoomID, nil)
		out, changed := r.neg.Apply(q)
		if changed {
			r.metrics.QuoteChanges.WithLabelValues(string(out.State)).Inc()
			r.publish(Update{Kind: QuoteChanged, RoomID: out.RoomID, Quote: &out})
		}
		return nil
	}
}

func (r *Router) handlePresence(online bool) handler {
	return func(_ context.Context, p *proto.Packet) error {
		var pl proto.PresencePayload
		if err := p.Decode(&pl); err != nil {
			return err
		}
		if pl.UserID == "" {
			return fmt.Errorf("%s: %w", p.Type, errMissingID)
		}
		at := pl.At
		if at.IsZero() {
			at = r.now()
		}
		if online {
			r.pres.HandleOnline(pl.UserID, at)
		} else {
			r.pres.HandleOffline(pl.UserID, at)
		}
		return nil
	}
}

// ensureRoom makes sure a room referenced by a push is listed. An unknown
// room gets a placeholder while its descriptor is fetched.
func (r *Router) ensureRoom(ctx context.Context, roomID string, summary *chat.Summary) {
	if summary != nil && r.dir.Touch(roomID, *summary) {
		return
	}
	if _, ok := r.dir.Get(roomID); ok {
		return
	}
	r.dir.Placeholder(roomID, r.id.Role, summary)
	r.publish(Update{Kind: RoomChanged, RoomID: roomID})
	r.fetchRoom(ctx, roomID)
}

func (r *Router) fetchRoom(ctx context.Context, roomID string) {
	if r.fetching[roomID] {
		return
	}
	r.fetching[roomID] = true
	r.goBackground(ctx, func(ctx context.Context) {
		room, fetchErr := r.deps.History.FetchRoom(ctx, roomID)
		err := r.do(ctx, func(context.Context) error {
			delete(r.fetching, roomID)
			if fetchErr != nil {
				return fetchErr
			}
			if err := r.dir.Upsert(room); err != nil {
				return err
			}
			r.publish(Update{Kind: RoomChanged, RoomID: roomID})
			return nil
		})
		if err != nil {
			r.logger.Warn("fetch room, keeping placeholder", "room", roomID, "error", err)
		}
	})
}

// appendAll merges server messages into the store and moves the room
// summary forward.
func (r *Router) appendAll(ctx context.Context, roomID string, msgs []chat.Message, persist bool) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.ID == "" || m.RoomID != roomID {
			r.logger.Warn("dropping history entry", "room", roomID, "message", m.ID)
			continue
		}
		r.store.Append(m)
		ids = append(ids, m.ID)
	}
	if latest, ok := r.store.Latest(roomID); ok && latest.State == chat.SendConfirmed {
		r.dir.Touch(roomID, chat.Summary{Text: latest.Preview(), At: latest.CreatedAt})
	}
	if persist {
		r.saveCache(ctx, roomID, ids...)
	}
}

// saveCache persists the stored versions of the given messages off the loop.
func (r *Router) saveCache(ctx context.Context, roomID string, ids ...string) {
	if r.deps.Cache == nil || len(ids) == 0 {
		return
	}
	msgs := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.store.Get(roomID, id); ok && m.State == chat.SendConfirmed {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		return
	}
	r.goBackground(ctx, func(ctx context.Context) {
		if err := r.deps.Cache.Save(ctx, msgs...); err != nil {
			r.logger.Warn("cache save", "room", roomID, "error", err)
		}
	})
}

// latestOf returns the newest creation time among the given messages.
func (r *Router) latestOf(roomID string, ids []string) time.Time {
	var at time.Time
	for _, id := range ids {
		if m, ok := r.store.Get(roomID, id); ok && m.CreatedAt.After(at) {
			at = m.CreatedAt
		}
	}
	return at
}
