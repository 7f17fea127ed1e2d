package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/directory"
	"github.com/putto11262002/tripchat/pkg/syncmap"
)

var (
	errRoomLoading   = errors.New("room details are still loading")
	errNotGuideRoom  = errors.New("quotes exist only in guide rooms")
	errReselectFiles = errors.New("attachments must be selected again")
	errSelfChat      = errors.New("cannot start a chat with yourself")
	errNoMessageID   = errors.New("ack without message id")
)

func roomNotFound(op, roomID string) error {
	return chat.E(op, chat.ErrNotFound, fmt.Errorf("room %q", roomID))
}

// StartChat opens a room with a peer, or returns the existing one.
func (r *Router) StartChat(ctx context.Context, req proto.StartChatPayload) (chat.Room, error) {
	const op = "Router.StartChat"
	switch {
	case req.PeerID == "":
		return chat.Room{}, chat.E(op, chat.ErrValidation, errors.New("peer is required"))
	case req.PeerID == r.id.UserID:
		return chat.Room{}, chat.E(op, chat.ErrValidation, errSelfChat)
	case !req.Kind.Valid():
		return chat.Room{}, chat.E(op, chat.ErrValidation, fmt.Errorf("room kind %q", req.Kind))
	}

	ack, err := r.conn.Request(ctx, r.ep.StartChat, req)
	if err != nil {
		return chat.Room{}, err
	}
	var pl proto.RoomPayload
	if err := ack.DecodeData(&pl); err != nil {
		return chat.Room{}, chat.E(op, chat.ErrUpstream, err)
	}
	err = r.do(context.WithoutCancel(ctx), func(context.Context) error {
		if err := r.dir.Upsert(pl.Room); err != nil {
			return err
		}
		delete(r.fetching, pl.Room.ID)
		r.publish(Update{Kind: RoomChanged, RoomID: pl.Room.ID})
		return nil
	})
	if err != nil {
		return chat.Room{}, err
	}
	return pl.Room, nil
}

// SendMessage adds a pending message, uploads its files and emits it. The
// returned message is confirmed on success. On failure it stays in the room
// as failed and can be retried or discarded.
func (r *Router) SendMessage(ctx context.Context, in chat.MessageInput) (chat.Message, error) {
	const op = "Router.SendMessage"
	if err := in.Validate(r.maxFileSize); err != nil {
		return chat.Message{}, err
	}

	var (
		pending chat.Message
		kind    chat.RoomKind
	)
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	// Once added, the pending message must end in deliver or failSend.
	err := r.do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		room, ok := r.dir.Get(in.RoomID)
		if !ok {
			return roomNotFound(op, in.RoomID)
		}
		if r.dir.Partial(in.RoomID) {
			r.fetchRoom(ctx, in.RoomID)
			return chat.E(op, chat.ErrInvalidState, errRoomLoading)
		}
		if !room.HasMember(r.id.UserID, r.id.Role) {
			return chat.E(op, chat.ErrForbiddenRole, fmt.Errorf("not a %s in room %q", r.id.Role, in.RoomID))
		}
		media := make([]chat.MediaAttachment, 0, len(in.Files))
		for _, f := range in.Files {
			media = append(media, f.Attachment())
		}
		m, err := r.store.AddPending(chat.Message{
			ClientID:   uuid.NewString(),
			RoomID:     in.RoomID,
			SenderID:   r.id.UserID,
			SenderRole: r.id.Role,
			Text:       in.Text,
			Media:      media,
			CreatedAt:  r.now().UTC(),
		})
		if err != nil {
			return err
		}
		if len(in.Files) > 0 {
			r.uploads[m.ClientID] = in.Files
		}
		pending, kind = m, room.Kind
		r.publish(Update{Kind: MessagesChanged, RoomID: m.RoomID, MessageIDs: []string{m.ID}})
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return r.failSend(ctx, pending, err)
	}
	return r.deliver(ctx, pending, kind, in.Files)
}

func uploaded(media []chat.MediaAttachment) bool {
	for _, a := range media {
		if a.URL == "" {
			return false
		}
	}
	return true
}

// deliver uploads pending media, emits the message and reconciles the ack.
func (r *Router) deliver(ctx context.Context, m chat.Message, kind chat.RoomKind, files []chat.Upload) (chat.Message, error) {
	const op = "Router.SendMessage"
	media := m.Media
	if len(files) > 0 && !uploaded(media) {
		got, err := r.deps.History.UploadMedia(ctx, files)
		if err != nil {
			return r.failSend(ctx, m, err)
		}
		media = got
		err = r.do(ctx, func(context.Context) error {
			return r.store.AttachMedia(m.RoomID, m.ClientID, got)
		})
		if err != nil {
			return r.failSend(ctx, m, err)
		}
	}

	ack, err := r.conn.Request(ctx, r.ep.SendEvent(kind), proto.SendMessagePayload{
		RoomID:   m.RoomID,
		ClientID: m.ClientID,
		Text:     m.Text,
		Media:    media,
	})
	if err != nil {
		return r.failSend(ctx, m, err)
	}
	var data proto.SendMessageAck
	if err := ack.DecodeData(&data); err != nil {
		return r.failSend(ctx, m, chat.E(op, chat.ErrUpstream, err))
	}
	if data.MessageID == "" {
		return r.failSend(ctx, m, chat.E(op, chat.ErrUpstream, errNoMessageID))
	}

	var confirmed chat.Message
	err = r.do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		c, err := r.store.Confirm(m.RoomID, m.ClientID, data.MessageID, data.CreatedAt)
		if err != nil {
			return err
		}
		delete(r.uploads, m.ClientID)
		r.dir.Touch(c.RoomID, chat.Summary{Text: c.Preview(), At: c.CreatedAt})
		r.saveCache(ctx, c.RoomID, c.ID)
		confirmed = c
		r.publish(Update{Kind: MessagesChanged, RoomID: c.RoomID, MessageIDs: []string{c.ID}})
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return confirmed, nil
}

// failSend marks the message failed. A message confirmed in the meantime by
// its echo counts as sent.
func (r *Router) failSend(ctx context.Context, m chat.Message, cause error) (chat.Message, error) {
	var (
		out  chat.Message
		sent bool
	)
	err := r.do(context.WithoutCancel(ctx), func(context.Context) error {
		if cur, ok := r.store.Get(m.RoomID, m.ClientID); ok && cur.State == chat.SendConfirmed {
			out, sent = cur, true
			return nil
		}
		if err := r.store.Fail(m.RoomID, m.ClientID, cause); err != nil {
			return err
		}
		out, _ = r.store.Get(m.RoomID, m.ClientID)
		r.publish(Update{Kind: MessagesChanged, RoomID: m.RoomID, MessageIDs: []string{m.ClientID}, Err: cause})
		return nil
	})
	if sent {
		return out, nil
	}
	r.metrics.SendFailures.Inc()
	if err != nil {
		r.logger.Warn("mark send failed", "client_id", m.ClientID, "error", err)
	}
	r.logger.Info("send failed", "room", m.RoomID, "client_id", m.ClientID, "error", cause)
	return out, cause
}

// rewind prepares the files of a failed send for another upload.
func rewind(files []chat.Upload) error {
	for _, f := range files {
		s, ok := f.Body.(io.Seeker)
		if !ok {
			return errReselectFiles
		}
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: %w", errReselectFiles, err)
		}
	}
	return nil
}

// RetryMessage sends a failed message again under the same client id.
func (r *Router) RetryMessage(ctx context.Context, roomID, clientID string) (chat.Message, error) {
	const op = "Router.RetryMessage"
	var (
		m     chat.Message
		kind  chat.RoomKind
		files []chat.Upload
	)
	err := r.do(context.WithoutCancel(ctx), func(context.Context) error {
		room, ok := r.dir.Get(roomID)
		if !ok {
			return roomNotFound(op, roomID)
		}
		cur, ok := r.store.Get(roomID, clientID)
		if !ok {
			return chat.E(op, chat.ErrNotFound, fmt.Errorf("message %q", clientID))
		}
		if !uploaded(cur.Media) {
			files = r.uploads[clientID]
			if len(files) == 0 {
				return chat.E(op, chat.ErrValidation, errReselectFiles)
			}
			if err := rewind(files); err != nil {
				return chat.E(op, chat.ErrValidation, err)
			}
		}
		retried, err := r.store.Retry(roomID, clientID)
		if err != nil {
			return err
		}
		m, kind = retried, room.Kind
		r.publish(Update{Kind: MessagesChanged, RoomID: roomID, MessageIDs: []string{clientID}})
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return r.failSend(ctx, m, err)
	}
	return r.deliver(ctx, m, kind, files)
}

// DiscardMessage removes a failed message.
func (r *Router) DiscardMessage(ctx context.Context, roomID, clientID string) error {
	return r.do(ctx, func(context.Context) error {
		if err := r.store.Discard(roomID, clientID); err != nil {
			return err
		}
		delete(r.uploads, clientID)
		r.publish(Update{Kind: MessagesChanged, RoomID: roomID, MessageIDs: []string{clientID}})
		return nil
	})
}

// MarkDelivered records and emits delivery of messages to the viewer.
// Receipts of the room that failed to go out earlier are emitted with them.
func (r *Router) MarkDelivered(ctx context.Context, roomID string, ids []string) error {
	k := receiptKey{roomID: roomID}
	var out []string
	err := r.do(ctx, func(context.Context) error {
		changed := r.store.MarkDelivered(roomID, ids, r.id.UserID)
		if len(changed) > 0 {
			r.publish(Update{Kind: ReceiptsChanged, RoomID: roomID, MessageIDs: changed})
		}
		out = r.takeReceipts(k, changed)
		return nil
	})
	if err != nil || len(out) == 0 {
		return err
	}
	return r.sendReceipts(ctx, k, out)
}

// MarkRead records and emits that the viewer read messages. Without ids
// every unseen message of the room is marked.
func (r *Router) MarkRead(ctx context.Context, roomID string, ids ...string) error {
	k := receiptKey{roomID: roomID, read: true}
	var out []string
	err := r.do(ctx, func(context.Context) error {
		if len(ids) == 0 {
			ids = r.store.Unseen(roomID, r.id.UserID)
		}
		changed := r.store.MarkRead(roomID, ids, r.id.UserID)
		if at := r.latestOf(roomID, ids); !at.IsZero() {
			r.store.SetLastRead(roomID, r.id.UserID, at)
		}
		if len(changed) > 0 {
			r.publish(Update{Kind: ReceiptsChanged, RoomID: roomID, MessageIDs: changed})
		}
		out = r.takeReceipts(k, changed)
		return nil
	})
	if err != nil || len(out) == 0 {
		return err
	}
	return r.sendReceipts(ctx, k, out)
}

// HistoryPage is a page of history as shown to the user.
type HistoryPage struct {
	Messages []chat.Message
	HasMore  bool
	// FromCache is set when the server could not be reached and the page
	// was read from the local cache.
	FromCache bool
}

// LoadHistory fetches the page before the cursor, or the latest page
// without one. When the server fails the local cache is used if it has
// anything for the page.
func (r *Router) LoadHistory(ctx context.Context, roomID string, before *time.Time) (HistoryPage, error) {
	var (
		msgs []chat.Message
		out  HistoryPage
	)
	page, err := r.deps.History.FetchMessages(ctx, roomID, r.pageSize, before)
	if err != nil {
		cached := r.cachedPage(ctx, roomID, before)
		if len(cached) == 0 {
			return HistoryPage{}, err
		}
		r.logger.Warn("history from cache", "room", roomID, "error", err)
		r.publish(Update{Kind: Notice, RoomID: roomID, Err: err})
		msgs, out.HasMore, out.FromCache = cached, len(cached) == r.pageSize, true
	} else {
		msgs, out.HasMore = page.Messages, page.HasMore
	}

	err = r.do(ctx, func(ctx context.Context) error {
		r.appendAll(ctx, roomID, msgs, !out.FromCache)
		out.Messages = r.store.GetPage(roomID, before, r.pageSize)
		r.publish(Update{Kind: MessagesChanged, RoomID: roomID})
		return nil
	})
	if err != nil {
		return HistoryPage{}, err
	}
	return out, nil
}

func (r *Router) cachedPage(ctx context.Context, roomID string, before *time.Time) []chat.Message {
	if r.deps.Cache == nil {
		return nil
	}
	msgs, err := r.deps.Cache.Page(ctx, roomID, before, r.pageSize)
	if err != nil {
		r.logger.Warn("cache page", "room", roomID, "error", err)
		return nil
	}
	return msgs
}

// CreateQuote offers a quote in a guide room. Only guides may create
// quotes and only one create per room may be in flight.
func (r *Router) CreateQuote(ctx context.Context, in chat.QuoteInput) (chat.Quote, error) {
	const op = "Router.CreateQuote"
	if err := in.Validate(); err != nil {
		return chat.Quote{}, err
	}
	var h *syncmap.Handle
	err := r.do(ctx, func(context.Context) error {
		room, ok := r.dir.Get(in.RoomID)
		if !ok {
			return roomNotFound(op, in.RoomID)
		}
		if room.Kind != chat.GuideRoom {
			return chat.E(op, chat.ErrInvalidState, errNotGuideRoom)
		}
		var err error
		h, err = r.neg.Begin(in.RoomID, r.id.Role)
		return err
	})
	if err != nil {
		return chat.Quote{}, err
	}
	defer h.Release()

	ack, err := r.conn.Request(ctx, proto.CreateQuote, proto.CreateQuotePayload{
		RoomID:     in.RoomID,
		Amount:     in.Amount,
		Currency:   in.Currency,
		Note:       in.Note,
		TTLSeconds: int64(in.TTL / time.Second),
	})
	if err != nil {
		return chat.Quote{}, err
	}
	var pl proto.QuotePayload
	if err := ack.DecodeData(&pl); err != nil {
		return chat.Quote{}, chat.E(op, chat.ErrUpstream, err)
	}

	var out chat.Quote
	err = r.do(context.WithoutCancel(ctx), func(context.Context) error {
		q, err := r.neg.Offer(pl.Quote)
		if err != nil {
			return err
		}
		out = q
		r.metrics.QuoteChanges.WithLabelValues(string(q.State)).Inc()
		r.publish(Update{Kind: QuoteChanged, RoomID: q.RoomID, Quote: &q})
		return nil
	})
	return out, err
}

// AcceptQuote accepts an offered quote. Only the client of the room may.
func (r *Router) AcceptQuote(ctx context.Context, quoteID string) (chat.Quote, error) {
	return r.resolveQuote(ctx, proto.AcceptQuote, quoteID, chat.QuoteAccepted)
}

// DeclineQuote declines an offered quote. Only the client of the room may.
func (r *Router) DeclineQuote(ctx context.Context, quoteID string) (chat.Quote, error) {
	return r.resolveQuote(ctx, proto.DeclineQuote, quoteID, chat.QuoteDeclined)
}

func (r *Router) resolveQuote(ctx context.Context, event, quoteID string, state chat.QuoteState) (chat.Quote, error) {
	var q chat.Quote
	err := r.do(ctx, func(context.Context) error {
		if err := r.neg.CanResolve(quoteID, r.id.Role); err != nil {
			if cur, ok := r.neg.Get(quoteID); ok && cur.State == chat.QuoteExpired {
				r.publish(Update{Kind: QuoteChanged, RoomID: cur.RoomID, Quote: &cur})
			}
			return err
		}
		q, _ = r.neg.Get(quoteID)
		return nil
	})
	if err != nil {
		return chat.Quote{}, err
	}

	ack, err := r.conn.Request(ctx, event, proto.QuoteActionPayload{RoomID: q.RoomID, QuoteID: q.ID})
	if err != nil {
		return chat.Quote{}, err
	}
	settled := q
	var pl proto.QuotePayload
	if ack.DecodeData(&pl) == nil && pl.Quote.ID == quoteID {
		settled = pl.Quote
	}
	settled.State = state
	if settled.UpdatedAt.IsZero() {
		settled.UpdatedAt = r.now()
	}

	var out chat.Quote
	err = r.do(context.WithoutCancel(ctx), func(context.Context) error {
		var changed bool
		out, changed = r.neg.Apply(settled)
		if changed {
			r.metrics.QuoteChanges.WithLabelValues(string(out.State)).Inc()
			r.publish(Update{Kind: QuoteChanged, RoomID: out.RoomID, Quote: &out})
		}
		return nil
	})
	return out, err
}

// WatchPresence keeps the presence of a peer fresh until unwatched or the
// router stops.
func (r *Router) WatchPresence(ctx context.Context, userID string) error {
	if userID == "" {
		return chat.E("Router.WatchPresence", chat.ErrValidation, errors.New("user is required"))
	}
	return r.do(ctx, func(loop context.Context) error {
		r.pres.Subscribe(loop, userID)
		return nil
	})
}

func (r *Router) UnwatchPresence(userID string) {
	r.pres.Unsubscribe(userID)
}

// CheckPresence asks the server for the presence of a user right away.
func (r *Router) CheckPresence(ctx context.Context, userID string) chat.Presence {
	return r.pres.Check(ctx, userID)
}

// Rooms lists the rooms of the viewer under the session role.
func (r *Router) Rooms() []directory.Summary {
	return r.dir.List(r.id.Role)
}

func (r *Router) Room(roomID string) (chat.Room, bool) {
	return r.dir.Get(roomID)
}

// Messages returns the latest page of a room as currently stored.
func (r *Router) Messages(roomID string) []chat.Message {
	return r.store.GetPage(roomID, nil, r.pageSize)
}

// Quote returns the current quote of a room.
func (r *Router) Quote(roomID string) (chat.Quote, bool) {
	return r.neg.Current(roomID)
}

func (r *Router) Presence(userID string) chat.Presence {
	return r.pres.Get(userID)
}
