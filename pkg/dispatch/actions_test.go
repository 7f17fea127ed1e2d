package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendOK(t *testing.T, id string, at time.Time) func(string, interface{}) (*proto.AckPayload, error) {
	return func(typ string, payload interface{}) (*proto.AckPayload, error) {
		p := payload.(proto.SendMessagePayload)
		return okAck(t, proto.SendMessageAck{MessageID: id, ClientID: p.ClientID, CreatedAt: at}), nil
	}
}

func photo(body string) chat.Upload {
	return chat.Upload{
		FileName: "beach.jpg",
		MimeType: "image/jpeg",
		Type:     chat.ImageMedia,
		Size:     int64(len(body)),
		Body:     bytes.NewReader([]byte(body)),
	}
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("confirmed", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(sendOK(t, "m1", at))

		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "  hi  "})
		require.NoError(t, err)
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, chat.SendConfirmed, m.State)
		assert.Equal(t, "hi", m.Text)
		assert.NotEmpty(t, m.ClientID)

		sent := f.conn.ofType(proto.SendMessage)
		require.Len(t, sent, 1)
		assert.Equal(t, m.ClientID, sent[0].Payload.(proto.SendMessagePayload).ClientID)
		assert.Equal(t, 1, f.store.Len(directRoom.ID))

		room, _ := f.dir.Get(directRoom.ID)
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, "hi", room.LastMessage.Text)
	})

	t.Run("guide_room_uses_guide_event", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, guideRoom)
		f.conn.onRequest(sendOK(t, "m1", at))

		_, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: guideRoom.ID, Text: "how much?"})
		require.NoError(t, err)
		assert.Len(t, f.conn.ofType(proto.LocalGuideMessage), 1)
		assert.Empty(t, f.conn.ofType(proto.SendMessage))
	})

	t.Run("role_selects_event", func(t *testing.T) {
		f := newFixture(t, asGuide, nil)
		f.withRoom(t, guideRoom)
		f.conn.onRequest(sendOK(t, "m1", at))

		_, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: guideRoom.ID, Text: "2000 THB"})
		require.NoError(t, err)
		assert.Len(t, f.conn.ofType(proto.GuideSendMessage), 1)
	})

	t.Run("invalid_input_emits_nothing", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)

		_, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "   "})
		require.ErrorIs(t, err, chat.ErrValidation)
		assert.Zero(t, f.conn.count())
		assert.Zero(t, f.store.Len(directRoom.ID))
	})

	t.Run("file_too_large", func(t *testing.T) {
		f := newFixture(t, asClient, nil, WithMaxFileSize(4))
		f.withRoom(t, directRoom)

		_, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Files: []chat.Upload{photo("too big")}})
		require.ErrorIs(t, err, chat.ErrValidation)
		assert.Zero(t, f.conn.count())
	})

	t.Run("unknown_room", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		_, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: "nope", Text: "hi"})
		require.ErrorIs(t, err, chat.ErrNotFound)
	})

	t.Run("not_a_member_under_role", func(t *testing.T) {
		f := newFixture(t, asGuide, nil)
		f.withRoom(t, directRoom)
		_, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.ErrorIs(t, err, chat.ErrForbiddenRole)
	})

	t.Run("timeout_fails_then_retry_confirms", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(func(string, interface{}) (*proto.AckPayload, error) {
			return nil, chat.E("Manager.Request", chat.ErrAckTimeout, nil)
		})

		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.ErrorIs(t, err, chat.ErrAckTimeout)
		assert.Equal(t, chat.SendFailed, m.State)
		assert.NotEmpty(t, m.FailReason)
		stored, ok := f.store.Get(directRoom.ID, m.ClientID)
		require.True(t, ok)
		assert.Equal(t, chat.SendFailed, stored.State)

		f.conn.onRequest(sendOK(t, "m1", at))
		retried, err := f.router.RetryMessage(ctx, directRoom.ID, m.ClientID)
		require.NoError(t, err)
		assert.Equal(t, "m1", retried.ID)
		assert.Equal(t, m.ClientID, retried.ClientID)
		assert.Equal(t, 1, f.store.Len(directRoom.ID))

		sent := f.conn.ofType(proto.SendMessage)
		require.Len(t, sent, 2)
		assert.Equal(t, sent[0].Payload.(proto.SendMessagePayload).ClientID, sent[1].Payload.(proto.SendMessagePayload).ClientID)
	})

	t.Run("cancelled_while_adding_fails_and_can_be_retried", func(t *testing.T) {
		cctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var armed atomic.Bool
		clock := func() time.Time {
			if armed.CompareAndSwap(true, false) {
				cancel()
			}
			return at
		}
		f := newFixture(t, asClient, nil, WithClock(clock), WithSweepInterval(time.Hour))
		f.withRoom(t, directRoom)
		f.conn.onRequest(sendOK(t, "m1", at))

		armed.Store(true)
		m, err := f.router.SendMessage(cctx, chat.MessageInput{RoomID: directRoom.ID, Text: "see you at the pier"})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, chat.SendFailed, m.State)
		assert.Empty(t, f.conn.ofType(proto.SendMessage))

		got, err := f.router.RetryMessage(ctx, directRoom.ID, m.ClientID)
		require.NoError(t, err)
		assert.Equal(t, chat.SendConfirmed, got.State)
		assert.Equal(t, "m1", got.ID)
	})

	t.Run("cancelled_before_send_adds_nothing", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.router.SendMessage(cctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, f.store.Len(directRoom.ID))
	})

	t.Run("retry_needs_failed_message", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(sendOK(t, "m1", at))
		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.NoError(t, err)

		_, err = f.router.RetryMessage(ctx, directRoom.ID, m.ClientID)
		require.ErrorIs(t, err, chat.ErrInvalidState)
	})

	t.Run("discard_failed", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(func(string, interface{}) (*proto.AckPayload, error) {
			return nil, chat.E("Manager.Request", chat.ErrConnection, nil)
		})
		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.ErrorIs(t, err, chat.ErrConnection)

		require.NoError(t, f.router.DiscardMessage(ctx, directRoom.ID, m.ClientID))
		assert.Zero(t, f.store.Len(directRoom.ID))
	})

	t.Run("rejected_ack", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(func(string, interface{}) (*proto.AckPayload, error) {
			ack := &proto.AckPayload{Code: proto.Forbidden, Error: "blocked"}
			return ack, ack.Err("Manager.Request")
		})
		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.ErrorIs(t, err, chat.ErrForbiddenRole)
		assert.Equal(t, chat.SendFailed, m.State)
	})

	t.Run("echo_before_ack_keeps_one_copy", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(func(typ string, payload interface{}) (*proto.AckPayload, error) {
			p := payload.(proto.SendMessagePayload)
			f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: chat.Message{
				ID: "m1", ClientID: p.ClientID, RoomID: p.RoomID, SenderID: userClient, Text: p.Text, CreatedAt: at,
			}})
			return okAck(t, proto.SendMessageAck{MessageID: "m1", ClientID: p.ClientID, CreatedAt: at}), nil
		})

		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "m1", m.ID)
		require.Eventually(t, func() bool {
			got, ok := f.store.Get(directRoom.ID, "m1")
			return ok && got.State == chat.SendConfirmed
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.store.Len(directRoom.ID))
	})

	t.Run("media_is_uploaded_before_send", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.onRequest(sendOK(t, "m1", at))

		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Files: []chat.Upload{photo("jpeg")}})
		require.NoError(t, err)
		require.Len(t, m.Media, 1)
		assert.NotEmpty(t, m.Media[0].URL)

		p := f.conn.ofType(proto.SendMessage)[0].Payload.(proto.SendMessagePayload)
		require.Len(t, p.Media, 1)
		assert.Equal(t, m.Media[0].URL, p.Media[0].URL)
		assert.Equal(t, "beach.jpg", p.Media[0].FileName)
	})

	t.Run("failed_upload_emits_nothing_and_retry_uploads_again", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.hist.set(func(h *fakeHistory) { h.uploadErr = chat.E("UploadMedia", chat.ErrUpstream, errors.New("503")) })

		m, err := f.router.SendMessage(ctx, chat.MessageInput{RoomID: directRoom.ID, Files: []chat.Upload{photo("jpeg")}})
		require.ErrorIs(t, err, chat.ErrUpstream)
		assert.Equal(t, chat.SendFailed, m.State)
		assert.Empty(t, f.conn.ofType(proto.SendMessage))

		f.hist.set(func(h *fakeHistory) { h.uploadErr = nil })
		f.conn.onRequest(sendOK(t, "m1", at))
		_, err = f.router.RetryMessage(ctx, directRoom.ID, m.ClientID)
		require.NoError(t, err)

		f.hist.set(func(h *fakeHistory) {
			require.Len(t, h.uploaded, 2)
			assert.Equal(t, "jpeg", string(h.uploaded[1]))
		})
	})
}

func TestReceipts(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	f := newFixture(t, asClient, nil)
	f.withRoom(t, directRoom)
	f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})
	f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m2", directRoom.ID, userVendor, now.Add(time.Second))})
	require.Eventually(t, func() bool { return f.store.Len(directRoom.ID) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, f.router.Rooms()[0].Unread)

	t.Run("mark_read_all_unseen", func(t *testing.T) {
		require.NoError(t, f.router.MarkRead(ctx, directRoom.ID))
		sent := f.conn.ofType(proto.MarkRead)
		require.Len(t, sent, 1)
		assert.ElementsMatch(t, []string{"m1", "m2"}, sent[0].Payload.(proto.ReceiptRequestPayload).MessageIDs)
		assert.Zero(t, f.router.Rooms()[0].Unread)
	})

	t.Run("nothing_new_emits_nothing", func(t *testing.T) {
		require.NoError(t, f.router.MarkRead(ctx, directRoom.ID))
		require.NoError(t, f.router.MarkRead(ctx, directRoom.ID, "m1"))
		assert.Len(t, f.conn.ofType(proto.MarkRead), 1)
	})

	t.Run("mark_delivered_explicit", func(t *testing.T) {
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: chat.Message{ID: "m3", RoomID: directRoom.ID, SenderID: userClient, Text: "mine", CreatedAt: now.Add(2 * time.Second)}})
		require.Eventually(t, func() bool { return f.store.Len(directRoom.ID) == 3 }, time.Second, 5*time.Millisecond)
		require.NoError(t, f.router.MarkDelivered(ctx, directRoom.ID, []string{"m3"}))
		require.NoError(t, f.router.MarkDelivered(ctx, directRoom.ID, []string{"m3"}))
		n := 0
		for _, p := range f.conn.ofType(proto.MarkDelivered) {
			if slices.Contains(p.Payload.(proto.ReceiptRequestPayload).MessageIDs, "m3") {
				n++
			}
		}
		assert.Equal(t, 1, n)
	})
}

func TestReceiptRetry(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	errDown := chat.E("Manager.Send", chat.ErrConnection, errors.New("connection down"))

	receiptsFor := func(f *fixture, event, id string) int {
		n := 0
		for _, p := range f.conn.ofType(event) {
			if slices.Contains(p.Payload.(proto.ReceiptRequestPayload).MessageIDs, id) {
				n++
			}
		}
		return n
	}
	unsent := func(t *testing.T, f *fixture) int {
		var n int
		require.NoError(t, f.router.do(ctx, func(context.Context) error {
			n = len(f.router.unsent)
			return nil
		}))
		return n
	}

	t.Run("failed_read_goes_out_with_the_next_mark", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})
		require.Eventually(t, func() bool { return receiptsFor(f, proto.MarkDelivered, "m1") == 1 }, time.Second, 5*time.Millisecond)

		f.conn.failSends(errDown)
		require.ErrorIs(t, f.router.MarkRead(ctx, directRoom.ID, "m1"), chat.ErrConnection)
		assert.Empty(t, f.conn.ofType(proto.MarkRead))

		f.conn.failSends(nil)
		require.NoError(t, f.router.MarkRead(ctx, directRoom.ID, "m1"))
		sent := f.conn.ofType(proto.MarkRead)
		require.Len(t, sent, 1)
		assert.Equal(t, []string{"m1"}, sent[0].Payload.(proto.ReceiptRequestPayload).MessageIDs)

		require.NoError(t, f.router.MarkRead(ctx, directRoom.ID, "m1"))
		assert.Len(t, f.conn.ofType(proto.MarkRead), 1)
		assert.Zero(t, unsent(t, f))
	})

	t.Run("failed_delivery_is_resent_on_reconnect", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.failSends(errDown)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})
		require.Eventually(t, func() bool { return unsent(t, f) == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, receiptsFor(f, proto.MarkDelivered, "m1"))

		f.conn.failSends(nil)
		f.conn.push(t, proto.ConnectionReady, nil)
		require.Eventually(t, func() bool { return receiptsFor(f, proto.MarkDelivered, "m1") == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, unsent(t, f))
	})

	t.Run("reset_forgets_unsent", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.failSends(errDown)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})
		require.Eventually(t, func() bool { return unsent(t, f) == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, f.router.Reset(ctx))
		assert.Zero(t, unsent(t, f))
	})
}

func TestLoadHistory(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	var history []chat.Message
	for i := 0; i < 5; i++ {
		history = append(history, peerMessage(string(rune('a'+i)), directRoom.ID, userVendor, base.Add(time.Duration(i)*time.Second)))
	}

	openCache := func(t *testing.T) *store.SQLiteCache {
		c, err := store.OpenSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}

	t.Run("pages_backwards_and_caches", func(t *testing.T) {
		cache := openCache(t)
		f := newFixture(t, asClient, cache, WithPageSize(3))
		f.withRoom(t, directRoom)
		f.hist.set(func(h *fakeHistory) { h.pages[directRoom.ID] = history })

		page, err := f.router.LoadHistory(ctx, directRoom.ID, nil)
		require.NoError(t, err)
		assert.True(t, page.HasMore)
		assert.False(t, page.FromCache)
		require.Len(t, page.Messages, 3)
		assert.Equal(t, "c", page.Messages[0].ID)

		cursor := page.Messages[0].CreatedAt
		older, err := f.router.LoadHistory(ctx, directRoom.ID, &cursor)
		require.NoError(t, err)
		assert.False(t, older.HasMore)
		require.Len(t, older.Messages, 2)
		assert.Equal(t, "a", older.Messages[0].ID)
		assert.Equal(t, 5, f.store.Len(directRoom.ID))

		require.Eventually(t, func() bool {
			got, err := cache.Page(ctx, directRoom.ID, nil, 10)
			return err == nil && len(got) == 5
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("falls_back_to_cache", func(t *testing.T) {
		cache := openCache(t)
		require.NoError(t, cache.Save(ctx, history...))
		f := newFixture(t, asClient, cache, WithPageSize(3))
		f.withRoom(t, directRoom)
		f.hist.set(func(h *fakeHistory) { h.fetchErr = chat.E("FetchMessages", chat.ErrUpstream, errors.New("502")) })

		page, err := f.router.LoadHistory(ctx, directRoom.ID, nil)
		require.NoError(t, err)
		assert.True(t, page.FromCache)
		require.Len(t, page.Messages, 3)
		assert.Equal(t, "e", page.Messages[2].ID)
		u := f.waitFor(t, Notice)
		require.ErrorIs(t, u.Err, chat.ErrUpstream)
	})

	t.Run("upstream_failure_without_cache", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.hist.set(func(h *fakeHistory) { h.fetchErr = chat.E("FetchMessages", chat.ErrUpstream, errors.New("502")) })

		_, err := f.router.LoadHistory(ctx, directRoom.ID, nil)
		require.ErrorIs(t, err, chat.ErrUpstream)
	})
}

func TestStartChat(t *testing.T) {
	ctx := context.Background()

	t.Run("adds_room", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.conn.onRequest(func(typ string, payload interface{}) (*proto.AckPayload, error) {
			return okAck(t, proto.RoomPayload{Room: directRoom}), nil
		})
		room, err := f.router.StartChat(ctx, proto.StartChatPayload{PeerID: userVendor, Kind: chat.DirectRoom})
		require.NoError(t, err)
		assert.Equal(t, directRoom.ID, room.ID)
		assert.Len(t, f.conn.ofType(proto.StartChat), 1)
		require.Len(t, f.router.Rooms(), 1)
	})

	t.Run("event_follows_role", func(t *testing.T) {
		f := newFixture(t, asGuide, nil)
		f.conn.onRequest(func(string, interface{}) (*proto.AckPayload, error) {
			return okAck(t, proto.RoomPayload{Room: guideRoom}), nil
		})
		_, err := f.router.StartChat(ctx, proto.StartChatPayload{PeerID: userClient, Kind: chat.GuideRoom})
		require.NoError(t, err)
		assert.Len(t, f.conn.ofType(proto.GuideStartChat), 1)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		_, err := f.router.StartChat(ctx, proto.StartChatPayload{PeerID: userClient, Kind: chat.DirectRoom})
		require.ErrorIs(t, err, chat.ErrValidation)
		_, err = f.router.StartChat(ctx, proto.StartChatPayload{PeerID: userVendor, Kind: "party"})
		require.ErrorIs(t, err, chat.ErrValidation)
		assert.Zero(t, f.conn.count())
	})
}

func TestQuotes(t *testing.T) {
	ctx := context.Background()
	offered := func(id string, ttl time.Duration) chat.Quote {
		return chat.Quote{
			ID: id, RoomID: guideRoom.ID, GuideID: userGuide, ClientID: userClient,
			Amount: 2500, Currency: "THB", ExpiresAt: time.Now().Add(ttl), State: chat.QuoteOffered,
		}
	}

	t.Run("guide_creates_once", func(t *testing.T) {
		f := newFixture(t, asGuide, nil)
		f.withRoom(t, guideRoom)
		f.conn.onRequest(func(string, interface{}) (*proto.AckPayload, error) {
			return okAck(t, proto.QuotePayload{Quote: offered("q1", time.Hour)}), nil
		})

		q, err := f.router.CreateQuote(ctx, chat.QuoteInput{RoomID: guideRoom.ID, Amount: 2500, Currency: "THB", TTL: time.Hour})
		require.NoError(t, err)
		assert.Equal(t, chat.QuoteOffered, q.State)
		req := f.conn.ofType(proto.CreateQuote)[0].Payload.(proto.CreateQuotePayload)
		assert.Equal(t, int64(3600), req.TTLSeconds)

		_, err = f.router.CreateQuote(ctx, chat.QuoteInput{RoomID: guideRoom.ID, Amount: 3000})
		require.ErrorIs(t, err, chat.ErrInvalidState)
		assert.Len(t, f.conn.ofType(proto.CreateQuote), 1)
	})

	t.Run("client_cannot_create", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, guideRoom)
		_, err := f.router.CreateQuote(ctx, chat.QuoteInput{RoomID: guideRoom.ID, Amount: 10})
		require.ErrorIs(t, err, chat.ErrForbiddenRole)
		assert.Zero(t, f.conn.count())
	})

	t.Run("only_in_guide_rooms", func(t *testing.T) {
		f := newFixture(t, asGuide, nil)
		room := directRoom.Clone()
		room.Participants[1] = chat.Participant{UserID: userGuide, Role: chat.Guide}
		f.withRoom(t, room)
		_, err := f.router.CreateQuote(ctx, chat.QuoteInput{RoomID: room.ID, Amount: 10})
		require.ErrorIs(t, err, chat.ErrInvalidState)
	})

	t.Run("client_accepts", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, guideRoom)
		f.conn.push(t, proto.QuoteCreated, proto.QuotePayload{Quote: offered("q1", time.Hour)})
		require.Eventually(t, func() bool {
			q, ok := f.router.Quote(guideRoom.ID)
			return ok && q.State == chat.QuoteOffered
		}, time.Second, 5*time.Millisecond)

		q, err := f.router.AcceptQuote(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, chat.QuoteAccepted, q.State)
		assert.Len(t, f.conn.ofType(proto.AcceptQuote), 1)

		_, err = f.router.DeclineQuote(ctx, "q1")
		require.ErrorIs(t, err, chat.ErrInvalidState)
		assert.Empty(t, f.conn.ofType(proto.DeclineQuote))
	})

	t.Run("guide_cannot_accept", func(t *testing.T) {
		f := newFixture(t, asGuide, nil)
		f.withRoom(t, guideRoom)
		f.conn.push(t, proto.QuoteCreated, proto.QuotePayload{Quote: offered("q1", time.Hour)})
		require.Eventually(t, func() bool { return f.neg.State(guideRoom.ID) == chat.QuoteOffered }, time.Second, 5*time.Millisecond)

		_, err := f.router.AcceptQuote(ctx, "q1")
		require.ErrorIs(t, err, chat.ErrForbiddenRole)
	})

	t.Run("expires_on_the_local_clock", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, guideRoom)
		f.conn.push(t, proto.QuoteCreated, proto.QuotePayload{Quote: offered("q1", 30*time.Millisecond)})

		u := f.waitFor(t, QuoteChanged)
		assert.Equal(t, chat.QuoteOffered, u.Quote.State)
		u = f.waitFor(t, QuoteChanged)
		assert.Equal(t, chat.QuoteExpired, u.Quote.State)

		_, err := f.router.AcceptQuote(ctx, "q1")
		require.ErrorIs(t, err, chat.ErrInvalidState)
		assert.Empty(t, f.conn.ofType(proto.AcceptQuote))
	})

	t.Run("server_settlement_overrides_local_expiry", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, guideRoom)
		q := offered("q1", 20*time.Millisecond)
		f.conn.push(t, proto.QuoteCreated, proto.QuotePayload{Quote: q})
		require.Eventually(t, func() bool { return f.neg.State(guideRoom.ID) == chat.QuoteExpired }, time.Second, 5*time.Millisecond)

		f.conn.push(t, proto.QuoteAccepted, proto.QuotePayload{Quote: q})
		require.Eventually(t, func() bool { return f.neg.State(guideRoom.ID) == chat.QuoteAccepted }, time.Second, 5*time.Millisecond)

		f.conn.push(t, proto.QuoteCreated, proto.QuotePayload{Quote: q})
		f.withRoom(t, directRoom)
		assert.Equal(t, chat.QuoteAccepted, f.neg.State(guideRoom.ID))
	})

	t.Run("server_expiry_push", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, guideRoom)
		f.conn.push(t, proto.QuoteCreated, proto.QuotePayload{Quote: offered("q1", time.Hour)})
		f.conn.push(t, proto.QuoteExpired, proto.QuotePayload{Quote: offered("q1", time.Hour)})
		require.Eventually(t, func() bool { return f.neg.State(guideRoom.ID) == chat.QuoteExpired }, time.Second, 5*time.Millisecond)
		assert.Zero(t, f.neg.Offered(guideRoom.ID))
	})
}

func TestWatchPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, asClient, nil)
	seen := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	f.conn.onRequest(func(typ string, payload interface{}) (*proto.AckPayload, error) {
		p, ok := payload.(proto.CheckOnlinePayload)
		if !ok {
			return nil, fmt.Errorf("unexpected %s", typ)
		}
		data, err := json.Marshal(proto.OnlineStatus{UserID: p.UserID, Online: false, LastSeen: seen})
		if err != nil {
			return nil, err
		}
		return &proto.AckPayload{OK: true, Data: data}, nil
	})

	require.ErrorIs(t, f.router.WatchPresence(ctx, ""), chat.ErrValidation)
	require.NoError(t, f.router.WatchPresence(ctx, userVendor))
	require.Eventually(t, func() bool {
		return f.router.Presence(userVendor).Status == chat.PresenceOffline
	}, time.Second, 5*time.Millisecond)
	assert.True(t, seen.Equal(f.router.Presence(userVendor).LastSeen))
	assert.Equal(t, []string{userVendor}, f.pres.Subscribed())

	f.router.UnwatchPresence(userVendor)
	assert.Empty(t, f.pres.Subscribed())
}
