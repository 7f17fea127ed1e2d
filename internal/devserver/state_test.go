package devserver

import (
	"errors"
	"testing"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = session.Identity{UserID: "alice", Role: chat.Client, Name: "Alice"}
	gus    = session.Identity{UserID: "gus", Role: chat.Guide, Name: "Gus"}
	vera   = session.Identity{UserID: "vera", Role: chat.Vendor}
	carlos = session.Identity{UserID: "carlos", Role: chat.Client}
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestState(t *testing.T) (*state, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := newState(c.now)
	for _, id := range []session.Identity{alice, gus, vera, carlos} {
		s.addUser(id)
	}
	return s, c
}

func TestStartChat(t *testing.T) {
	s, _ := newTestState(t)

	t.Run("finds_existing_room", func(t *testing.T) {
		first, err := s.startChat(alice, proto.StartChatPayload{PeerID: gus.UserID, Kind: chat.GuideRoom})
		require.NoError(t, err)
		again, err := s.startChat(gus, proto.StartChatPayload{PeerID: alice.UserID, Kind: chat.GuideRoom})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.True(t, first.HasMember(alice.UserID, chat.Client))
		assert.True(t, first.HasMember(gus.UserID, chat.Guide))
	})

	t.Run("booking_opens_new_room", func(t *testing.T) {
		plain, err := s.startChat(alice, proto.StartChatPayload{PeerID: vera.UserID, Kind: chat.DirectRoom})
		require.NoError(t, err)
		booked, err := s.startChat(alice, proto.StartChatPayload{PeerID: vera.UserID, Kind: chat.DirectRoom, BookingID: "b1"})
		require.NoError(t, err)
		assert.NotEqual(t, plain.ID, booked.ID)
		assert.Equal(t, "b1", booked.BookingID)
	})

	t.Run("rejections", func(t *testing.T) {
		cases := []struct {
			name string
			by   session.Identity
			req  proto.StartChatPayload
			kind error
		}{
			{"group", alice, proto.StartChatPayload{PeerID: gus.UserID, Kind: chat.GroupRoom}, chat.ErrValidation},
			{"self", alice, proto.StartChatPayload{PeerID: alice.UserID, Kind: chat.DirectRoom}, chat.ErrValidation},
			{"unknown_peer", alice, proto.StartChatPayload{PeerID: "nobody", Kind: chat.DirectRoom}, chat.ErrNotFound},
			{"guide_room_without_guide", alice, proto.StartChatPayload{PeerID: carlos.UserID, Kind: chat.GuideRoom}, chat.ErrForbiddenRole},
		}
		for _, tc := range cases {
			_, err := s.startChat(tc.by, tc.req)
			assert.ErrorIs(t, err, tc.kind, tc.name)
		}
	})
}

func TestSend(t *testing.T) {
	s, c := newTestState(t)
	guideRoom, err := s.startChat(alice, proto.StartChatPayload{PeerID: gus.UserID, Kind: chat.GuideRoom})
	require.NoError(t, err)

	t.Run("resend_is_idempotent", func(t *testing.T) {
		req := proto.SendMessagePayload{RoomID: guideRoom.ID, ClientID: "c1", Text: "hi"}
		m, created, err := s.send(alice, proto.LocalGuideMessage, req)
		require.NoError(t, err)
		assert.True(t, created)
		again, created, err := s.send(alice, proto.LocalGuideMessage, req)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, m.ID, again.ID)
		assert.Len(t, s.messages[guideRoom.ID], 1)
		assert.Equal(t, "hi", s.rooms[guideRoom.ID].LastMessage.Text)
	})

	t.Run("event_must_match_role_and_kind", func(t *testing.T) {
		_, _, err := s.send(alice, proto.SendMessage, proto.SendMessagePayload{RoomID: guideRoom.ID, ClientID: "c2", Text: "x"})
		assert.ErrorIs(t, err, chat.ErrForbiddenRole)
		_, _, err = s.send(gus, proto.GuideSendMessage, proto.SendMessagePayload{RoomID: guideRoom.ID, ClientID: "c2", Text: "x"})
		assert.NoError(t, err)
	})

	t.Run("outsider_is_rejected", func(t *testing.T) {
		_, _, err := s.send(carlos, proto.LocalGuideMessage, proto.SendMessagePayload{RoomID: guideRoom.ID, ClientID: "c3", Text: "x"})
		assert.ErrorIs(t, err, chat.ErrForbiddenRole)
	})

	t.Run("empty_is_rejected", func(t *testing.T) {
		_, _, err := s.send(alice, proto.LocalGuideMessage, proto.SendMessagePayload{RoomID: guideRoom.ID, ClientID: "c4"})
		assert.ErrorIs(t, err, chat.ErrValidation)
	})

	t.Run("receipts_skip_own_messages", func(t *testing.T) {
		msgs := s.messages[guideRoom.ID]
		ids := []string{msgs[0].ID, msgs[1].ID}

		changed, err := s.mark(gus, guideRoom.ID, ids, false)
		require.NoError(t, err)
		assert.Equal(t, []string{msgs[0].ID}, changed)

		changed, err = s.mark(gus, guideRoom.ID, ids, true)
		require.NoError(t, err)
		assert.Equal(t, []string{msgs[0].ID}, changed)

		changed, err = s.mark(gus, guideRoom.ID, ids, true)
		require.NoError(t, err)
		assert.Empty(t, changed)
		assert.True(t, msgs[0].ReadBy.Has(gus.UserID))
	})

	t.Run("pages_backwards", func(t *testing.T) {
		for i := range 5 {
			c.t = c.t.Add(time.Second)
			_, _, err := s.send(alice, proto.LocalGuideMessage, proto.SendMessagePayload{
				RoomID: guideRoom.ID, ClientID: "p" + string(rune('a'+i)), Text: "page",
			})
			require.NoError(t, err)
		}
		all := s.messages[guideRoom.ID]
		require.Len(t, all, 7)

		page, more, err := s.page(alice, guideRoom.ID, 3, nil)
		require.NoError(t, err)
		assert.True(t, more)
		require.Len(t, page, 3)
		assert.Equal(t, all[6].ID, page[2].ID)

		cursor := page[0].CreatedAt
		page, more, err = s.page(alice, guideRoom.ID, 10, &cursor)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Len(t, page, 4)

		_, _, err = s.page(vera, guideRoom.ID, 10, nil)
		assert.ErrorIs(t, err, chat.ErrForbiddenRole)
	})
}

func TestQuotes(t *testing.T) {
	s, c := newTestState(t)
	room, err := s.startChat(alice, proto.StartChatPayload{PeerID: gus.UserID, Kind: chat.GuideRoom})
	require.NoError(t, err)
	direct, err := s.startChat(alice, proto.StartChatPayload{PeerID: vera.UserID, Kind: chat.DirectRoom})
	require.NoError(t, err)

	t.Run("only_guides_in_guide_rooms", func(t *testing.T) {
		_, err := s.createQuote(alice, proto.CreateQuotePayload{RoomID: room.ID, Amount: 10})
		assert.ErrorIs(t, err, chat.ErrForbiddenRole)
		_, err = s.createQuote(gus, proto.CreateQuotePayload{RoomID: direct.ID, Amount: 10})
		assert.Error(t, err)
	})

	t.Run("one_open_quote", func(t *testing.T) {
		q, err := s.createQuote(gus, proto.CreateQuotePayload{RoomID: room.ID, Amount: 120, Currency: "EUR", TTLSeconds: 60})
		require.NoError(t, err)
		assert.Equal(t, chat.QuoteOffered, q.State)
		assert.Equal(t, alice.UserID, q.ClientID)
		assert.Equal(t, c.t.Add(time.Minute), q.ExpiresAt)

		_, err = s.createQuote(gus, proto.CreateQuotePayload{RoomID: room.ID, Amount: 100})
		assert.ErrorIs(t, err, chat.ErrInvalidState)
	})

	t.Run("accept", func(t *testing.T) {
		q := *s.quotes[room.ID]
		_, _, err := s.resolveQuote(gus, proto.QuoteActionPayload{RoomID: room.ID, QuoteID: q.ID}, chat.QuoteAccepted)
		assert.ErrorIs(t, err, chat.ErrForbiddenRole)

		got, expired, err := s.resolveQuote(alice, proto.QuoteActionPayload{RoomID: room.ID, QuoteID: q.ID}, chat.QuoteAccepted)
		require.NoError(t, err)
		assert.False(t, expired)
		assert.Equal(t, chat.QuoteAccepted, got.State)

		_, _, err = s.resolveQuote(alice, proto.QuoteActionPayload{RoomID: room.ID, QuoteID: q.ID}, chat.QuoteDeclined)
		assert.ErrorIs(t, err, chat.ErrInvalidState)
	})

	t.Run("late_accept_expires", func(t *testing.T) {
		q, err := s.createQuote(gus, proto.CreateQuotePayload{RoomID: room.ID, Amount: 90, TTLSeconds: 30})
		require.NoError(t, err)
		c.t = c.t.Add(31 * time.Second)

		got, expired, err := s.resolveQuote(alice, proto.QuoteActionPayload{RoomID: room.ID, QuoteID: q.ID}, chat.QuoteAccepted)
		assert.ErrorIs(t, err, chat.ErrInvalidState)
		assert.True(t, expired)
		assert.Equal(t, chat.QuoteExpired, got.State)

		_, ok := s.expireQuote(q.ID)
		assert.False(t, ok)
	})
}

func TestCodeOf(t *testing.T) {
	code, _ := codeOf(nil)
	assert.Equal(t, proto.Success, code)
	code, _ = codeOf(chat.E("x", chat.ErrInvalidState, nil))
	assert.Equal(t, proto.InvalidState, code)
	code, msg := codeOf(errors.New("boom"))
	assert.Equal(t, proto.Internal, code)
	assert.Equal(t, "boom", msg)
}
