package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/directory"
	"github.com/putto11262002/tripchat/pkg/negotiation"
	"github.com/putto11262002/tripchat/pkg/notify"
	"github.com/putto11262002/tripchat/pkg/presence"
	"github.com/putto11262002/tripchat/pkg/rest"
	"github.com/putto11262002/tripchat/pkg/session"
	"github.com/putto11262002/tripchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userClient = "u-client"
	userGuide  = "u-guide"
	userVendor = "u-vendor"
)

var (
	asClient = session.Identity{UserID: userClient, Role: chat.Client}
	asGuide  = session.Identity{UserID: userGuide, Role: chat.Guide}

	guideRoom = chat.Room{
		ID:   "r-guide",
		Kind: chat.GuideRoom,
		Participants: []chat.Participant{
			{UserID: userClient, Role: chat.Client},
			{UserID: userGuide, Role: chat.Guide},
		},
	}
	directRoom = chat.Room{
		ID:   "r-direct",
		Kind: chat.DirectRoom,
		Participants: []chat.Participant{
			{UserID: userClient, Role: chat.Client},
			{UserID: userVendor, Role: chat.Vendor},
		},
	}
)

type sentPacket struct {
	Type    string
	Payload interface{}
}

type fakeConn struct {
	in chan *proto.Packet

	mu      sync.Mutex
	sent    []sentPacket
	sendErr error
	handle  func(t string, payload interface{}) (*proto.AckPayload, error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *proto.Packet, 64)}
}

func (c *fakeConn) record(t string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentPacket{Type: t, Payload: payload})
}

func (c *fakeConn) Send(_ context.Context, t string, payload interface{}) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.record(t, payload)
	return nil
}

// failSends makes Send fail with err until it is called with nil.
func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) Request(_ context.Context, t string, payload interface{}) (*proto.AckPayload, error) {
	c.record(t, payload)
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return &proto.AckPayload{OK: true}, nil
	}
	return h(t, payload)
}

func (c *fakeConn) Receive() <-chan *proto.Packet {
	return c.in
}

func (c *fakeConn) onRequest(h func(t string, payload interface{}) (*proto.AckPayload, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

func (c *fakeConn) ofType(t string) []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentPacket
	for _, p := range c.sent {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) push(t *testing.T, typ string, payload interface{}) {
	t.Helper()
	p, err := proto.NewPacket(typ, "", payload)
	require.NoError(t, err)
	c.in <- p
}

func okAck(t *testing.T, data interface{}) *proto.AckPayload {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return &proto.AckPayload{OK: true, Data: b}
}

type fakeHistory struct {
	mu        sync.Mutex
	rooms     map[string]chat.Room
	pages     map[string][]chat.Message
	fetchErr  error
	uploadErr error
	uploaded  [][]byte
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rooms: make(map[string]chat.Room), pages: make(map[string][]chat.Message)}
}

func (h *fakeHistory) FetchMessages(_ context.Context, roomID string, limit int, before *time.Time) (rest.MessagesPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fetchErr != nil {
		return rest.MessagesPage{}, h.fetchErr
	}
	var msgs []chat.Message
	for _, m := range h.pages[roomID] {
		if before == nil || m.CreatedAt.Before(*before) {
			msgs = append(msgs, m)
		}
	}
	more := len(msgs) > limit
	if more {
		msgs = msgs[len(msgs)-limit:]
	}
	return rest.MessagesPage{Messages: msgs, HasMore: more}, nil
}

func (h *fakeHistory) FetchRoom(_ context.Context, roomID string) (chat.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return chat.Room{}, chat.E("FetchRoom", chat.ErrUpstream, chat.ErrNotFound)
	}
	return room, nil
}

func (h *fakeHistory) UploadMedia(_ context.Context, files []chat.Upload) ([]chat.MediaAttachment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]chat.MediaAttachment, 0, len(files))
	for i, f := range files {
		b, err := io.ReadAll(f.Body)
		if err != nil {
			return nil, err
		}
		h.uploaded = append(h.uploaded, b)
		if h.uploadErr != nil {
			return nil, h.uploadErr
		}
		a := f.Attachment()
		a.URL = fmt.Sprintf("https://cdn.test/%d/%s", i, f.FileName)
		a.PublicID = fmt.Sprintf("pub-%d", i)
		out = append(out, a)
	}
	return out, nil
}

func (h *fakeHistory) set(f func(h *fakeHistory)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f(h)
}

type fixture struct {
	conn    *fakeConn
	hist    *fakeHistory
	store   *store.Store
	dir     *directory.Directory
	neg     *negotiation.Machine
	pres    *presence.Tracker
	notes   *notify.ChanNotifier
	router  *Router
	updates <-chan Update
}

func newFixture(t *testing.T, id session.Identity, cache Cache, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		conn:  newFakeConn(),
		hist:  newFakeHistory(),
		store: store.New(),
		neg:   negotiation.New(),
		notes: notify.NewChanNotifier(8),
	}
	f.dir = directory.New(id.UserID, f.store)
	var r *Router
	f.pres = presence.New(f.conn,
		presence.WithInterval(time.Hour),
		presence.WithOnChange(func(p chat.Presence) { r.PresenceChanged(p) }),
	)
	opts = append([]Option{WithSweepInterval(10 * time.Millisecond)}, opts...)
	r = New(id, DefaultRoles, Deps{
		Conn:        f.conn,
		History:     f.hist,
		Store:       f.store,
		Directory:   f.dir,
		Negotiation: f.neg,
		Presence:    f.pres,
		Cache:       cache,
		Notifier:    f.notes,
	}, opts...)
	f.router = r
	f.updates = r.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		f.pres.Close()
	})
	return f
}

func (f *fixture) withRoom(t *testing.T, room chat.Room) {
	t.Helper()
	f.conn.push(t, proto.ChatReady, proto.RoomPayload{Room: room})
	require.Eventually(t, func() bool {
		_, ok := f.dir.Get(room.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func (f *fixture) waitFor(t *testing.T, kind UpdateKind) Update {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case u := <-f.updates:
			if u.Kind == kind {
				return u
			}
		case <-timeout:
			t.Fatalf("no %s update", kind)
		}
	}
}

func peerMessage(id, roomID, sender string, at time.Time) chat.Message {
	return chat.Message{ID: id, RoomID: roomID, SenderID: sender, SenderRole: chat.Vendor, Text: "hello " + id, CreatedAt: at}
}

func TestRouter(t *testing.T) {
	t.Run("duplicate_handler_panics", func(t *testing.T) {
		r := New(asClient, DefaultRoles, Deps{
			Conn:        newFakeConn(),
			History:     newFakeHistory(),
			Store:       store.New(),
			Directory:   directory.New(userClient, nil),
			Negotiation: negotiation.New(),
			Presence:    presence.New(newFakeConn()),
		})
		require.Panics(t, func() {
			r.on(proto.NewMessage, r.handleNewMessage)
		})
	})

	t.Run("unknown_role_panics", func(t *testing.T) {
		require.Panics(t, func() {
			New(session.Identity{UserID: "x", Role: "admin"}, DefaultRoles, Deps{
				Conn:        newFakeConn(),
				History:     newFakeHistory(),
				Store:       store.New(),
				Directory:   directory.New("x", nil),
				Negotiation: negotiation.New(),
				Presence:    presence.New(newFakeConn()),
			})
		})
	})

	t.Run("runs_once", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		require.Eventually(t, func() bool { return f.router.running.Load() }, time.Second, 5*time.Millisecond)
		require.ErrorIs(t, f.router.Run(context.Background()), errRunning)
	})

	t.Run("unknown_event_is_ignored", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.conn.push(t, "bogus", nil)
		f.withRoom(t, directRoom)
	})

	t.Run("malformed_payload_does_not_stop_the_loop", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.conn.in <- &proto.Packet{Type: proto.NewMessage, Payload: json.RawMessage(`{"message":`)}
		f.withRoom(t, directRoom)
	})
}

func TestInbound(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("peer_message_is_marked_delivered", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})

		require.Eventually(t, func() bool { return len(f.conn.ofType(proto.MarkDelivered)) == 1 }, time.Second, 5*time.Millisecond)
		m, ok := f.store.Get(directRoom.ID, "m1")
		require.True(t, ok)
		assert.True(t, m.DeliveredTo.Has(userClient))
		req := f.conn.ofType(proto.MarkDelivered)[0].Payload.(proto.ReceiptRequestPayload)
		assert.Equal(t, []string{"m1"}, req.MessageIDs)

		room, _ := f.dir.Get(directRoom.ID)
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, "hello m1", room.LastMessage.Text)
	})

	t.Run("duplicate_push_is_idempotent", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		msg := peerMessage("m1", directRoom.ID, userVendor, now)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: msg})
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: msg})
		f.withRoom(t, guideRoom)
		assert.Equal(t, 1, f.store.Len(directRoom.ID))
		require.Eventually(t, func() bool { return len(f.conn.ofType(proto.MarkDelivered)) == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, f.conn.ofType(proto.MarkDelivered), 1)
	})

	t.Run("unknown_room_is_fetched", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.hist.set(func(h *fakeHistory) { h.rooms[directRoom.ID] = directRoom })
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})

		require.Eventually(t, func() bool {
			room, ok := f.dir.Get(directRoom.ID)
			return ok && room.Kind == chat.DirectRoom && !f.dir.Partial(directRoom.ID)
		}, time.Second, 5*time.Millisecond)
		room, _ := f.dir.Get(directRoom.ID)
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, 1, f.store.Len(directRoom.ID))
	})

	t.Run("unknown_room_keeps_placeholder_when_fetch_fails", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", "r-missing", userVendor, now)})

		require.Eventually(t, func() bool { return f.dir.Partial("r-missing") }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return f.router.do(context.Background(), func(context.Context) error {
				if f.router.fetching["r-missing"] {
					return fmt.Errorf("still fetching")
				}
				return nil
			}) == nil
		}, time.Second, 5*time.Millisecond)
		assert.True(t, f.dir.Partial("r-missing"))
		list := f.router.Rooms()
		require.Len(t, list, 1)
		assert.True(t, list[0].Partial)
		assert.Equal(t, 1, list[0].Unread)
	})

	t.Run("receipts", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: chat.Message{ID: "m1", RoomID: directRoom.ID, SenderID: userClient, Text: "hi", CreatedAt: now}})
		f.conn.push(t, proto.MessagesRead, proto.ReceiptPayload{RoomID: directRoom.ID, MessageIDs: []string{"m1"}, UserID: userVendor, At: now})

		u := f.waitFor(t, ReceiptsChanged)
		assert.Equal(t, []string{"m1"}, u.MessageIDs)
		m, _ := f.store.Get(directRoom.ID, "m1")
		assert.True(t, m.ReadBy.Has(userVendor))
	})

	t.Run("own_read_elsewhere_moves_marker", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now)})
		f.conn.push(t, proto.MessagesRead, proto.ReceiptPayload{RoomID: directRoom.ID, MessageIDs: []string{"m1"}, UserID: userClient, At: now})

		require.Eventually(t, func() bool { return f.store.LastRead(directRoom.ID, userClient).Equal(now) }, time.Second, 5*time.Millisecond)
		assert.Zero(t, f.store.Unread(directRoom.ID, userClient))
	})

	t.Run("background_notifies_on_peer_message", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		f.router.SetBackground(true)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: chat.Message{ID: "own", RoomID: directRoom.ID, SenderID: userClient, Text: "mine", CreatedAt: now}})
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, now.Add(time.Second))})

		select {
		case n := <-f.notes.C:
			assert.Equal(t, "m1", n.MessageID)
			assert.Equal(t, userClient, n.UserID)
			assert.Equal(t, "hello m1", n.Preview)
		case <-time.After(time.Second):
			t.Fatal("no notification")
		}

		f.router.SetBackground(false)
		f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m2", directRoom.ID, userVendor, now.Add(2*time.Second))})
		require.Eventually(t, func() bool { return f.store.Len(directRoom.ID) == 3 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, f.notes.C)
	})

	t.Run("presence_pushes", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.conn.push(t, proto.UserOnline, proto.PresencePayload{UserID: userVendor, At: now})

		u := f.waitFor(t, PresenceChanged)
		require.NotNil(t, u.Presence)
		assert.Equal(t, chat.PresenceOnline, u.Presence.Status)
		assert.True(t, f.router.Presence(userVendor).Online())

		f.conn.push(t, proto.ConnectionLost, nil)
		require.Eventually(t, func() bool {
			return f.router.Presence(userVendor).Status == chat.PresenceUnknown
		}, time.Second, 5*time.Millisecond)
		assert.False(t, f.router.Connected())
		assert.True(t, now.Equal(f.router.Presence(userVendor).LastSeen))
	})

	t.Run("connection_ready_resyncs_known_rooms", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		f.withRoom(t, directRoom)
		renamed := directRoom.Clone()
		renamed.Name = "Bangkok trip"
		f.hist.set(func(h *fakeHistory) {
			h.rooms[directRoom.ID] = renamed
			h.pages[directRoom.ID] = []chat.Message{peerMessage("missed", directRoom.ID, userVendor, now)}
		})
		f.conn.push(t, proto.ConnectionReady, nil)

		u := f.waitFor(t, ConnectionChanged)
		assert.True(t, u.Connected)
		require.Eventually(t, func() bool {
			_, ok := f.store.Get(directRoom.ID, "missed")
			return ok
		}, time.Second, 5*time.Millisecond)
		room, _ := f.dir.Get(directRoom.ID)
		assert.Equal(t, "Bangkok trip", room.Name)
		assert.True(t, f.router.Connected())
	})

	t.Run("invalid_room_is_rejected", func(t *testing.T) {
		f := newFixture(t, asClient, nil)
		bad := directRoom.Clone()
		bad.Participants = bad.Participants[:1]
		f.conn.push(t, proto.ChatReady, proto.RoomPayload{Room: bad})
		f.withRoom(t, guideRoom)
		_, ok := f.dir.Get(directRoom.ID)
		assert.False(t, ok)
	})
}

func TestReset(t *testing.T) {
	f := newFixture(t, asClient, nil)
	f.withRoom(t, directRoom)
	f.conn.push(t, proto.NewMessage, proto.MessagePayload{Message: peerMessage("m1", directRoom.ID, userVendor, time.Now())})
	require.Eventually(t, func() bool { return f.store.Len(directRoom.ID) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.router.Reset(context.Background()))
	assert.Empty(t, f.router.Rooms())
	assert.Zero(t, f.store.Len(directRoom.ID))
	assert.Zero(t, f.dir.Len())
}
