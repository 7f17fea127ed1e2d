package devserver

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/session"
)

// DefaultQuoteTTL is the lifetime of quotes created without a ttl.
const DefaultQuoteTTL = 10 * time.Minute

var (
	errUnknownPeer     = errors.New("unknown peer")
	errGroupStart      = errors.New("group rooms are assigned, not started")
	errSelfChat        = errors.New("cannot start a chat with yourself")
	errGuidePair       = errors.New("guide rooms pair a client with a guide")
	errNotMember       = errors.New("not a member of the room")
	errWrongEvent      = errors.New("event not allowed for role in this room")
	errEmpty           = errors.New("message needs text or media")
	errNoClientID      = errors.New("missing client id")
	errOpenQuote       = errors.New("room already has an open quote")
	errNotGuideRoom    = errors.New("quotes only exist in guide rooms")
	errQuoteNotOpen    = errors.New("quote is not open")
	errQuoteSuperseded = errors.New("quote is not the current quote of the room")
)

type mediaFile struct {
	mimeType string
	data     []byte
}

// state is the whole in-memory world of the server. Only the hub goroutine
// touches it.
type state struct {
	users    map[string]chat.Participant
	rooms    map[string]*chat.Room
	messages map[string][]*chat.Message
	// sent indexes messages by room, sender and client id.
	sent     map[[3]string]*chat.Message
	quotes   map[string]*chat.Quote
	lastSeen map[string]time.Time
	media    map[string]mediaFile
	now      func() time.Time
}

func newState(now func() time.Time) *state {
	return &state{
		users:    make(map[string]chat.Participant),
		rooms:    make(map[string]*chat.Room),
		messages: make(map[string][]*chat.Message),
		sent:     make(map[[3]string]*chat.Message),
		quotes:   make(map[string]*chat.Quote),
		lastSeen: make(map[string]time.Time),
		media:    make(map[string]mediaFile),
		now:      now,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *state) addUser(id session.Identity) {
	p := chat.Participant{UserID: id.UserID, Role: id.Role, Name: id.Name}
	if cur, ok := s.users[id.UserID]; ok && p.Name == "" {
		p.Name = cur.Name
	}
	s.users[id.UserID] = p
}

func (s *state) addRoom(room chat.Room) (chat.Room, error) {
	if room.ID == "" {
		room.ID = newID()
	}
	if err := room.Validate(); err != nil {
		return chat.Room{}, err
	}
	for _, p := range room.Participants {
		if _, ok := s.users[p.UserID]; !ok {
			s.users[p.UserID] = p
		}
	}
	r := room.Clone()
	s.rooms[r.ID] = &r
	return r.Clone(), nil
}

// roomsOf lists the rooms a user takes part in, most recent first.
func (s *state) roomsOf(userID string) []chat.Room {
	var out []chat.Room
	for _, r := range s.rooms {
		if _, ok := r.Member(userID); ok {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b chat.Room) int {
		return lastAt(b).Compare(lastAt(a))
	})
	return out
}

func lastAt(r chat.Room) time.Time {
	if r.LastMessage == nil {
		return time.Time{}
	}
	return r.LastMessage.At
}

// contacts are the users sharing at least one room with userID.
func (s *state) contacts(userID string) []string {
	set := chat.UserSet{}
	for _, r := range s.rooms {
		if _, ok := r.Member(userID); !ok {
			continue
		}
		for _, p := range r.Participants {
			if p.UserID != userID {
				set.Add(p.UserID)
			}
		}
	}
	return set.Slice()
}

func (s *state) members(roomID string) []string {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// memberRoom returns the room when by takes part in it under its role.
func (s *state) memberRoom(op string, by session.Identity, roomID string) (*chat.Room, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, chat.E(op, chat.ErrNotFound, nil)
	}
	if !r.HasMember(by.UserID, by.Role) {
		return nil, chat.E(op, chat.ErrForbiddenRole, errNotMember)
	}
	return r, nil
}

// startChat finds or opens the room between by and the peer.
func (s *state) startChat(by session.Identity, req proto.StartChatPayload) (chat.Room, error) {
	const op = "startChat"
	switch {
	case req.Kind == chat.GroupRoom:
		return chat.Room{}, chat.E(op, chat.ErrValidation, errGroupStart)
	case !req.Kind.Valid():
		return chat.Room{}, chat.E(op, chat.ErrValidation, nil)
	case req.PeerID == by.UserID:
		return chat.Room{}, chat.E(op, chat.ErrValidation, errSelfChat)
	}
	peer, ok := s.users[req.PeerID]
	if !ok {
		return chat.Room{}, chat.E(op, chat.ErrNotFound, errUnknownPeer)
	}
	if req.Kind == chat.GuideRoom {
		roles := []chat.Role{by.Role, peer.Role}
		if !slices.Contains(roles, chat.Client) || !slices.Contains(roles, chat.Guide) {
			return chat.Room{}, chat.E(op, chat.ErrForbiddenRole, errGuidePair)
		}
	}

	bookingID := req.BookingID
	if bookingID == "" {
		bookingID = req.PostID
	}
	for _, r := range s.rooms {
		if r.Kind == req.Kind && r.BookingID == bookingID &&
			r.HasMember(by.UserID, by.Role) && r.HasMember(peer.UserID, peer.Role) {
			return r.Clone(), nil
		}
	}
	self := s.users[by.UserID]
	return s.addRoom(chat.Room{
		Kind:         req.Kind,
		Participants: []chat.Participant{self, peer},
		BookingID:    bookingID,
	})
}

// sendAllowed reports whether event is the send variant of role in a room
// of kind.
func sendAllowed(event string, role chat.Role, kind chat.RoomKind) bool {
	switch event {
	case proto.SendMessage:
		return role == chat.Client && kind != chat.GuideRoom
	case proto.LocalGuideMessage:
		return role == chat.Client && kind == chat.GuideRoom
	case proto.GuideSendMessage:
		return role == chat.Guide
	case proto.VendorSendMessage:
		return role == chat.Vendor
	}
	return false
}

// send stores a message. A resend under the same client id returns the
// stored message and false.
func (s *state) send(by session.Identity, event string, req proto.SendMessagePayload) (chat.Message, bool, error) {
	const op = "send"
	r, err := s.memberRoom(op, by, req.RoomID)
	if err != nil {
		return chat.Message{}, false, err
	}
	if !sendAllowed(event, by.Role, r.Kind) {
		return chat.Message{}, false, chat.E(op, chat.ErrForbiddenRole, errWrongEvent)
	}
	if req.ClientID == "" {
		return chat.Message{}, false, chat.E(op, chat.ErrValidation, errNoClientID)
	}
	if req.Text == "" && len(req.Media) == 0 {
		return chat.Message{}, false, chat.E(op, chat.ErrValidation, errEmpty)
	}

	key := [3]string{r.ID, by.UserID, req.ClientID}
	if m, ok := s.sent[key]; ok {
		return m.Clone(), false, nil
	}
	m := &chat.Message{
		ID:          newID(),
		ClientID:    req.ClientID,
		RoomID:      r.ID,
		SenderID:    by.UserID,
		SenderRole:  by.Role,
		Text:        req.Text,
		Media:       slices.Clone(req.Media),
		DeliveredTo: chat.UserSet{},
		ReadBy:      chat.UserSet{},
		CreatedAt:   s.now().UTC(),
	}
	s.messages[r.ID] = append(s.messages[r.ID], m)
	s.sent[key] = m
	r.LastMessage = &chat.Summary{Text: m.Preview(), At: m.CreatedAt}
	return m.Clone(), true, nil
}

// mark records receipts of by on messages sent by others and returns the
// ids that changed. Reading implies delivery.
func (s *state) mark(by session.Identity, roomID string, ids []string, read bool) ([]string, error) {
	if _, err := s.memberRoom("mark", by, roomID); err != nil {
		return nil, err
	}
	want := chat.NewUserSet(ids...)
	var changed []string
	for _, m := range s.messages[roomID] {
		if !want.Has(m.ID) || m.SenderID == by.UserID {
			continue
		}
		grew := m.DeliveredTo.Add(by.UserID)
		if read && m.ReadBy.Add(by.UserID) {
			grew = true
		}
		if grew {
			changed = append(changed, m.ID)
		}
	}
	return changed, nil
}

// page returns up to limit messages created before the cursor, oldest
// first, and whether older ones exist.
func (s *state) page(by session.Identity, roomID string, limit int, before *time.Time) ([]chat.Message, bool, error) {
	if _, err := s.memberRoom("page", by, roomID); err != nil {
		return nil, false, err
	}
	all := s.messages[roomID]
	end := len(all)
	if before != nil {
		end, _ = slices.BinarySearchFunc(all, *before, func(m *chat.Message, t time.Time) int {
			return m.CreatedAt.Compare(t)
		})
	}
	start := max(0, end-limit)
	out := make([]chat.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, m.Clone())
	}
	return out, start > 0, nil
}

func (s *state) createQuote(by session.Identity, req proto.CreateQuotePayload) (chat.Quote, error) {
	const op = "createQuote"
	if by.Role != chat.Guide {
		return chat.Quote{}, chat.E(op, chat.ErrForbiddenRole, nil)
	}
	r, err := s.memberRoom(op, by, req.RoomID)
	if err != nil {
		return chat.Quote{}, err
	}
	if r.Kind != chat.GuideRoom {
		return chat.Quote{}, chat.E(op, chat.ErrInvalidState, errNotGuideRoom)
	}
	if req.Amount <= 0 {
		return chat.Quote{}, chat.E(op, chat.ErrValidation, nil)
	}
	now := s.now().UTC()
	if cur, ok := s.quotes[r.ID]; ok && cur.State == chat.QuoteOffered && now.Before(cur.ExpiresAt) {
		return chat.Quote{}, chat.E(op, chat.ErrInvalidState, errOpenQuote)
	}
	client, _ := r.Peer(by.UserID)
	ttl := DefaultQuoteTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	q := &chat.Quote{
		ID:        newID(),
		RoomID:    r.ID,
		GuideID:   by.UserID,
		ClientID:  client.UserID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Note:      req.Note,
		ExpiresAt: now.Add(ttl),
		State:     chat.QuoteOffered,
		UpdatedAt: now,
	}
	s.quotes[r.ID] = q
	return *q, nil
}

// resolveQuote settles the open quote of a room. A quote past its deadline
// is expired first and the returned bool is true.
func (s *state) resolveQuote(by session.Identity, req proto.QuoteActionPayload, to chat.QuoteState) (chat.Quote, bool, error) {
	const op = "resolveQuote"
	if by.Role != chat.Client {
		return chat.Quote{}, false, chat.E(op, chat.ErrForbiddenRole, nil)
	}
	if _, err := s.memberRoom(op, by, req.RoomID); err != nil {
		return chat.Quote{}, false, err
	}
	q, ok := s.quotes[req.RoomID]
	if !ok {
		return chat.Quote{}, false, chat.E(op, chat.ErrNotFound, nil)
	}
	if q.ID != req.QuoteID {
		return chat.Quote{}, false, chat.E(op, chat.ErrInvalidState, errQuoteSuperseded)
	}
	if q.State != chat.QuoteOffered {
		return chat.Quote{}, false, chat.E(op, chat.ErrInvalidState, errQuoteNotOpen)
	}
	if e, ok := s.expireQuote(q.ID); ok {
		return e, true, chat.E(op, chat.ErrInvalidState, errQuoteNotOpen)
	}
	q.State = to
	q.UpdatedAt = s.now().UTC()
	return *q, false, nil
}

// expireQuote expires the quote when it is still offered past its deadline.
func (s *state) expireQuote(quoteID string) (chat.Quote, bool) {
	now := s.now().UTC()
	for _, q := range s.quotes {
		if q.ID != quoteID {
			continue
		}
		if q.State != chat.QuoteOffered || now.Before(q.ExpiresAt) {
			return chat.Quote{}, false
		}
		q.State = chat.QuoteExpired
		q.UpdatedAt = now
		return *q, true
	}
	return chat.Quote{}, false
}
