package store

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
)

const (
	DefaultPageSize = 20
	// DefaultEarlyLimit bounds the receipts held per room for messages that
	// have not arrived yet.
	DefaultEarlyLimit = 256
)

var (
	errNoClientID    = errors.New("pending message needs a client id")
	errDuplicateSend = errors.New("client id already in use")
	errNotPending    = errors.New("message is not pending")
	errNotFailed     = errors.New("message is not failed")
)

// receipts holds receipt events that arrived before their message.
type receipts struct {
	seq       uint64
	delivered chat.UserSet
	read      chat.UserSet
}

type room struct {
	// msgs is sorted by (CreatedAt, ID).
	msgs     []*chat.Message
	byID     map[string]*chat.Message
	byClient map[string]*chat.Message
	early    map[string]*receipts
	earlySeq uint64
	lastRead map[string]time.Time
}

func newRoom() *room {
	return &room{
		byID:     make(map[string]*chat.Message),
		byClient: make(map[string]*chat.Message),
		early:    make(map[string]*receipts),
		lastRead: make(map[string]time.Time),
	}
}

// Store is the per-room message log of a session. Messages are kept in
// (CreatedAt, ID) order and inserted at most once per id. Readers get copies.
type Store struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	pageSize   int
	earlyLimit int
}

type Option func(*Store)

// WithPageSize sets the page size used when GetPage is called without a limit.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithEarlyLimit sets how many unknown message ids per room may hold early
// receipts. The oldest entry is dropped when the limit is reached.
func WithEarlyLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.earlyLimit = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		rooms:      make(map[string]*room),
		pageSize:   DefaultPageSize,
		earlyLimit: DefaultEarlyLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) room(roomID string) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoom()
		s.rooms[roomID] = r
	}
	return r
}

// search returns the index of the first message not less than m.
func (r *room) search(m *chat.Message) int {
	return sort.Search(len(r.msgs), func(i int) bool {
		return !r.msgs[i].Less(m)
	})
}

func (r *room) insert(m *chat.Message) {
	i := r.search(m)
	r.msgs = slices.Insert(r.msgs, i, m)
	r.byID[m.ID] = m
	if m.ClientID != "" {
		r.byClient[m.ClientID] = m
	}
	r.applyEarly(m)
}

func (r *room) remove(m *chat.Message) {
	if i := slices.Index(r.msgs, m); i >= 0 {
		r.msgs = slices.Delete(r.msgs, i, i+1)
	}
	if r.byID[m.ID] == m {
		delete(r.byID, m.ID)
	}
	if m.ClientID != "" && r.byClient[m.ClientID] == m {
		delete(r.byClient, m.ClientID)
	}
}

// reposition moves m after its CreatedAt or ID changed. A message that is
// still in order keeps its position.
func (r *room) reposition(m *chat.Message) {
	i := slices.Index(r.msgs, m)
	if i < 0 {
		return
	}
	inOrder := (i == 0 || r.msgs[i-1].Less(m)) && (i == len(r.msgs)-1 || m.Less(r.msgs[i+1]))
	if inOrder {
		return
	}
	r.msgs = slices.Delete(r.msgs, i, i+1)
	r.msgs = slices.Insert(r.msgs, r.search(m), m)
}

func (r *room) applyEarly(m *chat.Message) {
	rc, ok := r.early[m.ID]
	if !ok {
		return
	}
	delete(r.early, m.ID)
	if m.DeliveredTo == nil {
		m.DeliveredTo = chat.UserSet{}
	}
	if m.ReadBy == nil {
		m.ReadBy = chat.UserSet{}
	}
	m.DeliveredTo.Union(rc.delivered)
	m.ReadBy.Union(rc.read)
}

// holdEarly returns the early receipts of id, making room for it by dropping
// the oldest entry when the room is at limit.
func (r *room) holdEarly(id string, limit int) *receipts {
	if rc, ok := r.early[id]; ok {
		return rc
	}
	if len(r.early) >= limit {
		var (
			oldest string
			seq    uint64
		)
		for k, rc := range r.early {
			if oldest == "" || rc.seq < seq {
				oldest, seq = k, rc.seq
			}
		}
		delete(r.early, oldest)
	}
	r.earlySeq++
	rc := &receipts{seq: r.earlySeq, delivered: chat.UserSet{}, read: chat.UserSet{}}
	r.early[id] = rc
	return rc
}

func (r *room) lookup(id string) (*chat.Message, bool) {
	if m, ok := r.byID[id]; ok {
		return m, true
	}
	m, ok := r.byClient[id]
	return m, ok
}

func normalize(m *chat.Message) {
	if m.DeliveredTo == nil {
		m.DeliveredTo = chat.UserSet{}
	}
	if m.ReadBy == nil {
		m.ReadBy = chat.UserSet{}
	}
}

// Append inserts a server message and reports whether the log grew. A
// message already stored under the same id only merges its receipts. A
// message echoing a local send by ClientID confirms that send in place.
func (s *Store) Append(msg chat.Message) bool {
	m := msg.Clone()
	m.State = chat.SendConfirmed
	m.FailReason = ""
	normalize(&m)

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(m.RoomID)

	if cur, ok := r.byID[m.ID]; ok {
		cur.DeliveredTo.Union(m.DeliveredTo)
		cur.ReadBy.Union(m.ReadBy)
		return false
	}
	if m.ClientID != "" {
		if cur, ok := r.byClient[m.ClientID]; ok {
			r.confirm(cur, m.ID, m.CreatedAt)
			cur.Media = m.Media
			cur.DeliveredTo.Union(m.DeliveredTo)
			cur.ReadBy.Union(m.ReadBy)
			return false
		}
	}
	r.insert(&m)
	return true
}

// AddPending inserts a locally created message. Its id is its ClientID until
// the server acknowledges it.
func (s *Store) AddPending(msg chat.Message) (chat.Message, error) {
	const op = "Store.AddPending"
	if msg.ClientID == "" {
		return chat.Message{}, chat.E(op, chat.ErrValidation, errNoClientID)
	}
	m := msg.Clone()
	m.ID = m.ClientID
	m.State = chat.SendPending
	normalize(&m)

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(m.RoomID)
	if _, ok := r.lookup(m.ClientID); ok {
		return chat.Message{}, chat.E(op, chat.ErrValidation, errDuplicateSend)
	}
	r.insert(&m)
	return m.Clone(), nil
}

func (r *room) confirm(m *chat.Message, serverID string, createdAt time.Time) {
	if other, ok := r.byID[serverID]; ok && other != m {
		// the echo was stored before the ack
		r.remove(other)
		m.DeliveredTo.Union(other.DeliveredTo)
		m.ReadBy.Union(other.ReadBy)
	}
	delete(r.byID, m.ID)
	m.ID = serverID
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	m.State = chat.SendConfirmed
	m.FailReason = ""
	r.byID[m.ID] = m
	r.reposition(m)
	r.applyEarly(m)
}

// Confirm reconciles a pending message with the id assigned by the server.
// Confirming an already confirmed message is a no-op.
func (s *Store) Confirm(roomID, clientID, serverID string, createdAt time.Time) (chat.Message, error) {
	const op = "Store.Confirm"
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	m, ok := r.byClient[clientID]
	if !ok {
		return chat.Message{}, chat.E(op, chat.ErrNotFound, fmt.Errorf("client id %q", clientID))
	}
	if m.State == chat.SendConfirmed {
		return m.Clone(), nil
	}
	r.confirm(m, serverID, createdAt)
	return m.Clone(), nil
}

// AttachMedia sets the uploaded attachments of a pending message.
func (s *Store) AttachMedia(roomID, clientID string, media []chat.MediaAttachment) error {
	const op = "Store.AttachMedia"
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.room(roomID).byClient[clientID]
	if !ok {
		return chat.E(op, chat.ErrNotFound, fmt.Errorf("client id %q", clientID))
	}
	if m.State != chat.SendPending {
		return chat.E(op, chat.ErrInvalidState, errNotPending)
	}
	m.Media = slices.Clone(media)
	return nil
}

// Fail marks a pending message failed. It stays in the log until retried or
// discarded.
func (s *Store) Fail(roomID, clientID string, cause error) error {
	const op = "Store.Fail"
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.room(roomID).byClient[clientID]
	if !ok {
		return chat.E(op, chat.ErrNotFound, fmt.Errorf("client id %q", clientID))
	}
	if m.State != chat.SendPending {
		return chat.E(op, chat.ErrInvalidState, errNotPending)
	}
	m.State = chat.SendFailed
	m.FailReason = chat.Notice(cause)
	return nil
}

// Retry moves a failed message back to pending and returns it for resending.
func (s *Store) Retry(roomID, clientID string) (chat.Message, error) {
	const op = "Store.Retry"
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.room(roomID).byClient[clientID]
	if !ok {
		return chat.Message{}, chat.E(op, chat.ErrNotFound, fmt.Errorf("client id %q", clientID))
	}
	if m.State != chat.SendFailed {
		return chat.Message{}, chat.E(op, chat.ErrInvalidState, errNotFailed)
	}
	m.State = chat.SendPending
	m.FailReason = ""
	return m.Clone(), nil
}

// Discard removes a failed message.
func (s *Store) Discard(roomID, clientID string) error {
	const op = "Store.Discard"
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	m, ok := r.byClient[clientID]
	if !ok {
		return chat.E(op, chat.ErrNotFound, fmt.Errorf("client id %q", clientID))
	}
	if m.State != chat.SendFailed {
		return chat.E(op, chat.ErrInvalidState, errNotFailed)
	}
	r.remove(m)
	return nil
}

// GetPage returns up to limit messages in ascending order. Without a cursor
// it returns the most recent ones, with a cursor the ones created strictly
// before it.
func (s *Store) GetPage(roomID string, before *time.Time, limit int) []chat.Message {
	if limit <= 0 {
		limit = s.pageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	end := len(r.msgs)
	if before != nil {
		end = sort.Search(len(r.msgs), func(i int) bool {
			return !r.msgs[i].CreatedAt.Before(*before)
		})
	}
	start := max(0, end-limit)
	page := make([]chat.Message, 0, end-start)
	for _, m := range r.msgs[start:end] {
		page = append(page, m.Clone())
	}
	return page
}

func (s *Store) mark(roomID string, ids []string, userID string, read bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	var changed []string
	for _, id := range ids {
		m, ok := r.lookup(id)
		if !ok {
			rc := r.holdEarly(id, s.earlyLimit)
			if read {
				rc.read.Add(userID)
			} else {
				rc.delivered.Add(userID)
			}
			continue
		}
		set := m.DeliveredTo
		if read {
			set = m.ReadBy
		}
		if set.Add(userID) {
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// MarkDelivered adds userID to the delivered set of each message and returns
// the ids whose set grew. Receipts for unknown ids are kept until the
// message arrives, up to the early limit of the room, or until the room is
// evicted.
func (s *Store) MarkDelivered(roomID string, ids []string, userID string) []string {
	return s.mark(roomID, ids, userID, false)
}

// MarkRead adds userID to the read set of each message and returns the ids
// whose set grew.
func (s *Store) MarkRead(roomID string, ids []string, userID string) []string {
	return s.mark(roomID, ids, userID, true)
}

// Get finds a message by server id or by client id.
func (s *Store) Get(roomID, id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return chat.Message{}, false
	}
	m, ok := r.lookup(id)
	if !ok {
		return chat.Message{}, false
	}
	return m.Clone(), true
}

func (s *Store) Latest(roomID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok || len(r.msgs) == 0 {
		return chat.Message{}, false
	}
	return r.msgs[len(r.msgs)-1].Clone(), true
}

func (s *Store) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.msgs)
}

// SetLastRead moves the read marker of viewer forward. It never moves back.
func (s *Store) SetLastRead(roomID, viewer string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	if !at.After(r.lastRead[viewer]) {
		return false
	}
	r.lastRead[viewer] = at
	return true
}

func (s *Store) LastRead(roomID, viewer string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return time.Time{}
	}
	return r.lastRead[viewer]
}

// Unread counts messages of other senders created after the read marker of
// viewer.
func (s *Store) Unread(roomID, viewer string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	marker := r.lastRead[viewer]
	i := sort.Search(len(r.msgs), func(i int) bool {
		return r.msgs[i].CreatedAt.After(marker)
	})
	n := 0
	for _, m := range r.msgs[i:] {
		if m.SenderID != viewer {
			n++
		}
	}
	return n
}

// Unseen returns the ids of confirmed messages from other senders that
// viewer has not read yet.
func (s *Store) Unseen(roomID, viewer string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range r.msgs {
		if m.State == chat.SendConfirmed && m.SenderID != viewer && !m.ReadBy.Has(viewer) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Evict drops a room from memory.
func (s *Store) Evict(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// Reset drops every room.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*room)
}
