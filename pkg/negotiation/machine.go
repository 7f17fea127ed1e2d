// Package negotiation tracks the quote lifecycle of guide rooms.
//
// A quote moves from offered to exactly one of accepted, declined or expired.
// A room holds at most one offered quote at a time. The server is the system
// of record: its events override an expiry inferred from the local clock,
// but never reopen a settled quote.
package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/syncmap"
)

var (
	errOfferOpen       = errors.New("room already has an offered quote")
	errCreateInFlight  = errors.New("a quote is already being created for this room")
	errNotOffered      = errors.New("quote is no longer offered")
	errQuoteHasExpired = errors.New("quote has expired")
)

type entry struct {
	q chat.Quote
	// provisional is set when the quote was expired by the local clock only.
	provisional bool
}

type Machine struct {
	mu     sync.RWMutex
	quotes map[string]*entry
	// rooms maps a room to its most recent quote.
	rooms map[string]string

	inflight *syncmap.InFlight
	now      func() time.Time
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func New(opts ...Option) *Machine {
	m := &Machine{
		quotes:   make(map[string]*entry),
		rooms:    make(map[string]string),
		inflight: syncmap.NewInFlight(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// current returns the offered quote of a room, expiring it first when its
// deadline has passed.
func (m *Machine) current(roomID string, now time.Time) *entry {
	id, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	e := m.quotes[id]
	if e.q.State == chat.QuoteOffered && !now.Before(e.q.ExpiresAt) {
		m.expire(e, now)
	}
	return e
}

func (m *Machine) expire(e *entry, now time.Time) {
	e.q.State = chat.QuoteExpired
	e.q.UpdatedAt = now
	e.provisional = true
}

// Begin reserves quote creation for a room. The handle must be released once
// the create request has been answered.
func (m *Machine) Begin(roomID string, role chat.Role) (*syncmap.Handle, error) {
	const op = "Machine.Begin"
	if role != chat.Guide {
		return nil, chat.E(op, chat.ErrForbiddenRole, fmt.Errorf("%s cannot create quotes", role))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.current(roomID, m.now()); e != nil && e.q.State == chat.QuoteOffered {
		return nil, chat.E(op, chat.ErrInvalidState, errOfferOpen)
	}
	h, ok := m.inflight.TryAcquire(syncmap.Key("create_quote", roomID))
	if !ok {
		return nil, chat.E(op, chat.ErrInvalidState, errCreateInFlight)
	}
	return h, nil
}

// Offer records a newly created quote. It fails with ErrInvalidState while
// another quote of the room is offered, leaving the state unchanged.
func (m *Machine) Offer(q chat.Quote) (chat.Quote, error) {
	const op = "Machine.Offer"
	if q.State == chat.QuoteNone {
		q.State = chat.QuoteOffered
	}
	if q.State != chat.QuoteOffered {
		return chat.Quote{}, chat.E(op, chat.ErrValidation, fmt.Errorf("state %q", q.State))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.current(q.RoomID, m.now()); e != nil && e.q.State == chat.QuoteOffered && e.q.ID != q.ID {
		return chat.Quote{}, chat.E(op, chat.ErrInvalidState, errOfferOpen)
	}
	out, _ := m.apply(q)
	return out, nil
}

// CanResolve checks that role may accept or decline the quote right now. A
// quote past its deadline is expired on the spot.
func (m *Machine) CanResolve(quoteID string, role chat.Role) error {
	const op = "Machine.CanResolve"
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.resolvable(op, quoteID, role)
	return err
}

func (m *Machine) resolvable(op, quoteID string, role chat.Role) (*entry, error) {
	if role != chat.Client {
		return nil, chat.E(op, chat.ErrForbiddenRole, fmt.Errorf("%s cannot resolve quotes", role))
	}
	e, ok := m.quotes[quoteID]
	if !ok {
		return nil, chat.E(op, chat.ErrNotFound, fmt.Errorf("quote %q", quoteID))
	}
	if e.q.State != chat.QuoteOffered {
		return nil, chat.E(op, chat.ErrInvalidState, errNotOffered)
	}
	now := m.now()
	if !now.Before(e.q.ExpiresAt) {
		m.expire(e, now)
		return nil, chat.E(op, chat.ErrInvalidState, errQuoteHasExpired)
	}
	return e, nil
}

func (m *Machine) resolve(op, quoteID string, role chat.Role, state chat.QuoteState) (chat.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.resolvable(op, quoteID, role)
	if err != nil {
		return chat.Quote{}, err
	}
	e.q.State = state
	e.q.UpdatedAt = m.now()
	e.provisional = false
	return e.q, nil
}

// Accept settles an offered quote as accepted.
func (m *Machine) Accept(quoteID string, role chat.Role) (chat.Quote, error) {
	return m.resolve("Machine.Accept", quoteID, role, chat.QuoteAccepted)
}

// Decline settles an offered quote as declined.
func (m *Machine) Decline(quoteID string, role chat.Role) (chat.Quote, error) {
	return m.resolve("Machine.Decline", quoteID, role, chat.QuoteDeclined)
}

// Expire fires the clock based expiry of a quote. It reports false when the
// quote is not offered or its deadline has not passed.
func (m *Machine) Expire(quoteID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.quotes[quoteID]
	if !ok || e.q.State != chat.QuoteOffered || now.Before(e.q.ExpiresAt) {
		return false
	}
	m.expire(e, now)
	return true
}

// ExpireDue expires every offered quote whose deadline has passed and
// returns them.
func (m *Machine) ExpireDue(now time.Time) []chat.Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []chat.Quote
	for _, e := range m.quotes {
		if e.q.State == chat.QuoteOffered && !now.Before(e.q.ExpiresAt) {
			m.expire(e, now)
			expired = append(expired, e.q)
		}
	}
	return expired
}

// Apply merges a quote event from the server and reports whether the local
// state changed. Settled quotes never change again, except that a local
// clock expiry yields to the state the server settled on. An offered event
// for a new quote supersedes the older offer of the room.
func (m *Machine) Apply(q chat.Quote) (chat.Quote, bool) {
	if !q.State.Valid() || q.ID == "" {
		return q, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(q)
}

func (m *Machine) apply(q chat.Quote) (chat.Quote, bool) {
	if e, ok := m.quotes[q.ID]; ok {
		switch {
		case e.q.State.Terminal() && !e.provisional:
			return e.q, false
		case e.q.State.Terminal() && q.State == chat.QuoteOffered:
			return e.q, false
		case e.provisional:
			changed := e.q.State != q.State
			e.q = q
			e.provisional = false
			return e.q, changed
		default:
			changed := e.q != q
			e.q = q
			return e.q, changed
		}
	}

	now := m.now()
	if q.State == chat.QuoteOffered {
		if e := m.current(q.RoomID, now); e != nil && e.q.State == chat.QuoteOffered {
			m.expire(e, now)
		}
		m.rooms[q.RoomID] = q.ID
	} else if e := m.current(q.RoomID, now); e == nil || e.q.State.Terminal() {
		m.rooms[q.RoomID] = q.ID
	}
	m.quotes[q.ID] = &entry{q: q}
	return q, true
}

// Current returns the most recent quote of a room. A room without quotes
// reports false, i.e. QuoteNone.
func (m *Machine) Current(roomID string) (chat.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.current(roomID, m.now())
	if e == nil {
		return chat.Quote{}, false
	}
	return e.q, true
}

// State is the negotiation state of a room.
func (m *Machine) State(roomID string) chat.QuoteState {
	q, _ := m.Current(roomID)
	return q.State
}

func (m *Machine) Get(quoteID string) (chat.Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.quotes[quoteID]
	if !ok {
		return chat.Quote{}, false
	}
	return e.q, true
}

// Remaining is the countdown of an offered quote, zero otherwise.
func (m *Machine) Remaining(quoteID string, now time.Time) time.Duration {
	q, ok := m.Get(quoteID)
	if !ok {
		return 0
	}
	return q.Remaining(now)
}

// Offered counts offered quotes of a room. It is at most one.
func (m *Machine) Offered(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.quotes {
		if e.q.RoomID == roomID && e.q.State == chat.QuoteOffered {
			n++
		}
	}
	return n
}

func (m *Machine) Evict(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.quotes {
		if e.q.RoomID == roomID {
			delete(m.quotes, id)
		}
	}
	delete(m.rooms, roomID)
}

func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = make(map[string]*entry)
	m.rooms = make(map[string]string)
}
