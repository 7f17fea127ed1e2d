// Package dispatch routes server pushes into the room state of one session
// and turns user actions into outbound events.
//
// A single loop goroutine owns every mutation: inbound packets, the results
// of user actions and the quote expiry ticker are applied one at a time.
// Network round trips of actions run on the caller's goroutine and post
// their outcome back onto the loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/directory"
	"github.com/putto11262002/tripchat/pkg/logger"
	"github.com/putto11262002/tripchat/pkg/metrics"
	"github.com/putto11262002/tripchat/pkg/negotiation"
	"github.com/putto11262002/tripchat/pkg/notify"
	"github.com/putto11262002/tripchat/pkg/presence"
	"github.com/putto11262002/tripchat/pkg/rest"
	"github.com/putto11262002/tripchat/pkg/session"
	"github.com/putto11262002/tripchat/pkg/store"
)

const DefaultSweepInterval = time.Second

var (
	ErrStopped = errors.New("router stopped")
	errRunning = errors.New("router already running")
)

// Conn is the connection the router talks through. *ws.Manager implements it.
type Conn interface {
	Send(ctx context.Context, t string, payload interface{}) error
	Request(ctx context.Context, t string, payload interface{}) (*proto.AckPayload, error)
	Receive() <-chan *proto.Packet
}

// History is the REST collaborator. *rest.Client implements it.
type History interface {
	FetchMessages(ctx context.Context, roomID string, limit int, before *time.Time) (rest.MessagesPage, error)
	FetchRoom(ctx context.Context, roomID string) (chat.Room, error)
	UploadMedia(ctx context.Context, files []chat.Upload) ([]chat.MediaAttachment, error)
}

// Cache persists confirmed messages between sessions. *store.SQLiteCache
// implements it.
type Cache interface {
	Save(ctx context.Context, msgs ...chat.Message) error
	Page(ctx context.Context, roomID string, before *time.Time, limit int) ([]chat.Message, error)
}

// Deps are the components the router drives. Cache and Notifier are optional.
type Deps struct {
	Conn        Conn
	History     History
	Store       *store.Store
	Directory   *directory.Directory
	Negotiation *negotiation.Machine
	Presence    *presence.Tracker
	Cache       Cache
	Notifier    notify.Notifier
}

// handler applies one inbound event. It runs on the loop.
type handler func(ctx context.Context, p *proto.Packet) error

type Router struct {
	id    session.Identity
	ep    Endpoints
	deps  Deps
	conn  Conn
	store *store.Store
	dir   *directory.Directory
	neg   *negotiation.Machine
	pres  *presence.Tracker

	handlers map[string]handler
	actions  chan func(ctx context.Context)
	updates  *broadcaster

	running    atomic.Bool
	done       chan struct{}
	background atomic.Bool
	connected  atomic.Bool
	// bg tracks goroutines started by the loop.
	bg sync.WaitGroup

	// uploads keeps the files of unconfirmed sends for retries. Loop owned.
	uploads map[string][]chat.Upload
	// fetching holds the rooms whose descriptor is being fetched. Loop owned.
	fetching map[string]bool
	// unsent holds receipts whose emit failed. Loop owned.
	unsent map[receiptKey]chat.UserSet

	sweep       time.Duration
	pageSize    int
	maxFileSize int64
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithSweepInterval sets how often offered quotes are checked for expiry.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.sweep = d
		}
	}
}

func WithPageSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxFileSize rejects larger uploads before anything is sent.
func WithMaxFileSize(n int64) Option {
	return func(r *Router) {
		r.maxFileSize = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithUpdateBuffer sets the buffer of each subscriber channel.
func WithUpdateBuffer(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.updates.size = n
		}
	}
}

// New builds the router of a session. It panics when the role has no entry
// in table or a required component is missing.
func New(id session.Identity, table RoleTable, deps Deps, opts ...Option) *Router {
	if deps.Conn == nil || deps.History == nil || deps.Store == nil ||
		deps.Directory == nil || deps.Negotiation == nil || deps.Presence == nil {
		panic("dispatch: missing component")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	r := &Router{
		id:       id,
		ep:       table.Endpoints(id.Role),
		deps:     deps,
		conn:     deps.Conn,
		store:    deps.Store,
		dir:      deps.Directory,
		neg:      deps.Negotiation,
		pres:     deps.Presence,
		handlers: make(map[string]handler),
		actions:  make(chan func(ctx context.Context)),
		updates:  &broadcaster{size: 64},
		done:     make(chan struct{}),
		uploads:  make(map[string][]chat.Upload),
		fetching: make(map[string]bool),
		unsent:   make(map[receiptKey]chat.UserSet),
		sweep:    DefaultSweepInterval,
		pageSize: store.DefaultPageSize,
		now:      time.Now,
		logger:   logger.Discard(),
		metrics:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "dispatch", "user", id.UserID, "role", id.Role)
	r.registerHandlers()
	return r
}

// on registers the handler of an event type. Registering a type twice is a
// programming error.
func (r *Router) on(t string, h handler) {
	if _, ok := r.handlers[t]; ok {
		panic(fmt.Sprintf("handler(%s): already exists", t))
	}
	r.handlers[t] = h
}

func (r *Router) registerHandlers() {
	r.on(proto.ConnectionReady, r.handleConnectionReady)
	r.on(proto.ConnectionLost, r.handleConnectionLost)
	r.on(proto.ChatReady, r.handleRoom)
	r.on(proto.RoomUpserted, r.handleRoom)
	r.on(proto.NewMessage, r.handleNewMessage)
	r.on(proto.MessagesDelivered, r.handleReceipts)
	r.on(proto.MessagesRead, r.handleReceipts)
	r.on(proto.QuoteCreated, r.handleQuote(chat.QuoteOffered))
	r.on(proto.QuoteAccepted, r.handleQuote(chat.QuoteAccepted))
	r.on(proto.QuoteDeclined, r.handleQuote(chat.QuoteDeclined))
	r.on(proto.QuoteExpired, r.handleQuote(chat.QuoteExpired))
	r.on(proto.UserOnline, r.handlePresence(true))
	r.on(proto.UserOffline, r.handlePresence(false))
}

// Subscribe returns a channel of state changes. It is closed when Run returns.
func (r *Router) Subscribe() <-chan Update {
	return r.updates.subscribe()
}

func (r *Router) publish(u Update) {
	r.updates.publish(u)
}

// PresenceChanged forwards a presence change to subscribers. It is meant to
// be passed to presence.WithOnChange and is safe on any goroutine.
func (r *Router) PresenceChanged(p chat.Presence) {
	r.publish(Update{Kind: PresenceChanged, Presence: &p})
}

// Connected reports whether the last connection event was a ready one.
func (r *Router) Connected() bool {
	return r.connected.Load()
}

// SetBackground switches notifications for peer messages on or off.
func (r *Router) SetBackground(on bool) {
	r.background.Store(on)
}

// Run is the loop of the session. It returns when ctx is cancelled or the
// inbound channel is closed.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errRunning
	}
	defer func() {
		close(r.done)
		r.bg.Wait()
		r.updates.close()
	}()

	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	in := r.conn.Receive()

	r.logger.Info("router started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopped")
			return nil
		case p, ok := <-in:
			if !ok {
				r.logger.Info("inbound closed, router stopped")
				return nil
			}
			r.dispatch(ctx, p)
		case fn := <-r.actions:
			fn(ctx)
		case <-ticker.C:
			r.expireDue()
		}
	}
}

func (r *Router) dispatch(ctx context.Context, p *proto.Packet) {
	h, ok := r.handlers[p.Type]
	if !ok {
		r.logger.Warn("no handler", "type", p.Type)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked", "type", p.Type, "panic", rec)
		}
	}()
	if err := h(ctx, p); err != nil {
		r.logger.Error("handling packet", "type", p.Type, "error", err)
	}
}

// do runs fn on the loop and waits for its result.
func (r *Router) do(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	select {
	case r.actions <- func(ctx context.Context) { res <- fn(ctx) }:
	case <-r.done:
		return chat.E("Router.do", chat.ErrConnection, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goBackground runs fn off the loop. fn must only touch loop state through do.
func (r *Router) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		fn(ctx)
	}()
}

func (r *Router) expireDue() {
	for _, q := range r.neg.ExpireDue(r.now()) {
		q := q
		r.metrics.QuoteChanges.WithLabelValues(string(q.State)).Inc()
		r.logger.Debug("quote expired locally", "quote", q.ID, "room", q.RoomID)
		r.publish(Update{Kind: QuoteChanged, RoomID: q.RoomID, Quote: &q})
	}
}

// Reset wipes all session state. It is used when the session is lost.
func (r *Router) Reset(ctx context.Context) error {
	return r.do(ctx, func(context.Context) error {
		r.store.Reset()
		r.dir.Reset()
		r.neg.Reset()
		r.pres.Reset()
		clear(r.uploads)
		clear(r.fetching)
		clear(r.unsent)
		r.publish(Update{Kind: RoomChanged})
		return nil
	})
}
