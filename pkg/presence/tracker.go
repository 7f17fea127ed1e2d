package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/logger"
	"github.com/putto11262002/tripchat/pkg/metrics"
	"github.com/putto11262002/tripchat/pkg/syncmap"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Requester emits an event and waits for its ack. *ws.Manager implements it.
type Requester interface {
	Request(ctx context.Context, t string, payload interface{}) (*proto.AckPayload, error)
}

// Tracker keeps the last known presence of peers. Push events are
// authoritative; point checks and the periodic re-check only reconcile
// missed pushes.
type Tracker struct {
	req      Requester
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onChange func(chat.Presence)
	now      func() time.Time

	inflight *syncmap.InFlight

	mu      sync.RWMutex
	records map[string]chat.Presence
	subs    map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Tracker)

// WithInterval sets the period of the re-check of subscribed users.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.interval = d
	}
}

// WithTimeout bounds a single point check.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.timeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithOnChange registers a callback invoked after a record changes status.
// It is called without any lock held, possibly from a check goroutine.
func WithOnChange(f func(chat.Presence)) Option {
	return func(t *Tracker) {
		t.onChange = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func New(req Requester, opts ...Option) *Tracker {
	t := &Tracker{
		req:      req,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		logger:   logger.Discard(),
		metrics:  metrics.Discard(),
		now:      time.Now,
		inflight: syncmap.NewInFlight(),
		records:  make(map[string]chat.Presence),
		subs:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the record of a user. Unknown users are PresenceUnknown.
func (t *Tracker) Get(userID string) chat.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[userID]; ok {
		return r
	}
	return chat.Presence{UserID: userID}
}

// IsOnline reports false for unknown and offline users.
func (t *Tracker) IsOnline(userID string) bool {
	return t.Get(userID).Online()
}

// HandleOnline applies a user_online push. A duplicate only refreshes LastSeen.
func (t *Tracker) HandleOnline(userID string, at time.Time) {
	t.set(userID, chat.PresenceOnline, at)
}

// HandleOffline applies a user_offline push. A duplicate only refreshes LastSeen.
func (t *Tracker) HandleOffline(userID string, at time.Time) {
	t.set(userID, chat.PresenceOffline, at)
}

func (t *Tracker) set(userID string, status chat.PresenceStatus, at time.Time) {
	if at.IsZero() {
		at = t.now()
	}
	t.mu.Lock()
	prev, ok := t.records[userID]
	next := chat.Presence{UserID: userID, Status: status, LastSeen: prev.LastSeen}
	if at.After(next.LastSeen) {
		next.LastSeen = at
	}
	t.records[userID] = next
	t.mu.Unlock()

	if (!ok || prev.Status != status) && t.onChange != nil {
		t.onChange(next)
	}
}

// MarkUnknown flips every record to unknown after the connection dropped.
// LastSeen is kept and no offline transition is reported.
func (t *Tracker) MarkUnknown() {
	var changed []chat.Presence
	t.mu.Lock()
	for id, r := range t.records {
		if r.Status == chat.PresenceUnknown {
			continue
		}
		r.Status = chat.PresenceUnknown
		t.records[id] = r
		changed = append(changed, r)
	}
	t.mu.Unlock()

	if t.onChange != nil {
		for _, r := range changed {
			t.onChange(r)
		}
	}
}

// Check asks the server whether userID is online. A check that gets no answer
// within the timeout marks the user offline. Only one check per user runs at a
// time; a concurrent call returns the current record.
func (t *Tracker) Check(ctx context.Context, userID string) chat.Presence {
	h, ok := t.inflight.TryAcquire(syncmap.Key("check_online", userID))
	if !ok {
		t.metrics.PresenceCheck.WithLabelValues("busy").Inc()
		return t.Get(userID)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	log := t.logger.With(slog.String("user_id", userID))
	ack, err := t.req.Request(ctx, proto.CheckOnline, proto.CheckOnlinePayload{UserID: userID})
	switch {
	case err == nil:
		var status proto.OnlineStatus
		if err := ack.DecodeData(&status); err != nil {
			log.Warn("invalid presence answer", slog.String("error", err.Error()))
			t.metrics.PresenceCheck.WithLabelValues("invalid").Inc()
			t.set(userID, chat.PresenceOffline, time.Time{})
			break
		}
		t.metrics.PresenceCheck.WithLabelValues("answered").Inc()
		if status.Online {
			t.set(userID, chat.PresenceOnline, t.now())
		} else {
			t.set(userID, chat.PresenceOffline, status.LastSeen)
		}
	case errors.Is(err, chat.ErrConnection), errors.Is(err, context.Canceled):
		// the connection manager reports the drop; the record stays as is
		t.metrics.PresenceCheck.WithLabelValues("disconnected").Inc()
	default:
		log.Debug("presence check failed, assuming offline", slog.String("error", err.Error()))
		t.metrics.PresenceCheck.WithLabelValues("timeout").Inc()
		t.markOffline(userID)
	}
	return t.Get(userID)
}

// markOffline records an offline status inferred from a failed check. LastSeen
// is not moved since the user was not seen.
func (t *Tracker) markOffline(userID string) {
	t.mu.Lock()
	prev, ok := t.records[userID]
	next := chat.Presence{UserID: userID, Status: chat.PresenceOffline, LastSeen: prev.LastSeen}
	t.records[userID] = next
	t.mu.Unlock()

	if (!ok || prev.Status != chat.PresenceOffline) && t.onChange != nil {
		t.onChange(next)
	}
}

// Subscribe checks userID right away and then every interval until
// Unsubscribe, Close or ctx cancellation. Subscribing twice is a no-op.
func (t *Tracker) Subscribe(ctx context.Context, userID string) {
	t.mu.Lock()
	if _, ok := t.subs[userID]; ok {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.subs[userID] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.watch(ctx, userID)
	}()
}

func (t *Tracker) watch(ctx context.Context, userID string) {
	t.Check(ctx, userID)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx, userID)
		}
	}
}

func (t *Tracker) Unsubscribe(userID string) {
	t.mu.Lock()
	cancel, ok := t.subs[userID]
	delete(t.subs, userID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Subscribed lists the users currently watched.
func (t *Tracker) Subscribed() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	return ids
}

// Resync re-checks every subscribed user. It is called after a reconnect.
func (t *Tracker) Resync(ctx context.Context) {
	for _, id := range t.Subscribed() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.Check(ctx, id)
		}()
	}
}

// Reset stops every subscription and forgets all records.
func (t *Tracker) Reset() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]context.CancelFunc)
	t.records = make(map[string]chat.Presence)
	t.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// Close stops every subscription and waits for the watchers to exit.
func (t *Tracker) Close() {
	t.Reset()
	t.wg.Wait()
}
