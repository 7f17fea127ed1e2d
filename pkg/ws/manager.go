package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/logger"
	"github.com/putto11262002/tripchat/pkg/metrics"
	"github.com/putto11262002/tripchat/pkg/syncmap"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrUnauthorized is returned by Run when the server rejects the session
	// token. Reconnecting cannot recover from it.
	ErrUnauthorized = errors.New("session rejected")
	errRunning      = errors.New("manager already running")
)

type Config struct {
	// URL is the websocket endpoint, e.g. wss://api.example.com/ws.
	URL string
	// Token is the session token. It is sent as a bearer token and as the
	// token query parameter since browsers cannot set headers on upgrades.
	Token  string
	Header http.Header
	// AckTimeout bounds every Request.
	AckTimeout time.Duration
	// WriteWait is the time allowed to write a packet to the peer.
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration
	// ReconnectBase and ReconnectMax shape the exponential reconnect backoff.
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	InboundBuffer  int
	OutboundBuffer int
	// MaxMessageSize is the largest packet accepted from the server.
	MaxMessageSize int64
}

var DefaultConfig = Config{
	AckTimeout:     10 * time.Second,
	WriteWait:      10 * time.Second,
	PongWait:       60 * time.Second,
	ReconnectBase:  500 * time.Millisecond,
	ReconnectMax:   30 * time.Second,
	InboundBuffer:  256,
	OutboundBuffer: 64,
	MaxMessageSize: 1 << 20,
}

// pingPeriod must be less than PongWait.
func (c *Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultConfig.AckTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultConfig.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultConfig.PongWait
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultConfig.ReconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = max(DefaultConfig.ReconnectMax, c.ReconnectBase)
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = DefaultConfig.InboundBuffer
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = DefaultConfig.OutboundBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultConfig.MaxMessageSize
	}
}

// Dialer opens websocket connections. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type ackResult struct {
	ack *proto.AckPayload
	err error
}

// Manager owns the single connection of a session. It reconnects with
// exponential backoff, matches acks with requests and funnels every other
// packet into one inbound queue.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbound chan *proto.Packet
	pending *syncmap.Map[string, chan ackResult]

	mu      sync.RWMutex
	conn    *conn
	running atomic.Bool
	// attempts is only touched by the Run goroutine.
	attempts int
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func New(cfg Config, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		logger:  logger.Discard(),
		metrics: metrics.Discard(),
		pending: syncmap.New[string, chan ackResult](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.inbound = make(chan *proto.Packet, m.cfg.InboundBuffer)
	return m
}

// Receive returns the inbound queue. It is closed when Run returns.
func (m *Manager) Receive() <-chan *proto.Packet {
	return m.inbound
}

func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Run connects and keeps the connection alive until ctx is done. It returns
// nil on cancellation and ErrUnauthorized when the session is rejected.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errRunning
	}
	defer close(m.inbound)

	for {
		c, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.serve(ctx, c)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *Manager) endpoint() (string, http.Header, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", nil, fmt.Errorf("parse url: %w", err)
	}
	header := m.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if m.cfg.Token != "" {
		q := u.Query()
		q.Set("token", m.cfg.Token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	return u.String(), header, nil
}

func (m *Manager) dial(ctx context.Context) (*conn, error) {
	endpoint, header, err := m.endpoint()
	if err != nil {
		return nil, err
	}

	b := retry.NewExponential(m.cfg.ReconnectBase)
	b = retry.WithCappedDuration(m.cfg.ReconnectMax, b)
	b = retry.WithJitterPercent(10, b)

	var c *conn
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if m.attempts > 0 {
			m.metrics.Reconnects.Inc()
		}
		m.attempts++
		ws, res, err := m.dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
				return chat.E("Manager.dial", chat.ErrConnection, ErrUnauthorized)
			}
			m.logger.Warn("dial failed", slog.Int("attempt", m.attempts), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		c = newConn(ws, &m.cfg, m.logger.With(slog.Int("attempt", m.attempts)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) serve(ctx context.Context, c *conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	m.metrics.Connected.Set(1)
	m.logger.Info("connected")
	m.push(ctx, proto.Local(proto.ConnectionReady))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	c.readLoop(func(p *proto.Packet) { m.route(ctx, p) })
	wg.Wait()

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	m.metrics.Connected.Set(0)
	m.failPending()
	m.logger.Info("disconnected")
	m.push(ctx, proto.Local(proto.ConnectionLost))
}

func (m *Manager) push(ctx context.Context, p *proto.Packet) {
	select {
	case m.inbound <- p:
	case <-ctx.Done():
	}
}

func (m *Manager) route(ctx context.Context, p *proto.Packet) {
	m.metrics.PacketsIn.WithLabelValues(p.Type).Inc()
	if p.Type != proto.Ack {
		m.push(ctx, p)
		return
	}
	ch, ok := m.pending.LoadAndDelete(p.CorrelationID)
	if !ok {
		m.logger.Debug("ack without pending request", slog.String("correlation_id", p.CorrelationID))
		return
	}
	var ack proto.AckPayload
	if err := p.Decode(&ack); err != nil {
		ch <- ackResult{err: chat.E("Manager.route", chat.ErrUpstream, err)}
		return
	}
	ch <- ackResult{ack: &ack}
}

// failPending fails every request still waiting for an ack. It runs after
// the connection is gone, so no ack can arrive for them any more.
func (m *Manager) failPending() {
	for id, ch := range m.pending.Drain() {
		m.logger.Debug("failing pending request", slog.String("correlation_id", id))
		ch <- ackResult{err: chat.E("Manager.Request", chat.ErrConnection, nil)}
	}
}

func (m *Manager) write(ctx context.Context, op string, p *proto.Packet) error {
	m.mu.RLock()
	c := m.conn
	m.mu.RUnlock()
	if c == nil {
		return chat.E(op, chat.ErrConnection, nil)
	}
	select {
	case c.writeStream <- p:
		m.metrics.PacketsOut.WithLabelValues(p.Type).Inc()
		return nil
	case <-c.done:
		return chat.E(op, chat.ErrConnection, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send emits a fire-and-forget event.
func (m *Manager) Send(ctx context.Context, t string, payload interface{}) error {
	op := "Send(" + t + ")"
	p, err := proto.NewPacket(t, "", payload)
	if err != nil {
		return chat.E(op, chat.ErrValidation, err)
	}
	return m.write(ctx, op, p)
}

// Request emits an event and waits for its ack. It fails with ErrAckTimeout
// when no ack arrives within the configured timeout or before ctx's
// deadline, and with ErrConnection when the connection drops first. A
// rejected ack is returned together with the matching error.
func (m *Manager) Request(ctx context.Context, t string, payload interface{}) (*proto.AckPayload, error) {
	op := "Request(" + t + ")"
	id := proto.NewCorrelationID()
	p, err := proto.NewPacket(t, id, payload)
	if err != nil {
		return nil, chat.E(op, chat.ErrValidation, err)
	}

	ch := make(chan ackResult, 1)
	m.pending.Store(id, ch)
	if err := m.write(ctx, op, p); err != nil {
		m.pending.Delete(id)
		return nil, err
	}

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.ack, res.ack.Err(op)
	case <-timer.C:
		m.pending.Delete(id)
		m.metrics.AckTimeouts.Inc()
		return nil, chat.E(op, chat.ErrAckTimeout, nil)
	case <-ctx.Done():
		m.pending.Delete(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.metrics.AckTimeouts.Inc()
			return nil, chat.E(op, chat.ErrAckTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
