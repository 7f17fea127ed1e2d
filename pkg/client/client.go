// Package client assembles the chat core of one session: the connection
// manager, the local components and the dispatch router.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/directory"
	"github.com/putto11262002/tripchat/pkg/dispatch"
	"github.com/putto11262002/tripchat/pkg/logger"
	"github.com/putto11262002/tripchat/pkg/metrics"
	"github.com/putto11262002/tripchat/pkg/negotiation"
	"github.com/putto11262002/tripchat/pkg/notify"
	"github.com/putto11262002/tripchat/pkg/presence"
	"github.com/putto11262002/tripchat/pkg/rest"
	"github.com/putto11262002/tripchat/pkg/session"
	"github.com/putto11262002/tripchat/pkg/store"
	"github.com/putto11262002/tripchat/pkg/ws"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	URL    string
	APIURL string
	Token  string

	AckTimeout       time.Duration
	PresenceTimeout  time.Duration
	PresenceInterval time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration

	PageSize    int
	MaxFileSize int64

	// CacheFile enables the sqlite history cache.
	CacheFile string
	// NATSURL enables publishing notifications while backgrounded.
	NATSURL       string
	NotifySubject string
}

// Client is the chat core of one session. The embedded router carries every
// user action and the read side.
type Client struct {
	*dispatch.Router
	ID session.Identity

	manager  *ws.Manager
	presence *presence.Tracker
	closers  []func() error
	logger   *slog.Logger
}

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	roles      dispatch.RoleTable
	httpClient *http.Client
	dialer     ws.Dialer
	notifier   notify.Notifier
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithRoleTable(t dispatch.RoleTable) Option {
	return func(o *options) {
		o.roles = t
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithDialer(d ws.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithNotifier overrides the notifier built from Config.NATSURL.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// New reads the identity from the session token and wires the components.
// Nothing connects before Run.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := &options{
		logger:  logger.Discard(),
		metrics: metrics.Discard(),
		roles:   dispatch.DefaultRoles,
	}
	for _, opt := range opts {
		opt(o)
	}

	claims, err := session.Parse(cfg.Token)
	if err != nil {
		return nil, chat.E("client.New", chat.ErrValidation, err)
	}
	id := claims.Identity()
	c := &Client{ID: id, logger: o.logger}

	wsOpts := []ws.Option{ws.WithLogger(o.logger), ws.WithMetrics(o.metrics)}
	if o.dialer != nil {
		wsOpts = append(wsOpts, ws.WithDialer(o.dialer))
	}
	c.manager = ws.New(ws.Config{
		URL:           cfg.URL,
		Token:         cfg.Token,
		AckTimeout:    cfg.AckTimeout,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	}, wsOpts...)

	restOpts := []rest.Option{
		rest.WithLogger(o.logger),
		rest.WithHistoryPath(o.roles.Endpoints(id.Role).HistoryPath),
	}
	if o.httpClient != nil {
		restOpts = append(restOpts, rest.WithHTTPClient(o.httpClient))
	}
	history, err := rest.New(cfg.APIURL, cfg.Token, restOpts...)
	if err != nil {
		return nil, err
	}

	deps := dispatch.Deps{
		Conn:        c.manager,
		History:     history,
		Store:       store.New(store.WithPageSize(cfg.PageSize)),
		Negotiation: negotiation.New(),
		Notifier:    o.notifier,
	}
	deps.Directory = directory.New(id.UserID, deps.Store)

	presOpts := []presence.Option{
		presence.WithLogger(o.logger),
		presence.WithMetrics(o.metrics),
		presence.WithOnChange(func(p chat.Presence) { c.Router.PresenceChanged(p) }),
	}
	if cfg.PresenceInterval > 0 {
		presOpts = append(presOpts, presence.WithInterval(cfg.PresenceInterval))
	}
	if cfg.PresenceTimeout > 0 {
		presOpts = append(presOpts, presence.WithTimeout(cfg.PresenceTimeout))
	}
	c.presence = presence.New(c.manager, presOpts...)
	deps.Presence = c.presence

	if cfg.CacheFile != "" {
		cache, err := store.OpenSQLiteCache(cfg.CacheFile, nil)
		if err != nil {
			return nil, err
		}
		deps.Cache = cache
		c.closers = append(c.closers, cache.Close)
	}
	if deps.Notifier == nil && cfg.NATSURL != "" {
		n, err := notify.NewNATSNotifier(cfg.NATSURL, cfg.NotifySubject)
		if err != nil {
			c.close()
			return nil, err
		}
		deps.Notifier = n
		c.closers = append(c.closers, n.Close)
	}

	routerOpts := []dispatch.Option{
		dispatch.WithLogger(o.logger),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithMaxFileSize(cfg.MaxFileSize),
	}
	if cfg.PageSize > 0 {
		routerOpts = append(routerOpts, dispatch.WithPageSize(cfg.PageSize))
	}
	c.Router = dispatch.New(id, o.roles, deps, routerOpts...)
	return c, nil
}

// Run connects and applies traffic until ctx is done or the session is
// rejected. It returns ws.ErrUnauthorized in the latter case.
func (c *Client) Run(ctx context.Context) error {
	defer c.close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.manager.Run(ctx)
	})
	g.Go(func() error {
		return c.Router.Run(ctx)
	})
	err := g.Wait()
	c.presence.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

func (c *Client) close() {
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			c.logger.Warn("close", slog.String("error", err.Error()))
		}
	}
	c.closers = nil
}
