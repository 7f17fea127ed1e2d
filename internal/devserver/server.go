// Package devserver is an in-memory server of the chat protocol. It backs
// local development and end-to-end tests of the client core. Nothing is
// persisted.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/dispatch"
	"github.com/putto11262002/tripchat/pkg/logger"
	"github.com/putto11262002/tripchat/pkg/session"
)

const shutdownTimeout = 20 * time.Second

var errStarted = errors.New("server already started")

type Config struct {
	Addr string
	// Secret verifies session tokens.
	Secret []byte
	// AllowedOrigins lists the origins allowed by CORS and websocket
	// upgrades. "*" allows every origin.
	AllowedOrigins []string
}

type Server struct {
	cfg       Config
	hub       *hub
	apiPrefix string
	upgrader  websocket.Upgrader
	handler   http.Handler
	logger    *slog.Logger
	started   atomic.Bool
	// CleanUpFuncs are called after the server has shut down.
	CleanUpFuncs []func(ctx context.Context)
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		apiPrefix: "/api",
		logger:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "devserver"))
	s.hub = newHub(newState(time.Now), s.logger)
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.handler = s.routes()
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) routes() http.Handler {
	r := newRouter(s.logger)
	r.RegisterErrorMapper(chat.ErrNotFound, statusOf)
	r.RegisterErrorMapper(chat.ErrForbiddenRole, statusOf)
	r.RegisterErrorMapper(chat.ErrValidation, statusOf)
	r.RegisterErrorMapper(errStopped, func(error) JsonError {
		return NewJsonError(http.StatusServiceUnavailable, "server shutting down")
	})

	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	}))

	r.Router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	auth := JWTMiddleware(s.cfg.Secret)
	r.With(auth).Get("/ws", s.wsHandler)

	r.Route(s.apiPrefix, func(r *Router) {
		r.Get("/media/{publicID}", s.mediaHandler)

		api := r.With(auth)
		for _, role := range chat.Roles {
			ep := dispatch.DefaultRoles.Endpoints(role)
			api.Get(ep.HistoryPath+"/{roomID}/messages", s.historyHandler(role))
		}
		api.Get("/rooms/{roomID}", s.roomHandler)
		api.Post("/media", s.uploadHandler)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := s.identity(r)
	if err != nil {
		return err
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	c := newConn(ws, id, s.hub)
	if !s.hub.join(c) {
		ws.Close()
		return nil
	}
	go c.writeLoop()
	c.readLoop()
	return nil
}

// Start runs the hub until ctx is done. Handler only serves after Start.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errStarted
	}
	go s.hub.run(ctx)
	return nil
}

// Done is closed once the hub has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.hub.done
}

// ListenAndServe starts the hub and serves on the configured address until
// ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server started", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	for _, cf := range s.CleanUpFuncs {
		cf(shutdownCtx)
	}
	return nil
}

// AddUser registers a user so others can start chats with it before it
// ever connects.
func (s *Server) AddUser(ctx context.Context, id session.Identity) error {
	return s.hub.do(ctx, func(st *state) {
		st.addUser(id)
	})
}

// AddRoom creates a room, e.g. a trip group assigned with a package, and
// pushes it to the connected members. An empty id is generated.
func (s *Server) AddRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	var out chat.Room
	var rerr error
	if err := s.hub.do(ctx, func(st *state) {
		out, rerr = st.addRoom(room)
		if rerr == nil {
			s.hub.pushTo(st.members(out.ID), proto.RoomUpserted, proto.RoomPayload{Room: out})
		}
	}); err != nil {
		return chat.Room{}, err
	}
	return out, rerr
}
