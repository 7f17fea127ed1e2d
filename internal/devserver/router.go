package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/session"
)

// JsonError is the body of every failed REST response. Its shape matches
// rest.ErrorResponse.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{Code: code, Err: err}
}

func (e JsonError) Error() string {
	return e.Err
}

var defaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// HandlerFunc handles a request and returns an error instead of writing a
// failed response itself.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper maps a go error to a response.
type ErrorMapper func(error) JsonError

type mapping struct {
	target error
	fn     ErrorMapper
}

// Router wraps chi.Router so handlers can return errors.
type Router struct {
	chi.Router
	mappers *[]mapping
	logger  *slog.Logger
}

func newRouter(logger *slog.Logger) *Router {
	return &Router{Router: chi.NewRouter(), mappers: &[]mapping{}, logger: logger}
}

// RegisterErrorMapper maps every error matching target with errors.Is.
// Mappers are tried in registration order.
func (a *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	*a.mappers = append(*a.mappers, mapping{target: target, fn: fn})
}

func (a *Router) mapError(err error) JsonError {
	var jsonErr JsonError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}
	for _, m := range *a.mappers {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		resError := a.mapError(err)
		a.logger.Debug("request failed",
			slog.String("path", r.URL.Path), slog.Int("status", resError.Code), slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resError.Code)
		json.NewEncoder(w).Encode(resError)
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(&Router{Router: r, mappers: a.mappers, logger: a.logger})
	})
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return &Router{Router: ch, mappers: a.mappers, logger: a.logger}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP statuses.
func statusOf(err error) JsonError {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return NewJsonError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrForbiddenRole):
		return NewJsonError(http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrValidation):
		return NewJsonError(http.StatusBadRequest, err.Error())
	default:
		return defaultError
	}
}

type identityKey struct{}

func withIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(session.Identity)
	return id, ok
}

// tokenOf reads the bearer token, falling back to the token query parameter
// used by browsers on websocket upgrades.
func tokenOf(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// JWTMiddleware rejects requests without a valid session token and puts the
// identity of the token into the request context.
func JWTMiddleware(secret []byte) Middleware {
	return func(next http.Handler) HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			token := tokenOf(r)
			if token == "" {
				return NewJsonError(http.StatusUnauthorized, "missing token")
			}
			claims, err := session.Verify(token, secret)
			if err != nil {
				return NewJsonError(http.StatusUnauthorized, err.Error())
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), claims.Identity())))
			return nil
		}
	}
}
