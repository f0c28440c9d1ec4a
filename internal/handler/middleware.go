package handler

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	requestIDKey
)

// HeaderUserID carries the caller when header identity is allowed.
const HeaderUserID = "X-User-ID"

// HeaderRequestID is echoed back on every response.
const HeaderRequestID = "X-Request-ID"

// WithUserID returns ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the authenticated user id, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// RequestID returns the request id assigned by the RequestID middleware.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// Authenticator resolves the caller from an HS256 bearer token whose sub
// claim is the user id.
type Authenticator struct {
	secret      []byte
	allowHeader bool
	admins      map[string]struct{}
}

// NewAuthenticator creates an Authenticator. With an empty secret only header
// identity can succeed, and only when allowHeader is set. admins are the user
// ids allowed on catalog, directory and maintenance routes.
func NewAuthenticator(secret string, allowHeader bool, admins ...string) *Authenticator {
	a := &Authenticator{secret: []byte(secret), allowHeader: allowHeader, admins: make(map[string]struct{}, len(admins))}
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			a.admins[id] = struct{}{}
		}
	}
	return a
}

// IsAdmin reports whether userID is a configured administrator.
func (a *Authenticator) IsAdmin(userID string) bool {
	_, ok := a.admins[userID]
	return ok
}

// RequireAdmin fails with PERMISSION_DENIED unless userID is an administrator.
func (a *Authenticator) RequireAdmin(userID string) error {
	if !a.IsAdmin(userID) {
		return errors.Forbidden("administrator access required")
	}
	return nil
}

// Identify returns the user id for an Authorization header value and an
// optional X-User-ID value.
func (a *Authenticator) Identify(authorization, headerUser string) (string, error) {
	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return a.parse(strings.TrimSpace(token))
	}
	if a.allowHeader && strings.TrimSpace(headerUser) != "" {
		return strings.TrimSpace(headerUser), nil
	}
	return "", errors.Unauthenticated("missing bearer token")
}

func (a *Authenticator) parse(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.Unauthenticated("bearer tokens are not accepted")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeUnauthenticated, "invalid bearer token")
	}
	if claims.Subject == "" {
		return "", errors.Unauthenticated("token has no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a usable identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Identify(r.Header.Get("Authorization"), r.Header.Get(HeaderUserID))
		if err != nil {
			respondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RequestIDMiddleware assigns a request id unless the client sent one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// LoggingMiddleware logs one line per request and counts it by route.
// m may be nil.
func LoggingMiddleware(log *logger.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			if m != nil {
				m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			}
			log.Info().
				Str("request_id", RequestID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// RecoveryMiddleware turns handler panics into a 500.
func RecoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.Error().
						Str("request_id", RequestID(r.Context())).
						Str("panic", fmt.Sprint(p)).
						Msg("Handler panicked")
					respondError(w, errors.Internal("internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
