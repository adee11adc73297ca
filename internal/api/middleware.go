package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/auth"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/registry"
)

// SessionAuthenticator resolves operator session tokens. Implemented by
// auth.Gateway.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*database.Session, *database.User, error)
}

// AgentVerifier authenticates agent API keys and applies host binding.
// Implemented by registry.Registry.
type AgentVerifier interface {
	VerifyRequest(ctx context.Context, apiKey string, host registry.HostIdentity) (*database.Agent, error)
}

// PermissionChecker answers per-user grant lookups. Implemented by
// database.DB.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID int64, permission string) (bool, error)
}

type ctxKey int

const (
	ctxSession ctxKey = iota
	ctxUser
	ctxAgent
)

// SessionFrom returns the session resolved by SessionLoad, or nil.
func SessionFrom(ctx context.Context) *database.Session {
	s, _ := ctx.Value(ctxSession).(*database.Session)
	return s
}

// UserFrom returns the user resolved by SessionLoad, or nil.
func UserFrom(ctx context.Context) *database.User {
	u, _ := ctx.Value(ctxUser).(*database.User)
	return u
}

// AgentFrom returns the agent verified by AgentAuth, or nil.
func AgentFrom(ctx context.Context) *database.Agent {
	a, _ := ctx.Value(ctxAgent).(*database.Agent)
	return a
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			b := make([]byte, 8)
			rand.Read(b)
			id = hex.EncodeToString(b)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(log)
		accessLog := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration_ms", dur).
				Msg("request")
		})
		return h(accessLog(next))
	}
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				log := hlog.FromRequest(r)
				log.Error().Interface("panic", rv).Msg("recovered from panic")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error":"internal server error"}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSWithOrigins admits cross-origin browser clients. An empty allow list
// means any origin; otherwise allowed origins are echoed back and everything
// else is served without CORS headers (preflights for them are refused).
func CORSWithOrigins(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && (allowed["*"] || allowed[origin]):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			case origin != "" && r.Method == http.MethodOptions:
				w.WriteHeader(http.StatusForbidden)
				return
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "" {
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-CSRF-Token, X-Runner-MAC, X-Runner-Machine-ID, X-Runner-Hostname")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps the request body. Reads past the cap fail and surface as 413
// through WriteDecodeError.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies a fixed window per source IP.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			WriteErrorWithCode(w, http.StatusTooManyRequests, ErrRateLimited, "rate limit exceeded")
		}),
	)
}

// RateLimitMutations rate-limits everything except safe methods, so reads
// on the same router do not burn the mutation budget.
func RateLimitMutations(limit int, window time.Duration) func(http.Handler) http.Handler {
	limiter := RateLimit(limit, window)
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
			default:
				limited.ServeHTTP(w, r)
			}
		})
	}
}

// SessionLoad resolves the session cookie when present and stashes the
// session and user on the context. Failures leave the request anonymous;
// the gates below decide what anonymous means per route.
func SessionLoad(gw SessionAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookie)
			if err == nil && cookie.Value != "" {
				session, user, aerr := gw.Authenticate(r.Context(), cookie.Value)
				switch {
				case aerr == nil:
					ctx := context.WithValue(r.Context(), ctxSession, session)
					ctx = context.WithValue(ctx, ctxUser, user)
					r = r.WithContext(ctx)
				case !errors.Is(aerr, auth.ErrInvalidCredentials):
					hlog.FromRequest(r).Error().Err(aerr).Msg("session resolution failed")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession admits any live session, verified or not. The pre-verified
// endpoints (verify-totp, setup) sit behind this gate.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFrom(r.Context()) == nil {
			WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireVerified admits only sessions that passed the second factor.
func RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := SessionFrom(r.Context())
		if session == nil || !session.TOTPVerified {
			WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRF enforces the double-submit check on mutating verbs: the header must
// match the token minted with the session. Safe methods pass through.
func CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		session := SessionFrom(r.Context())
		if session == nil {
			WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
			return
		}
		header := r.Header.Get(auth.CSRFHeader)
		if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(session.CSRFToken)) != 1 {
			hlog.FromRequest(r).Warn().
				Str("event_type", "csrf_rejected").
				Str("ip", clientIP(r)).
				Str("user_agent", r.UserAgent()).
				Msg("csrf token mismatch")
			WriteErrorWithCode(w, http.StatusForbidden, ErrCSRFRejected, "csrf token mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRFIfSession applies the double-submit check only when the request rides
// a session. Bearer-authenticated agents have no cookie jar and are exempt.
func CSRFIfSession(next http.Handler) http.Handler {
	gated := CSRF(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFrom(r.Context()) == nil {
			next.ServeHTTP(w, r)
			return
		}
		gated.ServeHTTP(w, r)
	})
}

// RequirePermission gates a subtree on one named grant.
func RequirePermission(checker PermissionChecker, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFrom(r.Context())
			if user == nil {
				WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
				return
			}
			ok, err := checker.HasPermission(r.Context(), user.ID, permission)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("permission lookup failed")
				WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
				return
			}
			if !ok {
				WriteErrorWithCode(w, http.StatusForbidden, ErrForbidden, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AgentAuth authenticates the bearer API key, applies host binding from the
// X-Runner-* headers, and pins the {id} path parameter to the verified
// agent. A valid key presented for someone else's path reads as a bad
// credential, not as a distinct error.
func AgentAuth(verifier AgentVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
				return
			}
			agent, err := verifier.VerifyRequest(r.Context(), key, hostIdentity(r))
			if err != nil {
				if !errors.Is(err, registry.ErrUnauthorized) {
					hlog.FromRequest(r).Error().Err(err).Msg("agent verification failed")
				}
				WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "unauthorized")
				return
			}
			if pathID := chi.URLParam(r, "id"); pathID != "" && pathID != agent.ID {
				hlog.FromRequest(r).Warn().
					Str("event_type", "agent_path_mismatch").
					Str("agent_id", agent.ID).
					Str("path_id", pathID).
					Str("ip", clientIP(r)).
					Msg("agent key used for another agent's path")
				WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAgent, agent)))
		})
	}
}

// hostIdentity collects what the request claims about its origin host.
func hostIdentity(r *http.Request) registry.HostIdentity {
	return registry.HostIdentity{
		IP:        clientIP(r),
		Hostname:  r.Header.Get("X-Runner-Hostname"),
		MAC:       r.Header.Get("X-Runner-MAC"),
		MachineID: r.Header.Get("X-Runner-Machine-ID"),
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
