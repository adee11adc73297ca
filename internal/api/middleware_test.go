package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/registry"
)

// okHandler is a trivial handler that writes 200 OK.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// stubSessionAuth answers Authenticate with canned values.
type stubSessionAuth struct {
	session *database.Session
	user    *database.User
	err     error
}

func (s *stubSessionAuth) Authenticate(ctx context.Context, token string) (*database.Session, *database.User, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.session, s.user, nil
}

// stubVerifier authenticates exactly one API key and records the host
// identity it was handed.
type stubVerifier struct {
	key   string
	agent *database.Agent
	host  registry.HostIdentity
}

func (s *stubVerifier) VerifyRequest(ctx context.Context, apiKey string, host registry.HostIdentity) (*database.Agent, error) {
	s.host = host
	if apiKey != s.key {
		return nil, registry.ErrUnauthorized
	}
	return s.agent, nil
}

// permChecker answers HasPermission from a map.
type permChecker struct {
	grants map[string]bool
	err    error
}

func (p *permChecker) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.grants[permission], nil
}

// withSession stashes a session (and optional user) on the request context
// the way SessionLoad would.
func withSession(r *http.Request, s *database.Session, u *database.User) *http.Request {
	ctx := context.WithValue(r.Context(), ctxSession, s)
	if u != nil {
		ctx = context.WithValue(ctx, ctxUser, u)
	}
	return r.WithContext(ctx)
}

func TestRequestID(t *testing.T) {
	t.Run("generates_id_when_missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		RequestID(okHandler).ServeHTTP(rec, req)
		id := rec.Header().Get("X-Request-ID")
		if len(id) != 16 {
			t.Errorf("expected 16-char hex ID, got %q (len %d)", id, len(id))
		}
	})

	t.Run("preserves_provided_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		RequestID(okHandler).ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "my-custom-id" {
			t.Errorf("expected preserved ID, got %q", id)
		}
	})
}

func TestCORSWithOrigins(t *testing.T) {
	t.Run("empty_origins_allows_all", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		CORSWithOrigins(nil)(okHandler).ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin: *")
		}
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("allowed_origin_echoed_with_credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "https://console.example.com")
		CORSWithOrigins([]string{"https://console.example.com"})(okHandler).ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://console.example.com" {
			t.Error("expected origin echo")
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Error("expected credentials header")
		}
		if rec.Header().Get("Vary") != "Origin" {
			t.Error("expected Vary: Origin")
		}
	})

	t.Run("disallowed_origin_no_cors_headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		CORSWithOrigins([]string{"https://console.example.com"})(okHandler).ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("should not set CORS header for disallowed origin")
		}
		if rec.Code != http.StatusOK {
			t.Errorf("request should still be served, got %d", rec.Code)
		}
	})

	t.Run("disallowed_origin_preflight_403", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("OPTIONS", "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		CORSWithOrigins([]string{"https://console.example.com"})(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("preflight_returns_204", func(t *testing.T) {
		called := false
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("OPTIONS", "/", nil)
		CORSWithOrigins(nil)(inner).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
		if called {
			t.Error("inner handler should not run on preflight")
		}
	})
}

func TestRecoverer(t *testing.T) {
	t.Run("normal_request_passes_through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		Recoverer(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("panic_produces_500_json", func(t *testing.T) {
		panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		Recoverer(panicker).ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not valid JSON: %v", err)
		}
		if body["error"] != "internal server error" {
			t.Errorf("unexpected body: %v", body)
		}
	})
}

func TestMaxBody(t *testing.T) {
	reads := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			WriteDecodeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	t.Run("under_cap_passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 8)))
		MaxBody(16)(reads).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("over_cap_reads_as_413", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
		MaxBody(16)(reads).ServeHTTP(rec, req)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected 413, got %d", rec.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	t.Run("blocks_over_budget", func(t *testing.T) {
		handler := RateLimit(2, time.Minute)(okHandler)
		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "5.6.7.8:1234"
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
			}
		}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Code != ErrRateLimited {
			t.Errorf("Code = %q, want %q", body.Code, ErrRateLimited)
		}
	})

	t.Run("different_ips_independent", func(t *testing.T) {
		handler := RateLimit(1, time.Minute)(okHandler)
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(httptest.NewRecorder(), req)

		rec2 := httptest.NewRecorder()
		req2 := httptest.NewRequest("GET", "/", nil)
		req2.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec2, req2)
		if rec2.Code != http.StatusTooManyRequests {
			t.Errorf("IP A second request: expected 429, got %d", rec2.Code)
		}

		rec3 := httptest.NewRecorder()
		req3 := httptest.NewRequest("GET", "/", nil)
		req3.RemoteAddr = "10.0.0.2:1234"
		handler.ServeHTTP(rec3, req3)
		if rec3.Code != http.StatusOK {
			t.Errorf("IP B first request: expected 200, got %d", rec3.Code)
		}
	})
}

func TestRateLimitMutations(t *testing.T) {
	handler := RateLimitMutations(1, time.Minute)(okHandler)

	// Reads never consume the budget.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.1.1.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "10.1.1.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first POST: expected 200, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/", nil)
	req2.RemoteAddr = "10.1.1.1:1234"
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second POST: expected 429, got %d", rec2.Code)
	}
}

func TestSessionLoad(t *testing.T) {
	session := &database.Session{Token: "tok", UserID: 7, TOTPVerified: true}
	user := &database.User{ID: 7, Username: "operator"}

	t.Run("valid_cookie_populates_context", func(t *testing.T) {
		gw := &stubSessionAuth{session: session, user: user}
		var gotSession *database.Session
		var gotUser *database.User
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSession = SessionFrom(r.Context())
			gotUser = UserFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: "tok"})
		SessionLoad(gw)(inner).ServeHTTP(rec, req)
		if gotSession == nil || gotSession.UserID != 7 {
			t.Errorf("session not on context: %+v", gotSession)
		}
		if gotUser == nil || gotUser.Username != "operator" {
			t.Errorf("user not on context: %+v", gotUser)
		}
	})

	t.Run("no_cookie_stays_anonymous", func(t *testing.T) {
		gw := &stubSessionAuth{session: session, user: user}
		var gotSession *database.Session
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSession = SessionFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		SessionLoad(gw)(inner).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("anonymous request should pass, got %d", rec.Code)
		}
		if gotSession != nil {
			t.Error("expected nil session without cookie")
		}
	})
}

func TestRequireSession(t *testing.T) {
	t.Run("anonymous_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		RequireSession(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("unverified_session_passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("GET", "/", nil),
			&database.Session{Token: "t", TOTPVerified: false}, nil)
		RequireSession(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestRequireVerified(t *testing.T) {
	t.Run("unverified_session_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("GET", "/", nil),
			&database.Session{Token: "t", TOTPVerified: false}, nil)
		RequireVerified(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("verified_session_passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("GET", "/", nil),
			&database.Session{Token: "t", TOTPVerified: true}, nil)
		RequireVerified(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestCSRF(t *testing.T) {
	session := &database.Session{Token: "t", CSRFToken: "csrf-secret", TOTPVerified: true}

	t.Run("safe_method_passes_without_header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("GET", "/", nil), session, nil)
		CSRF(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("mutation_without_header_403", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("POST", "/", nil), session, nil)
		CSRF(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Code != ErrCSRFRejected {
			t.Errorf("Code = %q, want %q", body.Code, ErrCSRFRejected)
		}
	})

	t.Run("mutation_with_wrong_token_403", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("POST", "/", nil), session, nil)
		req.Header.Set("X-CSRF-Token", "guess")
		CSRF(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("mutation_with_matching_token_passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("POST", "/", nil), session, nil)
		req.Header.Set("X-CSRF-Token", "csrf-secret")
		CSRF(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("mutation_without_session_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		CSRF(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}

func TestCSRFIfSession(t *testing.T) {
	t.Run("no_session_bypasses_check", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		CSRFIfSession(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for token-auth path, got %d", rec.Code)
		}
	})

	t.Run("session_without_token_403", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("POST", "/", nil),
			&database.Session{Token: "t", CSRFToken: "x"}, nil)
		CSRFIfSession(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})
}

func TestRequirePermission(t *testing.T) {
	user := &database.User{ID: 3, Username: "op"}

	t.Run("no_user_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		RequirePermission(&permChecker{}, "create_users")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("granted_passes", func(t *testing.T) {
		checker := &permChecker{grants: map[string]bool{"create_users": true}}
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("POST", "/", nil),
			&database.Session{Token: "t", TOTPVerified: true}, user)
		RequirePermission(checker, "create_users")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("missing_grant_403", func(t *testing.T) {
		checker := &permChecker{grants: map[string]bool{}}
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("POST", "/", nil),
			&database.Session{Token: "t", TOTPVerified: true}, user)
		RequirePermission(checker, "create_users")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})
}

func TestAgentAuth(t *testing.T) {
	agent := &database.Agent{ID: "fox-01", Role: "runner", Status: "online", Enabled: true}

	t.Run("missing_bearer_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/agents/fox-01/heartbeat", nil)
		AgentAuth(&stubVerifier{key: "good", agent: agent})(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("bad_key_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/agents/fox-01/heartbeat", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		AgentAuth(&stubVerifier{key: "good", agent: agent})(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("valid_key_sets_agent_and_forwards_host_identity", func(t *testing.T) {
		verifier := &stubVerifier{key: "good", agent: agent}
		var got *database.Agent
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = AgentFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/agents/register", nil)
		req.Header.Set("Authorization", "Bearer good")
		req.Header.Set("X-Runner-Hostname", "fox-pi")
		req.Header.Set("X-Runner-MAC", "aa:bb:cc:dd:ee:ff")
		req.Header.Set("X-Runner-Machine-ID", "m-1")
		AgentAuth(verifier)(inner).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got == nil || got.ID != "fox-01" {
			t.Errorf("agent not on context: %+v", got)
		}
		if verifier.host.Hostname != "fox-pi" || verifier.host.MAC != "aa:bb:cc:dd:ee:ff" || verifier.host.MachineID != "m-1" {
			t.Errorf("host identity not forwarded: %+v", verifier.host)
		}
	})

	t.Run("key_pinned_to_own_path", func(t *testing.T) {
		r := chi.NewRouter()
		r.With(AgentAuth(&stubVerifier{key: "good", agent: agent})).
			Post("/agents/{id}/heartbeat", okHandler)

		// Own path passes.
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/agents/fox-01/heartbeat", nil)
		req.Header.Set("Authorization", "Bearer good")
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("own path: expected 200, got %d", rec.Code)
		}

		// Someone else's path reads as a bad credential.
		rec2 := httptest.NewRecorder()
		req2 := httptest.NewRequest("POST", "/agents/fox-02/heartbeat", nil)
		req2.Header.Set("Authorization", "Bearer good")
		r.ServeHTTP(rec2, req2)
		if rec2.Code != http.StatusUnauthorized {
			t.Errorf("foreign path: expected 401, got %d", rec2.Code)
		}
	})
}

func TestBearerToken(t *testing.T) {
	t.Run("bearer_header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer abc123")
		if got := bearerToken(req); got != "abc123" {
			t.Errorf("got %q, want abc123", got)
		}
	})
	t.Run("non_bearer_scheme", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Basic c2VjcmV0")
		if got := bearerToken(req); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
	t.Run("missing_header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		if got := bearerToken(req); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestClientIP(t *testing.T) {
	t.Run("forwarded_for_first_hop", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		if got := clientIP(req); got != "203.0.113.9" {
			t.Errorf("got %q, want 203.0.113.9", got)
		}
	})
	t.Run("remote_addr_fallback", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.4:9999"
		if got := clientIP(req); got != "198.51.100.4" {
			t.Errorf("got %q, want 198.51.100.4", got)
		}
	})
}
