package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"empty", "", true},
		{"seven_chars", "1234567", true},
		{"eight_chars", "12345678", false},
		{"sixteen_chars", "0123456789abcdef", false},
		{"seventy_two_chars", strings.Repeat("a", 72), false},
		{"seventy_three_chars", strings.Repeat("a", 73), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword(%d chars) error = %v, wantErr %v",
					len(tt.password), err, tt.wantErr)
			}
		})
	}
}

// ── TOTP ─────────────────────────────────────────────────────────────

func TestTOTPRoundTrip(t *testing.T) {
	secret, uri, err := generateTOTP("foxctl", "operator")
	if err != nil {
		t.Fatalf("generateTOTP: %v", err)
	}
	if secret == "" {
		t.Fatal("empty secret")
	}
	if !strings.Contains(uri, "otpauth://totp/") {
		t.Errorf("uri = %q, want otpauth://totp/ scheme", uri)
	}
	if !strings.Contains(uri, "operator") {
		t.Errorf("uri = %q, missing account name", uri)
	}

	now := time.Now()
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	t.Run("current_code_valid", func(t *testing.T) {
		if !validateTOTP(code, secret, now) {
			t.Error("current code rejected")
		}
	})
	t.Run("one_step_skew_accepted", func(t *testing.T) {
		if !validateTOTP(code, secret, now.Add(totpPeriod)) {
			t.Error("code rejected one step late")
		}
		if !validateTOTP(code, secret, now.Add(-totpPeriod)) {
			t.Error("code rejected one step early")
		}
	})
	t.Run("two_steps_out_rejected", func(t *testing.T) {
		if validateTOTP(code, secret, now.Add(2*totpPeriod+time.Second)) {
			t.Error("code accepted two steps late")
		}
	})
	t.Run("garbage_code_rejected", func(t *testing.T) {
		if validateTOTP("000000", secret, now) && validateTOTP("999999", secret, now) {
			t.Error("both fixed codes accepted, validation looks broken")
		}
		if validateTOTP("not-a-code", secret, now) {
			t.Error("non-numeric code accepted")
		}
	})
}

// ── Replay table ─────────────────────────────────────────────────────

func TestReplayTable(t *testing.T) {
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("first_use_accepted_second_refused", func(t *testing.T) {
		rt := newReplayTable()
		if !rt.checkAndRecord("alice", "123456", base) {
			t.Fatal("first use refused")
		}
		if rt.checkAndRecord("alice", "123456", base.Add(60*time.Second)) {
			t.Error("replay inside window accepted")
		}
	})

	t.Run("window_expiry_allows_reuse", func(t *testing.T) {
		rt := newReplayTable()
		rt.checkAndRecord("alice", "123456", base)
		if !rt.checkAndRecord("alice", "123456", base.Add(replayWindow)) {
			t.Error("use at exactly the window edge refused")
		}
	})

	t.Run("users_are_independent", func(t *testing.T) {
		rt := newReplayTable()
		rt.checkAndRecord("alice", "123456", base)
		if !rt.checkAndRecord("bob", "123456", base.Add(time.Second)) {
			t.Error("same code for a different user refused")
		}
	})

	t.Run("sweep_drops_only_expired", func(t *testing.T) {
		rt := newReplayTable()
		rt.checkAndRecord("alice", "111111", base)
		rt.checkAndRecord("alice", "222222", base.Add(100*time.Second))

		if n := rt.sweep(base.Add(replayWindow)); n != 1 {
			t.Errorf("sweep removed %d, want 1", n)
		}
		if rt.checkAndRecord("alice", "222222", base.Add(110*time.Second)) {
			t.Error("unexpired entry lost by sweep")
		}
	})
}

// ── Pending setup table ──────────────────────────────────────────────

func TestPendingTable(t *testing.T) {
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	row := pendingSetup{userID: 7, totpSecret: "SECRET", expires: base.Add(pendingTTL)}

	t.Run("put_get_roundtrip", func(t *testing.T) {
		pt := newPendingTable()
		pt.put("tok", row)
		got, ok := pt.get("tok", base.Add(time.Minute))
		if !ok || got.userID != 7 {
			t.Fatalf("get = (%+v, %v), want row back", got, ok)
		}
	})

	t.Run("expired_row_dropped_on_get", func(t *testing.T) {
		pt := newPendingTable()
		pt.put("tok", row)
		if _, ok := pt.get("tok", base.Add(pendingTTL+time.Second)); ok {
			t.Error("expired row returned")
		}
		// Gone for good, not just hidden.
		if _, ok := pt.get("tok", base); ok {
			t.Error("expired row resurrected")
		}
	})

	t.Run("drop_removes", func(t *testing.T) {
		pt := newPendingTable()
		pt.put("tok", row)
		pt.drop("tok")
		if _, ok := pt.get("tok", base); ok {
			t.Error("dropped row still present")
		}
	})

	t.Run("sweep_counts_expired", func(t *testing.T) {
		pt := newPendingTable()
		pt.put("a", pendingSetup{expires: base.Add(time.Minute)})
		pt.put("b", pendingSetup{expires: base.Add(20 * time.Minute)})
		if n := pt.sweep(base.Add(10 * time.Minute)); n != 1 {
			t.Errorf("sweep removed %d, want 1", n)
		}
	})
}

// ── Cookies ──────────────────────────────────────────────────────────

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	res := rec.Result()
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

func TestSetAuthCookies(t *testing.T) {
	expires := time.Now().Add(SessionTTL)

	t.Run("plain_http", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		SetAuthCookies(rec, r, "sess-tok", "csrf-tok", expires)

		sess := cookieByName(t, rec, SessionCookie)
		if !sess.HttpOnly {
			t.Error("session cookie not HttpOnly")
		}
		if sess.Secure {
			t.Error("session cookie Secure over plain HTTP")
		}
		if sess.SameSite != http.SameSiteLaxMode {
			t.Errorf("session SameSite = %v, want Lax", sess.SameSite)
		}
		if sess.Path != "/" {
			t.Errorf("session Path = %q, want /", sess.Path)
		}
		if sess.Domain != "" {
			t.Errorf("session Domain = %q, want host-only", sess.Domain)
		}

		csrf := cookieByName(t, rec, CSRFCookie)
		if csrf.HttpOnly {
			t.Error("csrf cookie must be readable by scripts")
		}
		if csrf.Value != "csrf-tok" {
			t.Errorf("csrf value = %q", csrf.Value)
		}
	})

	t.Run("forwarded_https_sets_secure", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.Header.Set("X-Forwarded-Proto", "https")
		SetAuthCookies(rec, r, "s", "c", expires)

		if !cookieByName(t, rec, SessionCookie).Secure {
			t.Error("session cookie not Secure behind HTTPS proxy")
		}
		if !cookieByName(t, rec, CSRFCookie).Secure {
			t.Error("csrf cookie not Secure behind HTTPS proxy")
		}
	})

	t.Run("clear_expires_both", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		ClearAuthCookies(rec, r)

		for _, name := range []string{SessionCookie, CSRFCookie} {
			c := cookieByName(t, rec, name)
			if c.MaxAge >= 0 {
				t.Errorf("cookie %q MaxAge = %d, want negative", name, c.MaxAge)
			}
			if c.Value != "" {
				t.Errorf("cookie %q value = %q, want empty", name, c.Value)
			}
		}
	})
}
