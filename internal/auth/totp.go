package auth

import (
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30 * time.Second

	// A code is valid inside a ±1 step window, so it could be replayed for
	// up to 90 s after first use. The table holds entries past that.
	replayWindow = 120 * time.Second
)

// generateTOTP mints a fresh secret and its provisioning URI.
func generateTOTP(issuer, account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// validateTOTP checks a code against a secret, accepting one step of
// clock skew either way.
func validateTOTP(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    uint(totpPeriod / time.Second),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// replayTable remembers recently accepted codes per user. A code that
// verified once must not verify again inside the window, even though the
// TOTP algorithm itself would still accept it.
type replayTable struct {
	mu   sync.Mutex
	seen map[replayKey]time.Time
}

type replayKey struct {
	username string
	code     string
}

func newReplayTable() *replayTable {
	return &replayTable{seen: make(map[replayKey]time.Time)}
}

// checkAndRecord returns false when the code was already used inside the
// window. A fresh code is recorded with its first-use time.
func (t *replayTable) checkAndRecord(username, code string, now time.Time) bool {
	key := replayKey{username: username, code: code}

	t.mu.Lock()
	defer t.mu.Unlock()

	if first, ok := t.seen[key]; ok && now.Sub(first) < replayWindow {
		return false
	}
	t.seen[key] = now
	return true
}

// sweep drops entries older than the window. Run from the janitor loop.
func (t *replayTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, first := range t.seen {
		if now.Sub(first) >= replayWindow {
			delete(t.seen, key)
			removed++
		}
	}
	return removed
}
