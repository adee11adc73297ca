package auth

import (
	"sync"
	"time"
)

// pendingTTL bounds how long proposed setup credentials sit unconfirmed.
const pendingTTL = 15 * time.Minute

// pendingSetup holds the credentials a user proposed in complete-setup
// until verify-setup proves they enrolled the TOTP secret. Nothing here
// touches the store; an abandoned setup simply evaporates.
type pendingSetup struct {
	userID       int64
	passwordHash string
	totpSecret   string
	sealedSecret string
	expires      time.Time
}

// pendingTable is keyed by session token so a second login cannot hijack
// an in-flight setup.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]pendingSetup
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]pendingSetup)}
}

func (t *pendingTable) put(sessionToken string, p pendingSetup) {
	t.mu.Lock()
	t.m[sessionToken] = p
	t.mu.Unlock()
}

// get returns the live pending row for a session. Expired rows are
// dropped on sight.
func (t *pendingTable) get(sessionToken string, now time.Time) (pendingSetup, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.m[sessionToken]
	if !ok {
		return pendingSetup{}, false
	}
	if now.After(p.expires) {
		delete(t.m, sessionToken)
		return pendingSetup{}, false
	}
	return p, true
}

func (t *pendingTable) drop(sessionToken string) {
	t.mu.Lock()
	delete(t.m, sessionToken)
	t.mu.Unlock()
}

func (t *pendingTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for token, p := range t.m {
		if now.After(p.expires) {
			delete(t.m, token)
			removed++
		}
	}
	return removed
}
