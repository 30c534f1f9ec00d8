package worker

import (
	"sync"
	"time"
)

const sessionTimeout = 10 * time.Minute

// sessionKey scopes the awaiting flag to one subscriber on one bot. The same
// person can talk to several tenants' bots at once, each with its own state.
type sessionKey struct {
	tenantID int64
	userID   int64
}

// sessions tracks which subscribers are in the awaiting-public-message state.
// Purely in-memory; a worker restart silently drops pending sessions.
type sessions struct {
	mu  sync.Mutex
	exp map[sessionKey]time.Time
	now func() time.Time
}

func newSessions() *sessions {
	return &sessions{exp: map[sessionKey]time.Time{}, now: time.Now}
}

func (s *sessions) arm(tenantID, userID int64) {
	s.mu.Lock()
	s.exp[sessionKey{tenantID, userID}] = s.now().Add(sessionTimeout)
	s.mu.Unlock()
}

func (s *sessions) disarm(tenantID, userID int64) {
	s.mu.Lock()
	delete(s.exp, sessionKey{tenantID, userID})
	s.mu.Unlock()
}

// awaiting reports and consumes the flag if it has not expired.
func (s *sessions) awaiting(tenantID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{tenantID, userID}
	exp, ok := s.exp[k]
	if !ok {
		return false
	}
	if s.now().After(exp) {
		delete(s.exp, k)
		return false
	}
	return true
}
