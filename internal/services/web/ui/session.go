package ui

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/louisbranch/waypost/internal/platform/id"
)

// SessionCookie carries the dashboard login session token.
const SessionCookie = "waypost_session"

// DefaultSessionTTL is how long a login session stays valid.
const DefaultSessionTTL = 12 * time.Hour

// sessionStore tracks logged-in dashboard sessions in memory. Sessions do
// not survive a restart; viewers log in again.
type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]time.Time
}

func newSessionStore(ttl time.Duration, now func() time.Time) *sessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &sessionStore{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]time.Time),
	}
}

// Create mints a session token valid for the store's TTL.
func (s *sessionStore) Create() (string, error) {
	token, err := id.NewID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.sessions[token] = s.now().Add(s.ttl)
	return token, nil
}

// Valid reports whether token names a live session.
func (s *sessionStore) Valid(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.sessions[token]
	if !ok {
		return false
	}
	if !s.now().Before(expiry) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Delete forgets the session. Unknown tokens are ignored.
func (s *sessionStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// prune drops expired sessions. Callers must hold the lock.
func (s *sessionStore) prune() {
	now := s.now()
	for token, expiry := range s.sessions {
		if !now.Before(expiry) {
			delete(s.sessions, token)
		}
	}
}

// newSessionCookie shapes the login cookie. A negative ttl clears it.
// The cookie is HttpOnly and SameSite Lax; TLS termination happens in
// front of the service.
func newSessionCookie(token string, ttl time.Duration) *http.Cookie {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// checkPassword compares a login attempt against the configured bcrypt
// hash.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// sessionToken extracts the session token from the request cookie.
func sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
