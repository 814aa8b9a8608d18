package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SessionStore maps opaque identifiers to authenticated sessions. The TTL
// is fixed at creation; expired entries are removed lazily on read.
// Reads of distinct sessions do not block each other.
type SessionStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]Session
}

// NewSessionStore constructs a store whose sessions live for ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]Session),
	}
}

// Create stores a new session for the validated identity and returns its
// unguessable identifier.
func (s *SessionStore) Create(subject, displayName, email string) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now()
	sess := Session{
		ID:          id,
		Subject:     subject,
		DisplayName: displayName,
		Email:       email,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	return id, nil
}

// Get returns the session if present and unexpired. An expired session is
// removed and reported absent.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return Session{}, false
	}
	if time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		// Recheck under the write lock; a concurrent Destroy may have won.
		if current, still := s.sessions[id]; still && time.Now().After(current.ExpiresAt) {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return Session{}, false
	}
	return sess, true
}

// Destroy removes a session. Destroying an absent session is a no-op.
func (s *SessionStore) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// newSessionID returns 256 bits of hex-encoded randomness.
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SessionManager moves session identifiers across the HTTP boundary inside
// a sealed cookie. The raw identifier never appears in a Set-Cookie header.
type SessionManager struct {
	codec    *CookieCodec
	name     string
	domain   string
	secure   bool
	sameSite http.SameSite
	ttl      time.Duration
}

// NewSessionManager constructs a manager honouring config.
func NewSessionManager(cfg Config, codec *CookieCodec) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		codec:    codec,
		name:     cfg.Sessions.CookieName,
		domain:   cfg.Server.CookieDomain,
		secure:   !cfg.Server.DevMode,
		sameSite: sameSite,
		ttl:      time.Duration(cfg.Sessions.TTL),
	}
}

// Issue seals the session identifier into the response cookie.
func (sm *SessionManager) Issue(w http.ResponseWriter, sessionID string) error {
	value, err := sm.codec.Seal(sessionID)
	if err != nil {
		return fmt.Errorf("seal session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    value,
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Read extracts the session identifier from the request cookie. A missing
// or undecipherable cookie yields ok=false; it is never an error surface.
func (sm *SessionManager) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sm.name)
	if err != nil {
		return "", false
	}
	sid, err := sm.codec.Open(cookie.Value)
	if err != nil {
		return "", false
	}
	return sid, true
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    "",
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
