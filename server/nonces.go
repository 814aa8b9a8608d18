package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// tokenLength is the number of random bytes behind each nonce and state
// value. 32 bytes gives 256 bits of entropy, comfortably above the minimum
// needed to make values unguessable across concurrent flows.
const tokenLength = 32

// NonceStore issues and redeems the one-time nonce/state pairs that bind a
// login attempt to its callback. Consumption is a single atomic
// check-and-delete: given two concurrent callbacks presenting the same
// nonce, exactly one succeeds and the other observes ErrNonceNotFound.
type NonceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	byNonce map[string]PendingLogin
	byState map[string]string
}

// NewNonceStore constructs a store whose records expire after ttl.
func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		ttl:     ttl,
		byNonce: make(map[string]PendingLogin),
		byState: make(map[string]string),
	}
}

// Issue generates two independent random tokens and records the pending
// login attempt they identify.
func (s *NonceStore) Issue() (nonce, state string, err error) {
	nonce, err = randomToken()
	if err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	state, err = randomToken()
	if err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}

	now := time.Now()
	rec := PendingLogin{
		Nonce:     nonce,
		State:     state,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sweepLocked(now)
	s.byNonce[nonce] = rec
	s.byState[state] = nonce
	s.mu.Unlock()

	return nonce, state, nil
}

// Consume redeems a pending login. The record is removed on any outcome
// that finds it, so a nonce is never accepted twice regardless of whether
// the first attempt succeeded.
func (s *NonceStore) Consume(nonce, state string) error {
	s.mu.Lock()
	rec, ok := s.byNonce[nonce]
	if ok {
		delete(s.byNonce, nonce)
		delete(s.byState, rec.State)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNonceNotFound
	}
	if time.Now().After(rec.ExpiresAt) {
		return ErrNonceExpired
	}
	if rec.State != state {
		return ErrStateMismatch
	}
	return nil
}

// NonceForState returns the nonce bound to a state token, supporting
// callbacks that carry only an authorization code. The record stays in
// place; Consume remains the linearization point.
func (s *NonceStore) NonceForState(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.byState[state]
	return nonce, ok
}

func (s *NonceStore) sweepLocked(now time.Time) {
	for nonce, rec := range s.byNonce {
		if now.After(rec.ExpiresAt) {
			delete(s.byNonce, nonce)
			delete(s.byState, rec.State)
		}
	}
}

func randomToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
