package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
)

// cookieKeySize is the key length required by XChaCha20-Poly1305.
const cookieKeySize = chacha20poly1305.KeySize

// maxCookieLen bounds the amount of attacker-controlled data we will decode
// for a cookie value. Browsers cap individual cookies around 4KB.
const maxCookieLen = 4096

// cookieAAD binds sealed values to their purpose so a ciphertext cannot be
// replayed in another context.
var cookieAAD = []byte("authd/session")

type cookiePayload struct {
	SID      string `cbor:"1,keyasint"`
	IssuedAt int64  `cbor:"2,keyasint"`
}

// CookieCodec seals and opens session cookie values. A value is an
// XChaCha20-Poly1305 sealed cbor payload prefixed with the sealing key's ID,
// so keys can rotate without invalidating live sessions.
type CookieCodec struct {
	activeKey string
	keys      map[string][]byte
}

// NewCookieCodec validates the key ring and returns a codec sealing with
// activeKey.
func NewCookieCodec(activeKey string, keys map[string][]byte) (*CookieCodec, error) {
	if len(keys) == 0 {
		return nil, errors.New("cookie codec requires at least one key")
	}
	if _, ok := keys[activeKey]; !ok {
		return nil, fmt.Errorf("active cookie key %q not in key ring", activeKey)
	}
	for id, key := range keys {
		if len(key) != cookieKeySize {
			return nil, fmt.Errorf("cookie key %q: need %d bytes, got %d", id, cookieKeySize, len(key))
		}
	}
	return &CookieCodec{activeKey: activeKey, keys: keys}, nil
}

// Seal encrypts a session identifier into a cookie value.
func (c *CookieCodec) Seal(sid string) (string, error) {
	plain, err := cbor.Marshal(cookiePayload{SID: sid, IssuedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(c.keys[c.activeKey])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plain, cookieAAD)
	return c.activeKey + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a cookie value and returns the session identifier inside.
func (c *CookieCodec) Open(value string) (string, error) {
	if len(value) == 0 || len(value) > maxCookieLen {
		return "", ErrCookieFormat
	}
	keyID, encoded, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encoded == "" {
		return "", ErrCookieFormat
	}
	key, ok := c.keys[keyID]
	if !ok {
		return "", ErrCookieInvalid
	}

	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCookieFormat
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrCookieFormat
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, cookieAAD)
	if err != nil {
		return "", ErrCookieInvalid
	}

	var payload cookiePayload
	if err := cbor.Unmarshal(plain, &payload); err != nil {
		return "", ErrCookieInvalid
	}
	if payload.SID == "" {
		return "", ErrCookieInvalid
	}
	return payload.SID, nil
}

// newEphemeralCookieKey generates a throwaway key ring for dev mode.
// Sessions do not survive a restart with an ephemeral key.
func newEphemeralCookieKey() (string, map[string][]byte, error) {
	key := make([]byte, cookieKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", nil, err
	}
	return "dev", map[string][]byte{"dev": key}, nil
}
