package server

import "time"

// Session captures one authenticated browser session. Sessions are owned
// exclusively by the SessionStore; handlers only ever hold the opaque ID.
type Session struct {
	ID          string
	Subject     string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// PendingLogin tracks one in-flight login attempt between /login and its
// callback. A record is redeemable exactly once and only before ExpiresAt.
type PendingLogin struct {
	Nonce     string
	State     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Identity consolidates the claims extracted from a validated ID token.
type Identity struct {
	Subject     string
	DisplayName string
	Email       string
}

// StatusUser is the user payload of a status reply.
type StatusUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// StatusResponse is the stable JSON shape polled by the downstream
// application to learn authentication state out-of-band.
type StatusResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *StatusUser `json:"user,omitempty"`
}
