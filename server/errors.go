package server

import "errors"

// Nonce consumption failures. Every login attempt owns exactly one nonce;
// any of these terminates the attempt and the user retries via /login.
var (
	ErrNonceNotFound = errors.New("nonce not found or already consumed")
	ErrNonceExpired  = errors.New("nonce expired")
	ErrStateMismatch = errors.New("state does not match login attempt")
)

// ID-token validation failures. A well-behaved provider never produces
// these, so callers log them at elevated severity.
var (
	ErrSignatureInvalid = errors.New("id token signature invalid")
	ErrIssuerMismatch   = errors.New("id token issuer mismatch")
	ErrAudienceMismatch = errors.New("id token audience mismatch")
	ErrTokenExpired     = errors.New("id token expired")
	ErrTokenNotYetValid = errors.New("id token issued in the future")
	ErrNonceMismatch    = errors.New("id token nonce mismatch")
)

// ErrMalformedResponse covers provider responses that cannot be interpreted:
// a token response without an id_token, an undecodable JWT payload, or a
// callback carrying neither code nor id_token.
var ErrMalformedResponse = errors.New("malformed provider response")

// isTokenError reports whether err is one of the ID-token validation
// failures, which are treated as a potential attack.
func isTokenError(err error) bool {
	for _, target := range []error{
		ErrSignatureInvalid,
		ErrIssuerMismatch,
		ErrAudienceMismatch,
		ErrTokenExpired,
		ErrTokenNotYetValid,
		ErrNonceMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isNonceError reports whether err terminated the attempt before any
// provider interaction took place.
func isNonceError(err error) bool {
	return errors.Is(err, ErrNonceNotFound) ||
		errors.Is(err, ErrNonceExpired) ||
		errors.Is(err, ErrStateMismatch)
}
