package types

import "errors"

// Sentinel errors shared across the storage and engine layers. Handlers
// map these to protocol error codes in exactly one place; internally they
// stay distinct for diagnostics.
var (
	// ErrStateReplay is returned when a client state value is already
	// bound to a live attempt.
	ErrStateReplay = errors.New("client state already bound to a live attempt")

	// ErrCodeReplay is returned on an authorization-code uniqueness
	// violation. Collisions are astronomically rare, so they are treated
	// as replays rather than retried.
	ErrCodeReplay = errors.New("authorization code already exists")

	// ErrCodeConsumed is returned when consuming a code that no longer
	// exists, either already spent or never issued.
	ErrCodeConsumed = errors.New("authorization code already consumed or unknown")

	ErrAttemptNotFound      = errors.New("authorization attempt not found")
	ErrAttemptExpired       = errors.New("authorization attempt expired")
	ErrUserBound            = errors.New("attempt already has a bound user")
	ErrAttemptNotAuthorized = errors.New("attempt has no bound user")

	ErrStateTokenMissing   = errors.New("state token missing")
	ErrStateTokenSignature = errors.New("state token signature invalid")
	ErrStateTokenSubject   = errors.New("state token subject unparsable")

	ErrTokenNotFound     = errors.New("issued token record not found")
	ErrTokenRevoked      = errors.New("token has been revoked")
	ErrTokenMalformed    = errors.New("token malformed or unverifiable")
	ErrTokenIDUnparsable = errors.New("token id claim is not a valid record id")
	ErrSubjectMismatch   = errors.New("token subject does not match record")
	ErrClientMismatch    = errors.New("token does not belong to the requesting client")

	ErrClientNotFound = errors.New("client not found")

	ErrSigningKeyNotFound = errors.New("signing key not found")
)
