package types

import (
	"time"
)

// TokenKind discriminates the three persisted token kinds.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
	TokenKindID      TokenKind = "id"
)

// Attempt is the server-side record of one in-progress authorization
// request. It is immutable except for UserID, which is set exactly once
// after the end user authenticates.
type Attempt struct {
	ID              string      `gorm:"primaryKey"`
	ClientID        string      `gorm:"not null;index"`
	RedirectURI     string      `gorm:"not null"`
	RequestedScopes StringSlice `gorm:"type:text"`
	GrantedScopes   StringSlice `gorm:"type:text"`
	// ClientState carries the client-supplied state parameter. The unique
	// index is the storage half of the replay guard: at most one live
	// attempt may hold a given non-null value.
	ClientState *string   `gorm:"uniqueIndex"`
	UserID      string    `gorm:"index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// Expired reports whether the attempt is past its wall-clock TTL. Expiry
// is derived at read time, never stored.
func (a *Attempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Authenticated reports whether a user has been bound to the attempt.
func (a *Attempt) Authenticated() bool {
	return a.UserID != ""
}

// AuthorizationCode is the single-use opaque value a client exchanges for
// tokens. At most one live code exists per attempt.
type AuthorizationCode struct {
	Code      string    `gorm:"primaryKey"`
	AttemptID string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// IssuedToken is the persisted record backing every signed token. Its ID
// is the token's jti claim; a signed token is only honored while the
// record exists, is unrevoked, and its UserID matches the token subject.
type IssuedToken struct {
	ID        string      `gorm:"primaryKey"`
	Kind      TokenKind   `gorm:"not null;index"`
	UserID    string      `gorm:"not null;index"`
	ClientID  string      `gorm:"not null;index"`
	Scopes    StringSlice `gorm:"type:text"`
	AttemptID string      `gorm:"index"`
	Revoked   bool        `gorm:"default:false;index"`
	RevokedAt *time.Time
	IssuedAt  time.Time `gorm:"autoCreateTime"`
	// ExpiresAt is nil only for refresh tokens when refresh expiry is
	// disabled.
	ExpiresAt *time.Time `gorm:"index"`
}

// SigningKey is the canonical signing-key record for a logical key name.
// Exactly one exists per name at steady state, agreed cluster-wide by the
// negotiation protocol.
type SigningKey struct {
	Name            string `gorm:"primaryKey"`
	Algorithm       string `gorm:"not null"`
	PublicMaterial  string
	PrivateMaterial string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// SigningKeyProposal is a row in the append-only table processes race on
// during key negotiation. The storage-assigned ID orders proposals; the
// lowest ID for a name wins.
type SigningKeyProposal struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	Name            string `gorm:"not null;index"`
	Algorithm       string `gorm:"not null"`
	PublicMaterial  string
	PrivateMaterial string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// Client is a registered OAuth client application.
type Client struct {
	ClientID                string      `gorm:"primaryKey" json:"client_id"`
	ClientSecret            string      `json:"client_secret,omitempty"`
	RedirectURIs            StringSlice `gorm:"type:text;not null" json:"redirect_uris"`
	AllowedScopes           StringSlice `gorm:"type:text" json:"allowed_scopes,omitempty"`
	DefaultScopes           StringSlice `gorm:"type:text" json:"default_scopes,omitempty"`
	ClientName              string      `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string      `gorm:"default:client_secret_basic" json:"token_endpoint_auth_method"`
	RegisteredAt            time.Time   `gorm:"autoCreateTime" json:"-"`
}

// Public reports whether the client authenticates without a secret.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// UserClaim is one collected user claim, readable under a single scope.
// Value holds the JSON-encoded claim value.
type UserClaim struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_user_claim_name"`
	Name      string    `gorm:"not null;uniqueIndex:idx_user_claim_name"`
	Value     string    `gorm:"not null"`
	Scope     string    `gorm:"not null;index"`
	Verified  bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
