package signer

import (
	"context"
	"fmt"
	"time"

	"github.com/authcore-io/authcore/pkg/keys"
	"github.com/golang-jwt/jwt/v5"
)

// KeyResolver hands out negotiated signing keys by logical name.
type KeyResolver interface {
	Resolve(ctx context.Context, name string) (*keys.Key, error)
}

// ClaimSet is the immutable input to Sign, assembled in full before any
// signing happens.
type ClaimSet struct {
	Subject   string
	ID        string
	Audience  string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt *time.Time
	Extra     map[string]any
}

// Signer produces and verifies signed tokens with keys obtained from the
// resolver. Key resolution may suspend through a full negotiation round
// trip on first use of a name.
type Signer struct {
	keys KeyResolver
}

// New creates a Signer backed by the given key resolver.
func New(resolver KeyResolver) *Signer {
	return &Signer{keys: resolver}
}

// Sign builds and signs a token under the named key.
func (s *Signer) Sign(ctx context.Context, keyName string, cs ClaimSet) (string, error) {
	key, err := s.keys.Resolve(ctx, keyName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve signing key %q: %w", keyName, err)
	}

	claims := jwt.MapClaims{
		"sub": cs.Subject,
		"jti": cs.ID,
		"iat": jwt.NewNumericDate(cs.IssuedAt),
	}
	if cs.Audience != "" {
		claims["aud"] = cs.Audience
	}
	if cs.Issuer != "" {
		claims["iss"] = cs.Issuer
	}
	if cs.ExpiresAt != nil {
		claims["exp"] = jwt.NewNumericDate(*cs.ExpiresAt)
	}
	for name, value := range cs.Extra {
		claims[name] = value
	}

	token := jwt.NewWithClaims(key.Method, claims)
	signed, err := token.SignedString(key.SignKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with key %q: %w", keyName, err)
	}
	return signed, nil
}

// Verify checks the token's signature and registered time claims against
// the named key and returns the registered claims.
func (s *Signer) Verify(ctx context.Context, keyName, tokenString string) (*jwt.RegisteredClaims, error) {
	key, err := s.keys.Resolve(ctx, keyName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signing key %q: %w", keyName, err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return key.VerifyKey, nil
	}, jwt.WithValidMethods([]string{key.Algorithm}))
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
