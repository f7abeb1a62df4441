// Package providers authenticates end users against an upstream identity
// provider during the authorization round trip.
package providers

import (
	"context"
	"fmt"
)

// AuthKind selects the upstream authentication mechanism. The set is
// closed; dispatch over it is exhaustive so an unknown kind fails at
// construction, not mid-flow.
type AuthKind string

const (
	// AuthKindOAuth2 authenticates through an upstream OAuth2/OIDC
	// provider's authorization-code flow.
	AuthKindOAuth2 AuthKind = "oauth2"
)

// Identity is the authenticated user as reported by the upstream.
type Identity struct {
	UserID string
	Email  string
	Name   string
	// Raw is the full userinfo document for claim collection.
	Raw map[string]any
}

// Provider is the upstream authentication surface the callback handler
// drives.
type Provider interface {
	// AuthorizationURL builds the upstream redirect carrying our state
	// token as the upstream state parameter.
	AuthorizationURL(redirectURI, state string) string

	// Authenticate exchanges the upstream callback code and resolves the
	// authenticated identity.
	Authenticate(ctx context.Context, code, redirectURI string) (*Identity, error)

	// Name identifies the provider in logs.
	Name() string
}

// Config carries the upstream provider settings.
type Config struct {
	Kind         AuthKind
	AuthorizeURL string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// New constructs the provider for the configured kind.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case AuthKindOAuth2:
		return NewOAuth2Provider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth kind %q", cfg.Kind)
	}
}
