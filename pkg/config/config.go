// Package config holds the runtime configuration shared by the server
// and the CLI entry point.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds all configuration values for the authorization server.
type Config struct {
	// DatabaseDSN selects PostgreSQL (postgres:// prefix) or a SQLite
	// file path. Empty uses SQLite at data/authcore.db.
	DatabaseDSN string

	Host string
	Port string

	// Issuer is stamped into every token's iss claim. Optional; when
	// empty the claim is omitted.
	Issuer string

	// ScopesSupported is advertised in the discovery document and
	// granted to clients registering without an explicit scope.
	ScopesSupported []string

	// SigningAlgorithm selects the negotiated key type, HS256 or RS256.
	SigningAlgorithm string

	// AttemptTTL bounds the whole authorization round trip.
	AttemptTTL time.Duration
	// AccessTokenTTL bounds access and ID tokens.
	AccessTokenTTL time.Duration
	// RefreshTokenTTL bounds refresh tokens; zero means never expire.
	RefreshTokenTTL time.Duration
	// RefreshEnabled turns refresh-token issuance off entirely.
	RefreshEnabled bool

	// Upstream identity provider.
	UpstreamAuthorizeURL string
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamScopes       []string
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.SigningAlgorithm == "" {
		c.SigningAlgorithm = "HS256"
	}
	if c.AttemptTTL == 0 {
		c.AttemptTTL = 15 * time.Minute
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = []string{"openid", "profile", "email"}
	}
	if len(c.UpstreamScopes) == 0 {
		c.UpstreamScopes = c.ScopesSupported
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.UpstreamClientID == "" {
		return fmt.Errorf("upstream client ID is required")
	}
	if c.UpstreamClientSecret == "" {
		return fmt.Errorf("upstream client secret is required")
	}
	if c.UpstreamAuthorizeURL == "" {
		return fmt.Errorf("upstream authorize URL is required")
	}
	if u, err := url.Parse(c.UpstreamAuthorizeURL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upstream authorize URL: %q", c.UpstreamAuthorizeURL)
	}
	switch c.SigningAlgorithm {
	case "HS256", "RS256":
	default:
		return fmt.Errorf("unsupported signing algorithm: %q", c.SigningAlgorithm)
	}
	if c.AttemptTTL < 0 || c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	return nil
}

// ParseScopes splits a comma-separated scope list, trimming whitespace
// and dropping empty entries.
func ParseScopes(raw string) []string {
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
