package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/authcore-io/authcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "saml"})
	assert.Error(t, err)

	provider, err := New(Config{Kind: AuthKindOAuth2, AuthorizeURL: "https://accounts.example.com/authorize"})
	require.NoError(t, err)
	assert.Equal(t, "oauth2", provider.Name())
}

// upstream is a fake OAuth2 provider serving discovery, token exchange
// and userinfo.
func upstream(t *testing.T, userinfo map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.OAuthMetadata{
			Issuer:                server.URL,
			AuthorizationEndpoint: server.URL + "/oauth/authorize",
			TokenEndpoint:         server.URL + "/oauth/token",
			UserinfoEndpoint:      server.URL + "/oauth/userinfo",
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/oauth/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(userinfo)
	})
	return server
}

func newUpstreamProvider(server *httptest.Server) *OAuth2Provider {
	return NewOAuth2Provider(Config{
		Kind:         AuthKindOAuth2,
		AuthorizeURL: server.URL + "/oauth/authorize",
		ClientID:     "upstream-client",
		ClientSecret: "upstream-secret",
		Scopes:       []string{"openid", "email"},
	})
}

func TestAuthorizationURLUsesDiscoveredEndpoint(t *testing.T) {
	server := upstream(t, nil)
	provider := newUpstreamProvider(server)

	authURL := provider.AuthorizationURL("https://auth.example.com/callback", "state-token")
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", parsed.Path)
	assert.Equal(t, "state-token", parsed.Query().Get("state"))
	assert.Equal(t, "upstream-client", parsed.Query().Get("client_id"))
	assert.Equal(t, "https://auth.example.com/callback", parsed.Query().Get("redirect_uri"))
	assert.Equal(t, "openid email", parsed.Query().Get("scope"))
}

func TestAuthenticate(t *testing.T) {
	server := upstream(t, map[string]any{
		"sub":            "user-42",
		"email":          "grace@example.com",
		"email_verified": true,
		"name":           "Grace",
	})
	provider := newUpstreamProvider(server)

	identity, err := provider.Authenticate(context.Background(), "good-code", "https://auth.example.com/callback")
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.UserID)
	assert.Equal(t, "grace@example.com", identity.Email)
	assert.Equal(t, "Grace", identity.Name)
	assert.Equal(t, true, identity.Raw["email_verified"])
}

func TestAuthenticateBadCode(t *testing.T) {
	server := upstream(t, nil)
	provider := newUpstreamProvider(server)

	_, err := provider.Authenticate(context.Background(), "bad-code", "https://auth.example.com/callback")
	assert.Error(t, err)
}

func TestAuthenticateSubjectFallback(t *testing.T) {
	server := upstream(t, map[string]any{"id": "legacy-7", "email": "old@example.com"})
	provider := newUpstreamProvider(server)

	identity, err := provider.Authenticate(context.Background(), "good-code", "https://auth.example.com/callback")
	require.NoError(t, err)
	assert.Equal(t, "legacy-7", identity.UserID)
}

func TestAuthenticateNoSubject(t *testing.T) {
	server := upstream(t, map[string]any{"email": "nobody@example.com"})
	provider := newUpstreamProvider(server)

	_, err := provider.Authenticate(context.Background(), "good-code", "https://auth.example.com/callback")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subject")
}

func TestDiscoveryFallsBackToConventionalPaths(t *testing.T) {
	// No well-known document at all.
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	provider := NewOAuth2Provider(Config{
		Kind:         AuthKindOAuth2,
		AuthorizeURL: server.URL + "/authorize",
		ClientID:     "c",
	})

	md, err := provider.discoverEndpoints()
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/authorize", md.AuthorizationEndpoint)
	assert.True(t, strings.HasSuffix(md.TokenEndpoint, "/token"))
	assert.True(t, strings.HasSuffix(md.UserinfoEndpoint, "/userinfo"))
}
