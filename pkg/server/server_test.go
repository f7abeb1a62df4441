package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/authcore-io/authcore/pkg/config"
	"github.com/authcore-io/authcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		DatabaseDSN:          filepath.Join(t.TempDir(), "server.db"),
		UpstreamClientID:     "upstream-id",
		UpstreamClientSecret: "upstream-secret",
		UpstreamAuthorizeURL: "https://accounts.example.com/authorize",
		RefreshEnabled:       true,
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Logf("Error closing server: %v", err)
		}
	})
	return srv
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestMetadataEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Host = "auth.example.com"
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			require.Equal(t, http.StatusOK, rr.Code)

			var md types.OAuthMetadata
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&md))
			assert.Equal(t, "http://auth.example.com", md.Issuer)
			assert.Equal(t, "http://auth.example.com/authorize", md.AuthorizationEndpoint)
			assert.Equal(t, "http://auth.example.com/token", md.TokenEndpoint)
			assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
			assert.Contains(t, md.GrantTypesSupported, "refresh_token")
		})
	}
}

func TestMetadataOmitsRefreshGrantWhenDisabled(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.RefreshEnabled = false
	})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var md types.OAuthMetadata
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&md))
	assert.Equal(t, []string{"authorization_code"}, md.GrantTypesSupported)
}

func TestMetadataUsesConfiguredIssuer(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Issuer = "https://issuer.example.com"
	})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var md types.OAuthMetadata
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&md))
	assert.Equal(t, "https://issuer.example.com", md.Issuer)
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "OPTIONS")
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/token", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartAndClose(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, srv.Close())
}
