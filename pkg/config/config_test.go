package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		UpstreamClientID:     "id",
		UpstreamClientSecret: "secret",
		UpstreamAuthorizeURL: "https://accounts.example.com/authorize",
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "HS256", cfg.SigningAlgorithm)
	assert.Equal(t, 15*time.Minute, cfg.AttemptTTL)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.ScopesSupported)
	assert.Equal(t, cfg.ScopesSupported, cfg.UpstreamScopes)
}

func TestValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		cfg := validConfig()
		cfg.SetDefaults()
		require.NoError(t, cfg.Validate())
	})

	t.Run("MissingUpstream", func(t *testing.T) {
		cfg := validConfig()
		cfg.UpstreamClientID = ""
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadAuthorizeURL", func(t *testing.T) {
		cfg := validConfig()
		cfg.UpstreamAuthorizeURL = "not-a-url"
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadAlgorithm", func(t *testing.T) {
		cfg := validConfig()
		cfg.SetDefaults()
		cfg.SigningAlgorithm = "ES256"
		assert.Error(t, cfg.Validate())
	})

	t.Run("NegativeTTL", func(t *testing.T) {
		cfg := validConfig()
		cfg.SetDefaults()
		cfg.RefreshTokenTTL = -time.Minute
		assert.Error(t, cfg.Validate())
	})
}

func TestParseScopes(t *testing.T) {
	assert.Equal(t, []string{"openid", "profile", "email"}, ParseScopes("openid, profile ,email"))
	assert.Empty(t, ParseScopes(""))
	assert.Empty(t, ParseScopes(" , ,"))
}
