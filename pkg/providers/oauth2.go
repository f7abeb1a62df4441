package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/authcore-io/authcore/pkg/types"
	"golang.org/x/oauth2"
)

// OAuth2Provider authenticates against any upstream OAuth2/OIDC provider
// that serves a well-known metadata document, falling back to
// conventional endpoint paths when discovery fails.
type OAuth2Provider struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	metadata *types.OAuthMetadata
}

// NewOAuth2Provider creates an OAuth2Provider.
func NewOAuth2Provider(cfg Config) *OAuth2Provider {
	return &OAuth2Provider{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OAuth2Provider) Name() string {
	return string(AuthKindOAuth2)
}

// AuthorizationURL builds the upstream redirect carrying our state token
// as the upstream state parameter.
func (p *OAuth2Provider) AuthorizationURL(redirectURI, state string) string {
	authURL, tokenURL := p.cfg.AuthorizeURL, ""
	if md, err := p.discoverEndpoints(); err == nil {
		authURL, tokenURL = md.AuthorizationEndpoint, md.TokenEndpoint
	}
	return p.oauth2Config(authURL, tokenURL, redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// Authenticate exchanges the upstream code and fetches userinfo. The
// returned identity keeps the raw userinfo document so claim collection
// sees every field the upstream reported.
func (p *OAuth2Provider) Authenticate(ctx context.Context, code, redirectURI string) (*Identity, error) {
	md, err := p.discoverEndpoints()
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream endpoints: %w", err)
	}

	token, err := p.oauth2Config(md.AuthorizationEndpoint, md.TokenEndpoint, redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}

	return p.fetchIdentity(ctx, md.UserinfoEndpoint, token.AccessToken)
}

func (p *OAuth2Provider) fetchIdentity(ctx context.Context, userinfoEndpoint, accessToken string) (*Identity, error) {
	if userinfoEndpoint == "" {
		return nil, fmt.Errorf("upstream has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}

	identity := &Identity{
		UserID: getString(raw, "sub"),
		Email:  getString(raw, "email"),
		Name:   getString(raw, "name"),
		Raw:    raw,
	}
	if identity.UserID == "" {
		identity.UserID = getString(raw, "id")
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("userinfo response carries no subject")
	}
	return identity, nil
}

// discoverEndpoints resolves upstream metadata once and caches it for
// the provider's lifetime.
func (p *OAuth2Provider) discoverEndpoints() (*types.OAuthMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.metadata != nil {
		return p.metadata, nil
	}

	parsed, err := url.Parse(p.cfg.AuthorizeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorize URL: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)

	wellKnownPaths := []string{
		"/.well-known/oauth-authorization-server" + parsed.Path,
		fmt.Sprintf("%s/.well-known/oauth-authorization-server", strings.TrimSuffix(parsed.Path, "/")),
		"/.well-known/openid-configuration" + parsed.Path,
		fmt.Sprintf("%s/.well-known/openid-configuration", strings.TrimSuffix(parsed.Path, "/")),
	}
	for _, path := range wellKnownPaths {
		metadata, err := p.fetchMetadata(baseURL + path)
		if err == nil && metadata != nil {
			p.metadata = metadata
			return p.metadata, nil
		}
	}

	// No metadata document; assume conventional endpoint paths.
	p.metadata = &types.OAuthMetadata{
		Issuer:                baseURL,
		AuthorizationEndpoint: p.cfg.AuthorizeURL,
		TokenEndpoint:         baseURL + "/token",
		UserinfoEndpoint:      baseURL + "/userinfo",
	}
	return p.metadata, nil
}

func (p *OAuth2Provider) fetchMetadata(metadataURL string) (*types.OAuthMetadata, error) {
	resp, err := p.httpClient.Get(metadataURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: %s", resp.Status)
	}

	var metadata types.OAuthMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &metadata, nil
}

func (p *OAuth2Provider) oauth2Config(authURL, tokenURL, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}
}

func getString(m map[string]any, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
