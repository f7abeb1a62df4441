// Package server wires the storage, key negotiation, and OAuth endpoint
// handlers into one HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"github.com/authcore-io/authcore/pkg/authorize"
	"github.com/authcore-io/authcore/pkg/claims"
	"github.com/authcore-io/authcore/pkg/config"
	"github.com/authcore-io/authcore/pkg/encryption"
	"github.com/authcore-io/authcore/pkg/handlerutils"
	"github.com/authcore-io/authcore/pkg/keys"
	authorizehandler "github.com/authcore-io/authcore/pkg/oauth/authorize"
	"github.com/authcore-io/authcore/pkg/oauth/callback"
	"github.com/authcore-io/authcore/pkg/oauth/register"
	"github.com/authcore-io/authcore/pkg/oauth/revoke"
	tokenhandler "github.com/authcore-io/authcore/pkg/oauth/token"
	"github.com/authcore-io/authcore/pkg/providers"
	"github.com/authcore-io/authcore/pkg/signer"
	"github.com/authcore-io/authcore/pkg/store"
	"github.com/authcore-io/authcore/pkg/token"
	"github.com/authcore-io/authcore/pkg/types"
)

const cleanupInterval = time.Hour

// Server is the assembled authorization server.
type Server struct {
	db       *store.Store
	engine   *authorize.Engine
	codes    *authorize.CodeIssuer
	issuer   *token.Issuer
	provider providers.Provider
	recorder *claims.StoreProvider
	config   *config.Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the server from configuration. The signing keys are not
// negotiated here; each key is resolved lazily on first use so several
// replicas can start against the same database concurrently.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := store.New(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	negotiator, err := keys.NewNegotiator(db, cfg.SigningAlgorithm, logger)
	if err != nil {
		return nil, err
	}
	sign := signer.New(negotiator)

	provider, err := providers.New(providers.Config{
		Kind:         providers.AuthKindOAuth2,
		AuthorizeURL: cfg.UpstreamAuthorizeURL,
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		Scopes:       cfg.UpstreamScopes,
	})
	if err != nil {
		return nil, err
	}

	random := encryption.CryptoSource{}
	recorder := claims.NewStoreProvider(db)
	engine := authorize.NewEngine(db, sign, cfg.AttemptTTL, logger)
	issuer := token.NewIssuer(db, sign, recorder, token.Options{
		Issuer:         cfg.Issuer,
		AccessTTL:      cfg.AccessTokenTTL,
		RefreshTTL:     cfg.RefreshTokenTTL,
		RefreshEnabled: cfg.RefreshEnabled,
	}, logger)

	return &Server{
		db:       db,
		engine:   engine,
		codes:    authorize.NewCodeIssuer(db, random, logger),
		issuer:   issuer,
		provider: provider,
		recorder: recorder,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Start launches the background cleanup of expired attempts, codes, and
// token records.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := s.db.CleanupExpired(s.ctx); err != nil {
					s.logger.Error("failed to clean up expired records", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Handler returns the routed HTTP surface with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return handlers.LoggingHandler(os.Stdout, mux)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	random := encryption.CryptoSource{}

	authorizeHandler := authorizehandler.NewHandler(s.db, s.engine, s.provider, s.logger)
	callbackHandler := callback.NewHandler(s.engine, s.codes, s.provider, s.recorder, s.logger)
	tokenHandler := tokenhandler.NewHandler(s.issuer, s.db, s.logger)
	revokeHandler := revoke.NewHandler(s.db, s.issuer, s.logger)
	registerHandler := register.NewHandler(s.db, random, s.config.ScopesSupported, s.logger)

	mux.HandleFunc("GET /health", s.withCORS(s.healthHandler))

	mux.HandleFunc("GET /authorize", s.withCORS(authorizeHandler.ServeHTTP))
	mux.HandleFunc("POST /authorize", s.withCORS(authorizeHandler.ServeHTTP))
	mux.HandleFunc("GET /callback", s.withCORS(callbackHandler.ServeHTTP))
	mux.HandleFunc("POST /token", s.withCORS(tokenHandler.ServeHTTP))
	mux.HandleFunc("POST /revoke", s.withCORS(revokeHandler.ServeHTTP))
	mux.HandleFunc("POST /register", s.withCORS(registerHandler.ServeHTTP))

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.withCORS(s.metadataHandler))
	mux.HandleFunc("GET /.well-known/openid-configuration", s.withCORS(s.metadataHandler))

	// Preflight requests for every endpoint.
	mux.HandleFunc("OPTIONS /", s.withCORS(func(http.ResponseWriter, *http.Request) {}))
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r)
	issuer := s.config.Issuer
	if issuer == "" {
		issuer = baseURL
	}

	grantTypes := []string{"authorization_code"}
	if s.config.RefreshEnabled {
		grantTypes = append(grantTypes, "refresh_token")
	}

	handlerutils.JSON(w, http.StatusOK, &types.OAuthMetadata{
		Issuer:                      issuer,
		AuthorizationEndpoint:       baseURL + "/authorize",
		TokenEndpoint:               baseURL + "/token",
		RegistrationEndpoint:        baseURL + "/register",
		RevocationEndpoint:          baseURL + "/revoke",
		ScopesSupported:             s.config.ScopesSupported,
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported:         grantTypes,
		IDTokenSigningAlgsSupported: []string{s.config.SigningAlgorithm},
		TokenEndpointAuthMethods:    []string{"client_secret_basic", "client_secret_post", "none"},
	})
}
