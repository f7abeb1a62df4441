package token

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/authcore-io/authcore/pkg/handlerutils"
	issuance "github.com/authcore-io/authcore/pkg/token"
	"github.com/authcore-io/authcore/pkg/types"
	"go.uber.org/zap"
)

// Issuer is the token issuance surface the endpoint drives.
type Issuer interface {
	ExchangeCode(ctx context.Context, client *types.Client, code, redirectURI string) (*issuance.Issued, error)
	Refresh(ctx context.Context, client *types.Client, encodedRefresh string) (*issuance.Issued, error)
}

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
}

type Handler struct {
	issuer Issuer
	db     ClientStore
	logger *zap.Logger
}

func NewHandler(issuer Issuer, db ClientStore, logger *zap.Logger) http.Handler {
	return &Handler{
		issuer: issuer,
		db:     db,
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Invalid request body",
		})
		return
	}

	client, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, client)
	default:
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeUnsupportedGrantType,
			ErrorDescription: "The grant type is not supported by this authorization server",
		})
	}
}

// authenticateClient resolves and authenticates the requesting client.
// Credentials come from the form body or HTTP Basic auth. Public clients
// (auth method "none") present no secret; confidential clients must
// match theirs.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request) (*types.Client, bool) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok && clientID == "" {
		clientID, clientSecret = basicID, basicSecret
	}

	if clientID == "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            types.ErrCodeInvalidClient,
			ErrorDescription: "Client ID is required",
		})
		return nil, false
	}

	client, err := h.db.GetClient(r.Context(), clientID)
	if err != nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            types.ErrCodeInvalidClient,
			ErrorDescription: "Client not found",
		})
		return nil, false
	}

	if !client.Public() {
		if clientSecret == "" {
			handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
				Error:            types.ErrCodeInvalidClient,
				ErrorDescription: "Client secret is required for confidential clients",
			})
			return nil, false
		}
		if client.ClientSecret != clientSecret {
			handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
				Error:            types.ErrCodeInvalidClient,
				ErrorDescription: "Invalid client secret",
			})
			return nil, false
		}
	}

	return client, true
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *types.Client) {
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")

	if code == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "code is required",
		})
		return
	}
	if redirectURI == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "redirect_uri is required",
		})
		return
	}

	issued, err := h.issuer.ExchangeCode(r.Context(), client, code, redirectURI)
	if err != nil {
		h.writeIssueError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, h.tokenResponse(issued))
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *types.Client) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "refresh_token is required",
		})
		return
	}

	issued, err := h.issuer.Refresh(r.Context(), client, refreshToken)
	if err != nil {
		h.writeIssueError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, h.tokenResponse(issued))
}

func (h *Handler) tokenResponse(issued *issuance.Issued) types.TokenResponse {
	resp := types.TokenResponse{
		AccessToken: issued.Access.Token,
		TokenType:   "Bearer",
		Scope:       strings.Join(issued.Scopes, " "),
	}
	if exp := issued.Access.Record.ExpiresAt; exp != nil {
		resp.ExpiresIn = int(time.Until(*exp).Seconds())
	}
	if issued.Refresh != nil {
		resp.RefreshToken = issued.Refresh.Token
	}
	if issued.ID != nil {
		resp.IDToken = issued.ID.Token
	}
	return resp
}

// writeIssueError maps issuance failures to protocol error codes. All
// grant-validation failures collapse to invalid_grant on the wire; the
// distinct causes stay in the logs.
func (h *Handler) writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrCodeConsumed),
		errors.Is(err, types.ErrCodeReplay),
		errors.Is(err, types.ErrAttemptNotFound),
		errors.Is(err, types.ErrAttemptExpired),
		errors.Is(err, types.ErrAttemptNotAuthorized),
		errors.Is(err, types.ErrTokenNotFound),
		errors.Is(err, types.ErrTokenRevoked),
		errors.Is(err, types.ErrTokenMalformed),
		errors.Is(err, types.ErrTokenIDUnparsable),
		errors.Is(err, types.ErrSubjectMismatch),
		errors.Is(err, types.ErrClientMismatch):
		h.logger.Info("token request rejected", zap.Error(err))
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidGrant,
			ErrorDescription: "The provided grant is invalid, expired, or revoked",
		})
	default:
		h.logger.Error("token issuance failed", zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Failed to issue tokens",
		})
	}
}
