package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/authcore-io/authcore/pkg/claims"
	"github.com/authcore-io/authcore/pkg/handlerutils"
	"github.com/authcore-io/authcore/pkg/providers"
	"github.com/authcore-io/authcore/pkg/types"
	"go.uber.org/zap"
)

// Engine is the attempt surface the callback drives.
type Engine interface {
	VerifyState(ctx context.Context, token string) (*types.Attempt, error)
	BindUser(ctx context.Context, attempt *types.Attempt, userID string) (*types.Attempt, error)
}

// CodeIssuer mints the single-use code handed back to the client.
type CodeIssuer interface {
	Issue(ctx context.Context, attempt *types.Attempt) (*types.AuthorizationCode, error)
}

// ClaimRecorder persists claims learned from the upstream userinfo.
type ClaimRecorder interface {
	Record(ctx context.Context, userID string, claims []claims.Claim) error
}

type Handler struct {
	engine   Engine
	codes    CodeIssuer
	provider providers.Provider
	recorder ClaimRecorder
	logger   *zap.Logger
}

func NewHandler(engine Engine, codes CodeIssuer, provider providers.Provider, recorder ClaimRecorder, logger *zap.Logger) http.Handler {
	return &Handler{
		engine:   engine,
		codes:    codes,
		provider: provider,
		recorder: recorder,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if upstreamErr := query.Get("error"); upstreamErr != "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            upstreamErr,
			ErrorDescription: query.Get("error_description"),
		})
		return
	}

	code := query.Get("code")
	if code == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Missing authorization code",
		})
		return
	}

	attempt, err := h.engine.VerifyState(r.Context(), query.Get("state"))
	if err != nil {
		h.logger.Info("state verification failed", zap.Error(err))
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Invalid or expired state parameter",
		})
		return
	}

	callbackURI := fmt.Sprintf("%s/callback", handlerutils.GetBaseURL(r))
	identity, err := h.provider.Authenticate(r.Context(), code, callbackURI)
	if err != nil {
		h.logger.Error("upstream authentication failed", zap.Error(err))
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidGrant,
			ErrorDescription: "Failed to authenticate with the upstream provider",
		})
		return
	}

	// Claims are recorded before binding so the ID-token generator sees
	// them on the very first exchange. A recording failure is not fatal;
	// the ID token just carries fewer claims.
	if err := h.recorder.Record(r.Context(), identity.UserID, identityClaims(identity)); err != nil {
		h.logger.Warn("failed to record user claims",
			zap.String("user_id", identity.UserID), zap.Error(err))
	}

	attempt, err = h.engine.BindUser(r.Context(), attempt, identity.UserID)
	if err != nil {
		h.writeBindError(w, err)
		return
	}

	authCode, err := h.codes.Issue(r.Context(), attempt)
	if err != nil {
		h.logger.Error("failed to issue authorization code",
			zap.String("attempt_id", attempt.ID), zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Failed to issue authorization code",
		})
		return
	}

	redirectURL, err := url.Parse(attempt.RedirectURI)
	if err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Invalid redirect URL",
		})
		return
	}

	q := redirectURL.Query()
	q.Set("code", authCode.Code)
	if attempt.ClientState != nil {
		q.Set("state", *attempt.ClientState)
	}
	redirectURL.RawQuery = q.Encode()

	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

func (h *Handler) writeBindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrAttemptExpired):
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Authorization attempt has expired",
		})
	case errors.Is(err, types.ErrUserBound):
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Authorization attempt was already completed",
		})
	default:
		h.logger.Error("failed to bind user to attempt", zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Failed to complete authorization",
		})
	}
}

// identityClaims maps the upstream userinfo document onto the claims
// readable under the standard profile and email scopes. Fields outside
// that set are dropped.
func identityClaims(identity *providers.Identity) []claims.Claim {
	emailVerified, _ := identity.Raw["email_verified"].(bool)

	var out []claims.Claim
	if identity.Email != "" {
		out = append(out, claims.Claim{Name: "email", Value: identity.Email, Scope: "email", Verified: emailVerified})
	}
	if identity.Name != "" {
		out = append(out, claims.Claim{Name: "name", Value: identity.Name, Scope: "profile", Verified: true})
	}
	for _, name := range []string{"given_name", "family_name", "preferred_username", "picture"} {
		if value, ok := identity.Raw[name].(string); ok && value != "" {
			out = append(out, claims.Claim{Name: name, Value: value, Scope: "profile", Verified: true})
		}
	}
	return out
}
