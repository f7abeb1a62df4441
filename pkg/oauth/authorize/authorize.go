package authorize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/authcore-io/authcore/pkg/authorize"
	"github.com/authcore-io/authcore/pkg/handlerutils"
	"github.com/authcore-io/authcore/pkg/providers"
	"github.com/authcore-io/authcore/pkg/types"
	"go.uber.org/zap"
)

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
}

// Engine is the attempt surface the endpoint drives.
type Engine interface {
	CreateAttempt(ctx context.Context, client *types.Client, redirectURI string, requestedScopes []string, clientState string) (*types.Attempt, error)
	EncodeState(ctx context.Context, attempt *types.Attempt) (string, error)
}

type Handler struct {
	db       ClientStore
	engine   Engine
	provider providers.Provider
	logger   *zap.Logger
}

func NewHandler(db ClientStore, engine Engine, provider providers.Provider, logger *zap.Logger) http.Handler {
	return &Handler{
		db:       db,
		engine:   engine,
		provider: provider,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params url.Values
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            types.ErrCodeInvalidRequest,
				ErrorDescription: "Failed to parse form data",
			})
			return
		}
		params = r.Form
	}

	authReq := types.AuthRequest{
		ResponseType: params.Get("response_type"),
		ClientID:     params.Get("client_id"),
		RedirectURI:  params.Get("redirect_uri"),
		Scope:        params.Get("scope"),
		State:        params.Get("state"),
	}

	if authReq.ResponseType == "" || authReq.ClientID == "" || authReq.RedirectURI == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Missing required parameters",
		})
		return
	}

	if authReq.ResponseType != "code" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeUnsupportedResponseType,
			ErrorDescription: "Only the 'code' response type is supported",
		})
		return
	}

	client, err := h.db.GetClient(r.Context(), authReq.ClientID)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidClient,
			ErrorDescription: "Client not found",
		})
		return
	}

	attempt, err := h.engine.CreateAttempt(r.Context(), client, authReq.RedirectURI, strings.Fields(authReq.Scope), authReq.State)
	if err != nil {
		h.writeCreateError(w, err)
		return
	}

	state, err := h.engine.EncodeState(r.Context(), attempt)
	if err != nil {
		h.logger.Error("failed to encode state token", zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Failed to start authorization",
		})
		return
	}

	callbackURI := fmt.Sprintf("%s/callback", handlerutils.GetBaseURL(r))
	http.Redirect(w, r, h.provider.AuthorizationURL(callbackURI, state), http.StatusFound)
}

func (h *Handler) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authorize.ErrInvalidRedirectURI):
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Invalid redirect URI",
		})
	case errors.Is(err, types.ErrStateReplay):
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "State value is already bound to a pending authorization",
		})
	default:
		h.logger.Error("failed to create authorization attempt", zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Failed to start authorization",
		})
	}
}
