package revoke

import (
	"context"
	"net/http"

	"github.com/authcore-io/authcore/pkg/handlerutils"
	"github.com/authcore-io/authcore/pkg/types"
	"go.uber.org/zap"
)

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
}

// Revoker marks a presented token's record revoked.
type Revoker interface {
	Revoke(ctx context.Context, encoded string) error
}

type Handler struct {
	db      ClientStore
	revoker Revoker
	logger  *zap.Logger
}

func NewHandler(db ClientStore, revoker Revoker, logger *zap.Logger) http.Handler {
	return &Handler{
		db:      db,
		revoker: revoker,
		logger:  logger,
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
		return
	}

	client, err := h.db.GetClient(r.Context(), clientID)
	if err != nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            types.ErrCodeInvalidClient,
			ErrorDescription: "Client not found",
		})
		return
	}

	if !client.Public() && client.ClientSecret != clientSecret {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            types.ErrCodeInvalidClient,
			ErrorDescription: "Invalid client secret",
		})
		return
	}

	token := r.FormValue("token")
	if token == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Token parameter is required",
		})
		return
	}

	// RFC 7009: respond 200 even when the token is unknown or invalid,
	// so revocation leaks nothing about token validity.
	if err := h.revoker.Revoke(r.Context(), token); err != nil {
		h.logger.Info("revocation request did not resolve a token", zap.Error(err))
	}

	w.WriteHeader(http.StatusOK)
}
