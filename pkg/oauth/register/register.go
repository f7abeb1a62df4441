package register

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/authcore-io/authcore/pkg/encryption"
	"github.com/authcore-io/authcore/pkg/handlerutils"
	"github.com/authcore-io/authcore/pkg/types"
	"go.uber.org/zap"
)

const maxMetadataBytes = 1024 * 1024

type ClientStore interface {
	StoreClient(ctx context.Context, client *types.Client) error
}

type Handler struct {
	db     ClientStore
	random encryption.RandomSource
	// defaultScopes is granted to clients that register without a scope.
	defaultScopes []string
	logger        *zap.Logger
}

func NewHandler(db ClientStore, random encryption.RandomSource, defaultScopes []string, logger *zap.Logger) http.Handler {
	return &Handler{
		db:            db,
		random:        random,
		defaultScopes: defaultScopes,
		logger:        logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Method not allowed",
		})
		return
	}

	if r.ContentLength > maxMetadataBytes {
		handlerutils.JSON(w, http.StatusRequestEntityTooLarge, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Request payload too large, must be under 1 MiB",
		})
		return
	}

	var metadata map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMetadataBytes)).Decode(&metadata); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrCodeInvalidRequest,
			ErrorDescription: "Invalid JSON payload",
		})
		return
	}

	client, err := h.clientFromMetadata(metadata)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client_metadata",
			ErrorDescription: err.Error(),
		})
		return
	}

	client.ClientID = h.random.RandomString(16)
	if !client.Public() {
		client.ClientSecret = h.random.RandomString(32)
	}
	client.RegisteredAt = time.Now()

	if err := h.db.StoreClient(r.Context(), client); err != nil {
		h.logger.Error("failed to store client", zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrCodeServerError,
			ErrorDescription: "Failed to register client",
		})
		return
	}

	h.logger.Info("client registered",
		zap.String("client_id", client.ClientID),
		zap.String("auth_method", client.TokenEndpointAuthMethod))

	response := map[string]any{
		"client_id":                  client.ClientID,
		"redirect_uris":              client.RedirectURIs,
		"client_name":                client.ClientName,
		"scope":                      strings.Join(client.AllowedScopes, " "),
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_id_issued_at":        client.RegisteredAt.Unix(),
	}
	if client.ClientSecret != "" {
		response["client_secret"] = client.ClientSecret
	}

	handlerutils.JSON(w, http.StatusCreated, response)
}

func (h *Handler) clientFromMetadata(metadata map[string]any) (*types.Client, error) {
	stringField := func(name string) (string, error) {
		field, ok := metadata[name]
		if !ok || field == nil {
			return "", nil
		}
		str, ok := field.(string)
		if !ok {
			return "", fmt.Errorf("field %s must be a string", name)
		}
		return str, nil
	}

	stringArray := func(name string) ([]string, error) {
		field, ok := metadata[name]
		if !ok || field == nil {
			return nil, nil
		}
		array, ok := field.([]any)
		if !ok {
			return nil, fmt.Errorf("field %s must be an array", name)
		}
		result := make([]string, len(array))
		for i, item := range array {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("all elements in %s must be strings", name)
			}
			result[i] = str
		}
		return result, nil
	}

	redirectURIs, err := stringArray("redirect_uris")
	if err != nil {
		return nil, err
	}
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}

	clientName, err := stringField("client_name")
	if err != nil {
		return nil, err
	}

	authMethod, err := stringField("token_endpoint_auth_method")
	if err != nil {
		return nil, err
	}
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	scope, err := stringField("scope")
	if err != nil {
		return nil, err
	}
	allowedScopes := strings.Fields(scope)
	if len(allowedScopes) == 0 {
		allowedScopes = append([]string(nil), h.defaultScopes...)
	}

	return &types.Client{
		RedirectURIs:            redirectURIs,
		AllowedScopes:           allowedScopes,
		DefaultScopes:           allowedScopes,
		ClientName:              clientName,
		TokenEndpointAuthMethod: authMethod,
	}, nil
}
