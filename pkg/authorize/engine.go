// Package authorize implements the attempt state machine behind the
// authorization endpoint: attempt creation, the signed state token that
// carries the attempt through redirects, user binding, and single-use
// authorization codes.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/authcore-io/authcore/pkg/encryption"
	"github.com/authcore-io/authcore/pkg/signer"
	"github.com/authcore-io/authcore/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StateKeyName is the logical signing-key name for state tokens.
const StateKeyName = "state"

const codeLengthBytes = 32

// ErrInvalidRedirectURI reports a redirect URI that is not absolute or
// not registered for the client.
var ErrInvalidRedirectURI = errors.New("invalid redirect URI")

// Store is the attempt and code persistence the engine needs.
type Store interface {
	CreateAttempt(ctx context.Context, attempt *types.Attempt) error
	GetAttempt(ctx context.Context, id string) (*types.Attempt, error)
	BindAttemptUser(ctx context.Context, id, userID string) (*types.Attempt, error)
	CreateCode(ctx context.Context, code *types.AuthorizationCode) error
	GetCode(ctx context.Context, code string) (*types.AuthorizationCode, error)
}

// Engine drives an attempt through
// CREATED -> AUTHENTICATED -> CODE_ISSUED -> {CONSUMED | EXPIRED}.
// No transition moves backward; EXPIRED is derived from the wall clock at
// every read, never stored.
type Engine struct {
	store      Store
	signer     *signer.Signer
	attemptTTL time.Duration
	logger     *zap.Logger
}

// NewEngine creates an Engine. attemptTTL bounds the whole authorization
// round trip, end-user interaction included.
func NewEngine(store Store, s *signer.Signer, attemptTTL time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		signer:     s,
		attemptTTL: attemptTTL,
		logger:     logger,
	}
}

// CreateAttempt validates and persists a new authorization attempt for
// the client. Requested scopes are intersected with the client's allowed
// set; an empty request falls back to the client's defaults. A client
// state value already bound to a live attempt fails with
// types.ErrStateReplay.
func (e *Engine) CreateAttempt(ctx context.Context, client *types.Client, redirectURI string, requestedScopes []string, clientState string) (*types.Attempt, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		return nil, ErrInvalidRedirectURI
	}
	if !client.RedirectURIs.Contains(redirectURI) {
		return nil, ErrInvalidRedirectURI
	}

	granted := grantScopes(requestedScopes, client)

	attempt := &types.Attempt{
		ID:              uuid.NewString(),
		ClientID:        client.ClientID,
		RedirectURI:     redirectURI,
		RequestedScopes: requestedScopes,
		GrantedScopes:   granted,
		ExpiresAt:       time.Now().Add(e.attemptTTL),
	}
	if clientState != "" {
		attempt.ClientState = &clientState
	}

	if err := e.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	e.logger.Debug("attempt created",
		zap.String("attempt_id", attempt.ID),
		zap.String("client_id", client.ClientID),
		zap.Strings("granted_scopes", granted))
	return attempt, nil
}

// grantScopes intersects the request with the client's allowed set,
// preserving request order. Unknown scopes are filtered silently, not
// rejected.
func grantScopes(requested []string, client *types.Client) []string {
	if len(requested) == 0 {
		return append([]string(nil), client.DefaultScopes...)
	}
	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if client.AllowedScopes.Contains(scope) {
			granted = append(granted, scope)
		}
	}
	return granted
}

// EncodeState signs a compact token whose subject is the attempt ID.
// Callers must treat the token as opaque and carry it unmodified through
// every redirect.
func (e *Engine) EncodeState(ctx context.Context, attempt *types.Attempt) (string, error) {
	expiresAt := attempt.ExpiresAt
	return e.signer.Sign(ctx, StateKeyName, signer.ClaimSet{
		Subject:   attempt.ID,
		ID:        uuid.NewString(),
		IssuedAt:  time.Now(),
		ExpiresAt: &expiresAt,
	})
}

// VerifyState checks a state token and loads its attempt. Each failure
// mode is distinct: missing token, bad signature, unparsable subject,
// missing attempt, expired attempt.
func (e *Engine) VerifyState(ctx context.Context, token string) (*types.Attempt, error) {
	if token == "" {
		return nil, types.ErrStateTokenMissing
	}

	claims, err := e.signer.Verify(ctx, StateKeyName, token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.ErrAttemptExpired
		}
		return nil, fmt.Errorf("%w: %w", types.ErrStateTokenSignature, err)
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, types.ErrStateTokenSubject
	}

	attempt, err := e.store.GetAttempt(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if attempt.Expired(time.Now()) {
		return nil, types.ErrAttemptExpired
	}
	return attempt, nil
}

// BindUser attaches the authenticated user to the attempt. The
// transition is one-way and happens only after upstream authentication
// fully succeeded.
func (e *Engine) BindUser(ctx context.Context, attempt *types.Attempt, userID string) (*types.Attempt, error) {
	if attempt.Expired(time.Now()) {
		return nil, types.ErrAttemptExpired
	}
	bound, err := e.store.BindAttemptUser(ctx, attempt.ID, userID)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("user bound to attempt",
		zap.String("attempt_id", attempt.ID),
		zap.String("user_id", userID))
	return bound, nil
}

// FindValidByCode resolves an authorization code to its attempt,
// enforcing expiry on both records. It does not consume the code.
func (e *Engine) FindValidByCode(ctx context.Context, code string) (*types.Attempt, error) {
	rec, err := e.store.GetCode(ctx, code)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.After(rec.ExpiresAt) {
		return nil, types.ErrAttemptExpired
	}
	attempt, err := e.store.GetAttempt(ctx, rec.AttemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Expired(now) {
		return nil, types.ErrAttemptExpired
	}
	return attempt, nil
}

// CodeIssuer mints single-use authorization codes bound to an attempt.
type CodeIssuer struct {
	store  Store
	random encryption.RandomSource
	logger *zap.Logger
}

// NewCodeIssuer creates a CodeIssuer.
func NewCodeIssuer(store Store, random encryption.RandomSource, logger *zap.Logger) *CodeIssuer {
	return &CodeIssuer{store: store, random: random, logger: logger}
}

// Issue generates a random opaque code for an authenticated attempt. The
// code inherits the attempt's expiry. Uniqueness is storage-enforced; a
// violation surfaces as a replay error instead of a retry.
func (c *CodeIssuer) Issue(ctx context.Context, attempt *types.Attempt) (*types.AuthorizationCode, error) {
	if attempt.Expired(time.Now()) {
		return nil, types.ErrAttemptExpired
	}
	if !attempt.Authenticated() {
		return nil, types.ErrAttemptNotAuthorized
	}

	code := &types.AuthorizationCode{
		Code:      c.random.RandomString(codeLengthBytes),
		AttemptID: attempt.ID,
		ExpiresAt: attempt.ExpiresAt,
	}
	if err := c.store.CreateCode(ctx, code); err != nil {
		return nil, err
	}

	c.logger.Debug("authorization code issued", zap.String("attempt_id", attempt.ID))
	return code, nil
}
