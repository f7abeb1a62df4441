// Package token issues and validates the access, refresh, and ID tokens
// produced by a completed authorization attempt.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/authcore-io/authcore/pkg/claims"
	"github.com/authcore-io/authcore/pkg/signer"
	"github.com/authcore-io/authcore/pkg/store"
	"github.com/authcore-io/authcore/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Logical signing-key names, one per token kind.
const (
	AccessKeyName  = "access"
	RefreshKeyName = "refresh"
	IDKeyName      = "id"
)

// ScopeOpenID gates ID-token issuance.
const ScopeOpenID = "openid"

// Options configures token lifetimes and refresh policy.
type Options struct {
	// Issuer is the iss claim stamped into every token.
	Issuer string
	// AccessTTL bounds access and ID token lifetime.
	AccessTTL time.Duration
	// RefreshTTL bounds refresh tokens; zero means they never expire.
	RefreshTTL time.Duration
	// RefreshEnabled disables refresh issuance entirely when false; the
	// generator then yields no token rather than failing.
	RefreshEnabled bool
}

// Signed pairs a persisted token record with its signed encoding.
type Signed struct {
	Record *types.IssuedToken
	Token  string
}

// Issued is the combined result of one issuance.
type Issued struct {
	Access  *Signed
	Refresh *Signed
	ID      *Signed
	Scopes  []string
}

// Issuer orchestrates the three token generators.
type Issuer struct {
	store  *store.Store
	signer *signer.Signer
	claims claims.Provider
	opts   Options
	logger *zap.Logger

	// now is the clock; tests substitute it to pin expiry arithmetic.
	now func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(st *store.Store, s *signer.Signer, provider claims.Provider, opts Options, logger *zap.Logger) *Issuer {
	return &Issuer{
		store:  st,
		signer: s,
		claims: provider,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// pending holds the records prepared for one issuance, persisted before
// any signing happens so every signed token's jti resolves to a row.
type pending struct {
	access  *types.IssuedToken
	refresh *types.IssuedToken
	id      *types.IssuedToken
}

func (p *pending) rows() []*types.IssuedToken {
	rows := []*types.IssuedToken{p.access}
	if p.refresh != nil {
		rows = append(rows, p.refresh)
	}
	if p.id != nil {
		rows = append(rows, p.id)
	}
	return rows
}

// IssueForAttempt issues the token set for an authenticated attempt:
// always an access token, a refresh token unless disabled, and an ID
// token when the openid scope was granted.
func (i *Issuer) IssueForAttempt(ctx context.Context, attempt *types.Attempt) (*Issued, error) {
	if err := checkAttempt(attempt, i.now()); err != nil {
		return nil, err
	}

	p := i.prepare(attempt)
	err := i.store.Transaction(ctx, func(tx *store.Store) error {
		return tx.CreateIssuedTokens(ctx, p.rows()...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist token records: %w", err)
	}
	return i.sign(ctx, attempt, p)
}

// ExchangeCode consumes an authorization code and issues tokens for its
// attempt. The consume and the token-record inserts share one
// transaction, so under concurrent exchange of the same code exactly one
// caller issues tokens and the rest fail with an invalid-grant-class
// error.
func (i *Issuer) ExchangeCode(ctx context.Context, client *types.Client, code, redirectURI string) (*Issued, error) {
	rec, err := i.store.GetCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if i.now().After(rec.ExpiresAt) {
		return nil, types.ErrAttemptExpired
	}

	attempt, err := i.store.GetAttempt(ctx, rec.AttemptID)
	if err != nil {
		return nil, err
	}
	if err := checkAttempt(attempt, i.now()); err != nil {
		return nil, err
	}
	if attempt.ClientID != client.ClientID {
		return nil, types.ErrClientMismatch
	}
	if redirectURI != attempt.RedirectURI {
		return nil, fmt.Errorf("%w: redirect URI does not match the attempt", types.ErrClientMismatch)
	}

	p := i.prepare(attempt)
	err = i.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.ConsumeCode(ctx, code); err != nil {
			return err
		}
		return tx.CreateIssuedTokens(ctx, p.rows()...)
	})
	if err != nil {
		return nil, err
	}

	i.logger.Info("authorization code exchanged",
		zap.String("attempt_id", attempt.ID),
		zap.String("client_id", client.ClientID))
	return i.sign(ctx, attempt, p)
}

// Refresh verifies a refresh token and issues a new access token. A new
// refresh token is issued only when the presented token expires strictly
// before the new access token would; an equal or later expiry does not
// rotate, and rotation is suppressed entirely while refresh issuance is
// disabled.
//
// Concurrent refreshes of the same token are not mutually excluded; each
// runs its own generator transaction and both may mint tokens.
func (i *Issuer) Refresh(ctx context.Context, client *types.Client, encodedRefresh string) (*Issued, error) {
	verified, err := i.signer.Verify(ctx, RefreshKeyName, encodedRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrTokenMalformed, err)
	}

	rec, err := i.Resolve(ctx, verified)
	if err != nil {
		return nil, err
	}
	if rec.Kind != types.TokenKindRefresh {
		return nil, types.ErrTokenMalformed
	}
	if rec.ClientID != client.ClientID {
		return nil, types.ErrClientMismatch
	}

	attempt := &types.Attempt{
		ID:            rec.AttemptID,
		ClientID:      rec.ClientID,
		UserID:        rec.UserID,
		GrantedScopes: rec.Scopes,
	}

	accessExp := i.now().Add(i.opts.AccessTTL)
	p := &pending{access: i.newRecord(types.TokenKindAccess, attempt, &accessExp)}

	rotate := i.shouldRotate(rec, accessExp)
	if rotate {
		p.refresh = i.newRefreshRecord(attempt)
	}

	err = i.store.Transaction(ctx, func(tx *store.Store) error {
		return tx.CreateIssuedTokens(ctx, p.rows()...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token records: %w", err)
	}

	issued, err := i.sign(ctx, attempt, p)
	if err != nil {
		return nil, err
	}

	if rotate {
		// The superseded refresh token is retired once its replacement
		// is durable.
		if err := i.store.RevokeIssuedToken(ctx, rec.ID); err != nil {
			i.logger.Error("failed to revoke rotated refresh token",
				zap.String("jti", rec.ID), zap.Error(err))
		}
	}

	i.logger.Info("refresh token exchanged",
		zap.String("client_id", client.ClientID),
		zap.Bool("rotated", rotate))
	return issued, nil
}

// shouldRotate reports whether the presented refresh token must be
// replaced: only when it would expire strictly before the new access
// token. An equal expiry keeps the presented token, and rotation never
// happens while refresh issuance is disabled.
func (i *Issuer) shouldRotate(rec *types.IssuedToken, accessExp time.Time) bool {
	if !i.opts.RefreshEnabled {
		return false
	}
	return rec.ExpiresAt != nil && rec.ExpiresAt.Before(accessExp)
}

// Resolve maps verified token claims to the issued-token record backing
// them. Each failure mode is distinct: unparsable jti, missing record,
// revoked record, subject mismatch.
func (i *Issuer) Resolve(ctx context.Context, verified *jwt.RegisteredClaims) (*types.IssuedToken, error) {
	if _, err := uuid.Parse(verified.ID); err != nil {
		return nil, types.ErrTokenIDUnparsable
	}
	rec, err := i.store.GetIssuedToken(ctx, verified.ID)
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, types.ErrTokenRevoked
	}
	if rec.UserID != verified.Subject {
		return nil, types.ErrSubjectMismatch
	}
	return rec, nil
}

// ValidateAccessToken verifies a bearer access token end to end:
// signature, expiry, record lookup, revocation, and subject match.
func (i *Issuer) ValidateAccessToken(ctx context.Context, encoded string) (*types.IssuedToken, error) {
	verified, err := i.signer.Verify(ctx, AccessKeyName, encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrTokenMalformed, err)
	}
	rec, err := i.Resolve(ctx, verified)
	if err != nil {
		return nil, err
	}
	if rec.Kind != types.TokenKindAccess {
		return nil, types.ErrTokenMalformed
	}
	return rec, nil
}

// Revoke parses a presented token against each key, resolves its record,
// and marks it revoked. Revocation is monotonic.
func (i *Issuer) Revoke(ctx context.Context, encoded string) error {
	for _, keyName := range []string{RefreshKeyName, AccessKeyName, IDKeyName} {
		verified, err := i.signer.Verify(ctx, keyName, encoded)
		if err != nil {
			continue
		}
		if _, err := uuid.Parse(verified.ID); err != nil {
			return types.ErrTokenIDUnparsable
		}
		return i.store.RevokeIssuedToken(ctx, verified.ID)
	}
	return types.ErrTokenMalformed
}

// checkAttempt fails fast on an expired or unauthenticated attempt.
func checkAttempt(attempt *types.Attempt, now time.Time) error {
	if attempt.Expired(now) {
		return types.ErrAttemptExpired
	}
	if !attempt.Authenticated() {
		return types.ErrAttemptNotAuthorized
	}
	return nil
}

// prepare builds the token records for an attempt. Records are created
// before signing so the jti of every signed token already resolves.
func (i *Issuer) prepare(attempt *types.Attempt) *pending {
	accessExp := i.now().Add(i.opts.AccessTTL)
	p := &pending{access: i.newRecord(types.TokenKindAccess, attempt, &accessExp)}
	if i.opts.RefreshEnabled {
		p.refresh = i.newRefreshRecord(attempt)
	}
	if attempt.GrantedScopes.Contains(ScopeOpenID) {
		idExp := i.now().Add(i.opts.AccessTTL)
		p.id = i.newRecord(types.TokenKindID, attempt, &idExp)
	}
	return p
}

func (i *Issuer) newRecord(kind types.TokenKind, attempt *types.Attempt, expiresAt *time.Time) *types.IssuedToken {
	return &types.IssuedToken{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    attempt.UserID,
		ClientID:  attempt.ClientID,
		Scopes:    attempt.GrantedScopes,
		AttemptID: attempt.ID,
		IssuedAt:  i.now(),
		ExpiresAt: expiresAt,
	}
}

func (i *Issuer) newRefreshRecord(attempt *types.Attempt) *types.IssuedToken {
	var exp *time.Time
	if i.opts.RefreshTTL > 0 {
		t := i.now().Add(i.opts.RefreshTTL)
		exp = &t
	}
	return i.newRecord(types.TokenKindRefresh, attempt, exp)
}

// sign produces the encoded tokens for prepared records. Access and
// refresh signing run concurrently; ID-token signing waits on the access
// token because it embeds an access-token-derived claim.
func (i *Issuer) sign(ctx context.Context, attempt *types.Attempt, p *pending) (*Issued, error) {
	issued := &Issued{Scopes: attempt.GrantedScopes}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		token, err := i.signRecord(gctx, AccessKeyName, p.access)
		if err != nil {
			return err
		}
		issued.Access = &Signed{Record: p.access, Token: token}
		return nil
	})
	if p.refresh != nil {
		g.Go(func() error {
			token, err := i.signRecord(gctx, RefreshKeyName, p.refresh)
			if err != nil {
				return err
			}
			issued.Refresh = &Signed{Record: p.refresh, Token: token}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if p.id != nil {
		token, err := i.signIDToken(ctx, attempt, p.id, issued.Access.Token)
		if err != nil {
			return nil, err
		}
		issued.ID = &Signed{Record: p.id, Token: token}
	}

	return issued, nil
}

func (i *Issuer) signRecord(ctx context.Context, keyName string, rec *types.IssuedToken) (string, error) {
	return i.signer.Sign(ctx, keyName, signer.ClaimSet{
		Subject:   rec.UserID,
		ID:        rec.ID,
		Audience:  rec.ClientID,
		Issuer:    i.opts.Issuer,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Extra: map[string]any{
			"scope": strings.Join(rec.Scopes, " "),
		},
	})
}

// signIDToken embeds the user claims readable under the granted scopes,
// each paired with a verified companion claim. A claim of an unsupported
// shape is skipped and logged; a partially populated ID token beats
// none.
func (i *Issuer) signIDToken(ctx context.Context, attempt *types.Attempt, rec *types.IssuedToken, accessToken string) (string, error) {
	extra := map[string]any{
		"at_hash": accessTokenHash(accessToken),
	}

	userClaims, err := i.claims.ReadableClaims(ctx, attempt.UserID, attempt.GrantedScopes)
	if err != nil {
		return "", fmt.Errorf("failed to collect ID token claims: %w", err)
	}
	for _, c := range userClaims {
		switch c.Value.(type) {
		case string, bool, float64, int, int64:
			extra[c.Name] = c.Value
			extra[c.Name+"_verified"] = c.Verified
		default:
			i.logger.Warn("skipping ID token claim of unsupported shape",
				zap.String("claim", c.Name),
				zap.String("user_id", attempt.UserID))
		}
	}

	return i.signer.Sign(ctx, IDKeyName, signer.ClaimSet{
		Subject:   rec.UserID,
		ID:        rec.ID,
		Audience:  rec.ClientID,
		Issuer:    i.opts.Issuer,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Extra:     extra,
	})
}

// accessTokenHash is the OIDC at_hash: base64url of the left half of the
// access token's SHA-256.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
