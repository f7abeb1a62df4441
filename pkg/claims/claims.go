// Package claims exposes collected user claims to the ID-token
// generator, gated by granted scopes.
package claims

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/authcore-io/authcore/pkg/types"
)

// Claim is one user claim with the scope that makes it readable.
type Claim struct {
	Name     string
	Value    any
	Scope    string
	Verified bool
}

// Provider yields the claims readable for a user under the given scopes.
type Provider interface {
	ReadableClaims(ctx context.Context, userID string, scopes []string) ([]Claim, error)
}

// Store is the claim persistence used by the store-backed provider.
type Store interface {
	ListUserClaims(ctx context.Context, userID string, scopes []string) ([]types.UserClaim, error)
	SaveUserClaims(ctx context.Context, claims []types.UserClaim) error
}

// StoreProvider reads claims collected at authentication time from the
// shared database.
type StoreProvider struct {
	store Store
}

// NewStoreProvider creates a StoreProvider.
func NewStoreProvider(store Store) *StoreProvider {
	return &StoreProvider{store: store}
}

// ReadableClaims returns the user's claims readable under the scopes.
func (p *StoreProvider) ReadableClaims(ctx context.Context, userID string, scopes []string) ([]Claim, error) {
	records, err := p.store.ListUserClaims(ctx, userID, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims for user: %w", err)
	}

	claims := make([]Claim, 0, len(records))
	for _, rec := range records {
		var value any
		if err := json.Unmarshal([]byte(rec.Value), &value); err != nil {
			return nil, fmt.Errorf("stored claim %q is not valid JSON: %w", rec.Name, err)
		}
		claims = append(claims, Claim{
			Name:     rec.Name,
			Value:    value,
			Scope:    rec.Scope,
			Verified: rec.Verified,
		})
	}
	return claims, nil
}

// Record persists claims gathered for a user, typically from an upstream
// provider's userinfo response.
func (p *StoreProvider) Record(ctx context.Context, userID string, claims []Claim) error {
	records := make([]types.UserClaim, 0, len(claims))
	for _, c := range claims {
		value, err := json.Marshal(c.Value)
		if err != nil {
			return fmt.Errorf("claim %q is not JSON-encodable: %w", c.Name, err)
		}
		records = append(records, types.UserClaim{
			UserID:   userID,
			Name:     c.Name,
			Value:    string(value),
			Scope:    c.Scope,
			Verified: c.Verified,
		})
	}
	return p.store.SaveUserClaims(ctx, records)
}
