package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/authcore-io/authcore/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store represents the database connection and operations. It is the
// single source of truth shared by all server processes; the only state
// held outside it is the per-process signing-key cache.
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

// New creates a new database connection and sets up the schema
func New(dsn string) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Uniqueness violations must surface as gorm.ErrDuplicatedKey so
		// they can be translated to domain replay errors.
		TranslateError: true,
	}

	// If DSN is empty, use SQLite with local file
	if dsn == "" {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		sqlitePath := filepath.Join(dataDir, "authcore.db")
		gormDB, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
		dbType = "sqlite"
	} else {
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
			dbType = "postgres"
		} else {
			// Assume SQLite file path
			gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
			dbType = "sqlite"
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &Store{db: gormDB, dbType: dbType}

	if err := database.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return database, nil
}

// setupSchema creates the necessary tables and handles migrations
func (s *Store) setupSchema() error {
	err := s.db.AutoMigrate(
		&types.Client{},
		&types.Attempt{},
		&types.AuthorizationCode{},
		&types.IssuedToken{},
		&types.SigningKey{},
		&types.SigningKeyProposal{},
		&types.UserClaim{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}

	return nil
}

// Transaction runs fn inside a database transaction, passing a Store
// bound to it. Returning an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, dbType: s.dbType})
	})
}

// CreateAttempt persists a new authorization attempt. A non-null client
// state already bound to a live attempt is a replay and fails with
// types.ErrStateReplay. Expired attempts holding the same state value are
// reclaimed here so the unique index only ever guards live attempts; this
// is the one place expiry-based deletion happens in-band, because both
// supported databases enforce uniqueness over all rows.
func (s *Store) CreateAttempt(ctx context.Context, attempt *types.Attempt) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if attempt.ClientState != nil {
			err := tx.db.Where("client_state = ? AND expires_at < ?", *attempt.ClientState, time.Now()).
				Delete(&types.Attempt{}).Error
			if err != nil {
				return err
			}
		}
		if err := tx.db.Create(attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return types.ErrStateReplay
			}
			return err
		}
		return nil
	})
}

// GetAttempt retrieves an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*types.Attempt, error) {
	var attempt types.Attempt
	err := s.db.WithContext(ctx).First(&attempt, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrAttemptNotFound
		}
		return nil, err
	}
	return &attempt, nil
}

// BindAttemptUser sets the attempt's user exactly once. Binding an
// attempt that already has a user fails with types.ErrUserBound.
func (s *Store) BindAttemptUser(ctx context.Context, id, userID string) (*types.Attempt, error) {
	result := s.db.WithContext(ctx).Model(&types.Attempt{}).
		Where("id = ? AND (user_id IS NULL OR user_id = '')", id).
		Update("user_id", userID)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing attempt from a double bind.
		if _, err := s.GetAttempt(ctx, id); err != nil {
			return nil, err
		}
		return nil, types.ErrUserBound
	}
	return s.GetAttempt(ctx, id)
}

// CreateCode persists an authorization code. Uniqueness violations are
// translated to types.ErrCodeReplay instead of being retried.
func (s *Store) CreateCode(ctx context.Context, code *types.AuthorizationCode) error {
	if err := s.db.WithContext(ctx).Create(code).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.ErrCodeReplay
		}
		return err
	}
	return nil
}

// GetCode retrieves an authorization code record.
func (s *Store) GetCode(ctx context.Context, code string) (*types.AuthorizationCode, error) {
	var rec types.AuthorizationCode
	err := s.db.WithContext(ctx).First(&rec, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrCodeConsumed
		}
		return nil, err
	}
	return &rec, nil
}

// ConsumeCode deletes the code. The delete is the double-spend guard:
// under concurrent exchange of the same code exactly one caller observes
// an affected row, every other caller gets types.ErrCodeConsumed. Callers
// run it in the same transaction as token issuance.
func (s *Store) ConsumeCode(ctx context.Context, code string) error {
	result := s.db.WithContext(ctx).Delete(&types.AuthorizationCode{}, "code = ?", code)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrCodeConsumed
	}
	return nil
}

// CreateIssuedTokens persists one or more issued-token records.
func (s *Store) CreateIssuedTokens(ctx context.Context, tokens ...*types.IssuedToken) error {
	for _, t := range tokens {
		if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetIssuedToken retrieves an issued-token record by ID (the jti claim).
func (s *Store) GetIssuedToken(ctx context.Context, id string) (*types.IssuedToken, error) {
	var token types.IssuedToken
	err := s.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrTokenNotFound
		}
		return nil, err
	}
	return &token, nil
}

// RevokeIssuedToken marks a token record revoked. The flag is monotonic;
// revoking an already revoked token is a no-op.
func (s *Store) RevokeIssuedToken(ctx context.Context, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&types.IssuedToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{
			"revoked":    true,
			"revoked_at": &now,
		})
	return result.Error
}

// GetSigningKey retrieves the canonical signing key for a name.
func (s *Store) GetSigningKey(ctx context.Context, name string) (*types.SigningKey, error) {
	var key types.SigningKey
	err := s.db.WithContext(ctx).First(&key, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrSigningKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// SaveSigningKey writes the canonical signing key for a name (upsert).
func (s *Store) SaveSigningKey(ctx context.Context, key *types.SigningKey) error {
	return s.db.WithContext(ctx).Save(key).Error
}

// DeleteSigningKey removes the canonical signing key for a name.
func (s *Store) DeleteSigningKey(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Delete(&types.SigningKey{}, "name = ?", name).Error
}

// CreateKeyProposal inserts a negotiation proposal, filling in the
// storage-assigned index.
func (s *Store) CreateKeyProposal(ctx context.Context, proposal *types.SigningKeyProposal) error {
	return s.db.WithContext(ctx).Create(proposal).Error
}

// ListKeyProposals returns all proposals for a name ordered by their
// storage-assigned index, lowest first.
func (s *Store) ListKeyProposals(ctx context.Context, name string) ([]types.SigningKeyProposal, error) {
	var proposals []types.SigningKeyProposal
	err := s.db.WithContext(ctx).Where("name = ?", name).Order("id ASC").Find(&proposals).Error
	if err != nil {
		return nil, err
	}
	return proposals, nil
}

// DeleteKeyProposal removes a single proposal row by its index.
func (s *Store) DeleteKeyProposal(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Delete(&types.SigningKeyProposal{}, "id = ?", id).Error
}

// DeleteKeyProposals removes all proposals for a name.
func (s *Store) DeleteKeyProposals(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Delete(&types.SigningKeyProposal{}, "name = ?", name).Error
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*types.Client, error) {
	var client types.Client
	err := s.db.WithContext(ctx).First(&client, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrClientNotFound
		}
		return nil, err
	}
	return &client, nil
}

// StoreClient stores a new client or updates an existing one.
func (s *Store) StoreClient(ctx context.Context, client *types.Client) error {
	return s.db.WithContext(ctx).Save(client).Error
}

// SaveUserClaims upserts the collected claims for a user.
func (s *Store) SaveUserClaims(ctx context.Context, claims []types.UserClaim) error {
	for i := range claims {
		c := claims[i]
		result := s.db.WithContext(ctx).Model(&types.UserClaim{}).
			Where("user_id = ? AND name = ?", c.UserID, c.Name).
			Updates(map[string]any{
				"value":    c.Value,
				"scope":    c.Scope,
				"verified": c.Verified,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// ListUserClaims returns the user's claims readable under any of the
// given scopes.
func (s *Store) ListUserClaims(ctx context.Context, userID string, scopes []string) ([]types.UserClaim, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	var claims []types.UserClaim
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND scope IN ?", userID, scopes).
		Order("name ASC").
		Find(&claims).Error
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// CleanupExpired removes expired attempts, codes, and token records. It
// is an out-of-band reclamation job: validity never depends on it, every
// read re-checks expiry against the wall clock.
func (s *Store) CleanupExpired(ctx context.Context) error {
	now := time.Now()

	if err := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&types.AuthorizationCode{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup expired authorization codes: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&types.Attempt{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup expired attempts: %w", err)
	}
	result := s.db.WithContext(ctx).
		Where("(expires_at IS NOT NULL AND expires_at < ?) OR revoked = ?", now, true).
		Delete(&types.IssuedToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired tokens: %w", result.Error)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
