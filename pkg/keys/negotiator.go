// Package keys resolves the signing key for a logical key name, agreeing
// on one record cluster-wide using only database primitives.
//
// Correctness of the negotiation rests on one operational requirement:
// every negotiating process reads and writes the same database instance.
// Replica lag breaks the protocol; this is a documented assumption, not a
// general consensus mechanism.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/authcore-io/authcore/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Supported signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

const hmacKeyBytes = 64

// ErrUnsupportedAlgorithm reports a configured algorithm with no signing
// strategy. It is fatal at startup, never silently ignored.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// Store is the persistence the negotiator needs: the canonical
// single-row-per-name table plus the append-only proposal table.
type Store interface {
	GetSigningKey(ctx context.Context, name string) (*types.SigningKey, error)
	SaveSigningKey(ctx context.Context, key *types.SigningKey) error
	DeleteSigningKey(ctx context.Context, name string) error
	CreateKeyProposal(ctx context.Context, proposal *types.SigningKeyProposal) error
	ListKeyProposals(ctx context.Context, name string) ([]types.SigningKeyProposal, error)
	DeleteKeyProposal(ctx context.Context, id uint64) error
	DeleteKeyProposals(ctx context.Context, name string) error
}

// Key is resolved signing-key material ready for use with golang-jwt.
type Key struct {
	Name            string
	Algorithm       string
	Method          jwt.SigningMethod
	SignKey         any
	VerifyKey       any
	PrivateMaterial string
	PublicMaterial  string
}

// Negotiator resolves keys through the negotiation protocol and caches
// the result for the process lifetime.
type Negotiator struct {
	store     Store
	algorithm string
	logger    *zap.Logger

	// mu guards pending only around the check/insert step; resolution
	// I/O happens outside the lock so concurrent callers for the same
	// name await one shared computation.
	mu      sync.Mutex
	pending map[string]*resolution
}

type resolution struct {
	done chan struct{}
	key  *Key
	err  error
}

// NewNegotiator creates a negotiator for the configured algorithm.
func NewNegotiator(store Store, algorithm string, logger *zap.Logger) (*Negotiator, error) {
	switch algorithm {
	case AlgorithmHS256, AlgorithmRS256:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	return &Negotiator{
		store:     store,
		algorithm: algorithm,
		logger:    logger,
		pending:   make(map[string]*resolution),
	}, nil
}

// Resolve returns the cluster-wide signing key for name, negotiating and
// generating it on first use. Concurrent callers within the process share
// a single resolution.
func (n *Negotiator) Resolve(ctx context.Context, name string) (*Key, error) {
	n.mu.Lock()
	if r, ok := n.pending[name]; ok {
		n.mu.Unlock()
		select {
		case <-r.done:
			return r.key, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &resolution{done: make(chan struct{})}
	n.pending[name] = r
	n.mu.Unlock()

	r.key, r.err = n.negotiate(ctx, name)
	if r.err != nil {
		// Failed resolutions are evicted so a later call can retry.
		n.mu.Lock()
		delete(n.pending, name)
		n.mu.Unlock()
	}
	close(r.done)
	return r.key, r.err
}

// negotiate runs one round of the agreement protocol against the shared
// database.
func (n *Negotiator) negotiate(ctx context.Context, name string) (*Key, error) {
	// A canonical record whose algorithm no longer matches configuration
	// is invalidated along with its proposals; tokens signed with the
	// discarded key become unverifiable.
	canonical, err := n.store.GetSigningKey(ctx, name)
	if err != nil && !errors.Is(err, types.ErrSigningKeyNotFound) {
		return nil, fmt.Errorf("failed to read canonical key %q: %w", name, err)
	}
	if canonical != nil && canonical.Algorithm != n.algorithm {
		n.logger.Warn("signing key algorithm changed, regenerating",
			zap.String("name", name),
			zap.String("stored", canonical.Algorithm),
			zap.String("configured", n.algorithm))
		if err := n.store.DeleteSigningKey(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to invalidate key %q: %w", name, err)
		}
		if err := n.store.DeleteKeyProposals(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to clear proposals for %q: %w", name, err)
		}
	}

	// Round 1: any existing proposal rows settle the question. The row
	// with the lowest storage-assigned index is authoritative.
	proposals, err := n.store.ListKeyProposals(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list key proposals for %q: %w", name, err)
	}
	if len(proposals) > 0 {
		return n.keyFromMaterial(name, proposals[0].Algorithm, proposals[0].PublicMaterial, proposals[0].PrivateMaterial)
	}

	// Round 2: generate locally, insert, re-read, lowest index wins.
	public, private, err := generateMaterial(n.algorithm)
	if err != nil {
		return nil, err
	}
	mine := &types.SigningKeyProposal{
		Name:            name,
		Algorithm:       n.algorithm,
		PublicMaterial:  public,
		PrivateMaterial: private,
	}
	if err := n.store.CreateKeyProposal(ctx, mine); err != nil {
		return nil, fmt.Errorf("failed to propose key for %q: %w", name, err)
	}

	proposals, err = n.store.ListKeyProposals(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read key proposals for %q: %w", name, err)
	}
	if len(proposals) == 0 {
		return nil, fmt.Errorf("key proposal for %q vanished during negotiation", name)
	}
	winner := proposals[0]

	if winner.ID == mine.ID {
		// This process won the race; its key becomes the durable record.
		if err := n.store.SaveSigningKey(ctx, &types.SigningKey{
			Name:            name,
			Algorithm:       winner.Algorithm,
			PublicMaterial:  winner.PublicMaterial,
			PrivateMaterial: winner.PrivateMaterial,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist canonical key %q: %w", name, err)
		}
		n.logger.Info("signing key negotiated",
			zap.String("name", name),
			zap.String("algorithm", winner.Algorithm))
	} else {
		// Lost the race: discard the local proposal, adopt the winner.
		if err := n.store.DeleteKeyProposal(ctx, mine.ID); err != nil {
			return nil, fmt.Errorf("failed to withdraw key proposal for %q: %w", name, err)
		}
		n.logger.Info("adopted signing key from concurrent negotiation",
			zap.String("name", name),
			zap.Uint64("winner", winner.ID))
	}

	return n.keyFromMaterial(name, winner.Algorithm, winner.PublicMaterial, winner.PrivateMaterial)
}

// keyFromMaterial parses stored key material into a usable Key.
func (n *Negotiator) keyFromMaterial(name, algorithm, public, private string) (*Key, error) {
	key := &Key{
		Name:            name,
		Algorithm:       algorithm,
		PrivateMaterial: private,
		PublicMaterial:  public,
	}
	switch algorithm {
	case AlgorithmHS256:
		secret, err := base64.StdEncoding.DecodeString(private)
		if err != nil {
			return nil, fmt.Errorf("invalid HMAC key material for %q: %w", name, err)
		}
		key.Method = jwt.SigningMethodHS256
		key.SignKey = secret
		key.VerifyKey = secret
	case AlgorithmRS256:
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(private))
		if err != nil {
			return nil, fmt.Errorf("invalid RSA key material for %q: %w", name, err)
		}
		key.Method = jwt.SigningMethodRS256
		key.SignKey = priv
		key.VerifyKey = &priv.PublicKey
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	return key, nil
}

// generateMaterial creates fresh key material for the algorithm.
func generateMaterial(algorithm string) (public, private string, err error) {
	switch algorithm {
	case AlgorithmHS256:
		secret := make([]byte, hmacKeyBytes)
		if _, err := rand.Read(secret); err != nil {
			return "", "", fmt.Errorf("failed to generate HMAC key: %w", err)
		}
		return "", base64.StdEncoding.EncodeToString(secret), nil
	case AlgorithmRS256:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
		}
		privPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(priv),
		})
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode RSA public key: %w", err)
		}
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
		return string(pubPEM), string(privPEM), nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
