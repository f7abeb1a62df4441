package keys

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/authcore-io/authcore/pkg/store"
	"github.com/authcore-io/authcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	})
	return db
}

func TestNewNegotiatorRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewNegotiator(newTestStore(t), "ES256", zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestResolveFirstUse(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	n, err := NewNegotiator(db, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)

	key, err := n.Resolve(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "state", key.Name)
	assert.Equal(t, AlgorithmHS256, key.Algorithm)
	assert.NotNil(t, key.SignKey)

	// Winning the negotiation persists the canonical record.
	canonical, err := db.GetSigningKey(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, key.PrivateMaterial, canonical.PrivateMaterial)

	// Distinct names get distinct keys.
	other, err := n.Resolve(ctx, "access")
	require.NoError(t, err)
	assert.NotEqual(t, key.PrivateMaterial, other.PrivateMaterial)
}

func TestResolveIsSharedWithinProcess(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	n, err := NewNegotiator(db, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)

	const callers = 8
	results := make([]*Key, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := n.Resolve(ctx, "access")
			assert.NoError(t, err)
			results[i] = key
		}()
	}
	wg.Wait()

	// All callers observe the same resolution, so only one negotiation
	// ever hit the database.
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
	proposals, err := db.ListKeyProposals(ctx, "access")
	require.NoError(t, err)
	assert.Len(t, proposals, 1)
}

func TestSeparateProcessesAgree(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	first, err := NewNegotiator(db, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)
	second, err := NewNegotiator(db, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)

	a, err := first.Resolve(ctx, "refresh")
	require.NoError(t, err)
	b, err := second.Resolve(ctx, "refresh")
	require.NoError(t, err)

	// The second negotiator adopts the first one's proposal; the material
	// is byte-identical.
	assert.Equal(t, a.PrivateMaterial, b.PrivateMaterial)
}

func TestExistingProposalIsAdopted(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	public, private, err := generateMaterial(AlgorithmHS256)
	require.NoError(t, err)
	require.NoError(t, db.CreateKeyProposal(ctx, &types.SigningKeyProposal{
		Name:            "id",
		Algorithm:       AlgorithmHS256,
		PublicMaterial:  public,
		PrivateMaterial: private,
	}))

	n, err := NewNegotiator(db, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)
	key, err := n.Resolve(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, private, key.PrivateMaterial)
}

// rivalStore slips a competing proposal in just before the negotiator's
// own insert, forcing the negotiator to lose the race.
type rivalStore struct {
	Store
	rival    *types.SigningKeyProposal
	injected bool
}

func (s *rivalStore) CreateKeyProposal(ctx context.Context, proposal *types.SigningKeyProposal) error {
	if !s.injected {
		s.injected = true
		if err := s.Store.CreateKeyProposal(ctx, s.rival); err != nil {
			return err
		}
	}
	return s.Store.CreateKeyProposal(ctx, proposal)
}

func TestLostNegotiationAdoptsRival(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	public, private, err := generateMaterial(AlgorithmHS256)
	require.NoError(t, err)
	rival := &types.SigningKeyProposal{
		Name:            "access",
		Algorithm:       AlgorithmHS256,
		PublicMaterial:  public,
		PrivateMaterial: private,
	}

	n, err := NewNegotiator(&rivalStore{Store: db, rival: rival}, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)
	key, err := n.Resolve(ctx, "access")
	require.NoError(t, err)

	// The rival's row carries the lower index, so the negotiator adopts
	// its material and withdraws its own proposal.
	assert.Equal(t, private, key.PrivateMaterial)
	proposals, err := db.ListKeyProposals(ctx, "access")
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, rival.ID, proposals[0].ID)

	// Writing the canonical record is the winner's job.
	_, err = db.GetSigningKey(ctx, "access")
	assert.ErrorIs(t, err, types.ErrSigningKeyNotFound)
}

func TestAlgorithmChangeRegenerates(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	hs, err := NewNegotiator(db, AlgorithmHS256, zap.NewNop())
	require.NoError(t, err)
	old, err := hs.Resolve(ctx, "access")
	require.NoError(t, err)

	rs, err := NewNegotiator(db, AlgorithmRS256, zap.NewNop())
	require.NoError(t, err)
	renewed, err := rs.Resolve(ctx, "access")
	require.NoError(t, err)

	assert.Equal(t, AlgorithmRS256, renewed.Algorithm)
	assert.NotEqual(t, old.PrivateMaterial, renewed.PrivateMaterial)

	canonical, err := db.GetSigningKey(ctx, "access")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRS256, canonical.Algorithm)
}

func TestRSAMaterialRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	n, err := NewNegotiator(db, AlgorithmRS256, zap.NewNop())
	require.NoError(t, err)
	key, err := n.Resolve(ctx, "id")
	require.NoError(t, err)
	assert.NotEmpty(t, key.PublicMaterial)

	// A fresh negotiator parses the persisted PEM back into a usable key.
	again, err := NewNegotiator(db, AlgorithmRS256, zap.NewNop())
	require.NoError(t, err)
	parsed, err := again.Resolve(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, key.PrivateMaterial, parsed.PrivateMaterial)
	assert.NotNil(t, parsed.SignKey)
	assert.NotNil(t, parsed.VerifyKey)
}
