package revoke

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/authcore-io/authcore/pkg/store"
	"github.com/authcore-io/authcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingRevoker struct {
	tokens []string
	err    error
}

func (r *recordingRevoker) Revoke(_ context.Context, encoded string) error {
	r.tokens = append(r.tokens, encoded)
	return r.err
}

func newRevokeFixture(t *testing.T) (http.Handler, *recordingRevoker) {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "revoke.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	})

	require.NoError(t, db.StoreClient(context.Background(), &types.Client{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURIs: types.StringSlice{"https://client.example.com/callback"},
	}))
	require.NoError(t, db.StoreClient(context.Background(), &types.Client{
		ClientID:                "public-1",
		RedirectURIs:            types.StringSlice{"https://spa.example.com/callback"},
		TokenEndpointAuthMethod: "none",
	}))

	revoker := &recordingRevoker{}
	return NewHandler(db, revoker, zap.NewNop()), revoker
}

func post(handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRevokeToken(t *testing.T) {
	handler, revoker := newRevokeFixture(t)

	rr := post(handler, url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"secret"},
		"token":         {"some-token"},
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"some-token"}, revoker.tokens)
}

func TestRevokeUnknownTokenStillSucceeds(t *testing.T) {
	handler, revoker := newRevokeFixture(t)
	revoker.err = errors.New("token not found")

	rr := post(handler, url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"secret"},
		"token":         {"bogus"},
	})
	// RFC 7009 hides token validity from the caller.
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRevokeClientAuthentication(t *testing.T) {
	handler, revoker := newRevokeFixture(t)

	t.Run("MissingClientID", func(t *testing.T) {
		rr := post(handler, url.Values{"token": {"tok"}})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		rr := post(handler, url.Values{
			"client_id":     {"client-1"},
			"client_secret": {"wrong"},
			"token":         {"tok"},
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("BasicAuth", func(t *testing.T) {
		form := url.Values{"token": {"basic-token"}}
		req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth("client-1", "secret")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, revoker.tokens, "basic-token")
	})

	t.Run("PublicClientNeedsNoSecret", func(t *testing.T) {
		rr := post(handler, url.Values{
			"client_id": {"public-1"},
			"token":     {"tok"},
		})
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestRevokeRequiresToken(t *testing.T) {
	handler, _ := newRevokeFixture(t)

	rr := post(handler, url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"secret"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
