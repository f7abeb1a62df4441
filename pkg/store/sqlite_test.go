package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "authcore.db"))
	require.NoError(t, err)
	defer func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	}()

	assert.Equal(t, "sqlite", db.dbType)

	runStoreTests(t, db)
}
