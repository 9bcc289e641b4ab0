package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemoryAppliesAllMigrations(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, 4, GetSchemaVersion(st.DB()))
}

func TestOpen_CreatesCoreTables(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	for _, table := range []string{"recipes", "candidates", "snippets", "knowledge_edges", "audit_logs", "guard_violations"} {
		var name string
		err := st.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "expected table %s to exist", table)
		assert.Equal(t, table, name)
	}
}

func TestStore_LockSerializesWritersAllowsReaders(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	st.RLock()
	st.RLock() // multiple concurrent readers must not deadlock
	st.RUnlock()
	st.RUnlock()

	st.Lock()
	st.Unlock()
}

func TestStore_PathReturnsConfiguredPath(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, ":memory:", st.Path())
}
