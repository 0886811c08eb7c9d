package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/storage/sqlite"
	"github.com/yysun/agent-world/pkg/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s := sqlite.New(filepath.Join(t.TempDir(), "store.db"))
		require.NoError(t, s.Init(t.Context()))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// Init is safe to run against an existing database file.
func TestInitIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s := sqlite.New(path)
	require.NoError(t, s.Init(t.Context()))
	require.NoError(t, s.Close())

	s = sqlite.New(path)
	require.NoError(t, s.Init(t.Context()))
	require.NoError(t, s.Close())
}
