package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ggoodman/mcp-context-gateway/storage"
	"github.com/ggoodman/mcp-context-gateway/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		return setupTestStorage(t)
	})
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, &storage.Record{Collection: "workspace_policies", ID: "w1", WorkspaceID: "w1", Data: []byte(`{"enabled":true}`)}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, "workspace_policies", "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"enabled":true}`, string(rec.Data))
}

func TestSQLiteInMemory(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &storage.Record{Collection: "c", ID: "x", Data: []byte(`{}`)}))
	recs, err := s.Query(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
