package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-context-gateway/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	return NewStore(st)
}

func TestGetPolicyMissing(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetPolicy(context.Background(), "w1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetPolicy(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInitPolicyDefaults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p, err := s.InitPolicy(ctx, "w1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, "w1", p.WorkspaceID)
	assert.False(t, p.Enabled)
	assert.Equal(t, []string{"read_global_context"}, p.AllowedTools)
	assert.True(t, p.ExposeGlobalContext)
	assert.False(t, p.ExposeDocuments)
	assert.Equal(t, 10000, p.MaxContextSize)
	assert.Empty(t, p.AccessKeys)
	assert.Equal(t, "user-1", p.CreatedBy)

	stored, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, p.AllowedTools, stored.AllowedTools)
}

func TestInitPolicyIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.InitPolicy(ctx, "w1", "user-1")
	require.NoError(t, err)

	p, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	p.Enabled = true
	p.MaxContextSize = 500
	require.NoError(t, s.SavePolicy(ctx, p))

	again, err := s.InitPolicy(ctx, "w1", "user-2")
	require.NoError(t, err)
	assert.True(t, again.Enabled)
	assert.Equal(t, 500, again.MaxContextSize)
	assert.Equal(t, "user-1", again.CreatedBy)
}

func TestSavePolicyStampsUpdatedAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := memory.New()
	s := NewStore(st, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.InitPolicy(ctx, "w1", "u")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	p, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	p.ExposeDocuments = true
	require.NoError(t, s.SavePolicy(ctx, p))

	stored, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, stored.ExposeDocuments)
	assert.Equal(t, now, stored.UpdatedAt)
	assert.Equal(t, now.Add(-time.Hour), stored.CreatedAt)
}

func TestSavePolicyUpsertsNewWorkspace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePolicy(ctx, &Policy{WorkspaceID: "w2", Enabled: true, MaxContextSize: 100}))

	p, err := s.GetPolicy(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, p.Enabled)
	assert.NotNil(t, p.AccessKeys)
}

func TestSavePolicyValidates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.SavePolicy(ctx, &Policy{WorkspaceID: "w1", MaxContextSize: 0})
	require.ErrorIs(t, err, ErrInvalidPolicy)

	err = s.SavePolicy(ctx, &Policy{MaxContextSize: 10})
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestSavePolicyKeepsStoredKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stale, err := s.InitPolicy(ctx, "w1", "u")
	require.NoError(t, err)

	_, key, err := s.CreateAccessKey(ctx, "w1", "laptop")
	require.NoError(t, err)

	stale.Enabled = true
	require.NoError(t, s.SavePolicy(ctx, stale))

	p, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, p.AccessKeys, 1)
	assert.Equal(t, key.ID, p.AccessKeys[0].ID)
	assert.True(t, p.Enabled)
}

func TestCreateAccessKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.InitPolicy(ctx, "w1", "u")
	require.NoError(t, err)

	secret, key, err := s.CreateAccessKey(ctx, "w1", "ci agent")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "mcp_"))
	assert.GreaterOrEqual(t, len(secret), 43)
	assert.Equal(t, "ci agent", key.Label)
	assert.Equal(t, secret[:12], key.KeyPrefix)
	assert.Equal(t, HashAccessKey(secret), key.HashedKey)
	assert.NotContains(t, key.HashedKey, secret)

	p, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, p.AccessKeys, 1)
	matched, ok := MatchAccessKey(p, secret)
	require.True(t, ok)
	assert.Equal(t, key.ID, matched.ID)
}

func TestCreateAccessKeyUnknownWorkspace(t *testing.T) {
	s := setupTestStore(t)

	_, _, err := s.CreateAccessKey(context.Background(), "missing", "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentCreateAccessKeyLosesNothing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.InitPolicy(ctx, "w1", "u")
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CreateAccessKey(ctx, "w1", fmt.Sprintf("key-%d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	keys, err := s.ListAccessKeys(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, keys, n)
}

func TestRevokeAccessKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.InitPolicy(ctx, "w1", "u")
	require.NoError(t, err)
	secret1, key1, err := s.CreateAccessKey(ctx, "w1", "one")
	require.NoError(t, err)
	secret2, _, err := s.CreateAccessKey(ctx, "w1", "two")
	require.NoError(t, err)

	require.NoError(t, s.RevokeAccessKey(ctx, "w1", key1.ID))

	p, err := s.GetPolicy(ctx, "w1")
	require.NoError(t, err)
	_, ok := MatchAccessKey(p, secret1)
	assert.False(t, ok, "revoked secret must not match")
	_, ok = MatchAccessKey(p, secret2)
	assert.True(t, ok, "other keys keep working")

	err = s.RevokeAccessKey(ctx, "w1", key1.ID)
	require.ErrorIs(t, err, ErrKeyNotFound)

	err = s.RevokeAccessKey(ctx, "missing", key1.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPolicyCloneIsDeep(t *testing.T) {
	p := &Policy{WorkspaceID: "w", AllowedTools: []string{"a"}, AccessKeys: []AccessKey{{ID: "k"}}}
	c := p.Clone()
	c.AllowedTools[0] = "b"
	c.AccessKeys[0].ID = "z"

	assert.Equal(t, "a", p.AllowedTools[0])
	assert.Equal(t, "k", p.AccessKeys[0].ID)
}
