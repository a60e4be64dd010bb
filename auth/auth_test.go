package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/storage/memory"
)

type failingSource struct{ err error }

func (f failingSource) GetPolicy(ctx context.Context, workspaceID string) (*policy.Policy, error) {
	return nil, f.err
}

func setup(t *testing.T, enabled bool) (*Authenticator, *policy.Store, string, policy.AccessKey) {
	t.Helper()
	ctx := context.Background()
	store := policy.NewStore(memory.New())

	p, err := store.InitPolicy(ctx, "w1", "tester")
	if err != nil {
		t.Fatalf("init policy: %v", err)
	}
	p.Enabled = enabled
	if err := store.SavePolicy(ctx, p); err != nil {
		t.Fatalf("save policy: %v", err)
	}
	secret, key, err := store.CreateAccessKey(ctx, "w1", "agent")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return NewAuthenticator(store), store, secret, key
}

func TestAuthenticateSuccess(t *testing.T) {
	a, _, secret, key := setup(t, true)

	g, err := a.Authenticate(context.Background(), Credentials{WorkspaceID: "w1", Secret: secret})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if want, got := "w1", g.WorkspaceID; want != got {
		t.Fatalf("workspace: want %q, got %q", want, got)
	}
	if want, got := key.ID, g.KeyID; want != got {
		t.Fatalf("key id: want %q, got %q", want, got)
	}
	if want, got := "key:"+key.ID, g.CallerID(); want != got {
		t.Fatalf("caller id: want %q, got %q", want, got)
	}
	if g.Policy == nil || !g.Policy.Enabled {
		t.Fatalf("expected enabled policy snapshot, got %+v", g.Policy)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	a, _, secret, _ := setup(t, true)
	ctx := context.Background()

	tests := []struct {
		name   string
		creds  Credentials
		want   error
		status int
	}{
		{"missing workspace", Credentials{Secret: secret}, ErrBadRequest, http.StatusBadRequest},
		{"unknown workspace", Credentials{WorkspaceID: "nope", Secret: secret}, ErrForbidden, http.StatusForbidden},
		{"wrong secret", Credentials{WorkspaceID: "w1", Secret: "mcp_wrong"}, ErrUnauthorized, http.StatusUnauthorized},
		{"empty secret", Credentials{WorkspaceID: "w1"}, ErrUnauthorized, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(ctx, tt.creds)
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
			if want, got := tt.status, StatusCode(err); want != got {
				t.Fatalf("status: want %d, got %d", want, got)
			}
		})
	}
}

func TestAuthenticateDisabledWorkspaceRejectsValidKey(t *testing.T) {
	a, _, secret, _ := setup(t, false)

	_, err := a.Authenticate(context.Background(), Credentials{WorkspaceID: "w1", Secret: secret})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}

	// Disabled and unknown workspaces must be indistinguishable.
	_, err2 := a.Authenticate(context.Background(), Credentials{WorkspaceID: "ghost", Secret: secret})
	if err.Error() != err2.Error() {
		t.Fatalf("disabled and unknown differ: %q vs %q", err, err2)
	}
}

func TestAuthenticateAfterRevocation(t *testing.T) {
	a, store, secret, key := setup(t, true)
	ctx := context.Background()

	if _, err := a.Authenticate(ctx, Credentials{WorkspaceID: "w1", Secret: secret}); err != nil {
		t.Fatalf("authenticate before revoke: %v", err)
	}
	if err := store.RevokeAccessKey(ctx, "w1", key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := a.Authenticate(ctx, Credentials{WorkspaceID: "w1", Secret: secret})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized after revoke, got %v", err)
	}
}

func TestAuthenticateSnapshotIsolation(t *testing.T) {
	a, store, secret, _ := setup(t, true)
	ctx := context.Background()

	g, err := a.Authenticate(ctx, Credentials{WorkspaceID: "w1", Secret: secret})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	p, _ := store.GetPolicy(ctx, "w1")
	p.AllowedTools = []string{"search_resources"}
	if err := store.SavePolicy(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !g.Policy.AllowsTool("read_global_context") {
		t.Fatalf("grant snapshot changed after policy save: %+v", g.Policy.AllowedTools)
	}
}

func TestAuthenticateStorageFailure(t *testing.T) {
	boom := errors.New("boom")
	a := NewAuthenticator(failingSource{err: boom})

	_, err := a.Authenticate(context.Background(), Credentials{WorkspaceID: "w1", Secret: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped storage error, got %v", err)
	}
	if want, got := http.StatusInternalServerError, StatusCode(err); want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
}
