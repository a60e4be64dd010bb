package admin_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-context-gateway/admin"
	"github.com/ggoodman/mcp-context-gateway/auth"
	"github.com/ggoodman/mcp-context-gateway/auth/authtest"
	"github.com/ggoodman/mcp-context-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/sessions"
	"github.com/ggoodman/mcp-context-gateway/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats sessions.Stats

func (f fixedStats) Stats() sessions.Stats { return sessions.Stats(f) }

type fixture struct {
	srv      *httptest.Server
	policies *policy.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	policies := policy.NewStore(st, policy.WithLogger(log))
	verifier := authtest.NewStaticVerifier().
		Allow("root-token", "root", "*").
		Allow("w1-token", "alice", "w1")

	h := admin.New(verifier, policies,
		admin.WithLogger(log),
		admin.WithSessionStats(fixedStats{Open: 2, ByWorkspace: map[string]int{"w1": 2}, MaxSessions: 1000, MaxPerWorkspace: 50}),
	)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, policies: policies}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestAuthentication(t *testing.T) {
	f := setup(t)

	resp, _ := f.do(t, http.MethodGet, "/admin/workspaces/w1/policy", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, _ = f.do(t, http.MethodGet, "/admin/workspaces/w1/policy", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/admin/workspaces/w2/policy", "w1-token", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, float64(http.StatusForbidden), body["error"].(map[string]any)["code"])

	resp, _ = f.do(t, http.MethodGet, "/admin/sessions", "w1-token", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPolicyLifecycle(t *testing.T) {
	f := setup(t)

	resp, _ := f.do(t, http.MethodGet, "/admin/workspaces/w1/policy", "w1-token", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/admin/workspaces/w1/policy/init", "w1-token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "w1", body["workspaceId"])
	assert.Equal(t, false, body["enabled"])
	assert.Equal(t, "alice", body["createdBy"])
	assert.Equal(t, []any{"read_global_context"}, body["allowedTools"])

	resp, body = f.do(t, http.MethodPut, "/admin/workspaces/w1/policy", "w1-token",
		`{"enabled":true,"allowedTools":["read_global_context","search_resources"],"exposeGlobalContext":true,"exposeDocuments":true,"maxContextSize":5000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, float64(5000), body["maxContextSize"])

	p, err := f.policies.GetPolicy(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, p.Enabled)
	assert.Equal(t, []string{"read_global_context", "search_resources"}, p.AllowedTools)
	assert.Equal(t, "alice", p.CreatedBy)
}

func TestPutPolicyRejections(t *testing.T) {
	f := setup(t)

	resp, _ := f.do(t, http.MethodPut, "/admin/workspaces/w1/policy", "w1-token", `{"enabled":true,"maxContextSize":10}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := f.policies.InitPolicy(context.Background(), "w1", "seed")
	require.NoError(t, err)

	resp, _ = f.do(t, http.MethodPut, "/admin/workspaces/w1/policy", "w1-token", `{"enabled":true,"maxContextSize":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/admin/workspaces/w1/policy", "w1-token", `{"enabled":true,"accessKeys":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp, _ = f.do(t, http.MethodPut, "/admin/workspaces/w1/policy", "w1-token", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKeyLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p, err := f.policies.InitPolicy(ctx, "w1", "seed")
	require.NoError(t, err)
	p.Enabled = true
	require.NoError(t, f.policies.SavePolicy(ctx, p))

	resp, body := f.do(t, http.MethodPost, "/admin/workspaces/w1/keys", "w1-token", `{"label":"ci agent"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	secret, _ := body["secret"].(string)
	require.NotEmpty(t, secret)
	key := body["key"].(map[string]any)
	keyID := key["id"].(string)
	assert.Equal(t, "ci agent", key["label"])
	assert.True(t, strings.HasPrefix(secret, key["keyPrefix"].(string)))
	assert.NotContains(t, key, "hashedKey")

	resp, body = f.do(t, http.MethodGet, "/admin/workspaces/w1/keys", "w1-token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := body["keys"].([]any)
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "hashedKey")

	resp, body = f.do(t, http.MethodGet, "/admin/workspaces/w1/policy", "w1-token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, k := range body["accessKeys"].([]any) {
		assert.NotContains(t, k, "hashedKey")
	}

	authn := auth.NewAuthenticator(f.policies)
	_, err = authn.Authenticate(ctx, auth.Credentials{WorkspaceID: "w1", Secret: secret})
	require.NoError(t, err)

	resp, _ = f.do(t, http.MethodDelete, "/admin/workspaces/w1/keys/"+keyID, "w1-token", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/workspaces/w1/keys/"+keyID, "w1-token", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = authn.Authenticate(ctx, auth.Credentials{WorkspaceID: "w1", Secret: secret})
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "revoked key must not authenticate")
}

func TestCreateKeyRequiresLabel(t *testing.T) {
	f := setup(t)
	_, err := f.policies.InitPolicy(context.Background(), "w1", "seed")
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/admin/workspaces/w1/keys", "w1-token", `{"label":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/workspaces/w9/keys", "root-token", `{"label":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStats(t *testing.T) {
	f := setup(t)

	resp, body := f.do(t, http.MethodGet, "/admin/sessions", "root-token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["open"])
	assert.Equal(t, map[string]any{"w1": float64(2)}, body["byWorkspace"])
	assert.Equal(t, float64(50), body["maxSessionsPerWorkspace"])
}

func TestResourceMetadata(t *testing.T) {
	f := setup(t)
	resp, err := http.Get(f.srv.URL + admin.MetadataPath)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metadata is opt-in")

	h := admin.New(authtest.NewStaticVerifier(), f.policies,
		admin.WithResourceMetadata(wellknown.AdminResource("https://gw.example/admin", "https://issuer.example", ""), "https://gw.example/"),
	)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	mf := &fixture{srv: srv, policies: f.policies}

	resp, body := mf.do(t, http.MethodGet, admin.MetadataPath, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://gw.example/admin", body["resource"])
	assert.Equal(t, []any{"https://issuer.example"}, body["authorization_servers"])

	resp, _ = mf.do(t, http.MethodGet, "/admin/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer resource_metadata="https://gw.example`+admin.MetadataPath+`"`, resp.Header.Get("WWW-Authenticate"))
}
