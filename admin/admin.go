// Package admin serves the operator API of the gateway: workspace policy
// management, access key issuance and revocation, and a view of the session
// table. Every route requires a bearer token accepted by an
// auth.TokenVerifier; workspace routes additionally require the token's
// workspaces claim to cover the workspace.
//
//	GET    /admin/sessions
//	GET    /admin/workspaces/{workspaceID}/policy
//	POST   /admin/workspaces/{workspaceID}/policy/init
//	PUT    /admin/workspaces/{workspaceID}/policy
//	GET    /admin/workspaces/{workspaceID}/keys
//	POST   /admin/workspaces/{workspaceID}/keys
//	DELETE /admin/workspaces/{workspaceID}/keys/{keyID}
//
// With WithResourceMetadata the OAuth protected resource metadata document
// (RFC 9728) is served unauthenticated at MetadataPath and advertised in
// every 401 challenge.
//
// Hashed keys never leave the store; a key's plaintext secret appears exactly
// once, in the response that creates it.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-context-gateway/auth"
	"github.com/ggoodman/mcp-context-gateway/internal/logctx"
	"github.com/ggoodman/mcp-context-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/sessions"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// MetadataPath is where the protected resource metadata of the admin API is
// served.
const MetadataPath = "/.well-known/oauth-protected-resource/admin"

// StatsSource reports the session table.
type StatsSource interface {
	Stats() sessions.Stats
}

// Handler is the admin API.
type Handler struct {
	router   chi.Router
	log      *slog.Logger
	verifier auth.TokenVerifier
	policies *policy.Store
	stats    StatsSource
	timeout  time.Duration

	metadata    *wellknown.ProtectedResourceMetadata
	metadataURL string
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithSessionStats enables GET /admin/sessions.
func WithSessionStats(src StatsSource) Option {
	return func(h *Handler) { h.stats = src }
}

// WithRequestTimeout bounds the storage work of each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithResourceMetadata publishes md at MetadataPath. publicURL is the
// externally visible origin of the gateway, without a trailing slash.
func WithResourceMetadata(md wellknown.ProtectedResourceMetadata, publicURL string) Option {
	return func(h *Handler) {
		h.metadata = &md
		h.metadataURL = strings.TrimRight(publicURL, "/") + MetadataPath
	}
}

// New returns the admin API authenticating operators with verifier.
func New(verifier auth.TokenVerifier, policies *policy.Store, opts ...Option) *Handler {
	h := &Handler{
		log:      slog.Default(),
		verifier: verifier,
		policies: policies,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	r := chi.NewRouter()
	if h.metadata != nil {
		r.Get(MetadataPath, h.handleResourceMetadata)
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/sessions", h.handleSessions)
		r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
			r.Use(h.authorizeWorkspace)
			r.Get("/policy", h.handleGetPolicy)
			r.Post("/policy/init", h.handleInitPolicy)
			r.Put("/policy", h.handlePutPolicy)
			r.Get("/keys", h.handleListKeys)
			r.Post("/keys", h.handleCreateKey)
			r.Delete("/keys/{keyID}", h.handleRevokeKey)
		})
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type ctxKey string

const ctxOperator ctxKey = "operator"

func operatorFrom(ctx context.Context) auth.UserInfo {
	ui, _ := ctx.Value(ctxOperator).(auth.UserInfo)
	return ui
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tok := bearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", h.challenge(""))
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ui, err := h.verifier.CheckAuthentication(ctx, tok)
		if err != nil {
			status := auth.StatusCode(err)
			if status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", h.challenge("invalid_token"))
			}
			h.log.InfoContext(ctx, "admin.auth.fail", slog.String("err", err.Error()))
			writeError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxOperator, ui)))
	})
}

func (h *Handler) challenge(errCode string) string {
	var params []string
	if errCode != "" {
		params = append(params, `error="`+errCode+`"`)
	}
	if h.metadataURL != "" {
		params = append(params, `resource_metadata="`+h.metadataURL+`"`)
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.metadata)
}

func (h *Handler) authorizeWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ws := chi.URLParam(r, "workspaceID")
		if err := auth.Authorize(operatorFrom(ctx), ws); err != nil {
			h.log.InfoContext(ctx, "admin.authorize.fail", slog.String("workspace_id", ws), slog.String("err", err.Error()))
			writeError(w, http.StatusForbidden, "workspace not permitted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(operatorFrom(r.Context()), "*"); err != nil {
		writeError(w, http.StatusForbidden, "global operator required")
		return
	}
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "session stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.policies.GetPolicy(ctx, chi.URLParam(r, "workspaceID"))
	if err != nil {
		h.storeError(ctx, w, "admin.policy.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *Handler) handleInitPolicy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.policies.InitPolicy(ctx, chi.URLParam(r, "workspaceID"), operatorFrom(ctx).UserID())
	if err != nil {
		h.storeError(ctx, w, "admin.policy.init.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *Handler) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var settings policy.Settings
	if !readJSON(w, r, &settings) {
		return
	}

	ws := chi.URLParam(r, "workspaceID")
	p, err := h.policies.GetPolicy(ctx, ws)
	if err != nil {
		h.storeError(ctx, w, "admin.policy.put.fail", err)
		return
	}
	settings.Apply(p)
	if err := h.policies.SavePolicy(ctx, p); err != nil {
		h.storeError(ctx, w, "admin.policy.put.fail", err)
		return
	}
	h.log.InfoContext(ctx, "admin.policy.put.ok", slog.String("workspace_id", ws), slog.String("operator", operatorFrom(ctx).UserID()))
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	keys, err := h.policies.ListAccessKeys(ctx, chi.URLParam(r, "workspaceID"))
	if err != nil {
		h.storeError(ctx, w, "admin.keys.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keyViews(keys)})
}

type createKeyRequest struct {
	Label string `json:"label"`
}

type createKeyResponse struct {
	Key    KeyView `json:"key"`
	Secret string  `json:"secret"`
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req createKeyRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	ws := chi.URLParam(r, "workspaceID")
	secret, key, err := h.policies.CreateAccessKey(ctx, ws, req.Label)
	if err != nil {
		h.storeError(ctx, w, "admin.keys.create.fail", err)
		return
	}
	h.log.InfoContext(ctx, "admin.keys.create.ok", slog.String("workspace_id", ws), slog.String("key_id", key.ID), slog.String("operator", operatorFrom(ctx).UserID()))
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: keyView(key), Secret: secret})
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ws, keyID := chi.URLParam(r, "workspaceID"), chi.URLParam(r, "keyID")
	if err := h.policies.RevokeAccessKey(ctx, ws, keyID); err != nil {
		h.storeError(ctx, w, "admin.keys.revoke.fail", err)
		return
	}
	h.log.InfoContext(ctx, "admin.keys.revoke.ok", slog.String("workspace_id", ws), slog.String("key_id", keyID), slog.String("operator", operatorFrom(ctx).UserID()))
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps policy store failures onto HTTP statuses.
func (h *Handler) storeError(ctx context.Context, w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, "workspace has no policy")
	case errors.Is(err, policy.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "access key not found")
	case errors.Is(err, policy.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.ErrorContext(ctx, event, slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	h.log.InfoContext(ctx, event, slog.String("err", err.Error()))
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
