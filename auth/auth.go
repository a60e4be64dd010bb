package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-context-gateway/policy"
)

var (
	// ErrBadRequest indicates the connection did not identify a workspace.
	ErrBadRequest = errors.New("workspace identifier required")
	// ErrForbidden indicates the workspace is unknown or has the gateway disabled.
	ErrForbidden = errors.New("access to workspace denied")
	// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// StatusCode maps an authentication error onto the HTTP status to reject
// the request with.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInsufficientScope):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Credentials is the connection metadata presented by an agent.
type Credentials struct {
	WorkspaceID string
	Secret      string
}

// Grant is an authorized connection.
type Grant struct {
	WorkspaceID string
	KeyID       string
	KeyLabel    string
	// Policy is a private snapshot; later policy changes do not affect it.
	Policy *policy.Policy
}

// CallerID identifies the principal behind the grant in logs.
func (g *Grant) CallerID() string {
	if g == nil || g.KeyID == "" {
		return ""
	}
	return "key:" + g.KeyID
}

// PolicySource loads workspace policies. It returns policy.ErrNotFound for
// unknown workspaces.
type PolicySource interface {
	GetPolicy(ctx context.Context, workspaceID string) (*policy.Policy, error)
}

// Authenticator resolves agent credentials into a Grant.
type Authenticator struct {
	src PolicySource
	log *slog.Logger
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithLogger sets the logger used for authentication decisions.
func WithLogger(l *slog.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAuthenticator returns an Authenticator reading policies from src.
func NewAuthenticator(src PolicySource, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{src: src, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate validates c against the workspace policy.
func (a *Authenticator) Authenticate(ctx context.Context, c Credentials) (*Grant, error) {
	if c.WorkspaceID == "" {
		return nil, ErrBadRequest
	}

	p, err := a.src.GetPolicy(ctx, c.WorkspaceID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			a.log.InfoContext(ctx, "auth.workspace.unknown", slog.String("workspace_id", c.WorkspaceID))
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if !p.Enabled {
		a.log.InfoContext(ctx, "auth.workspace.disabled", slog.String("workspace_id", c.WorkspaceID))
		return nil, ErrForbidden
	}

	key, ok := policy.MatchAccessKey(p, c.Secret)
	if !ok {
		a.log.InfoContext(ctx, "auth.key.mismatch", slog.String("workspace_id", c.WorkspaceID))
		return nil, ErrUnauthorized
	}

	return &Grant{
		WorkspaceID: c.WorkspaceID,
		KeyID:       key.ID,
		KeyLabel:    key.Label,
		Policy:      p.Clone(),
	}, nil
}
