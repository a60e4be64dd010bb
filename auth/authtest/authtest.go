// Package authtest provides token verifiers for tests and local development.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-context-gateway/auth"
)

// StaticVerifier accepts a fixed set of tokens, each mapped to an operator
// managing the listed workspaces.
type StaticVerifier struct {
	tokens map[string]auth.UserInfo
}

// NewStaticVerifier returns an empty StaticVerifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]auth.UserInfo)}
}

// Allow registers tok for userID with management rights over workspaces.
func (s *StaticVerifier) Allow(tok, userID string, workspaces ...string) *StaticVerifier {
	ws := make([]any, len(workspaces))
	for i, w := range workspaces {
		ws[i] = w
	}
	s.tokens[tok] = auth.NewUserInfo(userID, map[string]any{"sub": userID, "workspaces": ws})
	return s
}

// CheckAuthentication implements auth.TokenVerifier.
func (s *StaticVerifier) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	ui, ok := s.tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return ui, nil
}

var _ auth.TokenVerifier = (*StaticVerifier)(nil)
