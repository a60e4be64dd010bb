package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestHMACVerifier(t *testing.T) {
	v, err := NewHMACVerifier(testSecret, TokenConfig{Issuer: "gateway-admin", ExpectedAudiences: []string{"mcp-gateway"}})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	good := signHS256(t, jwt.MapClaims{"sub": "ops", "iss": "gateway-admin", "aud": "mcp-gateway", "exp": exp, "workspaces": []string{"w1"}})
	ui, err := v.CheckAuthentication(ctx, good)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want, got := "ops", ui.UserID(); want != got {
		t.Fatalf("sub: want %q, got %q", want, got)
	}
	if err := Authorize(ui, "w1"); err != nil {
		t.Fatalf("authorize w1: %v", err)
	}
	if err := Authorize(ui, "w2"); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("authorize w2: want ErrInsufficientScope, got %v", err)
	}

	bad := map[string]string{
		"expired":      signHS256(t, jwt.MapClaims{"sub": "ops", "iss": "gateway-admin", "aud": "mcp-gateway", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no exp":       signHS256(t, jwt.MapClaims{"sub": "ops", "iss": "gateway-admin", "aud": "mcp-gateway"}),
		"wrong issuer": signHS256(t, jwt.MapClaims{"sub": "ops", "iss": "other", "aud": "mcp-gateway", "exp": exp}),
		"wrong aud":    signHS256(t, jwt.MapClaims{"sub": "ops", "iss": "gateway-admin", "aud": "other", "exp": exp}),
		"missing sub":  signHS256(t, jwt.MapClaims{"iss": "gateway-admin", "aud": "mcp-gateway", "exp": exp}),
		"garbage":      "not-a-jwt",
		"empty":        "",
	}
	for name, tok := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := v.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestHMACVerifierRejectsShortSecret(t *testing.T) {
	if _, err := NewHMACVerifier([]byte("short"), TokenConfig{}); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestAdminClaimsWildcard(t *testing.T) {
	c := AdminClaims{Workspaces: []string{"*"}}
	if !c.CanManage("anything") {
		t.Fatalf("wildcard should manage every workspace")
	}
	if (AdminClaims{}).CanManage("w1") {
		t.Fatalf("empty claims should manage nothing")
	}
}
