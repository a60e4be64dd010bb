package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// UserInfo represents an authenticated operator.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// TokenVerifier validates admin bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type TokenVerifier interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// AdminClaims are the claims the admin API authorizes on.
type AdminClaims struct {
	// Workspaces lists the workspaces the operator may manage; "*" grants all.
	Workspaces []string `json:"workspaces"`
}

// CanManage reports whether the claims cover workspaceID.
func (c AdminClaims) CanManage(workspaceID string) bool {
	return slices.Contains(c.Workspaces, "*") || slices.Contains(c.Workspaces, workspaceID)
}

// Authorize checks that ui may manage workspaceID.
func Authorize(ui UserInfo, workspaceID string) error {
	var claims AdminClaims
	if err := ui.Claims(&claims); err != nil {
		return fmt.Errorf("%w: unreadable claims: %v", ErrInsufficientScope, err)
	}
	if !claims.CanManage(workspaceID) {
		return fmt.Errorf("%w: workspace %q", ErrInsufficientScope, workspaceID)
	}
	return nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

// NewUserInfo builds a UserInfo from a subject and raw claims.
func NewUserInfo(sub string, claims map[string]any) UserInfo {
	return &userInfo{sub: sub, claims: claims}
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// TokenConfig controls validation of admin JWTs.
type TokenConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

type jwtVerifier struct {
	cfg     TokenConfig
	keyfunc jwt.Keyfunc
}

// NewHMACVerifier validates HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte, cfg TokenConfig) (TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("hmac secret must be at least 32 bytes")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &jwtVerifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}}, nil
}

// NewJWKSVerifier validates tokens against keys served at jwksURI. Keys are
// refreshed in the background for the lifetime of ctx.
func NewJWKSVerifier(ctx context.Context, jwksURI string, cfg TokenConfig) (TokenVerifier, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &jwtVerifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(cfg.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf.Keyfunc(t)
	}}, nil
}

// CheckAuthentication implements TokenVerifier.
func (v *jwtVerifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuer's signing keys and validates ID tokens
// issued for audience.
func NewOIDCVerifier(ctx context.Context, issuer, audience string) (TokenVerifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	cfg := &oidc.Config{ClientID: audience}
	if audience == "" {
		cfg.SkipClientIDCheck = true
	}
	return &oidcVerifier{verifier: provider.Verifier(cfg)}, nil
}

// CheckAuthentication implements TokenVerifier.
func (v *oidcVerifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	idt, err := v.verifier.Verify(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var claims map[string]any
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: invalid claims: %v", ErrUnauthorized, err)
	}
	return &userInfo{sub: idt.Subject, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var (
	_ TokenVerifier = (*jwtVerifier)(nil)
	_ TokenVerifier = (*oidcVerifier)(nil)
)
