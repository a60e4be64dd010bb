package policy

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	secretPrefix  = "mcp_"
	secretBytes   = 32
	displayPrefix = 12
)

// GenerateAccessKey produces a new random secret together with its display
// prefix and hash. Only the prefix and hash may be persisted.
func GenerateAccessKey() (secret, prefix, hash string, err error) {
	var b [secretBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", "", "", fmt.Errorf("generate access key: %w", err)
	}
	secret = secretPrefix + base64.RawURLEncoding.EncodeToString(b[:])
	return secret, secret[:displayPrefix], HashAccessKey(secret), nil
}

// HashAccessKey returns the hex SHA-256 digest stored for secret.
func HashAccessKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// MatchAccessKey returns the first key of p whose hash equals the hash of
// secret. Every stored hash is compared in constant time.
func MatchAccessKey(p *Policy, secret string) (AccessKey, bool) {
	if p == nil || secret == "" {
		return AccessKey{}, false
	}
	presented := []byte(HashAccessKey(secret))

	var (
		match AccessKey
		found bool
	)
	for _, k := range p.AccessKeys {
		if subtle.ConstantTimeCompare(presented, []byte(k.HashedKey)) == 1 && !found {
			match, found = k, true
		}
	}
	return match, found
}
