package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/id"
)

// Scope describes what an API key is allowed to do.
type Scope string

const (
	// ScopeWrite allows creating runs and appending metric points.
	ScopeWrite Scope = "write"
	// ScopeRead allows listing projects, runs, and metric history.
	ScopeRead Scope = "read"
	// ScopeAdmin allows key management and maintenance operations.
	ScopeAdmin Scope = "admin"
)

// secretPrefix marks waypost API key secrets so truncated or foreign
// tokens fail fast.
const secretPrefix = "wp_"

const displayPrefixLen = len(secretPrefix) + 8

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// APIKey identifies one credential for the tracker API. Only the SHA-256
// of the secret is stored.
type APIKey struct {
	ID         string
	Name       string
	Prefix     string
	SecretHash string
	Scopes     []Scope
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// NewAPIKey mints a key with a fresh secret. The secret is returned exactly
// once; callers must hand it to the user and drop it.
func NewAPIKey(name string, scopes []Scope, now func() time.Time, idGenerator func() (string, error)) (APIKey, string, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return APIKey{}, "", apperrors.New(apperrors.CodePayloadInvalid, "key name is required")
	}
	normalized, err := normalizeScopes(scopes)
	if err != nil {
		return APIKey{}, "", err
	}

	keyID, err := idGenerator()
	if err != nil {
		return APIKey{}, "", fmt.Errorf("generate key id: %w", err)
	}
	secret, err := newSecret()
	if err != nil {
		return APIKey{}, "", err
	}

	return APIKey{
		ID:         keyID,
		Name:       name,
		Prefix:     secret[:displayPrefixLen],
		SecretHash: HashSecret(secret),
		Scopes:     normalized,
		CreatedAt:  now().UTC(),
	}, secret, nil
}

// HashSecret returns the hex SHA-256 of an API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsSecret reports whether token carries the waypost API key prefix.
func IsSecret(token string) bool {
	return strings.HasPrefix(token, secretPrefix)
}

// VerifySecret reports whether secret matches the key in constant time.
func VerifySecret(key APIKey, secret string) bool {
	if !strings.HasPrefix(secret, secretPrefix) {
		return false
	}
	expected := []byte(key.SecretHash)
	actual := []byte(HashSecret(secret))
	return subtle.ConstantTimeCompare(expected, actual) == 1
}

// IsActive reports whether the key has not been revoked.
func IsActive(key APIKey) bool {
	return key.RevokedAt == nil
}

// HasScope reports whether the key grants the requested scope.
// Admin keys grant every scope.
func HasScope(key APIKey, scope Scope) bool {
	for _, s := range key.Scopes {
		if s == ScopeAdmin || s == scope {
			return true
		}
	}
	return false
}

// JoinScopes renders scopes for storage as a comma-separated list.
func JoinScopes(scopes []Scope) string {
	parts := make([]string, 0, len(scopes))
	for _, s := range scopes {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ",")
}

// ParseScopes parses a comma-separated scope list.
func ParseScopes(value string) ([]Scope, error) {
	parts := strings.Split(value, ",")
	scopes := make([]Scope, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scopes = append(scopes, Scope(part))
	}
	return normalizeScopes(scopes)
}

func normalizeScopes(scopes []Scope) ([]Scope, error) {
	if len(scopes) == 0 {
		return nil, apperrors.New(apperrors.CodePayloadInvalid, "at least one scope is required")
	}
	seen := make(map[Scope]bool, len(scopes))
	normalized := make([]Scope, 0, len(scopes))
	for _, scope := range scopes {
		switch scope {
		case ScopeWrite, ScopeRead, ScopeAdmin:
		default:
			return nil, apperrors.WithMetadata(apperrors.CodePayloadInvalid,
				fmt.Sprintf("unknown scope %q", scope),
				map[string]string{"scope": string(scope)})
		}
		if seen[scope] {
			continue
		}
		seen[scope] = true
		normalized = append(normalized, scope)
	}
	return normalized, nil
}

func newSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return secretPrefix + strings.ToLower(secretEncoding.EncodeToString(raw)), nil
}
