// Package sharegrant issues and verifies read-only share links.
//
// A grant is an ed25519-signed JWT that scopes a viewer to one project,
// optionally narrowed to a single run. The dashboard accepts a grant in
// place of a login session, so results can be shared without minting an
// API key for every reader.
package sharegrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/id"
)

// Env var names for share grant configuration.
const (
	EnvShareGrantIssuer     = "WAYPOST_SHARE_GRANT_ISSUER"
	EnvShareGrantAudience   = "WAYPOST_SHARE_GRANT_AUDIENCE"
	EnvShareGrantPublicKey  = "WAYPOST_SHARE_GRANT_PUBLIC_KEY"
	EnvShareGrantPrivateKey = "WAYPOST_SHARE_GRANT_PRIVATE_KEY"
	EnvShareGrantTTL        = "WAYPOST_SHARE_GRANT_TTL"
)

// signerEnv holds raw env values before post-parse validation.
type signerEnv struct {
	Issuer     string        `env:"WAYPOST_SHARE_GRANT_ISSUER"`
	Audience   string        `env:"WAYPOST_SHARE_GRANT_AUDIENCE"`
	PrivateKey string        `env:"WAYPOST_SHARE_GRANT_PRIVATE_KEY"`
	TTL        time.Duration `env:"WAYPOST_SHARE_GRANT_TTL"         envDefault:"168h"`
}

// verifierEnv holds raw env values before post-parse validation.
type verifierEnv struct {
	Issuer    string `env:"WAYPOST_SHARE_GRANT_ISSUER"`
	Audience  string `env:"WAYPOST_SHARE_GRANT_AUDIENCE"`
	PublicKey string `env:"WAYPOST_SHARE_GRANT_PUBLIC_KEY"`
}

// SignerConfig defines how share grants are minted.
type SignerConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
}

// VerifierConfig defines how share grants are verified.
type VerifierConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Claims captures validated share grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string
	ProjectID string
	RunID     string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
}

// Allows reports whether the grant covers the given project and run.
// A grant with an empty run id covers every run in its project.
func (c Claims) Allows(projectID, runID string) bool {
	if strings.TrimSpace(c.ProjectID) == "" || c.ProjectID != projectID {
		return false
	}
	if c.RunID == "" {
		return true
	}
	return c.RunID == runID
}

// LoadSignerConfigFromEnv reads share grant signing configuration.
func LoadSignerConfigFromEnv() (SignerConfig, error) {
	var raw signerEnv
	if err := env.Parse(&raw); err != nil {
		return SignerConfig{}, fmt.Errorf("parse share grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if issuer == "" {
		return SignerConfig{}, fmt.Errorf("WAYPOST_SHARE_GRANT_ISSUER is required")
	}
	if audience == "" {
		return SignerConfig{}, fmt.Errorf("WAYPOST_SHARE_GRANT_AUDIENCE is required")
	}
	if privateKey == "" {
		return SignerConfig{}, fmt.Errorf("WAYPOST_SHARE_GRANT_PRIVATE_KEY is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return SignerConfig{}, fmt.Errorf("decode share grant private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return SignerConfig{}, fmt.Errorf("share grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if raw.TTL <= 0 {
		return SignerConfig{}, fmt.Errorf("share grant ttl must be positive")
	}

	return SignerConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PrivateKey(keyBytes),
		TTL:      raw.TTL,
	}, nil
}

// LoadVerifierConfigFromEnv reads share grant verification configuration.
func LoadVerifierConfigFromEnv(now func() time.Time) (VerifierConfig, error) {
	var raw verifierEnv
	if err := env.Parse(&raw); err != nil {
		return VerifierConfig{}, fmt.Errorf("parse share grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return VerifierConfig{}, fmt.Errorf("WAYPOST_SHARE_GRANT_ISSUER is required")
	}
	if audience == "" {
		return VerifierConfig{}, fmt.Errorf("WAYPOST_SHARE_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return VerifierConfig{}, fmt.Errorf("WAYPOST_SHARE_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return VerifierConfig{}, fmt.Errorf("decode share grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return VerifierConfig{}, fmt.Errorf("share grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return VerifierConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// GenerateKeyPair mints a fresh ed25519 keypair, base64-encoded for env
// transport.
func GenerateKeyPair() (publicKey string, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate share grant keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// Sign mints a share grant for the project, optionally narrowed to one run.
func Sign(cfg SignerConfig, projectID, runID string, now func() time.Time) (string, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PrivateKeySize {
		return "", errors.New("share grant signer is not configured")
	}
	if cfg.TTL <= 0 {
		return "", errors.New("share grant ttl must be positive")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", errors.New("share grant project id is required")
	}
	if now == nil {
		now = time.Now
	}

	jwtID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate share grant id: %w", err)
	}

	issuedAt := now().UTC()
	payload := map[string]any{
		"iss":        cfg.Issuer,
		"aud":        cfg.Audience,
		"jti":        jwtID,
		"iat":        issuedAt.Unix(),
		"nbf":        issuedAt.Unix(),
		"exp":        issuedAt.Add(cfg.TTL).Unix(),
		"project_id": projectID,
	}
	if runID = strings.TrimSpace(runID); runID != "" {
		payload["run_id"] = runID
	}
	return encodeGrant(cfg.Key, payload)
}

// Verify checks the grant's signature, issuer, audience, and time window.
// Scope checks against a concrete project and run happen via Claims.Allows.
func Verify(grant string, cfg VerifierConfig) (Claims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, apperrors.New(apperrors.CodeShareGrantInvalid, "share grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("share grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeShareGrantInvalid,
			"share grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeShareGrantInvalid,
			"share grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}

	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeShareGrantInvalid, "share grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeShareGrantInvalid, "share grant exp is required")
	}
	if strings.TrimSpace(parsed.ProjectID) == "" {
		return Claims{}, apperrors.New(apperrors.CodeShareGrantInvalid, "share grant project_id is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeShareGrantExpired, "share grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return Claims{}, apperrors.New(apperrors.CodeShareGrantInvalid, "share grant not active yet")
		}
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		JWTID:     parsed.ID,
		ProjectID: parsed.ProjectID,
		RunID:     strings.TrimSpace(parsed.RunID),
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func encodeGrant(key ed25519.PrivateKey, payload map[string]any) (string, error) {
	headerJSON, err := json.Marshal(map[string]string{
		"alg": "EdDSA",
		"typ": "JWT",
	})
	if err != nil {
		return "", fmt.Errorf("encode share grant header: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode share grant payload: %w", err)
	}

	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := encodedHeader + "." + encodedPayload
	signature := ed25519.Sign(key, []byte(signingInput))
	encodedSig := base64.RawURLEncoding.EncodeToString(signature)
	return signingInput + "." + encodedSig, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeShareGrantInvalid, "share grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeShareGrantInvalid, "share grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeShareGrantInvalid, "share grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
