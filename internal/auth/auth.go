// Package auth issues and verifies the EdDSA bearer tokens that carry a
// caller's user, org and role.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
)

const issuer = "shiori"

// Claims extends jwt.RegisteredClaims with the caller's identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64      `json:"user_id"`
	OrgID  int64      `json:"org_id"`
	Role   model.Role `json:"role"`
}

// Permissions returns the permission set implied by the claims' role.
func (c *Claims) Permissions() model.PermissionSet {
	return model.PermissionsFor(c.Role)
}

// JWTManager signs and verifies tokens with one Ed25519 key pair.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads an Ed25519 key pair from PKCS#8 and PKIX PEM files.
// With either path empty it generates an ephemeral pair, so tokens do not
// survive a restart.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	m := &JWTManager{expiration: expiration}
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, using an ephemeral key pair")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		m.privateKey, m.publicKey = priv, pub
		return m, nil
	}

	priv, err := loadPEMKey[ed25519.PrivateKey](privateKeyPath, "private", x509.ParsePKCS8PrivateKey)
	if err != nil {
		return nil, err
	}
	pub, err := loadPEMKey[ed25519.PublicKey](publicKeyPath, "public", x509.ParsePKIXPublicKey)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("auth: %s is not the public half of %s", publicKeyPath, privateKeyPath)
	}
	m.privateKey, m.publicKey = priv, pub
	return m, nil
}

// loadPEMKey reads the first PEM block in path and parses it as a K.
func loadPEMKey[K any](path, kind string, parse func([]byte) (any, error)) (K, error) {
	var zero K
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return zero, fmt.Errorf("auth: read %s key: %w", kind, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return zero, fmt.Errorf("auth: %s key %s: no PEM block", kind, path)
	}
	parsed, err := parse(block.Bytes)
	if err != nil {
		return zero, fmt.Errorf("auth: parse %s key: %w", kind, err)
	}
	key, ok := parsed.(K)
	if !ok {
		return zero, fmt.Errorf("auth: %s key %s is %T, want Ed25519", kind, path, parsed)
	}
	return key, nil
}

// IssueToken creates a signed JWT for the given user.
func (m *JWTManager) IssueToken(userID, orgID int64, role model.Role) (string, time.Time, error) {
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: unknown role %q", role)
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		UserID: userID,
		OrgID:  orgID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.UserID <= 0 || claims.OrgID <= 0 {
		return nil, fmt.Errorf("auth: token missing user or org")
	}
	if claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return nil, fmt.Errorf("auth: subject does not match user_id")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}
