package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	require.NoError(t, auth.ValidateHash(hash))

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	other, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts must differ")
}

func TestVerifyAPIKeyMalformedHash(t *testing.T) {
	for _, h := range []string{"", "nodollar", "!!!$AAAA", "AAAA$AAAA"} {
		_, err := auth.VerifyAPIKey("k", h)
		assert.ErrorIs(t, err, auth.ErrMalformedHash, h)
	}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken(model.Principal{ID: "bob", Role: model.RoleReviewer})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.PrincipalID)
	assert.Equal(t, "bob", claims.Subject)
	assert.Equal(t, model.RoleReviewer, claims.Role)
}

func TestJWTExpired(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.Principal{ID: "bob", Role: model.RoleReviewer})
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTFromOtherKeyRejected(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := a.IssueToken(model.Principal{ID: "bob", Role: model.RoleAdmin})
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	require.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privPath, pubPath := writeKeys(t, priv, pub)
	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func writeKeys(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey) (string, string) {
	t.Helper()
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath
}

func TestNewJWTManagerMismatchedKeys(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privPath, pubPath := writeKeys(t, priv, otherPub)

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func forgedClaims(mutate func(*auth.Claims)) *auth.Claims {
	now := time.Now().UTC()
	c := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			Issuer:    "sekimon",
			Audience:  jwt.ClaimStrings{"sekimon"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		PrincipalID: "bob",
		Role:        model.RoleReviewer,
	}
	mutate(c)
	return c
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	cases := map[string]func(*auth.Claims){
		"wrong issuer":     func(c *auth.Claims) { c.Issuer = "not-sekimon" },
		"empty issuer":     func(c *auth.Claims) { c.Issuer = "" },
		"wrong audience":   func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} },
		"no expiry":        func(c *auth.Claims) { c.ExpiresAt = nil },
		"subject mismatch": func(c *auth.Claims) { c.Subject = "mallory" },
		"empty principal":  func(c *auth.Claims) { c.PrincipalID, c.Subject = "", "" },
		"unknown role":     func(c *auth.Claims) { c.Role = "root" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, forgedClaims(mutate)))
			require.Error(t, err)
		})
	}

	t.Run("untouched claims pass", func(t *testing.T) {
		claims, err := mgr.ValidateToken(forgeToken(t, privKey, forgedClaims(func(*auth.Claims) {})))
		require.NoError(t, err)
		assert.Equal(t, "bob", claims.PrincipalID)
	})
}
