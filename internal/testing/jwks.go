// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package internaltesting holds shared test fixtures: a signing key with a
// JWKS endpoint and a minimal claims builder, so verifier and gateway tests
// can mint tokens that pass real signature verification.
package internaltesting

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// SigningKey is an RSA key pair with a stable key ID, servable as a JWKS.
type SigningKey struct {
	Key *rsa.PrivateKey
	KID string
}

// NewSigningKey generates a fresh RSA signing key.
func NewSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &SigningKey{Key: key, KID: "test-key-1"}
}

// JWKSServer serves the key's public half as a JSON Web Key Set.
func (k *SigningKey) JWKSServer(t *testing.T) *httptest.Server {
	t.Helper()
	pub := k.Key.Public().(*rsa.PublicKey)
	jwks := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": k.KID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(jwks))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// TokenClaims is the claim set SignToken encodes.
type TokenClaims struct {
	Subject           string              `json:"sub,omitempty"`
	Issuer            string              `json:"iss,omitempty"`
	PreferredUsername string              `json:"preferred_username,omitempty"`
	Type              string              `json:"typ,omitempty"`
	Expiry            int64               `json:"exp,omitempty"`
	NotBefore         int64               `json:"nbf,omitempty"`
	RealmAccess       map[string][]string `json:"realm_access,omitempty"`
	ResourceAccess    map[string]any      `json:"resource_access,omitempty"`
}

func (TokenClaims) Valid() error { return nil }

// SignToken mints an RS256 token with the given claims.
func (k *SigningKey) SignToken(t *testing.T, claims TokenClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.KID
	raw, err := tok.SignedString(k.Key)
	require.NoError(t, err)
	return raw
}

// AdminResourceAccess returns a resource_access claim carrying the
// realm-management admin role.
func AdminResourceAccess() map[string]any {
	return map[string]any{
		"realm-management": map[string]any{"roles": []string{"realm-admin"}},
	}
}

// FutureExpiry returns a unix expiry comfortably in the future.
func FutureExpiry() int64 { return time.Now().Add(time.Hour).Unix() }
