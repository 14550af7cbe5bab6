// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenverify

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// typOffline marks long-lived offline tokens, which are not directly
// verifiable and must be exchanged for an access token first.
const typOffline = "Offline"

// Claims are the token claims the gateway cares about.
type Claims struct {
	Subject           string `json:"sub"`
	Issuer            string `json:"iss"`
	PreferredUsername string `json:"preferred_username"`
	Type              string `json:"typ"`
	Expiry            int64  `json:"exp"`
	NotBefore         int64  `json:"nbf"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// IsOffline reports whether the token is a long-lived offline token.
func (c *Claims) IsOffline() bool { return c.Type == typOffline }

// HasRealmRole reports whether the token carries the given realm-level role.
func (c *Claims) HasRealmRole(name string) bool {
	for _, r := range c.RealmAccess.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasResourceRole reports whether the token carries the given role for the
// given client application.
func (c *Claims) HasResourceRole(client, name string) bool {
	access, ok := c.ResourceAccess[client]
	if !ok {
		return false
	}
	for _, r := range access.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// IsRealmAdmin reports whether the token grants realm administration rights:
// the master realm uses the realm-level "admin" role, every other realm the
// realm-management client's "realm-admin" role.
func (c *Claims) IsRealmAdmin(realm string) bool {
	if realm == "master" {
		return c.HasRealmRole("admin")
	}
	return c.HasResourceRole("realm-management", "realm-admin")
}

// DecodeUnverified parses token claims without verifying the signature. Only
// for tokens the process just obtained from the token endpoint itself, such
// as a password-grant response.
func DecodeUnverified(raw string) (*Claims, error) {
	var claims jwtClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("tokenverify: parse token: %w", err)
	}
	return &claims.Claims, nil
}

// jwtClaims adapts Claims to the jwt.Claims interface; validity is checked by
// the Verifier, not here.
type jwtClaims struct {
	Claims
}

func (jwtClaims) Valid() error { return nil }
