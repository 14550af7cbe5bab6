// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokenverify validates presented bearer tokens against the realm's
// published key set and normalizes their claims.
package tokenverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrTokenInvalid covers every signature, issuer and validity failure. The
// gateway maps it to Forbidden without further detail.
var ErrTokenInvalid = errors.New("token invalid")

// Verifier checks token signatures against a remote JWKS and validates the
// issuer and validity window with a fixed clock-skew tolerance.
type Verifier struct {
	keySet    oidc.KeySet
	issuer    string
	tolerance time.Duration
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithKeySet replaces the remote key set, for tests.
func WithKeySet(ks oidc.KeySet) VerifierOption {
	return func(v *Verifier) { v.keySet = ks }
}

// WithNow replaces the clock, for tests.
func WithNow(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier fetching keys from jwksURL. Key fetching is
// lazy and cached by the key set; ctx bounds the lifetime of those fetches.
func NewVerifier(ctx context.Context, jwksURL, issuer string, tolerance time.Duration, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		issuer:    issuer,
		tolerance: tolerance,
		now:       time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	if v.keySet == nil {
		v.keySet = oidc.NewRemoteKeySet(ctx, jwksURL)
	}
	return v
}

// Verify checks the raw token's signature, issuer and validity window and
// returns its claims. All failures wrap ErrTokenInvalid.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	payload, err := v.keySet.VerifySignature(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrTokenInvalid, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrTokenInvalid, err)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}

	now := v.now()
	if claims.Expiry > 0 && now.After(time.Unix(claims.Expiry, 0).Add(v.tolerance)) {
		return nil, fmt.Errorf("%w: expired", ErrTokenInvalid)
	}
	if claims.NotBefore > 0 && now.Before(time.Unix(claims.NotBefore, 0).Add(-v.tolerance)) {
		return nil, fmt.Errorf("%w: not valid yet", ErrTokenInvalid)
	}
	return &claims, nil
}
