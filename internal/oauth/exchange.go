// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// expirySlack avoids handing out a cached exchanged token that is about to
// expire mid-request.
const expirySlack = 30 * time.Second

// ExchangeCache exchanges long-lived offline tokens for short-lived access
// tokens and memoizes the exchange per offline-token value, so repeated
// requests bearing the same offline token do not each hit the token endpoint.
// The cache is bounded; the key is a digest of the offline token, never the
// token itself.
type ExchangeCache struct {
	tokenURL     string
	clientID     string
	clientSecret string

	cache *lru.Cache[string, *oauth2.Token]
	group singleflight.Group
}

// NewExchangeCache creates an exchange cache bounded to size entries.
func NewExchangeCache(tokenURL, clientID, clientSecret string, size int) (*ExchangeCache, error) {
	c, err := lru.New[string, *oauth2.Token](size)
	if err != nil {
		return nil, fmt.Errorf("oauth: exchange cache: %w", err)
	}
	return &ExchangeCache{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        c,
	}, nil
}

// AccessToken returns a valid access token for the given offline token,
// exchanging it when no fresh cached token exists. Concurrent callers with
// the same offline token coalesce onto one exchange; a failed exchange leaves
// no cache entry behind.
func (e *ExchangeCache) AccessToken(ctx context.Context, offlineToken string) (string, error) {
	key := digest(offlineToken)
	if tok, ok := e.cache.Get(key); ok && time.Until(tok.Expiry) > expirySlack {
		return tok.AccessToken, nil
	}

	res, err, _ := e.group.Do(key, func() (any, error) {
		if tok, ok := e.cache.Get(key); ok && time.Until(tok.Expiry) > expirySlack {
			return tok, nil
		}
		tok, err := e.exchange(ctx, offlineToken)
		if err != nil {
			e.cache.Remove(key)
			return nil, err
		}
		e.cache.Add(key, tok)
		return tok, nil
	})
	if err != nil {
		return "", fmt.Errorf("oauth: offline token exchange: %w", err)
	}
	return res.(*oauth2.Token).AccessToken, nil
}

// exchange runs the refresh grant with the offline token as the refresh token.
func (e *ExchangeCache) exchange(ctx context.Context, offlineToken string) (*oauth2.Token, error) {
	cfg := oauth2.Config{
		ClientID:     e.clientID,
		ClientSecret: e.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: e.tokenURL},
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: offlineToken}).Token()
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
