// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package oauth maintains the service-level access token and the short-lived
// exchange cache for offline tokens, so request handling never blocks on a
// full OAuth round trip.
package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/auroraml/identity-gateway/internal/metrics"
)

// ErrNoToken is returned by AccessToken before the first grant has succeeded.
var ErrNoToken = errors.New("oauth: no service token acquired yet")

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Interval between refresh checks.
	Interval time.Duration
	// ExpiryWindow is how long before expiry the token is refreshed.
	ExpiryWindow time.Duration
	Metrics      *metrics.Metrics
}

// Syncer owns the service-level token. It acquires the token with the
// client-credentials grant at startup and refreshes it in the background
// before it expires. Reads never touch the network.
type Syncer struct {
	opts   SyncerOptions
	logger logr.Logger

	mu    sync.RWMutex
	token *oauth2.Token

	done chan struct{}
	once sync.Once
}

// NewSyncer creates a stopped Syncer. Call Start to acquire the initial token
// and begin background refresh.
func NewSyncer(logger logr.Logger, opts SyncerOptions) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = time.Minute
	}
	return &Syncer{opts: opts, logger: logger, done: make(chan struct{})}
}

// Start performs the initial grant and launches the refresh loop. The loop
// stops when ctx is cancelled or Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	tok, err := s.clientCredentialsGrant(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

// Stop terminates the refresh loop.
func (s *Syncer) Stop() {
	s.once.Do(func() { close(s.done) })
}

// AccessToken returns the latest cached service token. The token may already
// be past its expiry if every recent refresh failed; downstream verification
// is what finally rejects it.
func (s *Syncer) AccessToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return "", ErrNoToken
	}
	return s.token.AccessToken, nil
}

func (s *Syncer) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.count("failure")
				// Keep the stale token; a later tick retries.
				s.logger.Error(err, "service token refresh failed")
				continue
			}
			s.count("success")
		}
	}
}

// syncOnce refreshes the token if it is inside the expiry window. It prefers
// the refresh grant; when the issuer stops extending the refresh token's
// lifetime (or did not issue one), it falls back to a fresh
// client-credentials grant.
func (s *Syncer) syncOnce(ctx context.Context) error {
	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()

	if time.Until(current.Expiry) > s.opts.ExpiryWindow {
		return nil
	}

	var fresh *oauth2.Token
	if current.RefreshToken != "" {
		refreshed, err := s.refreshGrant(ctx, current.RefreshToken)
		switch {
		case err != nil:
			s.logger.V(1).Info("refresh grant failed, falling back to client credentials", "reason", err.Error())
		case !refreshed.Expiry.After(current.Expiry):
			s.logger.V(1).Info("refresh grant did not extend expiry, falling back to client credentials")
		default:
			fresh = refreshed
		}
	}
	if fresh == nil {
		var err error
		if fresh, err = s.clientCredentialsGrant(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.token = fresh
	s.mu.Unlock()
	s.logger.Info("service token refreshed", "expiry", fresh.Expiry)
	return nil
}

func (s *Syncer) clientCredentialsGrant(ctx context.Context) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     s.opts.ClientID,
		ClientSecret: s.opts.ClientSecret,
		TokenURL:     s.opts.TokenURL,
	}
	return cfg.Token(ctx)
}

func (s *Syncer) refreshGrant(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg := oauth2.Config{
		ClientID:     s.opts.ClientID,
		ClientSecret: s.opts.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.opts.TokenURL},
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (s *Syncer) count(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
}
