// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GrantType selects how the gateway authenticates human callers.
type GrantType string

const (
	// GrantTypeAuthorizationCode is the default interactive flow.
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	// GrantTypePassword enables the basic-auth password-grant path, used for
	// test deployments only.
	GrantTypePassword GrantType = "password"
)

// Config holds everything the daemon and the gateway need to talk to the IAM
// backend and the cluster resource API.
type Config struct {
	// IAMBaseURL is the base URL of the IAM server, e.g. "https://iam.example.com/auth".
	IAMBaseURL string
	// IAMRealm is the realm all roles and clients live in.
	IAMRealm string
	// IAMClientID and IAMClientSecret identify the service client used for the
	// client-credentials grant and token exchange.
	IAMClientID     string
	IAMClientSecret string

	// SharedSecret, when non-empty, authenticates trusted internal callers
	// presenting it verbatim as a bearer token.
	SharedSecret string

	// GrantType gates the basic-auth password-grant path.
	GrantType GrantType

	// EveryoneGroupID is the IAM group granted read access to globally shared
	// resources when their role is created.
	EveryoneGroupID string

	// ResourceNamespace is the namespace watched for custom resources.
	ResourceNamespace string

	// ClockTolerance is the permitted skew between the token issuer's clock
	// and ours when validating expiry and issuance times.
	ClockTolerance time.Duration

	// TokenRefreshInterval is how often the token syncer checks whether the
	// service token needs refreshing.
	TokenRefreshInterval time.Duration
	// TokenExpiryWindow is how long before expiry a token is considered due
	// for refresh.
	TokenExpiryWindow time.Duration

	// ExchangeCacheSize bounds the offline-token exchange cache.
	ExchangeCacheSize int
}

const (
	defaultClockTolerance       = 5 * time.Minute
	defaultTokenRefreshInterval = 30 * time.Second
	defaultTokenExpiryWindow    = time.Minute
	defaultExchangeCacheSize    = 256
)

// Load reads the configuration from the environment. Missing required
// variables are reported together so a misconfigured deployment fails once,
// with the full list.
func Load() (*Config, error) {
	c := &Config{
		IAMBaseURL:           os.Getenv("IAM_BASE_URL"),
		IAMRealm:             getenvDefault("IAM_REALM", "master"),
		IAMClientID:          os.Getenv("IAM_CLIENT_ID"),
		IAMClientSecret:      os.Getenv("IAM_CLIENT_SECRET"),
		SharedSecret:         os.Getenv("SHARED_SECRET_KEY"),
		GrantType:            GrantType(getenvDefault("IAM_GRANT_TYPE", string(GrantTypeAuthorizationCode))),
		EveryoneGroupID:      os.Getenv("IAM_EVERYONE_GROUP_ID"),
		ResourceNamespace:    getenvDefault("RESOURCE_NAMESPACE", "default"),
		ClockTolerance:       defaultClockTolerance,
		TokenRefreshInterval: defaultTokenRefreshInterval,
		TokenExpiryWindow:    defaultTokenExpiryWindow,
		ExchangeCacheSize:    defaultExchangeCacheSize,
	}

	var missing []string
	for _, v := range []struct{ name, value string }{
		{"IAM_BASE_URL", c.IAMBaseURL},
		{"IAM_CLIENT_ID", c.IAMClientID},
		{"IAM_CLIENT_SECRET", c.IAMClientSecret},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch c.GrantType {
	case GrantTypeAuthorizationCode, GrantTypePassword:
	default:
		return nil, fmt.Errorf("invalid IAM_GRANT_TYPE %q", c.GrantType)
	}

	var err error
	if c.ClockTolerance, err = getenvDuration("IAM_CLOCK_TOLERANCE", defaultClockTolerance); err != nil {
		return nil, err
	}
	if c.TokenRefreshInterval, err = getenvDuration("TOKEN_REFRESH_INTERVAL", defaultTokenRefreshInterval); err != nil {
		return nil, err
	}
	if c.TokenExpiryWindow, err = getenvDuration("TOKEN_EXPIRY_WINDOW", defaultTokenExpiryWindow); err != nil {
		return nil, err
	}
	if s := os.Getenv("EXCHANGE_CACHE_SIZE"); s != "" {
		if c.ExchangeCacheSize, err = strconv.Atoi(s); err != nil || c.ExchangeCacheSize <= 0 {
			return nil, fmt.Errorf("invalid EXCHANGE_CACHE_SIZE %q", s)
		}
	}
	return c, nil
}

// RealmURL returns the issuer URL for the configured realm.
func (c *Config) RealmURL() string {
	return fmt.Sprintf("%s/realms/%s", c.IAMBaseURL, c.IAMRealm)
}

// JWKSURL returns the realm's JSON Web Key Set endpoint.
func (c *Config) JWKSURL() string {
	return c.RealmURL() + "/protocol/openid-connect/certs"
}

// TokenURL returns the realm's OAuth2 token endpoint.
func (c *Config) TokenURL() string {
	return c.RealmURL() + "/protocol/openid-connect/token"
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getenvDuration(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}
