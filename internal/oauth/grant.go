// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package oauth

import (
	"context"

	"golang.org/x/oauth2"
)

// PasswordToken runs the resource-owner password grant. It backs the gateway's
// basic-auth path, which is only enabled for password-grant test deployments.
func PasswordToken(ctx context.Context, tokenURL, clientID, clientSecret, username, password string) (*oauth2.Token, error) {
	cfg := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return cfg.PasswordCredentialsToken(ctx, username, password)
}
