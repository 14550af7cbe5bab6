// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package iam is a minimal admin client for the Keycloak-style IAM backend.
// It covers the role CRUD and group-grant surface the role synchronizer and
// the authentication gateway need, nothing more.
package iam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrRoleNotFound is returned when the backend reports 404 for a role. Callers
// that treat absence as success (delete paths) check for it with errors.Is.
var ErrRoleNotFound = errors.New("role not found")

// Role is a realm-level role.
type Role struct {
	ID          string              `json:"id,omitempty"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
}

// RoleCreateData carries the attributes for a role about to be created for a
// newly observed resource, plus whether the resource is globally shared and
// the role should be granted to the everyone group.
type RoleCreateData struct {
	Attributes map[string][]string
	Global     bool
}

// APIError is a non-2xx response from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("iam: unexpected status %d: %s", e.StatusCode, e.Message)
}

// Client talks to one realm of the admin API. The zero token Client can only
// be used after binding a token with WithToken; handles are cheap and a fresh
// one is bound per request by the gateway.
type Client struct {
	baseURL    string
	realm      string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates an unbound client for the given admin base URL and realm.
func New(baseURL, realm string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		realm:      realm,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ForIssuer creates an unbound client scoped to the realm named by an OIDC
// issuer URL of the form {base}/realms/{realm}. Admin callers carry tokens
// issued by their own realm, so their handle must target that realm rather
// than the service client's.
func ForIssuer(issuer string, opts ...Option) (*Client, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("iam: invalid issuer %q: %w", issuer, err)
	}
	i := strings.LastIndex(u.Path, "/realms/")
	if i < 0 {
		return nil, fmt.Errorf("iam: issuer %q has no realm path", issuer)
	}
	realm := u.Path[i+len("/realms/"):]
	if realm == "" || strings.Contains(realm, "/") {
		return nil, fmt.Errorf("iam: issuer %q has no realm path", issuer)
	}
	base := *u
	base.Path = u.Path[:i]
	return New(base.String(), realm, opts...), nil
}

// WithToken returns a handle bound to the given access token. The receiver is
// not modified.
func (c *Client) WithToken(token string) *Client {
	bound := *c
	bound.token = token
	return &bound
}

// Realm returns the realm this client targets.
func (c *Client) Realm() string { return c.realm }

// FindRoleByName fetches a realm role by name. Absence is ErrRoleNotFound.
func (c *Client) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	if err := c.do(ctx, http.MethodGet, c.rolePath(name), nil, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

// CreateRole creates a realm role. The backend answers 409 when the role
// already exists; that surfaces as an *APIError and callers avoid it by
// checking existence first.
func (c *Client) CreateRole(ctx context.Context, role Role) error {
	return c.do(ctx, http.MethodPost, c.adminPath("roles"), role, nil)
}

// DeleteRoleByName deletes a realm role. Absence is ErrRoleNotFound.
func (c *Client) DeleteRoleByName(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.rolePath(name), nil, nil)
}

// AddGroupRoleMapping grants a realm role to a group.
func (c *Client) AddGroupRoleMapping(ctx context.Context, groupID string, role Role) error {
	path := c.adminPath("groups", groupID, "role-mappings", "realm")
	return c.do(ctx, http.MethodPost, path, []Role{role}, nil)
}

func (c *Client) adminPath(segments ...string) string {
	parts := append([]string{c.baseURL, "admin", "realms", c.realm}, segments...)
	for i, p := range parts[1:] {
		parts[i+1] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) rolePath(name string) string {
	return c.adminPath("roles", name)
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("iam: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("iam: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, u, ErrRoleNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("iam: decode response: %w", err)
		}
	}
	return nil
}
