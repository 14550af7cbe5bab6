// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package iam

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindRoleByName(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/admin/realms/demo/roles/ds:known":
			require.NoError(t, json.NewEncoder(w).Encode(Role{ID: "abc", Name: "ds:known"}))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, "demo").WithToken("token-1")

	role, err := c.FindRoleByName(t.Context(), "ds:known")
	require.NoError(t, err)
	require.Equal(t, "ds:known", role.Name)

	_, err = c.FindRoleByName(t.Context(), "ds:absent")
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestCreateRole(t *testing.T) {
	var created Role
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/admin/realms/demo/roles", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := New(ts.URL, "demo").WithToken("t")
	err := c.CreateRole(t.Context(), Role{Name: "img:base", Attributes: map[string][]string{"global": {"true"}}})
	require.NoError(t, err)
	require.Equal(t, "img:base", created.Name)
	require.Equal(t, []string{"true"}, created.Attributes["global"])
}

func TestDeleteRoleByName_absent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	err := New(ts.URL, "demo").WithToken("t").DeleteRoleByName(t.Context(), "ds:gone")
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestAddGroupRoleMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/realms/demo/groups/g-123/role-mappings/realm", r.URL.Path)
		var roles []Role
		require.NoError(t, json.NewDecoder(r.Body).Decode(&roles))
		require.Len(t, roles, 1)
		require.Equal(t, "ds:shared", roles[0].Name)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	err := New(ts.URL, "demo").WithToken("t").
		AddGroupRoleMapping(t.Context(), "g-123", Role{ID: "r-1", Name: "ds:shared"})
	require.NoError(t, err)
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := New(ts.URL, "demo").WithToken("t").CreateRole(t.Context(), Role{Name: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.NotErrorIs(t, err, ErrRoleNotFound)
}

func TestForIssuer(t *testing.T) {
	c, err := ForIssuer("https://iam.example.com/auth/realms/tenant-a")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", c.Realm())
	require.Equal(t, "https://iam.example.com/auth/admin/realms/tenant-a/roles/x", c.rolePath("x"))

	_, err = ForIssuer("https://iam.example.com/auth")
	require.Error(t, err)
}

func TestWithTokenDoesNotMutateReceiver(t *testing.T) {
	base := New("https://iam.example.com", "demo")
	bound := base.WithToken("tok")
	require.Empty(t, base.token)
	require.Equal(t, "tok", bound.token)
}
