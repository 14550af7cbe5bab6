// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package internaltesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RoleRecord is a realm role held by the fake IAM server.
type RoleRecord struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// IAMServer is an in-memory stand-in for the IAM admin REST API: role CRUD
// by name plus group role mappings, with the 404-on-absent semantics the
// synchronizer relies on.
type IAMServer struct {
	mu          sync.Mutex
	roles       map[string]*RoleRecord
	groupGrants map[string][]string // groupID -> role names
	createCalls int
	nextID      int

	Server *httptest.Server
}

// NewIAMServer starts a fake IAM admin API for the given realm.
func NewIAMServer(t *testing.T, realm string) *IAMServer {
	s := &IAMServer{
		roles:       map[string]*RoleRecord{},
		groupGrants: map[string][]string{},
	}
	prefix := "/admin/realms/" + realm + "/"
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"roles", s.handleRoles)
	mux.HandleFunc(prefix+"roles/", s.handleRole)
	mux.HandleFunc(prefix+"groups/", s.handleGroups)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// URL returns the admin API base URL.
func (s *IAMServer) URL() string { return s.Server.URL }

// Role returns the stored role, if any.
func (s *IAMServer) Role(name string) (*RoleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[name]
	return r, ok
}

// CreateCalls returns how many role creations the server has seen.
func (s *IAMServer) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// GroupGrants returns the role names granted to the given group.
func (s *IAMServer) GroupGrants(groupID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groupGrants[groupID]...)
}

// SeedRole inserts a role directly, bypassing the API.
func (s *IAMServer) SeedRole(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.roles[name] = &RoleRecord{ID: idOf(s.nextID), Name: name}
}

func idOf(n int) string {
	return fmt.Sprintf("role-%04d", n)
}

func (s *IAMServer) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var role RoleRecord
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if _, exists := s.roles[role.Name]; exists {
		http.Error(w, "role exists", http.StatusConflict)
		return
	}
	s.nextID++
	role.ID = idOf(s.nextID)
	s.roles[role.Name] = &role
	w.WriteHeader(http.StatusCreated)
}

func (s *IAMServer) handleRole(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[name]
	switch r.Method {
	case http.MethodGet:
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(role)
	case http.MethodDelete:
		if !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.roles, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (s *IAMServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	// Path: groups/{id}/role-mappings/realm
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPost || len(parts) != 7 || parts[5] != "role-mappings" || parts[6] != "realm" {
		http.NotFound(w, r)
		return
	}
	groupID := parts[4]
	var roles []RoleRecord
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range roles {
		s.groupGrants[groupID] = append(s.groupGrants[groupID], role.Name)
	}
	w.WriteHeader(http.StatusNoContent)
}
