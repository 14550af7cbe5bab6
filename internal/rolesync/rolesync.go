// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package rolesync makes the IAM role set idempotently match resource
// existence: a role named ${prefix}${name} exists exactly when the resource
// does. It is the only writer of those roles.
package rolesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/auroraml/identity-gateway/internal/iam"
	"github.com/auroraml/identity-gateway/internal/metrics"
	"github.com/auroraml/identity-gateway/internal/resourceapi"
	watchpkg "github.com/auroraml/identity-gateway/internal/watcher"
)

// TokenSource supplies the service access token. *oauth.Syncer satisfies it.
type TokenSource interface {
	AccessToken() (string, error)
}

// Synchronizer handles watch events for one resource kind.
type Synchronizer struct {
	kind            resourceapi.Kind
	iam             *iam.Client
	tokens          TokenSource
	everyoneGroupID string
	logger          logr.Logger
	metrics         *metrics.Metrics
}

// New creates a synchronizer. iamClient is an unbound handle; a fresh service
// token is bound per event, since the watch outlives any single token.
func New(kind resourceapi.Kind, iamClient *iam.Client, tokens TokenSource, everyoneGroupID string, logger logr.Logger, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		kind:            kind,
		iam:             iamClient,
		tokens:          tokens,
		everyoneGroupID: everyoneGroupID,
		logger:          logger.WithValues("kind", kind.Plural),
		metrics:         m,
	}
}

// Handle processes one watch event. It is safe to replay: the stream re-sends
// full state as ADDED on every rewatch, and two deletion paths may race.
// MODIFIED events do not change whether the paired role should exist and are
// ignored.
func (s *Synchronizer) Handle(ctx context.Context, ev watchpkg.Event) error {
	token, err := s.tokens.AccessToken()
	if err != nil {
		s.count("error")
		return fmt.Errorf("rolesync: %s %q: %w", ev.Type, ev.Name, err)
	}
	client := s.iam.WithToken(token)

	switch ev.Type {
	case watch.Added:
		return s.handleAdded(ctx, client, ev)
	case watch.Deleted:
		return s.handleDeleted(ctx, client, ev)
	default:
		return nil
	}
}

// handleAdded creates the paired role if it does not exist yet. The existence
// check keeps redundant ADDED deliveries from tripping duplicate-role errors.
func (s *Synchronizer) handleAdded(ctx context.Context, client *iam.Client, ev watchpkg.Event) error {
	roleName := s.kind.RoleName(ev.Name)
	_, err := client.FindRoleByName(ctx, roleName)
	switch {
	case err == nil:
		s.logger.V(1).Info("role already exists", "role", roleName)
		s.count("noop")
		return nil
	case !errors.Is(err, iam.ErrRoleNotFound):
		s.count("error")
		return fmt.Errorf("rolesync: lookup role %q: %w", roleName, err)
	}

	data := s.kind.DefaultCreateData(ev.Object)
	role := iam.Role{Name: roleName, Attributes: data.Attributes}
	if err := client.CreateRole(ctx, role); err != nil {
		s.count("error")
		return fmt.Errorf("rolesync: create role %q: %w", roleName, err)
	}
	if data.Global && s.everyoneGroupID != "" {
		// The grant needs the server-assigned role ID.
		created, err := client.FindRoleByName(ctx, roleName)
		if err != nil {
			s.count("error")
			return fmt.Errorf("rolesync: fetch created role %q: %w", roleName, err)
		}
		if err := client.AddGroupRoleMapping(ctx, s.everyoneGroupID, *created); err != nil {
			s.count("error")
			return fmt.Errorf("rolesync: grant role %q to everyone group: %w", roleName, err)
		}
	}
	s.logger.Info("role created", "role", roleName, "global", data.Global)
	s.count("created")
	return nil
}

// handleDeleted removes the paired role. Absence is the desired end state, so
// a not-found response is success, not an error.
func (s *Synchronizer) handleDeleted(ctx context.Context, client *iam.Client, ev watchpkg.Event) error {
	roleName := s.kind.RoleName(ev.Name)
	err := client.DeleteRoleByName(ctx, roleName)
	switch {
	case err == nil:
		s.logger.Info("role deleted", "role", roleName)
		s.count("deleted")
		return nil
	case errors.Is(err, iam.ErrRoleNotFound):
		s.logger.V(1).Info("role already absent", "role", roleName)
		s.count("noop")
		return nil
	default:
		s.count("error")
		return fmt.Errorf("rolesync: delete role %q: %w", roleName, err)
	}
}

func (s *Synchronizer) count(result string) {
	if s.metrics != nil {
		s.metrics.SyncResults.WithLabelValues(s.kind.Plural, result).Inc()
	}
}
