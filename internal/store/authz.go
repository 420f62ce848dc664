package store

import (
	"context"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/google/uuid"
)

// ValidateCrossSiteAssignment implements orchestrator.SiteAuthorizer against
// the site membership table. The assignee must be an active member of the
// task's site; an assigner from another site needs the org_admin role
// somewhere in the organization.
func (s *Store) ValidateCrossSiteAssignment(ctx context.Context, assignerID, assigneeID, siteID uuid.UUID) (orchestrator.AssignmentDecision, error) {
	var assigneeMember bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM site_memberships
  WHERE user_id = $1 AND site_id = $2 AND active
);`, assigneeID, siteID).Scan(&assigneeMember)
	if err != nil {
		return orchestrator.AssignmentDecision{}, err
	}
	if !assigneeMember {
		return orchestrator.AssignmentDecision{
			FailureReason: "assignee is not an active member of the site",
		}, nil
	}

	var assignerMember bool
	err = s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM site_memberships
  WHERE user_id = $1 AND site_id = $2 AND active
);`, assignerID, siteID).Scan(&assignerMember)
	if err != nil {
		return orchestrator.AssignmentDecision{}, err
	}
	if assignerMember {
		return orchestrator.AssignmentDecision{IsAllowed: true}, nil
	}

	var orgAdmin bool
	err = s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM site_memberships
  WHERE user_id = $1 AND role = 'org_admin' AND active
);`, assignerID).Scan(&orgAdmin)
	if err != nil {
		return orchestrator.AssignmentDecision{}, err
	}
	if orgAdmin {
		return orchestrator.AssignmentDecision{IsAllowed: true, IsCrossSite: true}, nil
	}

	return orchestrator.AssignmentDecision{
		IsCrossSite:   true,
		FailureReason: "assigner has no membership in the site and is not an org admin",
	}, nil
}
