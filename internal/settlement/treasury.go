package settlement

import (
	"context"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Member roles.
const (
	RoleAdmin      = "admin"
	RoleMaintainer = "maintainer"
	RoleMember     = "member"
)

// Capability names a guarded organization action.
type Capability string

const (
	CapApproveSubmissions Capability = "approve_submissions"
	CapReleaseFunds       Capability = "release_funds"
)

// capabilityRoles maps each capability to the roles allowed to exercise it.
var capabilityRoles = map[Capability]map[string]bool{
	CapApproveSubmissions: {RoleAdmin: true, RoleMaintainer: true},
	CapReleaseFunds:       {RoleAdmin: true, RoleMember: true, RoleMaintainer: true},
}

// TreasuryGuard gates organization scoped actions on current membership.
// Membership is always read at decision time; a removed member is locked out
// on their very next request no matter what grants they still hold.
type TreasuryGuard struct{}

// AuthorizeAction checks that userID may perform the capability for the
// organization right now.
func (g *TreasuryGuard) AuthorizeAction(ctx context.Context, dbConn *db.DB, userID,
	orgID string, capability Capability) error {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.TreasuryGuard.AuthorizeAction")
	defer span.End()

	role, err := FetchMemberRole(ctx, dbConn, orgID, userID)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return ErrNotAuthorized
		}
		return err
	}

	allowed, ok := capabilityRoles[capability]
	if !ok || !allowed[role] {
		return ErrNotAuthorized
	}

	return nil
}

// CheckContextMatch rejects a request whose session was established for a
// different organization than the resource it targets. A valid personal
// session never stands in for an organization session.
func (g *TreasuryGuard) CheckContextMatch(resourceOrgID, sessionOrgID string) error {
	if len(resourceOrgID) == 0 {
		return nil
	}
	if resourceOrgID != sessionOrgID {
		return ErrContextMismatch
	}
	return nil
}
