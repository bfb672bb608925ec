package handlers

import (
	"net/http"

	"github.com/forgepay/settlement/internal/platform/web"
)

// The session layer in front of this service authenticates principals and
// forwards their identity in headers. A request can carry a user identity,
// and additionally an organization context when acting on a treasury.
const (
	headerPrincipalUser = "X-Principal-User"
	headerPrincipalOrg  = "X-Principal-Org"
)

// principalUser returns the authenticated user id or an unauthorized error.
func principalUser(r *http.Request) (string, error) {
	userID := r.Header.Get(headerPrincipalUser)
	if len(userID) == 0 {
		return "", web.NewErrorResponse(http.StatusUnauthorized, "unauthenticated",
			"Request is missing the authenticated principal")
	}
	return userID, nil
}

// principalOrg returns the organization context of the session, which may be
// empty for personal sessions.
func principalOrg(r *http.Request) string {
	return r.Header.Get(headerPrincipalOrg)
}
