package settlement

import (
	"context"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/pkg/errors"
)

// Principal storage. The OAuth layer owns registration flows; the engine
// only reads and writes the rows it needs for authorization and payouts.

const userColumns = `
		u.id,
		u.github_id,
		u.wallet_address,
		u.root_credential,
		u.date_created,
		u.date_modified`

// CreateUser inserts a user.
func CreateUser(ctx context.Context, dbConn *db.DB, user *User) error {
	sql := `INSERT
		INTO users (
			id,
			github_id,
			wallet_address,
			root_credential,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?)`

	if err := dbConn.Execute(ctx, sql,
		user.ID,
		user.GithubID,
		user.WalletAddress,
		user.RootCredential,
		user.DateCreated,
		user.DateModified); err != nil {
		return err
	}

	return nil
}

// FetchUser returns a user by id.
func FetchUser(ctx context.Context, dbConn *db.DB, id string) (*User, error) {
	sql := `SELECT ` + userColumns + `
		FROM
			users u
		WHERE
			u.id = ?`

	user := User{}
	if err := dbConn.Get(ctx, &user, sql, id); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FetchUserByGithubID returns the registered user for an external identity,
// or ErrNotFound when the recipient has not onboarded.
func FetchUserByGithubID(ctx context.Context, dbConn *db.DB, githubID string) (*User, error) {
	sql := `SELECT ` + userColumns + `
		FROM
			users u
		WHERE
			u.github_id = ?`

	user := User{}
	if err := dbConn.Get(ctx, &user, sql, githubID); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

const organizationColumns = `
		o.id,
		o.name,
		o.root_credential,
		o.treasury_address,
		o.date_created,
		o.date_modified`

// CreateOrganization inserts an organization.
func CreateOrganization(ctx context.Context, dbConn *db.DB, org *Organization) error {
	sql := `INSERT
		INTO organizations (
			id,
			name,
			root_credential,
			treasury_address,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?)`

	if err := dbConn.Execute(ctx, sql,
		org.ID,
		org.Name,
		org.RootCredential,
		org.TreasuryAddress,
		org.DateCreated,
		org.DateModified); err != nil {
		return err
	}

	return nil
}

// FetchOrganization returns an organization by id.
func FetchOrganization(ctx context.Context, dbConn *db.DB, id string) (*Organization, error) {
	sql := `SELECT ` + organizationColumns + `
		FROM
			organizations o
		WHERE
			o.id = ?`

	org := Organization{}
	if err := dbConn.Get(ctx, &org, sql, id); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// AddMember inserts a membership row.
func AddMember(ctx context.Context, dbConn *db.DB, member *Member) error {
	sql := `INSERT
		INTO organization_members (
			org_id,
			user_id,
			role,
			date_added
		)
		VALUES (?, ?, ?, ?)`

	return dbConn.Execute(ctx, sql,
		member.OrgID,
		member.UserID,
		member.Role,
		member.DateAdded)
}

// RemoveMember deletes a membership row. Grants held by the removed member
// stop working on their next use because membership is re-checked live.
func RemoveMember(ctx context.Context, dbConn *db.DB, orgID, userID string) error {
	sql := `DELETE FROM organization_members
		WHERE
			org_id = ?
			AND user_id = ?`

	return dbConn.Execute(ctx, sql, orgID, userID)
}

// FetchMemberRole returns the current role of a user in an organization, or
// ErrNotFound when they are not a member.
func FetchMemberRole(ctx context.Context, dbConn *db.DB, orgID, userID string) (string, error) {
	sql := `SELECT
			m.role
		FROM
			organization_members m
		WHERE
			m.org_id = ?
			AND m.user_id = ?`

	var role string
	if err := dbConn.Get(ctx, &role, sql, orgID, userID); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return "", errors.Wrap(err, "fetch role")
	}
	return role, nil
}

// Touch helper shared by stores.
func nowUTC() time.Time {
	return time.Now().UTC()
}
