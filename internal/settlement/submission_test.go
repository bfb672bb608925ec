package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/tests"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func createTestBounty(t *testing.T, ctx context.Context, dbConn *db.DB, orgID,
	funderUserID string) *Bounty {

	t.Helper()

	now := time.Now().UTC()
	bounty := &Bounty{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		FunderUserID: funderUserID,
		IssueRef:     "forgepay/settlement#42",
		TokenAddress: usdc.Hex(),
		Amount:       "150",
		Status:       BountyStatusOpen,
		DateCreated:  now,
		DateModified: now,
	}

	if err := CreateBounty(ctx, dbConn, bounty); err != nil {
		t.Fatalf("Failed to create bounty : %s", err)
	}
	return bounty
}

func createTestSubmission(t *testing.T, ctx context.Context, dbConn *db.DB, bountyID,
	contributorID string) *Submission {

	t.Helper()

	now := time.Now().UTC()
	submission := &Submission{
		ID:                uuid.New().String(),
		BountyID:          bountyID,
		ContributorUserID: contributorID,
		Status:            SubmissionStatusActive,
		DateCreated:       now,
		DateModified:      now,
	}

	if err := CreateSubmission(ctx, dbConn, submission); err != nil {
		t.Fatalf("Failed to create submission : %s", err)
	}
	return submission
}

func TestApproveAmbiguous(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	arbiter := &Arbiter{Guard: &TreasuryGuard{}}

	org, _ := createTestOrg(t, ctx, dbConn, "acme")
	maintainer, _ := createTestUser(t, ctx, dbConn, "maintainer")
	if err := AddMember(ctx, dbConn, &Member{
		OrgID:     org.ID,
		UserID:    maintainer.ID,
		Role:      RoleMaintainer,
		DateAdded: nowUTC(),
	}); err != nil {
		t.Fatalf("Failed to add member : %s", err)
	}

	alice, _ := createTestUser(t, ctx, dbConn, "alice")
	bob, _ := createTestUser(t, ctx, dbConn, "bob")

	bounty := createTestBounty(t, ctx, dbConn, org.ID, "")
	first := createTestSubmission(t, ctx, dbConn, bounty.ID, alice.ID)
	createTestSubmission(t, ctx, dbConn, bounty.ID, bob.ID)

	// Two active submissions: approval without an explicit pick must fail and
	// list the candidates.
	_, err := arbiter.Approve(ctx, dbConn, bounty.ID, "", maintainer.ID)
	if ErrorCode(err) != "ambiguous_submission" {
		t.Fatalf("Expected ambiguous submission : got %v", err)
	}

	e := errors.Cause(err).(*Error)
	candidates := e.Detail.(map[string][]string)["candidates"]
	if len(candidates) != 2 {
		t.Fatalf("Wrong candidate count : got %d, want 2", len(candidates))
	}

	// An explicit pick resolves it.
	winner, err := arbiter.Approve(ctx, dbConn, bounty.ID, first.ID, maintainer.ID)
	if err != nil {
		t.Fatalf("Failed to approve : %s", err)
	}
	if winner.Status != SubmissionStatusApproved {
		t.Fatalf("Wrong status : got %s, want %s", winner.Status, SubmissionStatusApproved)
	}

	stored, err := FetchBounty(ctx, dbConn, bounty.ID)
	if err != nil {
		t.Fatalf("Failed to fetch bounty : %s", err)
	}
	if stored.Status != BountyStatusApproved {
		t.Fatalf("Wrong bounty status : got %s, want %s", stored.Status, BountyStatusApproved)
	}
}

func TestApproveSingleImplicit(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	arbiter := &Arbiter{Guard: &TreasuryGuard{}}

	funder, _ := createTestUser(t, ctx, dbConn, "funder")
	alice, _ := createTestUser(t, ctx, dbConn, "alice")

	bounty := createTestBounty(t, ctx, dbConn, "", funder.ID)
	submission := createTestSubmission(t, ctx, dbConn, bounty.ID, alice.ID)

	// Exactly one active submission: no explicit pick required.
	winner, err := arbiter.Approve(ctx, dbConn, bounty.ID, "", funder.ID)
	if err != nil {
		t.Fatalf("Failed to approve : %s", err)
	}
	if winner.ID != submission.ID {
		t.Fatalf("Wrong winner : got %s, want %s", winner.ID, submission.ID)
	}

	// Only the funder may resolve a personal bounty.
	other, _ := createTestUser(t, ctx, dbConn, "other")
	bounty2 := createTestBounty(t, ctx, dbConn, "", funder.ID)
	createTestSubmission(t, ctx, dbConn, bounty2.ID, alice.ID)

	if _, err := arbiter.Approve(ctx, dbConn, bounty2.ID, "",
		other.ID); errors.Cause(err) != ErrNotAuthorized {
		t.Fatalf("Expected not authorized : got %v", err)
	}
}

func TestRejectRequiresNote(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	arbiter := &Arbiter{Guard: &TreasuryGuard{}}

	funder, _ := createTestUser(t, ctx, dbConn, "funder")
	alice, _ := createTestUser(t, ctx, dbConn, "alice")

	bounty := createTestBounty(t, ctx, dbConn, "", funder.ID)
	submission := createTestSubmission(t, ctx, dbConn, bounty.ID, alice.ID)

	if err := arbiter.Reject(ctx, dbConn, bounty.ID, submission.ID, funder.ID,
		"   "); errors.Cause(err) != ErrEmptyRejectNote {
		t.Fatalf("Expected empty note error : got %v", err)
	}

	if err := arbiter.Reject(ctx, dbConn, bounty.ID, submission.ID, funder.ID,
		"does not compile"); err != nil {
		t.Fatalf("Failed to reject : %s", err)
	}

	stored, err := FetchSubmission(ctx, dbConn, submission.ID)
	if err != nil {
		t.Fatalf("Failed to fetch submission : %s", err)
	}
	if stored.Status != SubmissionStatusRejected {
		t.Fatalf("Wrong status : got %s, want %s", stored.Status, SubmissionStatusRejected)
	}
	if stored.Note != "does not compile" {
		t.Fatalf("Wrong note : got %q", stored.Note)
	}
}

func TestRejectReopensBounty(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	arbiter := &Arbiter{Guard: &TreasuryGuard{}}

	funder, _ := createTestUser(t, ctx, dbConn, "funder")
	alice, _ := createTestUser(t, ctx, dbConn, "alice")
	bob, _ := createTestUser(t, ctx, dbConn, "bob")

	bounty := createTestBounty(t, ctx, dbConn, "", funder.ID)
	first := createTestSubmission(t, ctx, dbConn, bounty.ID, alice.ID)
	second := createTestSubmission(t, ctx, dbConn, bounty.ID, bob.ID)

	// Park the bounty in a non-open state without a winner, as if it were
	// held for review.
	if err := updateBountyStatus(ctx, dbConn, bounty.ID, BountyStatusOpen,
		BountyStatusClosed, time.Now().UTC()); err != nil {
		t.Fatalf("Failed to close bounty : %s", err)
	}

	// Rejecting one of two leaves the other in contention, no reopen.
	if err := arbiter.Reject(ctx, dbConn, bounty.ID, first.ID, funder.ID,
		"superseded"); err != nil {
		t.Fatalf("Failed to reject first : %s", err)
	}

	stored, err := FetchBounty(ctx, dbConn, bounty.ID)
	if err != nil {
		t.Fatalf("Failed to fetch bounty : %s", err)
	}
	if stored.Status != BountyStatusClosed {
		t.Fatalf("Bounty reopened with a submission still active")
	}

	// Rejecting the last active submission reopens the bounty.
	if err := arbiter.Reject(ctx, dbConn, bounty.ID, second.ID, funder.ID,
		"incomplete"); err != nil {
		t.Fatalf("Failed to reject second : %s", err)
	}

	stored, err = FetchBounty(ctx, dbConn, bounty.ID)
	if err != nil {
		t.Fatalf("Failed to fetch bounty : %s", err)
	}
	if stored.Status != BountyStatusOpen {
		t.Fatalf("Wrong bounty status : got %s, want %s", stored.Status, BountyStatusOpen)
	}
}
