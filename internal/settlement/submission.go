package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"go.opencensus.io/trace"
)

// Arbiter resolves competing bounty submissions. Approval never guesses:
// with more than one active submission the caller must name the winner
// explicitly or the approval fails listing the candidates.
type Arbiter struct {
	Guard *TreasuryGuard
}

// Approve picks the winning submission for a bounty. submissionID may be
// empty when exactly one active submission exists. Returns the approved
// submission; payout creation belongs to the caller.
func (a *Arbiter) Approve(ctx context.Context, dbConn *db.DB, bountyID, submissionID,
	approverUserID string) (*Submission, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Arbiter.Approve")
	defer span.End()

	bounty, err := FetchBounty(ctx, dbConn, bountyID)
	if err != nil {
		return nil, err
	}

	if len(bounty.OrgID) > 0 {
		if err := a.Guard.AuthorizeAction(ctx, dbConn, approverUserID, bounty.OrgID,
			CapApproveSubmissions); err != nil {
			return nil, err
		}
	} else if bounty.FunderUserID != approverUserID {
		return nil, ErrNotAuthorized
	}

	if bounty.Status != BountyStatusOpen {
		return nil, errors.Wrap(ErrNotFound, "bounty is not open")
	}

	active, err := FetchActiveSubmissions(ctx, dbConn, bountyID)
	if err != nil {
		return nil, errors.Wrap(err, "active submissions")
	}

	var winner *Submission
	if len(submissionID) > 0 {
		for i := range active {
			if active[i].ID == submissionID {
				winner = &active[i]
				break
			}
		}
		if winner == nil {
			return nil, errors.Wrap(ErrNotFound, "submission is not active for this bounty")
		}
	} else {
		switch len(active) {
		case 0:
			return nil, errors.Wrap(ErrNotFound, "no active submissions")
		case 1:
			winner = &active[0]
		default:
			candidates := make([]string, 0, len(active))
			for _, s := range active {
				candidates = append(candidates, s.ID)
			}
			return nil, AmbiguousSubmissionError(candidates)
		}
	}

	now := time.Now().UTC()
	if err := updateSubmissionStatus(ctx, dbConn, winner.ID, SubmissionStatusActive,
		SubmissionStatusApproved, "", now); err != nil {
		return nil, err
	}

	if err := updateBountyStatus(ctx, dbConn, bountyID, BountyStatusOpen,
		BountyStatusApproved, now); err != nil {
		return nil, err
	}

	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("bounty_id", bountyID),
		logger.String("submission_id", winner.ID),
	}, "Approved bounty submission")

	winner.Status = SubmissionStatusApproved
	winner.DateModified = now
	return winner, nil
}

// Reject marks a submission rejected with a mandatory explanatory note. The
// bounty reopens only when no other active submission remains in contention.
func (a *Arbiter) Reject(ctx context.Context, dbConn *db.DB, bountyID, submissionID,
	rejecterUserID, note string) error {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Arbiter.Reject")
	defer span.End()

	if len(strings.TrimSpace(note)) == 0 {
		return ErrEmptyRejectNote
	}

	bounty, err := FetchBounty(ctx, dbConn, bountyID)
	if err != nil {
		return err
	}

	if len(bounty.OrgID) > 0 {
		if err := a.Guard.AuthorizeAction(ctx, dbConn, rejecterUserID, bounty.OrgID,
			CapApproveSubmissions); err != nil {
			return err
		}
	} else if bounty.FunderUserID != rejecterUserID {
		return ErrNotAuthorized
	}

	submission, err := FetchSubmission(ctx, dbConn, submissionID)
	if err != nil {
		return err
	}
	if submission.BountyID != bountyID || submission.Status != SubmissionStatusActive {
		return errors.Wrap(ErrNotFound, "submission is not active for this bounty")
	}

	now := time.Now().UTC()
	if err := updateSubmissionStatus(ctx, dbConn, submissionID, SubmissionStatusActive,
		SubmissionStatusRejected, note, now); err != nil {
		return err
	}

	remaining, err := FetchActiveSubmissions(ctx, dbConn, bountyID)
	if err != nil {
		return errors.Wrap(err, "remaining submissions")
	}

	// Reopen only when nothing is left in contention and no winner was ever
	// picked. A bounty with an approved submission stays resolved.
	if len(remaining) == 0 && bounty.Status != BountyStatusOpen {
		approved, err := countApprovedSubmissions(ctx, dbConn, bountyID)
		if err != nil {
			return errors.Wrap(err, "approved submissions")
		}

		if approved == 0 {
			if err := updateBountyStatus(ctx, dbConn, bountyID, bounty.Status,
				BountyStatusOpen, now); err != nil {
				return err
			}
		}
	}

	return nil
}

func countApprovedSubmissions(ctx context.Context, dbConn *db.DB, bountyID string) (int, error) {
	sql := `SELECT
			COUNT(*)
		FROM
			submissions s
		WHERE
			s.bounty_id = ?
			AND s.status = ?`

	var count int
	if err := dbConn.Get(ctx, &count, sql, bountyID, SubmissionStatusApproved); err != nil {
		return 0, err
	}
	return count, nil
}

// -------------------------------------------------------------------------
// Bounty and submission storage

const bountyColumns = `
		b.id,
		b.org_id,
		b.funder_user_id,
		b.issue_ref,
		b.token_address,
		b.amount,
		b.status,
		b.date_created,
		b.date_modified`

// CreateBounty inserts a bounty.
func CreateBounty(ctx context.Context, dbConn *db.DB, bounty *Bounty) error {
	sql := `INSERT
		INTO bounties (
			id,
			org_id,
			funder_user_id,
			issue_ref,
			token_address,
			amount,
			status,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return dbConn.Execute(ctx, sql,
		bounty.ID,
		bounty.OrgID,
		bounty.FunderUserID,
		bounty.IssueRef,
		bounty.TokenAddress,
		bounty.Amount,
		bounty.Status,
		bounty.DateCreated,
		bounty.DateModified)
}

// FetchBounty returns a bounty by id.
func FetchBounty(ctx context.Context, dbConn *db.DB, id string) (*Bounty, error) {
	sql := `SELECT ` + bountyColumns + `
		FROM
			bounties b
		WHERE
			b.id = ?`

	bounty := Bounty{}
	if err := dbConn.Get(ctx, &bounty, sql, id); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &bounty, nil
}

const submissionColumns = `
		s.id,
		s.bounty_id,
		s.contributor_user_id,
		s.status,
		s.note,
		s.date_created,
		s.date_modified`

// CreateSubmission inserts a submission.
func CreateSubmission(ctx context.Context, dbConn *db.DB, submission *Submission) error {
	sql := `INSERT
		INTO submissions (
			id,
			bounty_id,
			contributor_user_id,
			status,
			note,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	return dbConn.Execute(ctx, sql,
		submission.ID,
		submission.BountyID,
		submission.ContributorUserID,
		submission.Status,
		submission.Note,
		submission.DateCreated,
		submission.DateModified)
}

// FetchSubmission returns a submission by id.
func FetchSubmission(ctx context.Context, dbConn *db.DB, id string) (*Submission, error) {
	sql := `SELECT ` + submissionColumns + `
		FROM
			submissions s
		WHERE
			s.id = ?`

	submission := Submission{}
	if err := dbConn.Get(ctx, &submission, sql, id); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &submission, nil
}

// FetchActiveSubmissions lists the submissions still in contention for a
// bounty, oldest first.
func FetchActiveSubmissions(ctx context.Context, dbConn *db.DB,
	bountyID string) ([]Submission, error) {

	sql := `SELECT ` + submissionColumns + `
		FROM
			submissions s
		WHERE
			s.bounty_id = ?
			AND s.status = ?
		ORDER BY s.date_created`

	submissions := []Submission{}
	if err := dbConn.Select(ctx, &submissions, sql, bountyID, SubmissionStatusActive); err != nil {
		return nil, err
	}
	return submissions, nil
}

func updateSubmissionStatus(ctx context.Context, dbConn *db.DB, id, from, to, note string,
	now time.Time) error {

	sql := `UPDATE submissions
		SET status = ?, note = ?, date_modified = ?
		WHERE
			id = ?
			AND status = ?`

	count, err := dbConn.ExecuteCount(ctx, sql, to, note, now, id, from)
	if err != nil {
		return errors.Wrap(err, "update submission")
	}
	if count == 0 {
		return errors.Wrap(ErrNotFound, "submission state changed")
	}
	return nil
}

func updateBountyStatus(ctx context.Context, dbConn *db.DB, id, from, to string,
	now time.Time) error {

	sql := `UPDATE bounties
		SET status = ?, date_modified = ?
		WHERE
			id = ?
			AND status = ?`

	count, err := dbConn.ExecuteCount(ctx, sql, to, now, id, from)
	if err != nil {
		return errors.Wrap(err, "update bounty")
	}
	if count == 0 {
		return errors.Wrap(ErrNotFound, "bounty state changed")
	}
	return nil
}
