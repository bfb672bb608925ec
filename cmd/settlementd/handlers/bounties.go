package handlers

import (
	"context"
	"net/http"

	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/web"
	"github.com/forgepay/settlement/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Bounties provides support for resolving bounty submissions into payouts.
type Bounties struct {
	Config   *web.Config
	MasterDB *db.DB
	Arbiter  *settlement.Arbiter
	Engine   *settlement.Engine
	Vault    *settlement.Vault
	Guard    *settlement.TreasuryGuard
}

// Approve picks the winning submission for a bounty and creates the payout
// that settles it. submission_id may be omitted only when exactly one active
// submission exists.
func (h *Bounties) Approve(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Bounties.Approve")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	var requestData struct {
		SubmissionID string `json:"submission_id"`
	}
	if r.ContentLength > 0 {
		if err := web.Unmarshal(r.Body, &requestData); err != nil {
			return errors.Wrap(err, "unmarshal request")
		}
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	bounty, err := settlement.FetchBounty(ctx, dbConn, params["id"])
	if err != nil {
		return translate(err)
	}

	if len(bounty.OrgID) > 0 {
		if err := h.Guard.CheckContextMatch(bounty.OrgID, principalOrg(r)); err != nil {
			return translate(err)
		}
	}

	winner, err := h.Arbiter.Approve(ctx, dbConn, bounty.ID, requestData.SubmissionID, userID)
	if err != nil {
		return translate(err)
	}

	amount, err := settlement.ParseAmount(bounty.Amount)
	if err != nil {
		return errors.Wrap(err, "bounty amount")
	}

	createRequest := &settlement.CreateRequest{
		Source: settlement.SourceRef{
			Type: settlement.SourceBountySubmission,
			ID:   winner.ID,
		},
		Payer:  bounty.Payer(),
		Amount: amount,
		Token:  common.HexToAddress(bounty.TokenAddress),
		Memo:   bounty.IssueRef,
	}

	if err := h.resolveContributor(ctx, dbConn, createRequest,
		winner.ContributorUserID); err != nil {
		return err
	}

	result, err := h.Engine.CreatePayout(ctx, dbConn, createRequest)
	if err != nil {
		return translate(err)
	}

	response := struct {
		Submission *settlement.Submission `json:"submission"`
		Payout     *settlement.Payout     `json:"payout"`
		AutoSigned bool                   `json:"auto_signed,omitempty"`
		Unsigned   *settlement.UnsignedTx `json:"unsigned,omitempty"`
	}{winner, result.Payout, result.AutoSigned, result.Unsigned}

	web.RespondData(ctx, w, response, http.StatusCreated)
	return nil
}

// resolveContributor routes the payout to the contributor's own wallet, or to
// custodial escrow when they registered without linking one.
func (h *Bounties) resolveContributor(ctx context.Context, dbConn *db.DB,
	createRequest *settlement.CreateRequest, contributorUserID string) error {

	user, err := settlement.FetchUser(ctx, dbConn, contributorUserID)
	if err != nil {
		return translate(err)
	}

	createRequest.RecipientUserID = user.ID

	if len(user.WalletAddress) > 0 {
		createRequest.RecipientAddress = common.HexToAddress(user.WalletAddress)
		return nil
	}

	wallet, err := h.Vault.EnsureWallet(ctx, dbConn, user.GithubID)
	if err != nil {
		return translate(err)
	}

	createRequest.RecipientAddress = common.HexToAddress(wallet.Address)
	createRequest.Custodial = true
	return nil
}

// Reject marks a submission rejected with a mandatory note. The bounty
// reopens when no other active submission remains.
func (h *Bounties) Reject(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Bounties.Reject")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	var requestData struct {
		SubmissionID string `json:"submission_id" validate:"required"`
		Note         string `json:"note"`
	}

	if err := web.Unmarshal(r.Body, &requestData); err != nil {
		return errors.Wrap(err, "unmarshal request")
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	bounty, err := settlement.FetchBounty(ctx, dbConn, params["id"])
	if err != nil {
		return translate(err)
	}

	if len(bounty.OrgID) > 0 {
		if err := h.Guard.CheckContextMatch(bounty.OrgID, principalOrg(r)); err != nil {
			return translate(err)
		}
	}

	if err := h.Arbiter.Reject(ctx, dbConn, bounty.ID, requestData.SubmissionID, userID,
		requestData.Note); err != nil {
		return translate(err)
	}

	web.Respond(ctx, w, nil, http.StatusNoContent)
	return nil
}
