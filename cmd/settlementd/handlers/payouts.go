package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/web"
	"github.com/forgepay/settlement/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Payouts provides support for the settlement state machine.
type Payouts struct {
	Config   *web.Config
	MasterDB *db.DB
	Engine   *settlement.Engine
	Vault    *settlement.Vault
	Guard    *settlement.TreasuryGuard
}

// payoutResponse is the create/confirm response envelope.
type payoutResponse struct {
	Payout     *settlement.Payout    `json:"payout"`
	AutoSigned bool                  `json:"auto_signed,omitempty"`
	Unsigned   *settlement.UnsignedTx `json:"unsigned,omitempty"`
}

// Create records a payout and attempts settlement. Personal payers get the
// auto-sign path; a wait_seconds of 1-60 blocks for on-chain confirmation of
// an auto-signed transaction.
func (h *Payouts) Create(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Payouts.Create")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	var requestData struct {
		SourceType        string `json:"source_type"`
		SourceID          string `json:"source_id"`
		PayerOrgID        string `json:"payer_org_id"`
		RecipientAddress  string `json:"recipient_address"`
		RecipientGithubID string `json:"recipient_github_id"`
		Amount            string `json:"amount" validate:"required"`
		TokenAddress      string `json:"token_address" validate:"required"`
		Memo              string `json:"memo"`
		WaitSeconds       int    `json:"wait_seconds"`
	}

	if err := web.Unmarshal(r.Body, &requestData); err != nil {
		return errors.Wrap(err, "unmarshal request")
	}

	if !common.IsHexAddress(requestData.TokenAddress) {
		return errors.Wrap(web.ErrValidation, "token_address is not an address")
	}

	amount, err := settlement.ParseAmount(requestData.Amount)
	if err != nil {
		return errors.Wrap(web.ErrValidation, err.Error())
	}
	if amount.Sign() <= 0 {
		return errors.Wrap(web.ErrValidation, "amount must be positive")
	}

	payer := settlement.PersonalPayer(userID)
	if len(requestData.PayerOrgID) > 0 {
		if err := h.Guard.CheckContextMatch(requestData.PayerOrgID, principalOrg(r)); err != nil {
			return translate(err)
		}
		payer = settlement.OrganizationPayer(requestData.PayerOrgID)
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	createRequest := &settlement.CreateRequest{
		Source: settlement.SourceRef{
			Type: requestData.SourceType,
			ID:   requestData.SourceID,
		},
		Payer:  payer,
		Amount: amount,
		Token:  common.HexToAddress(requestData.TokenAddress),
		Memo:   requestData.Memo,
	}
	if len(createRequest.Source.Type) == 0 {
		createRequest.Source.Type = settlement.SourceDirect
	}

	if err := h.resolveRecipient(ctx, dbConn, createRequest, requestData.RecipientAddress,
		requestData.RecipientGithubID); err != nil {
		return err
	}

	result, err := h.Engine.CreatePayout(ctx, dbConn, createRequest)
	if err != nil {
		return translate(err)
	}

	payout := result.Payout

	// Bounded synchronous confirmation for callers that want the receipt in
	// the creating request.
	if result.AutoSigned && requestData.WaitSeconds > 0 {
		wait := requestData.WaitSeconds
		if wait > h.Config.MaxConfirmWait {
			wait = h.Config.MaxConfirmWait
		}

		payout, err = h.Engine.WaitForConfirmation(ctx, dbConn, payout.ID,
			common.HexToHash(payout.TxHash), time.Duration(wait)*time.Second)
		if err != nil {
			return translate(err)
		}
	}

	web.RespondData(ctx, w, &payoutResponse{
		Payout:     payout,
		AutoSigned: result.AutoSigned,
		Unsigned:   result.Unsigned,
	}, http.StatusCreated)
	return nil
}

// resolveRecipient fills in where the funds go: a directly supplied address,
// a registered user's wallet, or a custodial escrow wallet for recipients who
// have not onboarded.
func (h *Payouts) resolveRecipient(ctx context.Context, dbConn *db.DB,
	createRequest *settlement.CreateRequest, address, githubID string) error {

	if len(address) > 0 {
		if !common.IsHexAddress(address) {
			return errors.Wrap(web.ErrValidation, "recipient_address is not an address")
		}
		createRequest.RecipientAddress = common.HexToAddress(address)
		return nil
	}

	if len(githubID) == 0 {
		return errors.Wrap(web.ErrValidation,
			"recipient_address or recipient_github_id is required")
	}

	user, err := settlement.FetchUserByGithubID(ctx, dbConn, githubID)
	if err == nil && len(user.WalletAddress) > 0 {
		createRequest.RecipientAddress = common.HexToAddress(user.WalletAddress)
		createRequest.RecipientUserID = user.ID
		return nil
	}
	if err != nil && errors.Cause(err) != settlement.ErrNotFound {
		return errors.Wrap(err, "fetch recipient")
	}

	wallet, err := h.Vault.EnsureWallet(ctx, dbConn, githubID)
	if err != nil {
		return translate(err)
	}

	createRequest.RecipientAddress = common.HexToAddress(wallet.Address)
	createRequest.Custodial = true
	return nil
}

// Confirm applies an on-chain observation to a payout. Idempotent. The
// observation is verified against the chain before any terminal status
// applies.
func (h *Payouts) Confirm(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Payouts.Confirm")
	defer span.End()

	if _, err := principalUser(r); err != nil {
		return err
	}

	var requestData struct {
		TxHash      string `json:"tx_hash" validate:"required"`
		Status      string `json:"status"`
		BlockNumber uint64 `json:"block_number"`
	}

	if err := web.Unmarshal(r.Body, &requestData); err != nil {
		return errors.Wrap(err, "unmarshal request")
	}

	hash, err := hexutil.Decode(requestData.TxHash)
	if err != nil || len(hash) != common.HashLength {
		return errors.Wrap(web.ErrValidation, "tx_hash is not a transaction hash")
	}

	switch requestData.Status {
	case "", "success", "reverted":
	default:
		return errors.Wrap(web.ErrValidation, "status must be success or reverted")
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	payout, err := h.Engine.Confirm(ctx, dbConn, params["id"],
		common.BytesToHash(hash).Hex(), requestData.Status, requestData.BlockNumber)
	if err != nil {
		return translate(err)
	}

	web.RespondData(ctx, w, &payoutResponse{Payout: payout}, http.StatusOK)
	return nil
}

// Release hands an awaiting_release payout to the requesting team member for
// signing with their own spending grant.
func (h *Payouts) Release(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Payouts.Release")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	payout, err := settlement.FetchPayout(ctx, dbConn, params["id"])
	if err != nil {
		return translate(err)
	}

	if payout.Payer().IsOrganization() {
		if err := h.Guard.CheckContextMatch(payout.PayerID, principalOrg(r)); err != nil {
			return translate(err)
		}
	}

	unsigned, err := h.Engine.Release(ctx, dbConn, payout.ID, userID)
	if err != nil {
		return translate(err)
	}

	web.RespondData(ctx, w, &payoutResponse{
		Payout:   payout,
		Unsigned: unsigned,
	}, http.StatusOK)
	return nil
}

// Fetch returns a payout by id.
func (h *Payouts) Fetch(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Payouts.Fetch")
	defer span.End()

	if _, err := principalUser(r); err != nil {
		return err
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	payout, err := settlement.FetchPayout(ctx, dbConn, params["id"])
	if err != nil {
		return translate(err)
	}

	web.RespondData(ctx, w, &payoutResponse{Payout: payout}, http.StatusOK)
	return nil
}
