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

// Claims provides support for custodial escrow redemption.
type Claims struct {
	Config   *web.Config
	MasterDB *db.DB
	Vault    *settlement.Vault
}

// Resolve validates a claim token and describes the wallet it unlocks so the
// onboarding flow can show the claimant what is waiting for them.
func (h *Claims) Resolve(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Claims.Resolve")
	defer span.End()

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	wallet, err := h.Vault.ResolveClaim(ctx, dbConn, params["token"])
	if err != nil {
		return translate(err)
	}

	response := struct {
		WalletAddress  string `json:"wallet_address"`
		ChainID        uint64 `json:"chain_id"`
		ClaimExpiresAt string `json:"claim_expires_at"`
	}{
		WalletAddress:  wallet.Address,
		ChainID:        wallet.ChainID,
		ClaimExpiresAt: wallet.ClaimExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}

	web.RespondData(ctx, w, response, http.StatusOK)
	return nil
}

// Execute redeems a claim: the full escrowed balances sweep to the claimant's
// own wallet. The claimant must be the authenticated owner of the external
// identity the wallet escrows for.
func (h *Claims) Execute(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Claims.Execute")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	var requestData struct {
		DestinationAddress string `json:"destination_address" validate:"required"`
	}

	if err := web.Unmarshal(r.Body, &requestData); err != nil {
		return errors.Wrap(err, "unmarshal request")
	}

	if !common.IsHexAddress(requestData.DestinationAddress) {
		return errors.Wrap(web.ErrValidation, "destination_address is not an address")
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	// The claimant proves the external identity through the session; the
	// claim token alone never moves funds to an arbitrary caller.
	user, err := settlement.FetchUser(ctx, dbConn, userID)
	if err != nil {
		return translate(err)
	}

	result, err := h.Vault.ExecuteClaim(ctx, dbConn, params["token"], user.GithubID,
		common.HexToAddress(requestData.DestinationAddress))
	if err != nil {
		return translate(err)
	}

	web.RespondData(ctx, w, result, http.StatusOK)
	return nil
}
