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

// AccessKeys provides support for delegated signing authorizations.
type AccessKeys struct {
	Config    *web.Config
	MasterDB  *db.DB
	Authority *settlement.Authority
	Guard     *settlement.TreasuryGuard
}

// limitRequest is one token allowance in an authorization payload.
type limitRequest struct {
	TokenAddress string `json:"token_address" validate:"required"`
	Amount       string `json:"amount" validate:"required"`
}

// Authorize validates a signed authorization envelope and creates an access
// key. When owner_org_id is present the key is an organization spending grant
// for grantee_user_id.
func (h *AccessKeys) Authorize(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.AccessKeys.Authorize")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	var requestData struct {
		OwnerOrgID        string         `json:"owner_org_id"`
		GranteeUserID     string         `json:"grantee_user_id"`
		DelegateKeyID     string         `json:"delegate_key_id" validate:"required"`
		ChainID           uint64         `json:"chain_id" validate:"required"`
		KeyType           uint8          `json:"key_type"`
		Expiry            *time.Time     `json:"expiry"`
		Limits            []limitRequest `json:"limits" validate:"required"`
		Signature         string         `json:"signature" validate:"required"`
		AuthenticatorData string         `json:"authenticator_data"`
		ClientDataJSON    string         `json:"client_data_json"`
	}

	if err := web.Unmarshal(r.Body, &requestData); err != nil {
		return errors.Wrap(err, "unmarshal request")
	}

	if !common.IsHexAddress(requestData.DelegateKeyID) {
		return errors.Wrap(web.ErrValidation, "delegate_key_id is not an address")
	}

	owner := settlement.PersonalPayer(userID)
	grantee := ""
	if len(requestData.OwnerOrgID) > 0 {
		if err := h.Guard.CheckContextMatch(requestData.OwnerOrgID, principalOrg(r)); err != nil {
			return translate(err)
		}

		owner = settlement.OrganizationPayer(requestData.OwnerOrgID)
		grantee = requestData.GranteeUserID
		if len(grantee) == 0 {
			return errors.Wrap(web.ErrValidation, "grantee_user_id is required for grants")
		}
	}

	limits := make([]settlement.LimitInput, 0, len(requestData.Limits))
	for _, l := range requestData.Limits {
		if !common.IsHexAddress(l.TokenAddress) {
			return errors.Wrap(web.ErrValidation, "limit token_address is not an address")
		}

		amount, err := settlement.ParseAmount(l.Amount)
		if err != nil {
			return errors.Wrap(web.ErrValidation, err.Error())
		}

		limits = append(limits, settlement.LimitInput{
			Token:  common.HexToAddress(l.TokenAddress),
			Amount: amount,
		})
	}

	signature, err := hexutil.Decode(requestData.Signature)
	if err != nil {
		return errors.Wrap(web.ErrValidation, "signature encoding")
	}

	authRequest := &settlement.AuthorizationRequest{
		DelegateKeyID: common.HexToAddress(requestData.DelegateKeyID),
		ChainID:       requestData.ChainID,
		KeyType:       settlement.KeyType(requestData.KeyType),
		Expiry:        requestData.Expiry,
		Limits:        limits,
		Signature:     signature,
	}

	if len(requestData.AuthenticatorData) > 0 {
		if authRequest.AuthenticatorData, err = hexutil.Decode(
			requestData.AuthenticatorData); err != nil {
			return errors.Wrap(web.ErrValidation, "authenticator_data encoding")
		}
		authRequest.ClientDataJSON = []byte(requestData.ClientDataJSON)
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	key, err := h.Authority.Authorize(ctx, dbConn, owner, grantee, authRequest)
	if err != nil {
		return translate(err)
	}

	web.RespondData(ctx, w, key, http.StatusCreated)
	return nil
}

// Fetch returns an access key with its current limits.
func (h *AccessKeys) Fetch(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.AccessKeys.Fetch")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	key, err := settlement.FetchKey(ctx, dbConn, params["id"])
	if err != nil {
		return translate(err)
	}

	if err := h.authorizeAccess(ctx, dbConn, key, userID, r); err != nil {
		return translate(err)
	}

	limits, err := settlement.FetchLimits(ctx, dbConn, key.ID)
	if err != nil {
		return translate(err)
	}

	response := struct {
		*settlement.AccessKey
		Limits []settlement.TokenLimit `json:"limits"`
	}{key, limits}

	web.RespondData(ctx, w, response, http.StatusOK)
	return nil
}

// Revoke permanently deactivates an access key.
func (h *AccessKeys) Revoke(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.AccessKeys.Revoke")
	defer span.End()

	userID, err := principalUser(r)
	if err != nil {
		return err
	}

	var requestData struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := web.Unmarshal(r.Body, &requestData); err != nil {
			return errors.Wrap(err, "unmarshal request")
		}
	}

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	key, err := settlement.FetchKey(ctx, dbConn, params["id"])
	if err != nil {
		return translate(err)
	}

	if err := h.authorizeAccess(ctx, dbConn, key, userID, r); err != nil {
		return translate(err)
	}

	if err := h.Authority.Revoke(ctx, dbConn, key.ID, requestData.Reason); err != nil {
		return translate(err)
	}

	web.Respond(ctx, w, nil, http.StatusNoContent)
	return nil
}

// authorizeAccess checks the principal may act on the key: the owning user,
// the grantee, or an admin of the owning organization.
func (h *AccessKeys) authorizeAccess(ctx context.Context, dbConn *db.DB,
	key *settlement.AccessKey, userID string, r *http.Request) error {

	if key.OwnerType == settlement.PayerUser {
		if key.OwnerID != userID {
			return settlement.ErrNotAuthorized
		}
		return nil
	}

	if key.GranteeUserID == userID {
		return nil
	}

	if err := h.Guard.CheckContextMatch(key.OwnerID, principalOrg(r)); err != nil {
		return err
	}

	return h.Guard.AuthorizeAction(ctx, dbConn, userID, key.OwnerID,
		settlement.CapReleaseFunds)
}
