package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"go.opencensus.io/trace"
)

// Engine owns the payout settlement state machine:
//
//	created → {awaiting_release | pending} → confirmed
//	pending → failed
//	awaiting_release → pending
//
// confirmed and failed are terminal. awaiting_release exists only for
// organization funded payouts: access keys cannot authorize other access
// keys, so releasing treasury funds always takes an explicit team member
// signature.
type Engine struct {
	Authority *Authority
	Guard     *TreasuryGuard
	Chain     ChainClient
	Builder   TransactionBuilder
	Locks     Locker
	Notifier  Notifier
	ChainID   uint64
}

// autoSignLockTTL caps how long an auto-sign attempt may exclude others for
// the same payer. Attempts finishing normally release immediately.
const autoSignLockTTL = 30 * time.Second

// maxMemoBytes bounds the payout memo.
const maxMemoBytes = 32

// SourceRef names the obligation a payout settles.
type SourceRef struct {
	Type string
	ID   string
}

// Source types.
const (
	SourceBountySubmission = "bounty_submission"
	SourceDirect           = "direct"
)

// CreateRequest is the input to CreatePayout. The recipient address is
// already resolved: the recipient's own wallet for onboarded users, the
// custodial wallet address otherwise.
type CreateRequest struct {
	Source           SourceRef
	Payer            PayerRef
	RecipientAddress common.Address
	RecipientUserID  string
	Custodial        bool
	Amount           *big.Int
	Token            common.Address
	Memo             string
}

// UnsignedTx is the manual-sign fallback handed back to the client.
type UnsignedTx struct {
	To             string `json:"to"`
	Data           string `json:"data"`
	Value          string `json:"value"`
	SigningAddress string `json:"signing_address,omitempty"`
}

// CreateResult reports how far settlement got within the creating request.
type CreateResult struct {
	Payout     *Payout
	AutoSigned bool

	// Unsigned is set when the payout needs a client side signature: the
	// manual fallback for personal payers, always for organization payers
	// until release.
	Unsigned *UnsignedTx
}

// erc20TransferSelector is the 4 byte selector of transfer(address,uint256).
var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// ERC20TransferData packs calldata moving amount of the token to recipient.
func ERC20TransferData(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, erc20TransferSelector...)

	var addr [32]byte
	copy(addr[12:], recipient.Bytes())
	data = append(data, addr[:]...)

	var value [32]byte
	amount.FillBytes(value[:])
	data = append(data, value[:]...)

	return data
}

// CreatePayout records a settlement obligation and immediately attempts the
// auto-sign path for personal payers. Organization funded payouts go to
// awaiting_release and wait for a team member signature.
func (e *Engine) CreatePayout(ctx context.Context, dbConn *db.DB,
	req *CreateRequest) (*CreateResult, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Engine.CreatePayout")
	defer span.End()

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if len(req.Memo) > maxMemoBytes {
		return nil, errors.Errorf("memo exceeds %d bytes", maxMemoBytes)
	}

	now := time.Now().UTC()

	status := PayoutStatusCreated
	if req.Payer.IsOrganization() {
		status = PayoutStatusAwaitingRelease
	}

	payout := &Payout{
		ID:               uuid.New().String(),
		SourceType:       req.Source.Type,
		SourceID:         req.Source.ID,
		PayerType:        req.Payer.Kind,
		PayerID:          req.Payer.ID,
		RecipientAddress: req.RecipientAddress.Hex(),
		RecipientUserID:  req.RecipientUserID,
		Custodial:        req.Custodial,
		Amount:           FormatAmount(req.Amount),
		TokenAddress:     req.Token.Hex(),
		Memo:             req.Memo,
		ChainID:          e.ChainID,
		Status:           status,
		DateCreated:      now,
		DateModified:     now,
	}

	if err := insertPayout(ctx, dbConn, payout); err != nil {
		return nil, errors.Wrap(err, "insert payout")
	}

	result := &CreateResult{Payout: payout}

	if req.Payer.IsOrganization() {
		// Signing address is decided at release, when we know which team
		// member's grant applies.
		result.Unsigned = e.unsignedTransfer(req.RecipientAddress, req.Token, req.Amount, "")
		return result, nil
	}

	signed, err := e.attemptAutoSign(ctx, dbConn, payout, req)
	if err != nil {
		// The attempt is abandoned, never the payout: it stays in its
		// pre-attempt state and the caller gets the manual fallback.
		logger.Warn(ctx, "Auto-sign abandoned for payout %s : %s", payout.ID, err)
	}

	if signed {
		result.AutoSigned = true
		return result, nil
	}

	result.Unsigned = e.unsignedTransfer(req.RecipientAddress, req.Token, req.Amount, "")
	return result, nil
}

// attemptAutoSign drives the delegated signing path. Returns true only when
// a transaction was broadcast and the payout moved to pending. Any failure
// leaves the payout in its pre-attempt state.
func (e *Engine) attemptAutoSign(ctx context.Context, dbConn *db.DB, payout *Payout,
	req *CreateRequest) (bool, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Engine.attemptAutoSign")
	defer span.End()

	// Nonce acquisition for a payer must serialize. A second in-flight
	// attempt would race the delegate nonce, so it falls back to manual
	// signing instead of waiting.
	release, ok, err := e.Locks.Acquire(ctx, "autosign:"+string(req.Payer.Kind)+":"+req.Payer.ID,
		autoSignLockTTL)
	if err != nil {
		return false, errors.Wrap(err, "acquire lock")
	}
	if !ok {
		return false, nil
	}
	defer release()

	key, err := FetchActiveKey(ctx, dbConn, req.Payer, "", e.Builder.Address().Hex(),
		e.ChainID, time.Now().UTC())
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return false, nil
		}
		return false, errors.Wrap(err, "fetch active key")
	}

	// The nonce is read immediately before signing, inside the payer lock.
	nonce, err := e.Chain.PendingNonce(ctx, e.Builder.Address())
	if err != nil {
		return false, errors.Wrap(err, "pending nonce")
	}

	// Decrement-then-build: the allowance is spent before the external
	// call. A failure below must compensate or leave the receipt for
	// reconciliation.
	receipt, err := e.Authority.Use(ctx, dbConn, key.ID, req.Token.Hex(), req.Amount)
	if err != nil {
		return false, err
	}

	signed, err := e.Builder.BuildAndSign(ctx, TxParams{
		To:    req.Token,
		Data:  ERC20TransferData(req.RecipientAddress, req.Amount),
		Value: big.NewInt(0),
		Nonce: nonce,
	})
	if err != nil {
		// Nothing reached the network, the decrement is safe to undo.
		if cerr := e.Authority.CompensateReceipt(ctx, dbConn, receipt); cerr != nil {
			logger.Error(ctx, "Compensate receipt %s : %s", receipt.ID, cerr)
		}
		return false, errors.Wrap(err, "build and sign")
	}

	if err := e.Chain.Broadcast(ctx, signed.Raw); err != nil {
		// Indeterminate: the transaction may still land. The allowance
		// stays provisionally consumed; the receipt row records it for
		// reconciliation.
		logger.WarnWithFields(ctx, []logger.Field{
			logger.String("receipt_id", receipt.ID),
			logger.String("payout_id", payout.ID),
		}, "Broadcast failed after allowance decrement")
		return false, errors.Wrap(ErrBroadcastFailed, err.Error())
	}

	if err := markPayoutBroadcast(ctx, dbConn, payout.ID, signed.Hash.Hex()); err != nil {
		return false, errors.Wrap(err, "mark broadcast")
	}

	payout.Status = PayoutStatusPending
	payout.TxHash = signed.Hash.Hex()
	return true, nil
}

// Confirm applies a chain observation to a payout. Idempotent: re-submitting
// the same transaction hash for an already terminal payout returns the same
// final state. Terminal observations must match the chain's own receipt for
// the hash. An empty observedStatus records the hash and keeps the payout
// pending for a later confirmation.
func (e *Engine) Confirm(ctx context.Context, dbConn *db.DB, payoutID, txHash,
	observedStatus string, blockNumber uint64) (*Payout, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Engine.Confirm")
	defer span.End()

	payout, err := FetchPayout(ctx, dbConn, payoutID)
	if err != nil {
		return nil, err
	}

	switch payout.Status {
	case PayoutStatusConfirmed, PayoutStatusFailed:
		if payout.TxHash == txHash {
			return payout, nil
		}
		return nil, ErrPayoutNotConfirmable
	}

	// A terminal observation is never taken on the caller's word: the chain
	// must have a receipt for the hash and it must agree.
	if observedStatus == "success" || observedStatus == "reverted" {
		observation, err := e.Chain.TxStatus(ctx, common.HexToHash(txHash))
		if err != nil {
			return nil, errors.Wrap(err, "tx status")
		}
		if observation == nil {
			return nil, errors.Wrap(ErrPayoutNotConfirmable, "transaction not observed on chain")
		}

		chainStatus := "success"
		if !observation.Success {
			chainStatus = "reverted"
		}
		if chainStatus != observedStatus {
			return nil, errors.Wrap(ErrPayoutNotConfirmable,
				"observed status disagrees with chain")
		}
		blockNumber = observation.BlockNumber
	}

	now := time.Now().UTC()

	switch observedStatus {
	case "success":
		transitioned, err := markPayoutConfirmed(ctx, dbConn, payoutID, txHash, blockNumber,
			now)
		if err != nil {
			return nil, errors.Wrap(err, "confirm payout")
		}

		// Only the observation that actually moved the row notifies; a lost
		// race fires nothing.
		if transitioned {
			e.notify(ctx, Event{
				Type:     EventPaymentReceived,
				PayoutID: payoutID,
				Data: map[string]interface{}{
					"tx_hash":           txHash,
					"amount":            payout.Amount,
					"token_address":     payout.TokenAddress,
					"recipient_address": payout.RecipientAddress,
				},
			})
		}

	case "reverted":
		transitioned, err := markPayoutFailed(ctx, dbConn, payoutID, txHash, now)
		if err != nil {
			return nil, errors.Wrap(err, "fail payout")
		}

		if transitioned {
			e.notify(ctx, Event{
				Type:     EventPayoutFailed,
				PayoutID: payoutID,
				Data:     map[string]interface{}{"tx_hash": txHash},
			})
		}

	case "":
		// Broadcast succeeded, confirmation still outstanding.
		if err := markPayoutBroadcast(ctx, dbConn, payoutID, txHash); err != nil {
			return nil, errors.Wrap(err, "mark broadcast")
		}

	default:
		return nil, errors.Wrap(ErrPayoutNotConfirmable, "unknown observed status")
	}

	return FetchPayout(ctx, dbConn, payoutID)
}

// WaitForConfirmation polls the chain for the payout's transaction until the
// wait budget runs out. Callers that abandon the wait lose nothing: the
// payout stays pending and the next Confirm call resolves it.
func (e *Engine) WaitForConfirmation(ctx context.Context, dbConn *db.DB, payoutID string,
	txHash common.Hash, wait time.Duration) (*Payout, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Engine.WaitForConfirmation")
	defer span.End()

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		observation, err := e.Chain.TxStatus(ctx, txHash)
		if err != nil {
			return nil, errors.Wrap(err, "tx status")
		}

		if observation != nil {
			status := "success"
			if !observation.Success {
				status = "reverted"
			}
			return e.Confirm(ctx, dbConn, payoutID, txHash.Hex(), status,
				observation.BlockNumber)
		}

		if time.Now().After(deadline) {
			return FetchPayout(ctx, dbConn, payoutID)
		}

		select {
		case <-ctx.Done():
			return FetchPayout(ctx, dbConn, payoutID)
		case <-ticker.C:
		}
	}
}

// Release hands an awaiting_release payout to a team member for direct
// signing. The member's spending grant is validated live and its allowance
// decremented; the returned parameters are signed with the member's own
// delegate key, never the organization root credential. A payout releases
// exactly once: the grant is consumed only by the call that wins the release
// marker, so client retries cannot drain the allowance.
func (e *Engine) Release(ctx context.Context, dbConn *db.DB, payoutID,
	releasingUserID string) (*UnsignedTx, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Engine.Release")
	defer span.End()

	payout, err := FetchPayout(ctx, dbConn, payoutID)
	if err != nil {
		return nil, err
	}

	if payout.Status != PayoutStatusAwaitingRelease {
		return nil, ErrPayoutNotReleasable
	}

	if !payout.Payer().IsOrganization() {
		return nil, errors.Wrap(ErrPayoutNotReleasable, "payout is not organization funded")
	}

	// Membership is re-checked on every release; it may have changed since
	// the bounty was approved.
	if err := e.Guard.AuthorizeAction(ctx, dbConn, releasingUserID, payout.PayerID,
		CapReleaseFunds); err != nil {
		return nil, err
	}

	grant, err := FetchActiveGrant(ctx, dbConn, payout.PayerID, releasingUserID, e.ChainID,
		time.Now().UTC())
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return nil, ErrKeyNotActive
		}
		return nil, errors.Wrap(err, "fetch grant")
	}

	amount, err := ParseAmount(payout.Amount)
	if err != nil {
		return nil, errors.Wrap(err, "payout amount")
	}

	// Claim the release before touching the allowance. Of two racing
	// releases only one wins this conditional update and spends the grant.
	claimed, err := markPayoutReleased(ctx, dbConn, payoutID, releasingUserID)
	if err != nil {
		return nil, errors.Wrap(err, "mark released")
	}
	if !claimed {
		return nil, errors.Wrap(ErrPayoutNotReleasable, "payout already released")
	}

	receipt, err := e.Authority.Use(ctx, dbConn, grant.ID, payout.TokenAddress, amount)
	if err != nil {
		// Nothing was consumed; free the marker so another member can
		// release.
		if rerr := revertPayoutRelease(ctx, dbConn, payoutID, releasingUserID); rerr != nil {
			logger.Error(ctx, "Revert payout release %s : %s", payoutID, rerr)
		}
		return nil, err
	}

	// The receipt ties the consumed grant to the payout for reconciliation.
	if err := recordReleaseReceipt(ctx, dbConn, payoutID, receipt.ID); err != nil {
		logger.Error(ctx, "Record release receipt %s : %s", payoutID, err)
	}

	unsigned := e.unsignedTransfer(common.HexToAddress(payout.RecipientAddress),
		common.HexToAddress(payout.TokenAddress), amount, grant.DelegateKeyID)
	return unsigned, nil
}

func (e *Engine) unsignedTransfer(recipient, token common.Address, amount *big.Int,
	signingAddress string) *UnsignedTx {

	return &UnsignedTx{
		To:             token.Hex(),
		Data:           hexutil.Encode(ERC20TransferData(recipient, amount)),
		Value:          "0",
		SigningAddress: signingAddress,
	}
}

func (e *Engine) notify(ctx context.Context, event Event) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Notify(ctx, event)
}

// -------------------------------------------------------------------------
// Payout storage

const payoutColumns = `
		p.id,
		p.source_type,
		p.source_id,
		p.payer_type,
		p.payer_id,
		p.recipient_address,
		p.recipient_user_id,
		p.custodial,
		p.amount,
		p.token_address,
		p.memo,
		p.chain_id,
		p.status,
		p.tx_hash,
		p.block_number,
		p.confirmed_at,
		p.released_by,
		p.release_receipt_id,
		p.error_message,
		p.date_created,
		p.date_modified`

func insertPayout(ctx context.Context, dbConn *db.DB, payout *Payout) error {
	sql := `INSERT
		INTO payouts (
			id,
			source_type,
			source_id,
			payer_type,
			payer_id,
			recipient_address,
			recipient_user_id,
			custodial,
			amount,
			token_address,
			memo,
			chain_id,
			status,
			tx_hash,
			block_number,
			confirmed_at,
			released_by,
			release_receipt_id,
			error_message,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return dbConn.Execute(ctx, sql,
		payout.ID,
		payout.SourceType,
		payout.SourceID,
		payout.PayerType,
		payout.PayerID,
		payout.RecipientAddress,
		payout.RecipientUserID,
		payout.Custodial,
		payout.Amount,
		payout.TokenAddress,
		payout.Memo,
		payout.ChainID,
		payout.Status,
		payout.TxHash,
		payout.BlockNumber,
		payout.ConfirmedAt,
		payout.ReleasedBy,
		payout.ReleaseReceiptID,
		payout.ErrorMessage,
		payout.DateCreated,
		payout.DateModified)
}

// FetchPayout returns a payout by id.
func FetchPayout(ctx context.Context, dbConn *db.DB, id string) (*Payout, error) {
	sql := `SELECT ` + payoutColumns + `
		FROM
			payouts p
		WHERE
			p.id = ?`

	payout := Payout{}
	if err := dbConn.Get(ctx, &payout, sql, id); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// FetchPayoutsByRecipientAddress lists payouts sent to an address. The claim
// vault uses it to learn which tokens a custodial wallet accumulated.
func FetchPayoutsByRecipientAddress(ctx context.Context, dbConn *db.DB,
	address string) ([]Payout, error) {

	sql := `SELECT ` + payoutColumns + `
		FROM
			payouts p
		WHERE
			p.recipient_address = ?
		ORDER BY p.date_created`

	payouts := []Payout{}
	if err := dbConn.Select(ctx, &payouts, sql, address); err != nil {
		return nil, err
	}
	return payouts, nil
}

func markPayoutBroadcast(ctx context.Context, dbConn *db.DB, payoutID, txHash string) error {
	sql := `UPDATE payouts
		SET status = ?, tx_hash = ?, date_modified = ?
		WHERE
			id = ?
			AND status IN (?, ?, ?)`

	return dbConn.Execute(ctx, sql, PayoutStatusPending, txHash, time.Now().UTC(), payoutID,
		PayoutStatusCreated, PayoutStatusAwaitingRelease, PayoutStatusPending)
}

// markPayoutConfirmed moves a payout to confirmed. Returns whether this call
// performed the transition; a concurrent confirmation that already landed
// reports false.
func markPayoutConfirmed(ctx context.Context, dbConn *db.DB, payoutID, txHash string,
	blockNumber uint64, now time.Time) (bool, error) {

	sql := `UPDATE payouts
		SET status = ?, tx_hash = ?, block_number = ?, confirmed_at = ?, date_modified = ?
		WHERE
			id = ?
			AND status IN (?, ?, ?)`

	count, err := dbConn.ExecuteCount(ctx, sql, PayoutStatusConfirmed, txHash, blockNumber,
		now, now, payoutID, PayoutStatusCreated, PayoutStatusAwaitingRelease,
		PayoutStatusPending)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// markPayoutFailed moves a payout to failed, same transition contract as
// markPayoutConfirmed.
func markPayoutFailed(ctx context.Context, dbConn *db.DB, payoutID, txHash string,
	now time.Time) (bool, error) {

	sql := `UPDATE payouts
		SET status = ?, tx_hash = ?, error_message = ?, date_modified = ?
		WHERE
			id = ?
			AND status IN (?, ?, ?)`

	count, err := dbConn.ExecuteCount(ctx, sql, PayoutStatusFailed, txHash,
		"transaction reverted on chain", now, payoutID, PayoutStatusCreated,
		PayoutStatusAwaitingRelease, PayoutStatusPending)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// markPayoutReleased claims the one release a payout gets. Returns whether
// this caller won the marker.
func markPayoutReleased(ctx context.Context, dbConn *db.DB, payoutID,
	releasingUserID string) (bool, error) {

	sql := `UPDATE payouts
		SET released_by = ?, date_modified = ?
		WHERE
			id = ?
			AND status = ?
			AND released_by = ''`

	count, err := dbConn.ExecuteCount(ctx, sql, releasingUserID, time.Now().UTC(), payoutID,
		PayoutStatusAwaitingRelease)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// revertPayoutRelease frees the release marker after an aborted grant use.
func revertPayoutRelease(ctx context.Context, dbConn *db.DB, payoutID,
	releasingUserID string) error {

	sql := `UPDATE payouts
		SET released_by = '', date_modified = ?
		WHERE
			id = ?
			AND released_by = ?`

	return dbConn.Execute(ctx, sql, time.Now().UTC(), payoutID, releasingUserID)
}

func recordReleaseReceipt(ctx context.Context, dbConn *db.DB, payoutID, receiptID string) error {
	sql := `UPDATE payouts
		SET release_receipt_id = ?, date_modified = ?
		WHERE
			id = ?`

	return dbConn.Execute(ctx, sql, receiptID, time.Now().UTC(), payoutID)
}
