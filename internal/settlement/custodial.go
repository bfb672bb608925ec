package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"go.opencensus.io/trace"
)

// Vault escrows payouts for recipients who have not onboarded. Each external
// identity gets at most one pending wallet per chain; the recipient later
// redeems everything it accumulated with a one-time claim token.
type Vault struct {
	Custody     CustodyProvider
	Chain       ChainClient
	ChainID     uint64
	ClaimExpiry time.Duration
}

// claimTokenBytes sizes the claim token entropy.
const claimTokenBytes = 32

// TokenTransfer is one per-token sweep performed by a claim.
type TokenTransfer struct {
	TokenAddress string `db:"token_address" json:"token_address"`
	Amount       string `db:"amount" json:"amount"`
	TxHash       string `db:"tx_hash" json:"tx_hash"`
}

// ClaimResult reports what a claim moved and where.
type ClaimResult struct {
	WalletAddress string          `json:"wallet_address"`
	TransferredTo string          `json:"transferred_to"`
	Transfers     []TokenTransfer `json:"transfers"`
}

// EnsureWallet returns the pending custodial wallet for an external identity,
// creating one on first use. Subsequent payouts to the same unregistered
// recipient accumulate in the same wallet.
func (v *Vault) EnsureWallet(ctx context.Context, dbConn *db.DB,
	externalIdentityID string) (*CustodialWallet, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Vault.EnsureWallet")
	defer span.End()

	wallet, err := FetchPendingWallet(ctx, dbConn, externalIdentityID, v.ChainID)
	if err == nil {
		return wallet, nil
	}
	if errors.Cause(err) != ErrNotFound {
		return nil, errors.Wrap(err, "fetch wallet")
	}

	address, err := v.Custody.CreateWallet(ctx, externalIdentityID)
	if err != nil {
		return nil, errors.Wrap(err, "create custody wallet")
	}

	token := make([]byte, claimTokenBytes)
	if _, err := rand.Read(token); err != nil {
		return nil, errors.Wrap(err, "claim token")
	}

	now := time.Now().UTC()
	wallet = &CustodialWallet{
		ID:                 uuid.New().String(),
		ExternalIdentityID: externalIdentityID,
		ChainID:            v.ChainID,
		Address:            address.Hex(),
		ClaimToken:         hex.EncodeToString(token),
		ClaimExpiresAt:     now.Add(v.ClaimExpiry),
		Status:             WalletStatusPending,
		DateCreated:        now,
		DateModified:       now,
	}

	if err := insertWallet(ctx, dbConn, wallet); err != nil {
		// A concurrent EnsureWallet for the same identity can slip past the
		// fetch above; the partial unique index leaves exactly one pending
		// wallet, so the loser adopts the winner's row.
		if db.IsUniqueViolation(err) {
			return FetchPendingWallet(ctx, dbConn, externalIdentityID, v.ChainID)
		}
		return nil, errors.Wrap(err, "insert wallet")
	}

	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("wallet_id", wallet.ID),
		logger.String("external_identity", externalIdentityID),
	}, "Created custodial wallet")

	return wallet, nil
}

// ResolveClaim validates a claim token and returns the wallet it unlocks.
// Already used tokens report the prior transfer hash; expired tokens fail and
// leave the escrowed funds for an out-of-band recovery process.
func (v *Vault) ResolveClaim(ctx context.Context, dbConn *db.DB,
	claimToken string) (*CustodialWallet, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Vault.ResolveClaim")
	defer span.End()

	wallet, err := FetchWalletByClaimToken(ctx, dbConn, claimToken)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return nil, ErrInvalidClaimToken
		}
		return nil, err
	}

	if wallet.Status == WalletStatusClaimed {
		return nil, AlreadyClaimedError(wallet.TransferTxHash)
	}

	if !IsLive(&wallet.ClaimExpiresAt, time.Now().UTC()) {
		return nil, ErrClaimExpired
	}

	return wallet, nil
}

// ExecuteClaim redeems a claim token: it sweeps the full balance of every
// token the wallet ever received to the claimant's destination address. The
// claimant's external identity must match the wallet owner. A repeat claim to
// the same destination returns the recorded result instead of failing; a
// failed sweep leaves the wallet pending so the claim can be retried.
func (v *Vault) ExecuteClaim(ctx context.Context, dbConn *db.DB, claimToken,
	claimantIdentityID string, destination common.Address) (*ClaimResult, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Vault.ExecuteClaim")
	defer span.End()

	wallet, err := FetchWalletByClaimToken(ctx, dbConn, claimToken)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return nil, ErrInvalidClaimToken
		}
		return nil, err
	}

	if wallet.ExternalIdentityID != claimantIdentityID {
		return nil, ErrIdentityMismatch
	}

	if wallet.Status == WalletStatusClaimed {
		if wallet.TransferredTo == destination.Hex() {
			transfers, err := FetchWalletTransfers(ctx, dbConn, wallet.ID)
			if err != nil {
				return nil, errors.Wrap(err, "wallet transfers")
			}
			return &ClaimResult{
				WalletAddress: wallet.Address,
				TransferredTo: wallet.TransferredTo,
				Transfers:     transfers,
			}, nil
		}
		return nil, AlreadyClaimedError(wallet.TransferTxHash)
	}

	if !IsLive(&wallet.ClaimExpiresAt, time.Now().UTC()) {
		return nil, ErrClaimExpired
	}

	// The status flip happens before any funds move. Two racing claims with
	// the same token can both pass the checks above, but only one wins this
	// conditional update and performs the sweep.
	if err := markWalletClaimed(ctx, dbConn, wallet.ID, destination.Hex()); err != nil {
		return nil, err
	}

	transfers, err := v.sweep(ctx, dbConn, wallet, destination)
	if err != nil {
		// The wallet only stays claimed on a completed sweep. Transfers that
		// already broadcast are recorded and the flip is reverted so the
		// recipient can retry; the retry reads live balances, so tokens that
		// already moved are skipped.
		recordTransfers(ctx, dbConn, wallet.ID, transfers)
		if rerr := revertWalletClaim(ctx, dbConn, wallet.ID); rerr != nil {
			logger.Error(ctx, "Revert wallet claim %s : %s", wallet.ID, rerr)
		}
		return nil, err
	}

	recordTransfers(ctx, dbConn, wallet.ID, transfers)
	if len(transfers) > 0 {
		last := transfers[len(transfers)-1].TxHash
		if err := recordWalletTransfer(ctx, dbConn, wallet.ID, last); err != nil {
			logger.Error(ctx, "Record wallet transfer %s : %s", wallet.ID, err)
		}
	}

	return &ClaimResult{
		WalletAddress: wallet.Address,
		TransferredTo: destination.Hex(),
		Transfers:     transfers,
	}, nil
}

// sweep moves the full current balance of every token the wallet received.
// Balances are read live from the chain so partial prior sweeps and direct
// deposits are both handled.
func (v *Vault) sweep(ctx context.Context, dbConn *db.DB, wallet *CustodialWallet,
	destination common.Address) ([]TokenTransfer, error) {

	payouts, err := FetchPayoutsByRecipientAddress(ctx, dbConn, wallet.Address)
	if err != nil {
		return nil, errors.Wrap(err, "wallet payouts")
	}

	seen := make(map[string]bool)
	tokens := []common.Address{}
	for _, p := range payouts {
		if seen[p.TokenAddress] {
			continue
		}
		seen[p.TokenAddress] = true
		tokens = append(tokens, common.HexToAddress(p.TokenAddress))
	}

	from := common.HexToAddress(wallet.Address)
	transfers := []TokenTransfer{}

	for _, token := range tokens {
		balance, err := v.Chain.TokenBalance(ctx, token, from)
		if err != nil {
			return transfers, errors.Wrap(err, "token balance")
		}
		if balance.Sign() <= 0 {
			continue
		}

		nonce, err := v.Chain.PendingNonce(ctx, from)
		if err != nil {
			return transfers, errors.Wrap(err, "wallet nonce")
		}

		signed, err := v.Custody.SignTransfer(ctx, from, TxParams{
			To:    token,
			Data:  ERC20TransferData(destination, balance),
			Value: big.NewInt(0),
			Nonce: nonce,
		})
		if err != nil {
			return transfers, errors.Wrap(err, "sign sweep")
		}

		if err := v.Chain.Broadcast(ctx, signed.Raw); err != nil {
			return transfers, errors.Wrap(ErrBroadcastFailed, err.Error())
		}

		transfers = append(transfers, TokenTransfer{
			TokenAddress: token.Hex(),
			Amount:       FormatAmount(balance),
			TxHash:       signed.Hash.Hex(),
		})
	}

	return transfers, nil
}

// -------------------------------------------------------------------------
// Wallet storage

const walletColumns = `
		w.id,
		w.external_identity_id,
		w.chain_id,
		w.address,
		w.claim_token,
		w.claim_expires_at,
		w.status,
		w.transferred_to,
		w.transfer_tx_hash,
		w.date_created,
		w.date_modified`

func insertWallet(ctx context.Context, dbConn *db.DB, wallet *CustodialWallet) error {
	sql := `INSERT
		INTO custodial_wallets (
			id,
			external_identity_id,
			chain_id,
			address,
			claim_token,
			claim_expires_at,
			status,
			transferred_to,
			transfer_tx_hash,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return dbConn.Execute(ctx, sql,
		wallet.ID,
		wallet.ExternalIdentityID,
		wallet.ChainID,
		wallet.Address,
		wallet.ClaimToken,
		wallet.ClaimExpiresAt,
		wallet.Status,
		wallet.TransferredTo,
		wallet.TransferTxHash,
		wallet.DateCreated,
		wallet.DateModified)
}

// FetchPendingWallet returns the unclaimed wallet for an external identity on
// a chain.
func FetchPendingWallet(ctx context.Context, dbConn *db.DB, externalIdentityID string,
	chainID uint64) (*CustodialWallet, error) {

	sql := `SELECT ` + walletColumns + `
		FROM
			custodial_wallets w
		WHERE
			w.external_identity_id = ?
			AND w.chain_id = ?
			AND w.status = ?`

	wallet := CustodialWallet{}
	if err := dbConn.Get(ctx, &wallet, sql, externalIdentityID, chainID,
		WalletStatusPending); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// FetchWalletByClaimToken returns the wallet a claim token unlocks.
func FetchWalletByClaimToken(ctx context.Context, dbConn *db.DB,
	claimToken string) (*CustodialWallet, error) {

	sql := `SELECT ` + walletColumns + `
		FROM
			custodial_wallets w
		WHERE
			w.claim_token = ?`

	wallet := CustodialWallet{}
	if err := dbConn.Get(ctx, &wallet, sql, claimToken); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func markWalletClaimed(ctx context.Context, dbConn *db.DB, walletID, destination string) error {
	sql := `UPDATE custodial_wallets
		SET status = ?, transferred_to = ?, date_modified = ?
		WHERE
			id = ?
			AND status = ?`

	count, err := dbConn.ExecuteCount(ctx, sql, WalletStatusClaimed, destination,
		time.Now().UTC(), walletID, WalletStatusPending)
	if err != nil {
		return errors.Wrap(err, "mark claimed")
	}
	if count == 0 {
		return AlreadyClaimedError("")
	}
	return nil
}

// revertWalletClaim undoes the claimed flip after a failed sweep so the
// claim token stays redeemable.
func revertWalletClaim(ctx context.Context, dbConn *db.DB, walletID string) error {
	sql := `UPDATE custodial_wallets
		SET status = ?, transferred_to = '', date_modified = ?
		WHERE
			id = ?
			AND status = ?`

	return dbConn.Execute(ctx, sql, WalletStatusPending, time.Now().UTC(), walletID,
		WalletStatusClaimed)
}

func recordWalletTransfer(ctx context.Context, dbConn *db.DB, walletID, txHash string) error {
	sql := `UPDATE custodial_wallets
		SET transfer_tx_hash = ?, date_modified = ?
		WHERE
			id = ?`

	return dbConn.Execute(ctx, sql, txHash, time.Now().UTC(), walletID)
}

// recordTransfers persists each broadcast sweep so a repeat claim can return
// the full result. Best effort; every transfer is already on chain.
func recordTransfers(ctx context.Context, dbConn *db.DB, walletID string,
	transfers []TokenTransfer) {

	sql := `INSERT
		INTO custodial_wallet_transfers (
			id,
			wallet_id,
			token_address,
			amount,
			tx_hash,
			date_created
		)
		VALUES (?, ?, ?, ?, ?, ?)`

	for _, t := range transfers {
		if err := dbConn.Execute(ctx, sql, uuid.New().String(), walletID, t.TokenAddress,
			t.Amount, t.TxHash, time.Now().UTC()); err != nil {
			logger.Error(ctx, "Record sweep transfer %s : %s", walletID, err)
		}
	}
}

// FetchWalletTransfers returns every sweep transfer a wallet performed, in
// broadcast order.
func FetchWalletTransfers(ctx context.Context, dbConn *db.DB,
	walletID string) ([]TokenTransfer, error) {

	sql := `SELECT
			t.token_address,
			t.amount,
			t.tx_hash
		FROM
			custodial_wallet_transfers t
		WHERE
			t.wallet_id = ?
		ORDER BY t.date_created`

	transfers := []TokenTransfer{}
	if err := dbConn.Select(ctx, &transfers, sql, walletID); err != nil {
		return nil, err
	}
	return transfers, nil
}
