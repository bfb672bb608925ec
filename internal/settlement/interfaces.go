package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxParams are the unsigned parameters of a settlement transaction.
type TxParams struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Nonce uint64
}

// SignedTx is a broadcastable transaction produced by a signer capability.
type SignedTx struct {
	Hash common.Hash
	Raw  []byte
}

// TxObservation is what the chain reports about a broadcast transaction.
type TxObservation struct {
	Success     bool
	BlockNumber uint64
}

// ChainClient is the engine's view of the target network. Implementations
// bound every call with the caller's context; the engine never talks to a
// node directly.
type ChainClient interface {
	// PendingNonce returns the next nonce for the address including mempool
	// transactions.
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)

	// Broadcast submits a signed raw transaction.
	Broadcast(ctx context.Context, raw []byte) error

	// TxStatus returns the observation for a transaction, or nil if the
	// chain has not seen it land yet.
	TxStatus(ctx context.Context, hash common.Hash) (*TxObservation, error)

	// TokenBalance returns the ERC-20 balance of holder.
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// TransactionBuilder signs transactions with the backend delegate key. The
// engine treats it as an external capability; it is never reimplemented
// here.
type TransactionBuilder interface {
	// Address is the delegate signer's public identifier. Access keys must
	// authorize exactly this identity.
	Address() common.Address

	// BuildAndSign produces a signed, broadcastable transaction for the
	// given parameters.
	BuildAndSign(ctx context.Context, params TxParams) (*SignedTx, error)
}

// CustodyProvider manages keypairs for wallets held on behalf of recipients
// who have not onboarded.
type CustodyProvider interface {
	// CreateWallet provisions a fresh custody managed keypair and returns
	// its address.
	CreateWallet(ctx context.Context, reference string) (common.Address, error)

	// SignTransfer signs a transaction spending from a custody managed
	// wallet.
	SignTransfer(ctx context.Context, from common.Address, params TxParams) (*SignedTx, error)
}

// Event is a notification payload handed to the external sink.
type Event struct {
	Type     string                 `json:"type"`
	PayoutID string                 `json:"payout_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Notification event types.
const (
	EventPaymentReceived = "payment_received"
	EventPayoutFailed    = "payout_failed"
)

// Notifier is the fire-and-forget notification sink. Delivery mechanics are
// out of scope; failures are the sink's problem, not the engine's.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Locker serializes auto-sign attempts per payer. Two concurrent attempts
// for the same payer would race on the delegate nonce, so at most one may
// hold the lock; the other falls back to manual signing.
type Locker interface {
	// Acquire returns a release func and true when the lock was taken, or
	// false when another attempt holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}
