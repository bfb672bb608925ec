// Package chain adapts an EVM JSON-RPC node to the settlement engine's
// ChainClient and TransactionBuilder capabilities.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/forgepay/settlement/internal/settlement"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// gasLimitTransfer covers an ERC-20 transfer with headroom for tokens that
// do bookkeeping in their transfer hook.
const gasLimitTransfer = 100000

// Client wraps an ethclient connection.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
}

// NewClient dials the node at url.
func NewClient(ctx context.Context, url string, chainID uint64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	return &Client{
		eth:     eth,
		chainID: new(big.Int).SetUint64(chainID),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

// PendingNonce implements settlement.ChainClient.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, errors.Wrap(err, "pending nonce")
	}
	return nonce, nil
}

// Broadcast implements settlement.ChainClient.
func (c *Client) Broadcast(ctx context.Context, raw []byte) error {
	tx := &types.Transaction{}
	if err := tx.UnmarshalBinary(raw); err != nil {
		return errors.Wrap(err, "decode transaction")
	}

	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return errors.Wrap(err, "send transaction")
	}
	return nil
}

// TxStatus implements settlement.ChainClient. A transaction the chain has not
// mined yet reports nil without error.
func (c *Client) TxStatus(ctx context.Context, hash common.Hash) (*settlement.TxObservation,
	error) {

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Cause(err) == ethereum.NotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "transaction receipt")
	}

	return &settlement.TxObservation{
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// balanceOfSelector is the 4 byte selector of balanceOf(address).
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// TokenBalance implements settlement.ChainClient with a read-only balanceOf
// call against the token contract.
func (c *Client) TokenBalance(ctx context.Context, token,
	holder common.Address) (*big.Int, error) {

	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)

	var arg [32]byte
	copy(arg[12:], holder.Bytes())
	data = append(data, arg[:]...)

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "call balanceOf")
	}

	if len(result) != 32 {
		return nil, errors.Errorf("malformed balanceOf result length %d", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// SignWithKey produces a signed EIP-1559 transaction priced from the node's
// current suggestions. Shared by the delegate builder and the custody
// provider.
func (c *Client) SignWithKey(ctx context.Context, key *ecdsa.PrivateKey,
	params settlement.TxParams) (*settlement.SignedTx, error) {

	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "suggest tip cap")
	}

	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "latest header")
	}

	// Standard double-base-fee headroom so the transaction survives a few
	// blocks of fee growth.
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     params.Nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimitTransfer,
		To:        &params.To,
		Value:     params.Value,
		Data:      params.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}

	return &settlement.SignedTx{
		Hash: signed.Hash(),
		Raw:  raw,
	}, nil
}

// Builder signs backend delegate transactions with a locally held key.
type Builder struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chain   *Client
}

// NewBuilder parses the delegate private key from its hex encoding.
func NewBuilder(keyHex string, chain *Client) (*Builder, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parse delegate key")
	}

	return &Builder{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chain:   chain,
	}, nil
}

// Address implements settlement.TransactionBuilder.
func (b *Builder) Address() common.Address {
	return b.address
}

// BuildAndSign implements settlement.TransactionBuilder.
func (b *Builder) BuildAndSign(ctx context.Context,
	params settlement.TxParams) (*settlement.SignedTx, error) {

	return b.chain.SignWithKey(ctx, b.key, params)
}
