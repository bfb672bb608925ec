// Package custody manages keypairs for escrow wallets held on behalf of
// recipients who have not onboarded. Keys live in bucket storage under a
// per-address path; production deployments point the bucket at S3.
package custody

import (
	"context"
	"strings"
	"sync"

	"github.com/forgepay/settlement/internal/chain"
	"github.com/forgepay/settlement/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"github.com/tokenized/pkg/storage"
)

// keyPath is the storage prefix for custody keys.
const keyPath = "custody/keys"

// Provider implements settlement.CustodyProvider on top of bucket storage.
type Provider struct {
	st    storage.Storage
	chain *chain.Client

	mu sync.Mutex
}

// NewProvider returns a storage backed provider.
func NewProvider(st storage.Storage, chainClient *chain.Client) *Provider {
	return &Provider{
		st:    st,
		chain: chainClient,
	}
}

// CreateWallet provisions a fresh keypair and persists it keyed by address.
// The reference is recorded alongside the key for audit.
func (p *Provider) CreateWallet(ctx context.Context, reference string) (common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, errors.Wrap(err, "generate key")
	}

	address := crypto.PubkeyToAddress(key.PublicKey)

	record := strings.Join([]string{
		common.Bytes2Hex(crypto.FromECDSA(key)),
		reference,
	}, "\n")

	if err := p.st.Write(ctx, walletKey(address), []byte(record), nil); err != nil {
		return common.Address{}, errors.Wrap(err, "store key")
	}

	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("address", address.Hex()),
	}, "Provisioned custody wallet")

	return address, nil
}

// SignTransfer signs a transaction spending from a custody managed wallet.
func (p *Provider) SignTransfer(ctx context.Context, from common.Address,
	params settlement.TxParams) (*settlement.SignedTx, error) {

	b, err := p.st.Read(ctx, walletKey(from))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.Errorf("no custody key for %s", from.Hex())
		}
		return nil, errors.Wrap(err, "read key")
	}

	keyHex, _, _ := strings.Cut(string(b), "\n")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parse key")
	}

	if crypto.PubkeyToAddress(key.PublicKey) != from {
		return nil, errors.Errorf("stored key does not match %s", from.Hex())
	}

	return p.chain.SignWithKey(ctx, key, params)
}

func walletKey(address common.Address) string {
	return keyPath + "/" + strings.ToLower(address.Hex())
}
