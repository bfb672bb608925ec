package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/tests"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

// mockChain is an in-memory stand-in for the target network.
type mockChain struct {
	mu sync.Mutex

	nonces       map[common.Address]uint64
	broadcasts   [][]byte
	observations map[common.Hash]*TxObservation
	balances     map[common.Address]map[common.Address]*big.Int

	broadcastErr error
}

func newMockChain() *mockChain {
	return &mockChain{
		nonces:       make(map[common.Address]uint64),
		observations: make(map[common.Hash]*TxObservation),
		balances:     make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (m *mockChain) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[addr], nil
}

func (m *mockChain) Broadcast(ctx context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcastErr != nil {
		return m.broadcastErr
	}
	m.broadcasts = append(m.broadcasts, raw)
	return nil
}

func (m *mockChain) TxStatus(ctx context.Context, hash common.Hash) (*TxObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observations[hash], nil
}

func (m *mockChain) TokenBalance(ctx context.Context, token,
	holder common.Address) (*big.Int, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	holders, ok := m.balances[token]
	if !ok {
		return big.NewInt(0), nil
	}
	balance, ok := holders[holder]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *mockChain) setBalance(token, holder common.Address, balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders, ok := m.balances[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		m.balances[token] = holders
	}
	holders[holder] = balance
}

func (m *mockChain) observe(hash common.Hash, success bool, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[hash] = &TxObservation{Success: success, BlockNumber: block}
}

// mockBuilder signs nothing; it hashes the parameters so every transaction
// gets a unique, deterministic hash.
type mockBuilder struct {
	address common.Address
	signErr error
}

func (m *mockBuilder) Address() common.Address {
	return m.address
}

func (m *mockBuilder) BuildAndSign(ctx context.Context, params TxParams) (*SignedTx, error) {
	if m.signErr != nil {
		return nil, m.signErr
	}

	payload := append([]byte{byte(params.Nonce)}, params.To.Bytes()...)
	payload = append(payload, params.Data...)
	hash := common.BytesToHash(crypto.Keccak256(payload))

	return &SignedTx{Hash: hash, Raw: payload}, nil
}

// mockCustody tracks provisioned wallets without real keys.
type mockCustody struct {
	mu      sync.Mutex
	wallets map[common.Address]string
}

func newMockCustody() *mockCustody {
	return &mockCustody{wallets: make(map[common.Address]string)}
}

func (m *mockCustody) CreateWallet(ctx context.Context, reference string) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	m.wallets[address] = reference
	return address, nil
}

func (m *mockCustody) SignTransfer(ctx context.Context, from common.Address,
	params TxParams) (*SignedTx, error) {

	payload := append(from.Bytes(), params.Data...)
	return &SignedTx{
		Hash: common.BytesToHash(crypto.Keccak256(payload)),
		Raw:  payload,
	}, nil
}

// memoryLocker is a trivial single-process locker for engine tests.
type memoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: make(map[string]bool)}
}

func (m *memoryLocker) Acquire(ctx context.Context, key string,
	ttl time.Duration) (func(), bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, false, nil
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, true, nil
}

// recordingNotifier captures emitted events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

// createTestUser inserts a user whose root credential is a fresh secp256k1
// address.
func createTestUser(t *testing.T, ctx context.Context, dbConn *db.DB,
	githubID string) (*User, *ecdsa.PrivateKey) {

	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate user key : %s", err)
	}

	now := time.Now().UTC()
	user := &User{
		ID:             uuid.New().String(),
		GithubID:       githubID,
		WalletAddress:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		RootCredential: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		DateCreated:    now,
		DateModified:   now,
	}

	if err := CreateUser(ctx, dbConn, user); err != nil {
		t.Fatalf("Failed to create user : %s", err)
	}

	return user, key
}

// createTestOrg inserts an organization whose root credential is a fresh
// secp256k1 address.
func createTestOrg(t *testing.T, ctx context.Context, dbConn *db.DB,
	name string) (*Organization, *ecdsa.PrivateKey) {

	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate org key : %s", err)
	}

	now := time.Now().UTC()
	org := &Organization{
		ID:              uuid.New().String(),
		Name:            name,
		RootCredential:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		TreasuryAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		DateCreated:     now,
		DateModified:    now,
	}

	if err := CreateOrganization(ctx, dbConn, org); err != nil {
		t.Fatalf("Failed to create organization : %s", err)
	}

	return org, key
}

// signAuthorization signs the canonical authorization message with a
// secp256k1 root key.
func signAuthorization(t *testing.T, key *ecdsa.PrivateKey, req *AuthorizationRequest) {
	t.Helper()

	digest := AuthorizationDigest(req.ChainID, req.KeyType, req.DelegateKeyID, req.Expiry,
		req.Limits)

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("Failed to sign authorization : %s", err)
	}

	req.Signature = sig
}

// authorizeTestKey creates an active access key for a personal owner.
func authorizeTestKey(t *testing.T, ctx context.Context, dbConn *db.DB,
	authority *Authority, owner PayerRef, granteeUserID string, rootKey *ecdsa.PrivateKey,
	limit *big.Int) *AccessKey {

	t.Helper()

	req := &AuthorizationRequest{
		DelegateKeyID: authority.DelegateAddress,
		ChainID:       authority.ChainID,
		KeyType:       KeyTypeSecp256k1,
		Limits: []LimitInput{{
			Token:  usdc,
			Amount: limit,
		}},
	}
	signAuthorization(t, rootKey, req)

	key, err := authority.Authorize(ctx, dbConn, owner, granteeUserID, req)
	if err != nil {
		t.Fatalf("Failed to authorize key : %s", err)
	}

	return key
}

// newTestEngine wires an engine against the mocks.
func newTestEngine(test *tests.Test, chain *mockChain, builder *mockBuilder,
	notifier *recordingNotifier) *Engine {

	authority := &Authority{
		DelegateAddress: builder.address,
		ChainID:         tests.TestChainID,
	}

	return &Engine{
		Authority: authority,
		Guard:     &TreasuryGuard{},
		Chain:     chain,
		Builder:   builder,
		Locks:     newMemoryLocker(),
		Notifier:  notifier,
		ChainID:   tests.TestChainID,
	}
}
