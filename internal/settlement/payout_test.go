package settlement

import (
	"math/big"
	"testing"

	"github.com/forgepay/settlement/internal/platform/tests"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

func TestAutoSignPayout(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	builder := &mockBuilder{address: delegateAddress}
	notifier := &recordingNotifier{}
	engine := newTestEngine(test, chain, builder, notifier)

	payer, rootKey := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	authorizeTestKey(t, ctx, dbConn, engine.Authority, PersonalPayer(payer.ID), "", rootKey,
		big.NewInt(100))

	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		RecipientUserID:  recipient.ID,
		Amount:           big.NewInt(60),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	if !result.AutoSigned {
		t.Fatalf("Expected auto-signed payout")
	}
	if result.Payout.Status != PayoutStatusPending {
		t.Fatalf("Wrong status : got %s, want %s", result.Payout.Status, PayoutStatusPending)
	}
	if len(result.Payout.TxHash) == 0 {
		t.Fatalf("Expected a transaction hash")
	}
	if len(chain.broadcasts) != 1 {
		t.Fatalf("Wrong broadcast count : got %d, want 1", len(chain.broadcasts))
	}

	// The allowance was spent.
	key, err := FetchActiveKey(ctx, dbConn, PersonalPayer(payer.ID), "",
		delegateAddress.Hex(), tests.TestChainID, result.Payout.DateCreated)
	if err != nil {
		t.Fatalf("Failed to fetch key : %s", err)
	}
	limit, err := FetchLimit(ctx, dbConn, key.ID, usdc.Hex())
	if err != nil {
		t.Fatalf("Failed to fetch limit : %s", err)
	}
	if limit.Remaining != "40" {
		t.Fatalf("Wrong remaining : got %s, want 40", limit.Remaining)
	}

	// A second payout over the remaining allowance falls back to manual
	// signing and spends nothing.
	result, err = engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-2"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(50),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create second payout : %s", err)
	}

	if result.AutoSigned {
		t.Fatalf("Expected manual fallback")
	}
	if result.Unsigned == nil {
		t.Fatalf("Expected unsigned parameters")
	}
	if result.Payout.Status != PayoutStatusCreated {
		t.Fatalf("Wrong status : got %s, want %s", result.Payout.Status, PayoutStatusCreated)
	}

	limit, err = FetchLimit(ctx, dbConn, key.ID, usdc.Hex())
	if err != nil {
		t.Fatalf("Failed to fetch limit : %s", err)
	}
	if limit.Remaining != "40" {
		t.Fatalf("Remaining changed on failed attempt : got %s, want 40", limit.Remaining)
	}
}

func TestAutoSignCompensatesOnSignFailure(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	builder := &mockBuilder{
		address: delegateAddress,
		signErr: errors.New("hsm unavailable"),
	}
	engine := newTestEngine(test, chain, builder, &recordingNotifier{})

	payer, rootKey := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	key := authorizeTestKey(t, ctx, dbConn, engine.Authority, PersonalPayer(payer.ID), "",
		rootKey, big.NewInt(100))

	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(60),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	if result.AutoSigned {
		t.Fatalf("Expected manual fallback on signing failure")
	}

	// Nothing reached the network, the decrement was compensated.
	limit, err := FetchLimit(ctx, dbConn, key.ID, usdc.Hex())
	if err != nil {
		t.Fatalf("Failed to fetch limit : %s", err)
	}
	if limit.Remaining != "100" {
		t.Fatalf("Wrong remaining after compensation : got %s, want 100", limit.Remaining)
	}
	if len(chain.broadcasts) != 0 {
		t.Fatalf("Unexpected broadcast")
	}
}

func TestConfirmIdempotent(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	builder := &mockBuilder{address: delegateAddress}
	notifier := &recordingNotifier{}
	engine := newTestEngine(test, chain, builder, notifier)

	payer, _ := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	// No access key: the payout stays created for manual signing.
	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(25),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	txHash := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	chain.observe(txHash, true, 1042)

	payout, err := engine.Confirm(ctx, dbConn, result.Payout.ID, txHash.Hex(), "success", 1042)
	if err != nil {
		t.Fatalf("Failed to confirm : %s", err)
	}
	if payout.Status != PayoutStatusConfirmed {
		t.Fatalf("Wrong status : got %s, want %s", payout.Status, PayoutStatusConfirmed)
	}
	if payout.BlockNumber != 1042 {
		t.Fatalf("Wrong block number : got %d, want 1042", payout.BlockNumber)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != EventPaymentReceived {
		t.Fatalf("Expected one payment_received event")
	}

	// Re-submitting the same observation is a no-op.
	again, err := engine.Confirm(ctx, dbConn, result.Payout.ID, txHash.Hex(), "success", 1042)
	if err != nil {
		t.Fatalf("Repeat confirm failed : %s", err)
	}
	if again.Status != PayoutStatusConfirmed {
		t.Fatalf("Wrong status on repeat : got %s", again.Status)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("Repeat confirm emitted another event")
	}

	// A different transaction hash against a terminal payout is rejected.
	otherHash := common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	if _, err := engine.Confirm(ctx, dbConn, result.Payout.ID, otherHash.Hex(), "success",
		1043); errors.Cause(err) != ErrPayoutNotConfirmable {
		t.Fatalf("Expected payout not confirmable : got %v", err)
	}
}

func TestConfirmReverted(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	notifier := &recordingNotifier{}
	engine := newTestEngine(test, chain, &mockBuilder{address: delegateAddress}, notifier)

	payer, _ := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(25),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	txHash := common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333")
	chain.observe(txHash, false, 99)

	payout, err := engine.Confirm(ctx, dbConn, result.Payout.ID, txHash.Hex(), "reverted", 99)
	if err != nil {
		t.Fatalf("Failed to confirm revert : %s", err)
	}
	if payout.Status != PayoutStatusFailed {
		t.Fatalf("Wrong status : got %s, want %s", payout.Status, PayoutStatusFailed)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != EventPayoutFailed {
		t.Fatalf("Expected one payout_failed event")
	}
}

func TestConfirmRequiresChainReceipt(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	notifier := &recordingNotifier{}
	engine := newTestEngine(test, chain, &mockBuilder{address: delegateAddress}, notifier)

	payer, _ := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(25),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	txHash := common.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444")

	// A claimed success the chain has no receipt for is rejected.
	if _, err := engine.Confirm(ctx, dbConn, result.Payout.ID, txHash.Hex(), "success",
		1042); errors.Cause(err) != ErrPayoutNotConfirmable {
		t.Fatalf("Expected payout not confirmable : got %v", err)
	}

	// A claimed success for a transaction the chain saw revert is rejected.
	chain.observe(txHash, false, 1042)
	if _, err := engine.Confirm(ctx, dbConn, result.Payout.ID, txHash.Hex(), "success",
		1042); errors.Cause(err) != ErrPayoutNotConfirmable {
		t.Fatalf("Expected payout not confirmable : got %v", err)
	}

	stored, err := FetchPayout(ctx, dbConn, result.Payout.ID)
	if err != nil {
		t.Fatalf("Failed to fetch payout : %s", err)
	}
	if stored.Status != PayoutStatusCreated {
		t.Fatalf("Wrong status : got %s, want %s", stored.Status, PayoutStatusCreated)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("Unexpected events from rejected confirmations")
	}
}

func TestConfirmNotifiesOnceOnTransition(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	notifier := &recordingNotifier{}
	engine := newTestEngine(test, chain, &mockBuilder{address: delegateAddress}, notifier)

	payer, _ := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(25),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	txHash := common.HexToHash("0x5555555555555555555555555555555555555555555555555555555555555555")
	chain.observe(txHash, true, 77)

	if _, err := engine.Confirm(ctx, dbConn, result.Payout.ID, txHash.Hex(), "success",
		77); err != nil {
		t.Fatalf("Failed to confirm : %s", err)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("Wrong event count : got %d, want 1", len(notifier.events))
	}

	// A second observation arriving after the transition matches no row, so
	// it must report that it moved nothing. This is the state a racing
	// confirmation sees after losing the update.
	transitioned, err := markPayoutConfirmed(ctx, dbConn, result.Payout.ID, txHash.Hex(), 77,
		nowUTC())
	if err != nil {
		t.Fatalf("Failed to mark confirmed : %s", err)
	}
	if transitioned {
		t.Fatalf("Expected the repeat transition to match no rows")
	}
}

func TestOrgReleaseFlow(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	chain := newMockChain()
	engine := newTestEngine(test, chain, &mockBuilder{address: delegateAddress},
		&recordingNotifier{})

	org, orgKey := createTestOrg(t, ctx, dbConn, "acme")
	member, _ := createTestUser(t, ctx, dbConn, "member")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	if err := AddMember(ctx, dbConn, &Member{
		OrgID:     org.ID,
		UserID:    member.ID,
		Role:      RoleMember,
		DateAdded: nowUTC(),
	}); err != nil {
		t.Fatalf("Failed to add member : %s", err)
	}

	grant := authorizeTestKey(t, ctx, dbConn, engine.Authority, OrganizationPayer(org.ID),
		member.ID, orgKey, big.NewInt(500))

	// Organization payouts never auto-sign.
	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "bounty-1"},
		Payer:            OrganizationPayer(org.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(200),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	if result.AutoSigned {
		t.Fatalf("Organization payout must not auto-sign")
	}
	if result.Payout.Status != PayoutStatusAwaitingRelease {
		t.Fatalf("Wrong status : got %s, want %s", result.Payout.Status,
			PayoutStatusAwaitingRelease)
	}

	// A non-member cannot release.
	outsider, _ := createTestUser(t, ctx, dbConn, "outsider")
	if _, err := engine.Release(ctx, dbConn, result.Payout.ID,
		outsider.ID); errors.Cause(err) != ErrNotAuthorized {
		t.Fatalf("Expected not authorized : got %v", err)
	}

	unsigned, err := engine.Release(ctx, dbConn, result.Payout.ID, member.ID)
	if err != nil {
		t.Fatalf("Failed to release : %s", err)
	}

	if unsigned.SigningAddress != grant.DelegateKeyID {
		t.Fatalf("Wrong signing address : got %s, want %s", unsigned.SigningAddress,
			grant.DelegateKeyID)
	}

	// The member's grant allowance was decremented.
	limit, err := FetchLimit(ctx, dbConn, grant.ID, usdc.Hex())
	if err != nil {
		t.Fatalf("Failed to fetch limit : %s", err)
	}
	if limit.Remaining != "300" {
		t.Fatalf("Wrong remaining : got %s, want 300", limit.Remaining)
	}

	// The release is recorded on the payout.
	released, err := FetchPayout(ctx, dbConn, result.Payout.ID)
	if err != nil {
		t.Fatalf("Failed to fetch payout : %s", err)
	}
	if released.ReleasedBy != member.ID {
		t.Fatalf("Wrong releaser : got %s, want %s", released.ReleasedBy, member.ID)
	}
	if len(released.ReleaseReceiptID) == 0 {
		t.Fatalf("Expected a release receipt")
	}

	// A client retry must not spend the grant again.
	if _, err := engine.Release(ctx, dbConn, result.Payout.ID,
		member.ID); errors.Cause(err) != ErrPayoutNotReleasable {
		t.Fatalf("Expected payout not releasable on repeat : got %v", err)
	}

	limit, err = FetchLimit(ctx, dbConn, grant.ID, usdc.Hex())
	if err != nil {
		t.Fatalf("Failed to fetch limit : %s", err)
	}
	if limit.Remaining != "300" {
		t.Fatalf("Repeat release spent the grant : got %s, want 300", limit.Remaining)
	}

	// Removed members are locked out immediately.
	if err := RemoveMember(ctx, dbConn, org.ID, member.ID); err != nil {
		t.Fatalf("Failed to remove member : %s", err)
	}
	if _, err := engine.Release(ctx, dbConn, result.Payout.ID,
		member.ID); errors.Cause(err) != ErrNotAuthorized {
		t.Fatalf("Expected not authorized after removal : got %v", err)
	}
}

func TestReleaseWrongState(t *testing.T) {
	ctx := tests.Context()
	test := tests.New()
	defer test.TearDown()

	dbConn := test.MasterDB.Copy()
	defer dbConn.Close()

	engine := newTestEngine(test, newMockChain(), &mockBuilder{address: delegateAddress},
		&recordingNotifier{})

	payer, _ := createTestUser(t, ctx, dbConn, "payer")
	recipient, _ := createTestUser(t, ctx, dbConn, "recipient")

	result, err := engine.CreatePayout(ctx, dbConn, &CreateRequest{
		Source:           SourceRef{Type: SourceDirect, ID: "tip-1"},
		Payer:            PersonalPayer(payer.ID),
		RecipientAddress: common.HexToAddress(recipient.WalletAddress),
		Amount:           big.NewInt(10),
		Token:            usdc,
	})
	if err != nil {
		t.Fatalf("Failed to create payout : %s", err)
	}

	if _, err := engine.Release(ctx, dbConn, result.Payout.ID,
		payer.ID); errors.Cause(err) != ErrPayoutNotReleasable {
		t.Fatalf("Expected payout not releasable : got %v", err)
	}
}
