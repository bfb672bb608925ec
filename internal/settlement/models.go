package settlement

import (
	"time"
)

// KeyType identifies the cryptography of an owner's root credential.
type KeyType uint8

const (
	KeyTypeSecp256k1 KeyType = 0
	KeyTypeP256      KeyType = 1
	KeyTypeWebAuthn  KeyType = 2
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeSecp256k1:
		return "secp256k1"
	case KeyTypeP256:
		return "P256"
	case KeyTypeWebAuthn:
		return "WebAuthn"
	}
	return "unknown"
}

// Valid reports whether the key type is one we know how to verify.
func (t KeyType) Valid() bool {
	return t <= KeyTypeWebAuthn
}

// PayerKind tags the variant of a PayerRef.
type PayerKind string

const (
	PayerUser         PayerKind = "user"
	PayerOrganization PayerKind = "org"
)

// PayerRef is a tagged reference to the principal funding a payout: a
// personal user or an organization treasury, never both. Branching on Kind
// keeps both arms explicit instead of hiding them in nullable fields.
type PayerRef struct {
	Kind PayerKind
	ID   string
}

// PersonalPayer references a user paying from their own funds.
func PersonalPayer(userID string) PayerRef {
	return PayerRef{Kind: PayerUser, ID: userID}
}

// OrganizationPayer references an organization treasury.
func OrganizationPayer(orgID string) PayerRef {
	return PayerRef{Kind: PayerOrganization, ID: orgID}
}

func (p PayerRef) IsOrganization() bool {
	return p.Kind == PayerOrganization
}

// Entity statuses.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
	KeyStatusExpired = "expired"

	PayoutStatusCreated         = "created"
	PayoutStatusAwaitingRelease = "awaiting_release"
	PayoutStatusPending         = "pending"
	PayoutStatusConfirmed       = "confirmed"
	PayoutStatusFailed          = "failed"

	WalletStatusPending = "pending"
	WalletStatusClaimed = "claimed"

	BountyStatusOpen     = "open"
	BountyStatusApproved = "approved"
	BountyStatusClosed   = "closed"

	SubmissionStatusActive   = "active"
	SubmissionStatusApproved = "approved"
	SubmissionStatusRejected = "rejected"
)

// IsLive is the one expiry predicate shared by access keys, spending grants
// and custodial claim tokens. A nil expiry never expires. Expiry is always
// evaluated lazily at use time; there is no background sweep.
func IsLive(expiry *time.Time, now time.Time) bool {
	if expiry == nil {
		return true
	}
	return !now.After(*expiry)
}

// AccessKey is a bounded, revocable delegated signing authorization. A row
// with GranteeUserID set is an organization spending grant: the same
// authorization, scoped to a team member acting on the org treasury.
type AccessKey struct {
	ID                string     `db:"id" json:"id"`
	OwnerType         PayerKind  `db:"owner_type" json:"owner_type"`
	OwnerID           string     `db:"owner_id" json:"owner_id"`
	GranteeUserID     string     `db:"grantee_user_id" json:"grantee_user_id,omitempty"`
	DelegateKeyID     string     `db:"delegate_key_id" json:"delegate_key_id"`
	ChainID           uint64     `db:"chain_id" json:"chain_id"`
	KeyType           KeyType    `db:"key_type" json:"key_type"`
	Expiry            *time.Time `db:"expiry" json:"expiry,omitempty"`
	Status            string     `db:"status" json:"status"`
	AuthorizationSig  string     `db:"authorization_sig" json:"-"`
	AuthorizationHash string     `db:"authorization_hash" json:"authorization_hash"`
	RevokeReason      string     `db:"revoke_reason" json:"revoke_reason,omitempty"`
	DateCreated       time.Time  `db:"date_created" json:"date_created"`
	DateModified      time.Time  `db:"date_modified" json:"date_modified"`
}

// Owner returns the key owner as a payer reference.
func (k *AccessKey) Owner() PayerRef {
	return PayerRef{Kind: k.OwnerType, ID: k.OwnerID}
}

// IsGrant reports whether this key is an organization spending grant.
func (k *AccessKey) IsGrant() bool {
	return len(k.GranteeUserID) > 0
}

// TokenLimit is the per-token allowance row for an access key. Amounts are
// canonical decimal strings; remaining never exceeds initial and never goes
// negative.
type TokenLimit struct {
	KeyID         string `db:"key_id" json:"-"`
	TokenAddress  string `db:"token_address" json:"token_address"`
	InitialAmount string `db:"initial_amount" json:"initial"`
	Remaining     string `db:"remaining" json:"remaining"`
}

// UseReceipt records a single allowance decrement. Aborted auto-sign
// attempts keep their receipt with Compensated=false until reconciled.
type UseReceipt struct {
	ID           string    `db:"id" json:"id"`
	KeyID        string    `db:"key_id" json:"key_id"`
	TokenAddress string    `db:"token_address" json:"token_address"`
	Amount       string    `db:"amount" json:"amount"`
	Compensated  bool      `db:"compensated" json:"compensated"`
	DateCreated  time.Time `db:"date_created" json:"date_created"`
}

// Payout is one settlement obligation. Amount is immutable after creation;
// only status and chain observation fields mutate.
type Payout struct {
	ID               string     `db:"id" json:"id"`
	SourceType       string     `db:"source_type" json:"source_type"`
	SourceID         string     `db:"source_id" json:"source_id"`
	PayerType        PayerKind  `db:"payer_type" json:"payer_type"`
	PayerID          string     `db:"payer_id" json:"payer_id"`
	RecipientAddress string     `db:"recipient_address" json:"recipient_address"`
	RecipientUserID  string     `db:"recipient_user_id" json:"recipient_user_id,omitempty"`
	Custodial        bool       `db:"custodial" json:"custodial"`
	Amount           string     `db:"amount" json:"amount"`
	TokenAddress     string     `db:"token_address" json:"token_address"`
	Memo             string     `db:"memo" json:"memo,omitempty"`
	ChainID          uint64     `db:"chain_id" json:"chain_id"`
	Status           string     `db:"status" json:"status"`
	TxHash           string     `db:"tx_hash" json:"tx_hash,omitempty"`
	BlockNumber      uint64     `db:"block_number" json:"block_number,omitempty"`
	ConfirmedAt      *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ReleasedBy       string     `db:"released_by" json:"released_by,omitempty"`
	ReleaseReceiptID string     `db:"release_receipt_id" json:"-"`
	ErrorMessage     string     `db:"error_message" json:"error_message,omitempty"`
	DateCreated      time.Time  `db:"date_created" json:"date_created"`
	DateModified     time.Time  `db:"date_modified" json:"date_modified"`
}

// Payer returns the funding principal as a payer reference.
func (p *Payout) Payer() PayerRef {
	return PayerRef{Kind: p.PayerType, ID: p.PayerID}
}

// CustodialWallet escrows funds for a recipient who has not onboarded yet,
// keyed by their external (GitHub) identity.
type CustodialWallet struct {
	ID                 string    `db:"id" json:"id"`
	ExternalIdentityID string    `db:"external_identity_id" json:"external_identity_id"`
	ChainID            uint64    `db:"chain_id" json:"chain_id"`
	Address            string    `db:"address" json:"address"`
	ClaimToken         string    `db:"claim_token" json:"-"`
	ClaimExpiresAt     time.Time `db:"claim_expires_at" json:"claim_expires_at"`
	Status             string    `db:"status" json:"status"`
	TransferredTo      string    `db:"transferred_to" json:"transferred_to,omitempty"`
	TransferTxHash     string    `db:"transfer_tx_hash" json:"transfer_tx_hash,omitempty"`
	DateCreated        time.Time `db:"date_created" json:"date_created"`
	DateModified       time.Time `db:"date_modified" json:"date_modified"`
}

// User is a registered principal. RootCredential is the root cryptographic
// identity used to authorize access keys: a 0x address for secp256k1 owners,
// a hex encoded public key for P256/WebAuthn owners.
type User struct {
	ID             string    `db:"id" json:"id"`
	GithubID       string    `db:"github_id" json:"github_id"`
	WalletAddress  string    `db:"wallet_address" json:"wallet_address,omitempty"`
	RootCredential string    `db:"root_credential" json:"-"`
	DateCreated    time.Time `db:"date_created" json:"date_created"`
	DateModified   time.Time `db:"date_modified" json:"date_modified"`
}

// Organization owns a treasury. Only the holder of RootCredential can
// authorize spending grants against it.
type Organization struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	RootCredential  string    `db:"root_credential" json:"-"`
	TreasuryAddress string    `db:"treasury_address" json:"treasury_address"`
	DateCreated     time.Time `db:"date_created" json:"date_created"`
	DateModified    time.Time `db:"date_modified" json:"date_modified"`
}

// Member is an organization membership row. Membership is queried live on
// every guarded action, never cached.
type Member struct {
	OrgID     string    `db:"org_id" json:"org_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Role      string    `db:"role" json:"role"`
	DateAdded time.Time `db:"date_added" json:"date_added"`
}

// Bounty is a funded GitHub issue.
type Bounty struct {
	ID           string    `db:"id" json:"id"`
	OrgID        string    `db:"org_id" json:"org_id,omitempty"`
	FunderUserID string    `db:"funder_user_id" json:"funder_user_id,omitempty"`
	IssueRef     string    `db:"issue_ref" json:"issue_ref"`
	TokenAddress string    `db:"token_address" json:"token_address"`
	Amount       string    `db:"amount" json:"amount"`
	Status       string    `db:"status" json:"status"`
	DateCreated  time.Time `db:"date_created" json:"date_created"`
	DateModified time.Time `db:"date_modified" json:"date_modified"`
}

// Payer returns the bounty funder as a payer reference.
func (b *Bounty) Payer() PayerRef {
	if len(b.OrgID) > 0 {
		return OrganizationPayer(b.OrgID)
	}
	return PersonalPayer(b.FunderUserID)
}

// Submission is one contributor's competing work for a bounty. At most one
// active submission exists per contributor per bounty.
type Submission struct {
	ID                string    `db:"id" json:"id"`
	BountyID          string    `db:"bounty_id" json:"bounty_id"`
	ContributorUserID string    `db:"contributor_user_id" json:"contributor_user_id"`
	Status            string    `db:"status" json:"status"`
	Note              string    `db:"note" json:"note,omitempty"`
	DateCreated       time.Time `db:"date_created" json:"date_created"`
	DateModified      time.Time `db:"date_modified" json:"date_modified"`
}
