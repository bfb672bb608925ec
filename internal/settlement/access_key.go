package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Authority issues, validates and revokes delegated signing authorizations.
type Authority struct {
	// DelegateAddress is the backend signer identity. Authorizations naming
	// any other delegate are rejected so a foreign signer can never be
	// granted spending authority.
	DelegateAddress common.Address

	// ChainID of the target network.
	ChainID uint64
}

const accessKeyColumns = `
		k.id,
		k.owner_type,
		k.owner_id,
		k.grantee_user_id,
		k.delegate_key_id,
		k.chain_id,
		k.key_type,
		k.expiry,
		k.status,
		k.authorization_sig,
		k.authorization_hash,
		k.revoke_reason,
		k.date_created,
		k.date_modified`

// Authorize validates a signed authorization and creates the access key. A
// non-empty granteeUserID makes the key an organization spending grant.
func (a *Authority) Authorize(ctx context.Context, dbConn *db.DB, owner PayerRef,
	granteeUserID string, req *AuthorizationRequest) (*AccessKey, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Authority.Authorize")
	defer span.End()

	if !req.KeyType.Valid() {
		return nil, errors.Wrap(ErrSignatureMismatch, "unknown key type")
	}

	if req.DelegateKeyID != a.DelegateAddress || req.ChainID != a.ChainID {
		return nil, ErrDelegateIdentityMismatch
	}

	for _, l := range req.Limits {
		if l.Amount == nil || l.Amount.Sign() < 0 {
			return nil, errors.Wrap(ErrSignatureMismatch, "invalid limit amount")
		}
	}

	rootCredential, err := fetchRootCredential(ctx, dbConn, owner)
	if err != nil {
		return nil, errors.Wrap(err, "fetch root credential")
	}

	// Re-derive the canonical message from the supplied fields. The caller
	// never gets to tell us what was signed.
	digest := AuthorizationDigest(req.ChainID, req.KeyType, req.DelegateKeyID, req.Expiry,
		req.Limits)

	if err := VerifyRootSignature(digest, req, rootCredential); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// Lazily expire any previously active key for the tuple before the
	// duplicate check, so a stale row doesn't block a fresh authorization.
	existing, err := FetchActiveKey(ctx, dbConn, owner, granteeUserID,
		req.DelegateKeyID.Hex(), req.ChainID, now)
	if err != nil && errors.Cause(err) != ErrNotFound {
		return nil, errors.Wrap(err, "fetch active key")
	}
	if existing != nil {
		return nil, ErrDuplicateActiveKey
	}

	key := &AccessKey{
		ID:                uuid.New().String(),
		OwnerType:         owner.Kind,
		OwnerID:           owner.ID,
		GranteeUserID:     granteeUserID,
		DelegateKeyID:     req.DelegateKeyID.Hex(),
		ChainID:           req.ChainID,
		KeyType:           req.KeyType,
		Expiry:            req.Expiry,
		Status:            KeyStatusActive,
		AuthorizationSig:  hexutil.Encode(req.Signature),
		AuthorizationHash: digest.Hex(),
		DateCreated:       now,
		DateModified:      now,
	}

	sql := `INSERT
		INTO access_keys (
			id,
			owner_type,
			owner_id,
			grantee_user_id,
			delegate_key_id,
			chain_id,
			key_type,
			expiry,
			status,
			authorization_sig,
			authorization_hash,
			revoke_reason,
			date_created,
			date_modified
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if err := dbConn.Execute(ctx, sql,
		key.ID,
		key.OwnerType,
		key.OwnerID,
		key.GranteeUserID,
		key.DelegateKeyID,
		key.ChainID,
		key.KeyType,
		key.Expiry,
		key.Status,
		key.AuthorizationSig,
		key.AuthorizationHash,
		key.RevokeReason,
		key.DateCreated,
		key.DateModified); err != nil {
		// A concurrent Authorize for the same tuple can slip past the fetch
		// above; the partial unique index settles the race.
		if db.IsUniqueViolation(err) {
			return nil, ErrDuplicateActiveKey
		}
		return nil, errors.Wrap(err, "insert access key")
	}

	if err := InsertLimits(ctx, dbConn, key.ID, req.Limits); err != nil {
		return nil, errors.Wrap(err, "insert limits")
	}

	// Archive the canonical signed message so the authorization is auditable
	// after the fact. Best effort; the signature also lives on the row.
	message := CanonicalAuthorizationMessage(req.ChainID, req.KeyType, req.DelegateKeyID,
		req.Expiry, req.Limits)
	archiveKey := fmt.Sprintf("authorizations/%s", key.ID)
	if err := dbConn.Put(ctx, archiveKey, append(message, req.Signature...)); err != nil {
		return nil, errors.Wrap(err, "archive authorization")
	}

	return key, nil
}

// Use spends amount of token against the key and returns a receipt for
// transaction building. The decrement commits before any external call;
// aborted attempts are compensated by the caller via CompensateReceipt.
func (a *Authority) Use(ctx context.Context, dbConn *db.DB, keyID, token string,
	amount *big.Int) (*UseReceipt, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.Authority.Use")
	defer span.End()

	now := time.Now().UTC()

	key, err := FetchKey(ctx, dbConn, keyID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch key")
	}

	if key.Status != KeyStatusActive {
		return nil, ErrKeyNotActive
	}

	if !IsLive(key.Expiry, now) {
		// Lazy expiry: flip the row on first observation, never resurrect.
		if err := markKeyExpired(ctx, dbConn, key.ID, now); err != nil {
			return nil, errors.Wrap(err, "mark expired")
		}
		return nil, ErrKeyNotActive
	}

	if _, err := DecrementAllowance(ctx, dbConn, key.ID, token, amount); err != nil {
		return nil, err
	}

	receipt := &UseReceipt{
		ID:           uuid.New().String(),
		KeyID:        key.ID,
		TokenAddress: token,
		Amount:       FormatAmount(amount),
		DateCreated:  now,
	}

	sql := `INSERT
		INTO access_key_receipts (
			id,
			key_id,
			token_address,
			amount,
			compensated,
			date_created
		)
		VALUES (?, ?, ?, ?, ?, ?)`

	if err := dbConn.Execute(ctx, sql,
		receipt.ID,
		receipt.KeyID,
		receipt.TokenAddress,
		receipt.Amount,
		receipt.Compensated,
		receipt.DateCreated); err != nil {
		return nil, errors.Wrap(err, "insert receipt")
	}

	return receipt, nil
}

// CompensateReceipt credits an aborted use back to the allowance and marks
// the receipt. Only used when the failure happened before anything reached
// the network; indeterminate failures stay provisionally consumed for
// operator reconciliation.
func (a *Authority) CompensateReceipt(ctx context.Context, dbConn *db.DB,
	receipt *UseReceipt) error {

	amount, err := ParseAmount(receipt.Amount)
	if err != nil {
		return errors.Wrap(err, "receipt amount")
	}

	if err := CreditAllowance(ctx, dbConn, receipt.KeyID, receipt.TokenAddress,
		amount); err != nil {
		return errors.Wrap(err, "credit")
	}

	sql := `UPDATE access_key_receipts
		SET compensated = ?
		WHERE id = ?`

	return dbConn.Execute(ctx, sql, true, receipt.ID)
}

// Revoke permanently deactivates a key. Revoking a key that is not active
// fails ErrAlreadyRevoked; revocation is always terminal.
func (a *Authority) Revoke(ctx context.Context, dbConn *db.DB, keyID, reason string) error {
	ctx, span := trace.StartSpan(ctx, "internal.settlement.Authority.Revoke")
	defer span.End()

	sql := `UPDATE access_keys
		SET status = ?, revoke_reason = ?, date_modified = ?
		WHERE
			id = ?
			AND status = ?`

	count, err := dbConn.ExecuteCount(ctx, sql, KeyStatusRevoked, reason, time.Now().UTC(),
		keyID, KeyStatusActive)
	if err != nil {
		return errors.Wrap(err, "revoke")
	}

	if count == 0 {
		if _, err := FetchKey(ctx, dbConn, keyID); err != nil {
			return errors.Wrap(err, "fetch key")
		}
		return ErrAlreadyRevoked
	}

	return nil
}

// FetchKey returns an access key by id.
func FetchKey(ctx context.Context, dbConn *db.DB, id string) (*AccessKey, error) {
	sql := `SELECT ` + accessKeyColumns + `
		FROM
			access_keys k
		WHERE
			k.id = ?`

	key := AccessKey{}
	if err := dbConn.Get(ctx, &key, sql, id); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

// FetchActiveKey returns the live access key for (owner, grantee, delegate,
// network), or ErrNotFound. A stored active row past its expiry is flipped
// to expired and not returned.
func FetchActiveKey(ctx context.Context, dbConn *db.DB, owner PayerRef, granteeUserID string,
	delegate string, chainID uint64, now time.Time) (*AccessKey, error) {

	sql := `SELECT ` + accessKeyColumns + `
		FROM
			access_keys k
		WHERE
			k.owner_type = ?
			AND k.owner_id = ?
			AND k.grantee_user_id = ?
			AND k.delegate_key_id = ?
			AND k.chain_id = ?
			AND k.status = ?`

	key := AccessKey{}
	if err := dbConn.Get(ctx, &key, sql, owner.Kind, owner.ID, granteeUserID, delegate,
		chainID, KeyStatusActive); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}

	if !IsLive(key.Expiry, now) {
		if err := markKeyExpired(ctx, dbConn, key.ID, now); err != nil {
			return nil, errors.Wrap(err, "mark expired")
		}
		return nil, ErrNotFound
	}

	return &key, nil
}

// FetchActiveGrant returns the live spending grant a user holds on an
// organization's treasury.
func FetchActiveGrant(ctx context.Context, dbConn *db.DB, orgID, granteeUserID string,
	chainID uint64, now time.Time) (*AccessKey, error) {

	sql := `SELECT ` + accessKeyColumns + `
		FROM
			access_keys k
		WHERE
			k.owner_type = ?
			AND k.owner_id = ?
			AND k.grantee_user_id = ?
			AND k.chain_id = ?
			AND k.status = ?`

	key := AccessKey{}
	if err := dbConn.Get(ctx, &key, sql, PayerOrganization, orgID, granteeUserID, chainID,
		KeyStatusActive); err != nil {
		if err == db.ErrNotFound {
			err = ErrNotFound
		}
		return nil, err
	}

	if !IsLive(key.Expiry, now) {
		if err := markKeyExpired(ctx, dbConn, key.ID, now); err != nil {
			return nil, errors.Wrap(err, "mark expired")
		}
		return nil, ErrNotFound
	}

	return &key, nil
}

func markKeyExpired(ctx context.Context, dbConn *db.DB, keyID string, now time.Time) error {
	sql := `UPDATE access_keys
		SET status = ?, date_modified = ?
		WHERE
			id = ?
			AND status = ?`

	return dbConn.Execute(ctx, sql, KeyStatusExpired, now, keyID, KeyStatusActive)
}

func fetchRootCredential(ctx context.Context, dbConn *db.DB, owner PayerRef) (string, error) {
	switch owner.Kind {
	case PayerUser:
		user, err := FetchUser(ctx, dbConn, owner.ID)
		if err != nil {
			return "", err
		}
		if len(user.RootCredential) > 0 {
			return user.RootCredential, nil
		}
		return user.WalletAddress, nil

	case PayerOrganization:
		org, err := FetchOrganization(ctx, dbConn, owner.ID)
		if err != nil {
			return "", err
		}
		return org.RootCredential, nil
	}

	return "", errors.Errorf("unknown payer kind %q", owner.Kind)
}
