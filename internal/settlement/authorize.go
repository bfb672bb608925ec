package settlement

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// authorizationPrefix versions the canonical authorization message. Bumping
// it invalidates every outstanding signature, so it only changes with the
// encoding.
const authorizationPrefix = "forgepay.access-key.v1\n"

// LimitInput is one token allowance in an authorization request.
type LimitInput struct {
	Token  common.Address
	Amount *big.Int
}

// AuthorizationRequest is the owner supplied input to Authorize. The
// signature covers the canonical encoding of the other fields; the server
// re-derives the digest and never trusts a caller supplied hash.
type AuthorizationRequest struct {
	DelegateKeyID common.Address
	ChainID       uint64
	KeyType       KeyType
	Expiry        *time.Time
	Limits        []LimitInput
	Signature     []byte

	// WebAuthn assertion envelope. Empty for other key types.
	AuthenticatorData []byte
	ClientDataJSON    []byte
}

// CanonicalAuthorizationMessage deterministically encodes the authorized
// tuple. Limits are sorted by token address so the same authorization always
// hashes identically regardless of caller map ordering.
func CanonicalAuthorizationMessage(chainID uint64, keyType KeyType, delegate common.Address,
	expiry *time.Time, limits []LimitInput) []byte {

	sorted := make([]LimitInput, len(limits))
	copy(sorted, limits)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Token.Cmp(sorted[j].Token) < 0
	})

	msg := make([]byte, 0, len(authorizationPrefix)+37+len(sorted)*52)
	msg = append(msg, []byte(authorizationPrefix)...)
	msg = binary.BigEndian.AppendUint64(msg, chainID)
	msg = append(msg, byte(keyType))
	msg = append(msg, delegate.Bytes()...)

	var expiryUnix uint64
	if expiry != nil {
		expiryUnix = uint64(expiry.Unix())
	}
	msg = binary.BigEndian.AppendUint64(msg, expiryUnix)

	msg = binary.BigEndian.AppendUint32(msg, uint32(len(sorted)))
	for _, l := range sorted {
		msg = append(msg, l.Token.Bytes()...)

		var amount [32]byte
		l.Amount.FillBytes(amount[:])
		msg = append(msg, amount[:]...)
	}

	return msg
}

// AuthorizationDigest hashes the canonical message.
func AuthorizationDigest(chainID uint64, keyType KeyType, delegate common.Address,
	expiry *time.Time, limits []LimitInput) common.Hash {

	return common.BytesToHash(crypto.Keccak256(CanonicalAuthorizationMessage(chainID, keyType,
		delegate, expiry, limits)))
}

// VerifyRootSignature checks that the owner's root credential signed the
// digest. The credential is a 0x address for secp256k1 owners and a hex
// encoded public key for P256 and WebAuthn owners.
func VerifyRootSignature(digest common.Hash, req *AuthorizationRequest,
	rootCredential string) error {

	switch req.KeyType {
	case KeyTypeSecp256k1:
		return verifySecp256k1(digest, req.Signature, rootCredential)
	case KeyTypeP256:
		return verifyP256(digest.Bytes(), req.Signature, rootCredential)
	case KeyTypeWebAuthn:
		return verifyWebAuthn(digest, req, rootCredential)
	}

	return ErrSignatureMismatch
}

func verifySecp256k1(digest common.Hash, sig []byte, rootCredential string) error {
	if !common.IsHexAddress(rootCredential) {
		return errors.Wrap(ErrSignatureMismatch, "root credential is not an address")
	}
	rootAddress := common.HexToAddress(rootCredential)

	if len(sig) != 65 {
		return errors.Wrap(ErrSignatureMismatch, "signature length")
	}

	// Accept both 27/28 and 0/1 recovery ids.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), recovery)
	if err != nil {
		return errors.Wrap(ErrSignatureMismatch, err.Error())
	}

	if crypto.PubkeyToAddress(*pub) != rootAddress {
		return ErrSignatureMismatch
	}

	return nil
}

func verifyP256(signed, sig []byte, rootCredential string) error {
	pub, err := parseP256Credential(rootCredential)
	if err != nil {
		return err
	}

	if !ecdsa.VerifyASN1(pub, signed, sig) {
		return ErrSignatureMismatch
	}

	return nil
}

// clientData is the subset of the WebAuthn client data we bind against.
type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

func verifyWebAuthn(digest common.Hash, req *AuthorizationRequest, rootCredential string) error {
	if len(req.AuthenticatorData) == 0 || len(req.ClientDataJSON) == 0 {
		return errors.Wrap(ErrSignatureMismatch, "missing webauthn assertion envelope")
	}

	var cd clientData
	if err := json.Unmarshal(req.ClientDataJSON, &cd); err != nil {
		return errors.Wrap(ErrSignatureMismatch, "client data json")
	}

	if cd.Type != "webauthn.get" {
		return errors.Wrap(ErrSignatureMismatch, "client data type")
	}

	// The authorization digest must be the assertion challenge, otherwise
	// the assertion signs something else entirely.
	if cd.Challenge != base64.RawURLEncoding.EncodeToString(digest.Bytes()) {
		return errors.Wrap(ErrSignatureMismatch, "challenge binding")
	}

	clientDataHash := sha256.Sum256(req.ClientDataJSON)
	signed := sha256.Sum256(append(append([]byte{}, req.AuthenticatorData...),
		clientDataHash[:]...))

	return verifyP256(signed[:], req.Signature, rootCredential)
}

func parseP256Credential(rootCredential string) (*ecdsa.PublicKey, error) {
	b, err := hexutil.Decode(rootCredential)
	if err != nil {
		return nil, errors.Wrap(ErrSignatureMismatch, "root credential encoding")
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), b)
	if x == nil {
		return nil, errors.Wrap(ErrSignatureMismatch, "root credential point")
	}

	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
