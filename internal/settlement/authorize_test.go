package settlement

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

func TestCanonicalMessageOrdering(t *testing.T) {
	tokenA := usdc
	tokenB := delegateAddress // any other address works as a token for hashing

	limits := []LimitInput{
		{Token: tokenB, Amount: big.NewInt(5)},
		{Token: tokenA, Amount: big.NewInt(7)},
	}
	reversed := []LimitInput{
		{Token: tokenA, Amount: big.NewInt(7)},
		{Token: tokenB, Amount: big.NewInt(5)},
	}

	a := AuthorizationDigest(8453, KeyTypeSecp256k1, delegateAddress, nil, limits)
	b := AuthorizationDigest(8453, KeyTypeSecp256k1, delegateAddress, nil, reversed)

	if a != b {
		t.Fatalf("Digest depends on limit ordering")
	}

	// Changing any field changes the digest.
	c := AuthorizationDigest(1, KeyTypeSecp256k1, delegateAddress, nil, limits)
	if a == c {
		t.Fatalf("Digest ignores chain id")
	}

	expiry := time.Unix(1900000000, 0)
	d := AuthorizationDigest(8453, KeyTypeSecp256k1, delegateAddress, &expiry, limits)
	if a == d {
		t.Fatalf("Digest ignores expiry")
	}
}

func TestVerifyP256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate P256 key : %s", err)
	}

	credential := hexutil.Encode(elliptic.Marshal(elliptic.P256(), key.PublicKey.X,
		key.PublicKey.Y))

	digest := AuthorizationDigest(8453, KeyTypeP256, delegateAddress, nil,
		[]LimitInput{{Token: usdc, Amount: big.NewInt(10)}})

	sig, err := ecdsa.SignASN1(rand.Reader, key, digest.Bytes())
	if err != nil {
		t.Fatalf("Failed to sign : %s", err)
	}

	req := &AuthorizationRequest{
		DelegateKeyID: delegateAddress,
		ChainID:       8453,
		KeyType:       KeyTypeP256,
		Limits:        []LimitInput{{Token: usdc, Amount: big.NewInt(10)}},
		Signature:     sig,
	}

	if err := VerifyRootSignature(digest, req, credential); err != nil {
		t.Fatalf("Failed to verify P256 signature : %s", err)
	}

	// A signature over a different digest fails.
	other := AuthorizationDigest(8453, KeyTypeP256, delegateAddress, nil,
		[]LimitInput{{Token: usdc, Amount: big.NewInt(11)}})
	if err := VerifyRootSignature(other, req,
		credential); errors.Cause(err) != ErrSignatureMismatch {
		t.Fatalf("Expected signature mismatch : got %v", err)
	}
}

func TestVerifyWebAuthn(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate P256 key : %s", err)
	}

	credential := hexutil.Encode(elliptic.Marshal(elliptic.P256(), key.PublicKey.X,
		key.PublicKey.Y))

	limits := []LimitInput{{Token: usdc, Amount: big.NewInt(10)}}
	digest := AuthorizationDigest(8453, KeyTypeWebAuthn, delegateAddress, nil, limits)

	clientDataJSON, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": base64.RawURLEncoding.EncodeToString(digest.Bytes()),
		"origin":    "https://forgepay.example",
	})
	if err != nil {
		t.Fatalf("Failed to build client data : %s", err)
	}

	authenticatorData := make([]byte, 37)
	authenticatorData[32] = 0x01 // user present

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := sha256.Sum256(append(append([]byte{}, authenticatorData...),
		clientDataHash[:]...))

	sig, err := ecdsa.SignASN1(rand.Reader, key, signed[:])
	if err != nil {
		t.Fatalf("Failed to sign assertion : %s", err)
	}

	req := &AuthorizationRequest{
		DelegateKeyID:     delegateAddress,
		ChainID:           8453,
		KeyType:           KeyTypeWebAuthn,
		Limits:            limits,
		Signature:         sig,
		AuthenticatorData: authenticatorData,
		ClientDataJSON:    clientDataJSON,
	}

	if err := VerifyRootSignature(digest, req, credential); err != nil {
		t.Fatalf("Failed to verify WebAuthn assertion : %s", err)
	}

	// An assertion whose challenge binds a different digest is rejected even
	// with a valid signature.
	other := AuthorizationDigest(1, KeyTypeWebAuthn, delegateAddress, nil, limits)
	if err := VerifyRootSignature(other, req,
		credential); errors.Cause(err) != ErrSignatureMismatch {
		t.Fatalf("Expected signature mismatch on challenge binding : got %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	tt := []struct {
		s     string
		valid bool
	}{
		{"0", true},
		{"100", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", true},
		{"", false},
		{"007", false},
		{"-5", false},
		{"1.5", false},
		{"1e6", false},
		{"0x10", false},
	}

	for _, tc := range tt {
		v, err := ParseAmount(tc.s)
		if tc.valid {
			if err != nil {
				t.Fatalf("ParseAmount(%q) failed : %s", tc.s, err)
			}
			if FormatAmount(v) != tc.s {
				t.Fatalf("Round trip changed %q to %q", tc.s, FormatAmount(v))
			}
		} else if err == nil {
			t.Fatalf("ParseAmount(%q) accepted invalid input", tc.s)
		}
	}
}
