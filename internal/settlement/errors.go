package settlement

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind buckets every engine error into the taxonomy clients handle
// uniformly. Authorization and claim errors are terminal for the caller,
// allowance errors invite a new grant, settlement errors are retryable
// through the manual-sign fallback, confirmation errors are terminal for the
// payout.
type ErrorKind int

const (
	KindAuthorization ErrorKind = iota
	KindAllowance
	KindSettlement
	KindConfirmation
	KindClaim
	KindRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindAllowance:
		return "allowance"
	case KindSettlement:
		return "settlement"
	case KindConfirmation:
		return "confirmation"
	case KindClaim:
		return "claim"
	case KindRequest:
		return "request"
	}
	return "unknown"
}

// Error is a structured engine error: a kind, a stable code, and a human
// message. Raw internal error text never crosses this boundary.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Detail  interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s : %s", e.Code, e.Message)
}

var (
	// ErrNotFound abstracts lookups for entities that don't exist.
	ErrNotFound = errors.New("Entity not found")

	ErrDuplicateActiveKey = &Error{
		Kind:    KindAuthorization,
		Code:    "duplicate_active_key",
		Message: "An active access key already exists for this owner, delegate and network",
	}

	ErrSignatureMismatch = &Error{
		Kind:    KindAuthorization,
		Code:    "signature_mismatch",
		Message: "Authorization signature does not match the canonical authorization message",
	}

	ErrDelegateIdentityMismatch = &Error{
		Kind:    KindAuthorization,
		Code:    "delegate_identity_mismatch",
		Message: "Delegate key does not match the expected signer for the target network",
	}

	ErrKeyNotActive = &Error{
		Kind:    KindAuthorization,
		Code:    "key_not_active",
		Message: "Access key is revoked, expired or otherwise not active",
	}

	ErrAlreadyRevoked = &Error{
		Kind:    KindAuthorization,
		Code:    "already_revoked",
		Message: "Access key is not active",
	}

	ErrNotAuthorized = &Error{
		Kind:    KindAuthorization,
		Code:    "not_authorized",
		Message: "Principal is not permitted to perform this action for the organization",
	}

	ErrContextMismatch = &Error{
		Kind:    KindAuthorization,
		Code:    "context_mismatch",
		Message: "Session context does not match the resource owner",
	}

	ErrInsufficientAllowance = &Error{
		Kind:    KindAllowance,
		Code:    "insufficient_allowance",
		Message: "Amount exceeds the remaining allowance for this token",
	}

	ErrBroadcastFailed = &Error{
		Kind:    KindSettlement,
		Code:    "broadcast_failed",
		Message: "Transaction broadcast failed",
	}

	ErrPayoutNotConfirmable = &Error{
		Kind:    KindConfirmation,
		Code:    "payout_not_confirmable",
		Message: "Payout is in a terminal state and cannot be confirmed with a different transaction",
	}

	ErrPayoutNotReleasable = &Error{
		Kind:    KindConfirmation,
		Code:    "payout_not_releasable",
		Message: "Payout is not awaiting release",
	}

	ErrInvalidClaimToken = &Error{
		Kind:    KindClaim,
		Code:    "invalid_token",
		Message: "Unknown claim token",
	}

	ErrClaimExpired = &Error{
		Kind:    KindClaim,
		Code:    "expired",
		Message: "Claim token has expired",
	}

	ErrIdentityMismatch = &Error{
		Kind:    KindClaim,
		Code:    "identity_mismatch",
		Message: "Claimant identity does not match the wallet owner",
	}

	ErrEmptyRejectNote = &Error{
		Kind:    KindRequest,
		Code:    "empty_note",
		Message: "Rejecting a submission requires a non-empty note",
	}
)

// AlreadyClaimedError is returned when a claim token was already used. The
// prior transfer hash is surfaced for transparency.
func AlreadyClaimedError(priorTxHash string) *Error {
	return &Error{
		Kind:    KindClaim,
		Code:    "already_claimed",
		Message: "Claim token has already been used",
		Detail:  map[string]string{"prior_tx_hash": priorTxHash},
	}
}

// AmbiguousSubmissionError is returned when a bounty approval cannot pick a
// submission on its own. Candidates force an explicit operator choice.
func AmbiguousSubmissionError(candidates []string) *Error {
	return &Error{
		Kind:    KindRequest,
		Code:    "ambiguous_submission",
		Message: "Multiple active submissions, a submission id must be supplied",
		Detail:  map[string][]string{"candidates": candidates},
	}
}

// ErrorCode extracts the stable code from an engine error, or empty.
func ErrorCode(err error) string {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}
	return ""
}
