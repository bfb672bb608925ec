package handlers

import (
	"net/http"

	"github.com/forgepay/settlement/internal/platform/web"
	"github.com/forgepay/settlement/internal/settlement"

	"github.com/pkg/errors"
)

// statusForError maps stable engine error codes to HTTP statuses. Unlisted
// codes fall back to a status picked by the error kind.
var statusForError = map[string]int{
	"duplicate_active_key":       http.StatusConflict,
	"signature_mismatch":         http.StatusUnauthorized,
	"delegate_identity_mismatch": http.StatusBadRequest,
	"key_not_active":             http.StatusConflict,
	"already_revoked":            http.StatusConflict,
	"not_authorized":             http.StatusForbidden,
	"context_mismatch":           http.StatusForbidden,
	"insufficient_allowance":     http.StatusPaymentRequired,
	"broadcast_failed":           http.StatusBadGateway,
	"payout_not_confirmable":     http.StatusConflict,
	"payout_not_releasable":      http.StatusConflict,
	"invalid_token":              http.StatusNotFound,
	"expired":                    http.StatusGone,
	"already_claimed":            http.StatusConflict,
	"identity_mismatch":          http.StatusForbidden,
	"ambiguous_submission":       http.StatusConflict,
	"empty_note":                 http.StatusBadRequest,
}

// translate converts engine errors into web responses so clients see stable
// codes instead of internal error text. Anything unrecognized passes through
// and surfaces as an internal error.
func translate(err error) error {
	if err == nil {
		return nil
	}

	cause := errors.Cause(err)

	if cause == settlement.ErrNotFound {
		return web.ErrNotFound
	}

	if e, ok := cause.(*settlement.Error); ok {
		status, ok := statusForError[e.Code]
		if !ok {
			switch e.Kind {
			case settlement.KindAuthorization, settlement.KindClaim:
				status = http.StatusForbidden
			case settlement.KindAllowance, settlement.KindRequest:
				status = http.StatusBadRequest
			default:
				status = http.StatusConflict
			}
		}

		return &web.ErrorResponse{
			Status:  status,
			Code:    e.Code,
			Message: e.Message,
			Detail:  e.Detail,
		}
	}

	return err
}
