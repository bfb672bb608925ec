package settlement

import (
	"context"
	"math/big"

	"github.com/forgepay/settlement/internal/platform/db"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// The spending limit ledger. remaining is mutated only through conditional
// updates comparing the previously read value, so two concurrent uses can
// never over-spend a limit even across service instances. The arithmetic
// happens on big.Int in Go; the database only ever sees canonical decimal
// strings compared by equality.

// casAttempts bounds the optimistic retry loop. Contention on a single key's
// token limit is already serialized by the per-payer auto-sign lock, so
// conflicts here are rare.
const casAttempts = 5

const limitColumns = `
		l.key_id,
		l.token_address,
		l.initial_amount,
		l.remaining`

// InsertLimits writes the initial allowance rows for a new access key.
func InsertLimits(ctx context.Context, dbConn *db.DB, keyID string, limits []LimitInput) error {
	sql := `INSERT
		INTO access_key_limits (
			key_id,
			token_address,
			initial_amount,
			remaining
		)
		VALUES (?, ?, ?, ?)`

	for _, l := range limits {
		if l.Amount.Sign() < 0 {
			return errors.Errorf("negative limit for %s", l.Token.Hex())
		}

		amount := FormatAmount(l.Amount)
		if err := dbConn.Execute(ctx, sql, keyID, l.Token.Hex(), amount, amount); err != nil {
			return errors.Wrap(err, "insert limit")
		}
	}

	return nil
}

// FetchLimits returns all allowance rows for a key.
func FetchLimits(ctx context.Context, dbConn *db.DB, keyID string) ([]TokenLimit, error) {
	sql := `SELECT ` + limitColumns + `
		FROM
			access_key_limits l
		WHERE
			l.key_id = ?
		ORDER BY l.token_address`

	limits := []TokenLimit{}
	if err := dbConn.Select(ctx, &limits, sql, keyID); err != nil {
		return nil, err
	}
	return limits, nil
}

// FetchLimit returns the allowance row for one token.
func FetchLimit(ctx context.Context, dbConn *db.DB, keyID, token string) (TokenLimit, error) {
	sql := `SELECT ` + limitColumns + `
		FROM
			access_key_limits l
		WHERE
			l.key_id = ?
			AND l.token_address = ?`

	limit := TokenLimit{}
	err := dbConn.Get(ctx, &limit, sql, keyID, token)
	if err == db.ErrNotFound {
		return limit, errors.Wrap(ErrInsufficientAllowance, "no allowance for token")
	}
	return limit, err
}

// DecrementAllowance atomically spends amount from the key's remaining
// allowance for token. Returns the remaining allowance after the decrement.
// Fails ErrInsufficientAllowance without mutating anything when the
// remaining allowance is too small.
func DecrementAllowance(ctx context.Context, dbConn *db.DB, keyID, token string,
	amount *big.Int) (*big.Int, error) {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.DecrementAllowance")
	defer span.End()

	sql := `UPDATE access_key_limits
		SET remaining = ?
		WHERE
			key_id = ?
			AND token_address = ?
			AND remaining = ?`

	for attempt := 0; attempt < casAttempts; attempt++ {
		limit, err := FetchLimit(ctx, dbConn, keyID, token)
		if err != nil {
			return nil, err
		}

		remaining, err := ParseAmount(limit.Remaining)
		if err != nil {
			return nil, errors.Wrap(err, "stored remaining")
		}

		if remaining.Cmp(amount) < 0 {
			return nil, ErrInsufficientAllowance
		}

		next := new(big.Int).Sub(remaining, amount)

		count, err := dbConn.ExecuteCount(ctx, sql,
			FormatAmount(next), keyID, token, limit.Remaining)
		if err != nil {
			return nil, errors.Wrap(err, "decrement")
		}

		if count == 1 {
			return next, nil
		}

		// Lost the race against a concurrent mutation, re-read and retry.
	}

	return nil, errors.Wrap(ErrInsufficientAllowance, "allowance contention")
}

// CreditAllowance compensates an aborted use by restoring amount, capped at
// the initial allowance so remaining can never exceed it.
func CreditAllowance(ctx context.Context, dbConn *db.DB, keyID, token string,
	amount *big.Int) error {

	ctx, span := trace.StartSpan(ctx, "internal.settlement.CreditAllowance")
	defer span.End()

	sql := `UPDATE access_key_limits
		SET remaining = ?
		WHERE
			key_id = ?
			AND token_address = ?
			AND remaining = ?`

	for attempt := 0; attempt < casAttempts; attempt++ {
		limit, err := FetchLimit(ctx, dbConn, keyID, token)
		if err != nil {
			return err
		}

		remaining, err := ParseAmount(limit.Remaining)
		if err != nil {
			return errors.Wrap(err, "stored remaining")
		}

		initial, err := ParseAmount(limit.InitialAmount)
		if err != nil {
			return errors.Wrap(err, "stored initial")
		}

		next := new(big.Int).Add(remaining, amount)
		if next.Cmp(initial) > 0 {
			next.Set(initial)
		}

		count, err := dbConn.ExecuteCount(ctx, sql,
			FormatAmount(next), keyID, token, limit.Remaining)
		if err != nil {
			return errors.Wrap(err, "credit")
		}

		if count == 1 {
			return nil
		}
	}

	return errors.New("credit contention")
}
