package web

import (
	"context"
	"time"
)

// ctxKey represents the type of value for the context key.
type ctxKey int

// KeyValues is how request values or stored/retrieved.
const KeyValues ctxKey = 1

// Values represent state for each request.
type Values struct {
	TraceID    string
	Now        time.Time
	StatusCode int
	Error      bool
}

// chainKey is where the chain id value is stored.
const chainKey ctxKey = 2

// ContextChainID returns the chain id associated with the context.
func ContextChainID(ctx context.Context) uint64 {
	chainValue := ctx.Value(chainKey)
	if chainValue == nil {
		return 0
	}

	chainID, ok := chainValue.(uint64)
	if !ok {
		return 0
	}
	return chainID
}

// testKey is where the test mode value is stored.
const testKey ctxKey = 3

// ContextTestMode returns true if the test mode associated with the context is active.
func ContextTestMode(ctx context.Context) bool {
	testValue := ctx.Value(testKey)
	if testValue == nil {
		return true
	}

	test, ok := testValue.(bool)
	if !ok {
		return true
	}
	return test
}

func ContextWithValues(ctx context.Context, chainID uint64, isTest bool) context.Context {
	ctx = context.WithValue(ctx, chainKey, chainID)
	return context.WithValue(ctx, testKey, isTest)
}
