package tests

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/web"

	"github.com/google/uuid"
)

// Success and failure markers.
const (
	Success = "\u2713"
	Failed  = "\u2717"
)

// TestChainID is the network every test runs against.
const TestChainID uint64 = 8453

// Test owns state for running/shutting down tests.
type Test struct {
	Log       *log.Logger
	MasterDB  *db.DB
	WebConfig *web.Config
}

// New is the entry point for tests. Each call opens a fresh in-memory
// database so tests never share state with each other or with a real
// deployment.
func New() *Test {

	// =========================================================================
	// Logging

	log := log.New(os.Stdout, "TEST : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	// ============================================================
	// Start Database

	// Shared cache keeps every connection in the pool on the same in-memory
	// database for the lifetime of the test.
	url := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())

	masterDB, err := db.New(&db.DBConfig{
		Driver: "sqlite3",
		URL:    url,
	}, nil)
	if err != nil {
		log.Fatalf("main : Register DB : %v", err)
	}

	if err := masterDB.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("main : Ensure Schema : %v", err)
	}

	mockStorage := newMockStorage()
	masterDB.SetStorage(mockStorage)

	// ============================================================
	// Web Config

	webConfig := &web.Config{
		RootURL:        "http://localhost:8080",
		ChainID:        TestChainID,
		IsTest:         true,
		MaxConfirmWait: 1,
	}

	return &Test{log, masterDB, webConfig}
}

// TearDown is used for shutting down tests. Calling this should be
// done in a defer immediately after calling New.
func (t *Test) TearDown() {
	t.MasterDB.Close()
}

// Context returns an app level context for testing.
func Context() context.Context {
	values := web.Values{
		TraceID: uuid.New().String(),
		Now:     time.Now(),
	}

	ctx := context.WithValue(context.Background(), web.KeyValues, &values)

	return web.ContextWithValues(ctx, TestChainID, true)
}
