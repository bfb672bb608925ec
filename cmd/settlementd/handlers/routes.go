package handlers

import (
	"net/http"

	"github.com/forgepay/settlement/internal/mid"
	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/web"
	"github.com/forgepay/settlement/internal/settlement"
)

// API returns a handler for a set of routes.
func API(config *web.Config, masterDB *db.DB, authority *settlement.Authority,
	engine *settlement.Engine, vault *settlement.Vault, guard *settlement.TreasuryGuard,
	arbiter *settlement.Arbiter) http.Handler {

	app := web.New(config, mid.ErrorHandler, mid.CORS)

	// Register OPTIONS fallback handler for preflight requests.
	app.HandleOptions(mid.CORSHandler)

	kh := AccessKeys{
		Config:    config,
		MasterDB:  masterDB,
		Authority: authority,
		Guard:     guard,
	}
	app.Handle("POST", "/access_keys", kh.Authorize)
	app.Handle("GET", "/access_keys/:id", kh.Fetch)
	app.Handle("DELETE", "/access_keys/:id", kh.Revoke)

	ph := Payouts{
		Config:   config,
		MasterDB: masterDB,
		Engine:   engine,
		Vault:    vault,
		Guard:    guard,
	}
	app.Handle("POST", "/payouts", ph.Create)
	app.Handle("GET", "/payouts/:id", ph.Fetch)
	app.Handle("POST", "/payouts/:id/confirm", ph.Confirm)
	app.Handle("POST", "/payouts/:id/release", ph.Release)

	ch := Claims{
		Config:   config,
		MasterDB: masterDB,
		Vault:    vault,
	}
	app.Handle("GET", "/claims/:token", ch.Resolve)
	app.Handle("POST", "/claims/:token", ch.Execute)

	bh := Bounties{
		Config:   config,
		MasterDB: masterDB,
		Arbiter:  arbiter,
		Engine:   engine,
		Vault:    vault,
		Guard:    guard,
	}
	app.Handle("POST", "/bounties/:id/approve", bh.Approve)
	app.Handle("POST", "/bounties/:id/reject", bh.Reject)

	hh := Health{
		Config:   config,
		MasterDB: masterDB,
	}
	app.Handle("GET", "/health", hh.Health)

	return app
}
