// Package bootstrap wires the settlement daemon: database, chain client,
// delegate signer, custody, locking and the HTTP API.
package bootstrap

import (
	"context"
	"net/http"
	"time"

	"github.com/forgepay/settlement/cmd/settlementd/handlers"
	"github.com/forgepay/settlement/internal/chain"
	"github.com/forgepay/settlement/internal/custody"
	"github.com/forgepay/settlement/internal/locker"
	"github.com/forgepay/settlement/internal/platform/config"
	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/web"
	"github.com/forgepay/settlement/internal/settlement"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/tokenized/logger"
)

// Server is the assembled daemon.
type Server struct {
	API      *http.Server
	MasterDB *db.DB

	chainClient *chain.Client
	shutdown    time.Duration
}

// logNotifier is the default notification sink. Deployments with a webhook
// consumer replace it; the engine treats delivery as fire-and-forget either
// way.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, event settlement.Event) {
	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("event", event.Type),
		logger.String("payout_id", event.PayoutID),
	}, "Settlement event")
}

// Setup builds a runnable server from configuration.
func Setup(ctx context.Context, cfg *config.Config) (*Server, error) {

	// -------------------------------------------------------------------------
	// Database / Storage

	masterDB, err := db.New(
		&db.DBConfig{
			Driver: cfg.Db.Driver,
			URL:    cfg.Db.URL,
		},
		&db.StorageConfig{
			Bucket: cfg.Storage.Bucket,
			Root:   cfg.Storage.Root,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "register db")
	}

	if err := masterDB.EnsureSchema(ctx); err != nil {
		return nil, errors.Wrap(err, "ensure schema")
	}

	// -------------------------------------------------------------------------
	// Chain client and delegate signer

	chainClient, err := chain.NewClient(ctx, cfg.Settlement.ChainRPC, cfg.Settlement.ChainID)
	if err != nil {
		return nil, errors.Wrap(err, "chain client")
	}

	builder, err := chain.NewBuilder(cfg.Settlement.DelegateKey, chainClient)
	if err != nil {
		return nil, errors.Wrap(err, "delegate signer")
	}

	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("delegate_address", builder.Address().Hex()),
		logger.Uint64("chain_id", cfg.Settlement.ChainID),
	}, "Delegate signer ready")

	// -------------------------------------------------------------------------
	// Locking

	var locks settlement.Locker
	if len(cfg.Redis.Addr) > 0 {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "redis")
		}
		locks = locker.NewRedis(client, "settlement:")
	} else {
		// Single instance only. The exclusion does not hold across a fleet.
		locks = locker.NewMemory()
	}

	// -------------------------------------------------------------------------
	// Engine

	authority := &settlement.Authority{
		DelegateAddress: builder.Address(),
		ChainID:         cfg.Settlement.ChainID,
	}

	guard := &settlement.TreasuryGuard{}

	engine := &settlement.Engine{
		Authority: authority,
		Guard:     guard,
		Chain:     chainClient,
		Builder:   builder,
		Locks:     locks,
		Notifier:  logNotifier{},
		ChainID:   cfg.Settlement.ChainID,
	}

	vault := &settlement.Vault{
		Custody:     custody.NewProvider(masterDB.GetStorage(), chainClient),
		Chain:       chainClient,
		ChainID:     cfg.Settlement.ChainID,
		ClaimExpiry: time.Duration(cfg.Settlement.ClaimExpiryDays) * 24 * time.Hour,
	}

	arbiter := &settlement.Arbiter{Guard: guard}

	// -------------------------------------------------------------------------
	// API

	webConfig := &web.Config{
		RootURL:        cfg.Web.RootURL,
		ChainID:        cfg.Settlement.ChainID,
		IsTest:         cfg.Web.IsTest,
		MaxConfirmWait: cfg.Settlement.MaxConfirmWait,
	}

	webHandler := handlers.API(webConfig, masterDB, authority, engine, vault, guard, arbiter)

	api := &http.Server{
		Addr:           cfg.Web.APIHost,
		Handler:        webHandler,
		ReadTimeout:    cfg.Web.ReadTimeout,
		WriteTimeout:   cfg.Web.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	return &Server{
		API:         api,
		MasterDB:    masterDB,
		chainClient: chainClient,
		shutdown:    cfg.Web.ShutdownTimeout,
	}, nil
}

// Shutdown stops the API gracefully and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdown)
	defer cancel()

	err := s.API.Shutdown(ctx)
	if err != nil {
		if cerr := s.API.Close(); cerr != nil {
			err = cerr
		}
	}

	s.chainClient.Close()
	s.MasterDB.Close()
	return err
}
