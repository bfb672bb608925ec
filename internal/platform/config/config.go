package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is used to hold all runtime configuration.
type Config struct {
	Settlement struct {
		// Hex encoded private key for the backend delegate signer. Its
		// address is the only delegate identity access keys may authorize.
		DelegateKey string `envconfig:"DELEGATE_KEY" json:"DELEGATE_KEY" masked:"true"`

		ChainID  uint64 `default:"8453" envconfig:"CHAIN_ID" json:"CHAIN_ID"`
		ChainRPC string `default:"http://127.0.0.1:8545" envconfig:"CHAIN_RPC" json:"CHAIN_RPC"`

		// How long custodial claim tokens stay valid.
		ClaimExpiryDays int `default:"365" envconfig:"CLAIM_EXPIRY_DAYS" json:"CLAIM_EXPIRY_DAYS"`

		// Upper bound on the synchronous confirmation wait in seconds.
		MaxConfirmWait int `default:"60" envconfig:"MAX_CONFIRM_WAIT" json:"MAX_CONFIRM_WAIT"`
	}
	Web struct {
		RootURL         string        `envconfig:"ROOT_URL" json:"ROOT_URL"`
		APIHost         string        `default:"0.0.0.0:8080" envconfig:"API_HOST" json:"API_HOST"`
		ReadTimeout     time.Duration `default:"5s" envconfig:"READ_TIMEOUT" json:"READ_TIMEOUT"`
		WriteTimeout    time.Duration `default:"65s" envconfig:"WRITE_TIMEOUT" json:"WRITE_TIMEOUT"`
		ShutdownTimeout time.Duration `default:"5s" envconfig:"SHUTDOWN_TIMEOUT" json:"SHUTDOWN_TIMEOUT"`
		IsTest          bool          `default:"true" envconfig:"IS_TEST" json:"IS_TEST"`
	}
	Db struct {
		Driver string `default:"postgres" envconfig:"DB_DRIVER" json:"DB_DRIVER"`
		URL    string `default:"user=foo dbname=bar sslmode=disable" envconfig:"DB_URL" json:"DB_URL"`
	}
	Storage struct {
		Region    string `default:"ap-southeast-2" envconfig:"STORAGE_REGION" json:"STORAGE_REGION"`
		AccessKey string `envconfig:"STORAGE_ACCESS_KEY" json:"STORAGE_ACCESS_KEY" masked:"true"`
		Secret    string `envconfig:"STORAGE_SECRET" json:"STORAGE_SECRET" masked:"true"`
		Bucket    string `default:"standalone" envconfig:"STORAGE_BUCKET" json:"STORAGE_BUCKET"`
		Root      string `default:"./tmp" envconfig:"STORAGE_ROOT" json:"STORAGE_ROOT"`
	}
	Redis struct {
		// Empty address selects the in-process locker. Single instance
		// deploys only; anything multi-instance needs redis so auto-sign
		// serialization holds across instances.
		Addr string `envconfig:"REDIS_ADDR" json:"REDIS_ADDR"`
		DB   int    `default:"0" envconfig:"REDIS_DB" json:"REDIS_DB"`
	}
}

// Environment returns configuration sourced from environment variables
func Environment() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("API", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
