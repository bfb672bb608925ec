package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/forgepay/settlement/cmd/settlementd/bootstrap"
	"github.com/forgepay/settlement/internal/platform/config"

	tokenizedconfig "github.com/tokenized/config"
	"github.com/tokenized/logger"
)

func main() {

	// ---------------------------------------------------------------------------------------------
	// Logging

	logPath := os.Getenv("LOG_FILE_PATH")

	logConfig := logger.NewConfig(strings.ToUpper(os.Getenv("DEVELOPMENT")) == "TRUE",
		strings.ToUpper(os.Getenv("LOG_FORMAT")) == "TEXT", logPath)

	ctx := logger.ContextWithLogConfig(context.Background(), logConfig)

	// ---------------------------------------------------------------------------------------------
	// App Starting

	logger.Info(ctx, "main : Started : Application Initializing")
	defer logger.Info(ctx, "main : Completed")

	// ---------------------------------------------------------------------------------------------
	// Config

	cfg, err := config.Environment()
	if err != nil {
		logger.Fatal(ctx, "main : Parsing Config : %v", err)
	}

	// Mask sensitive values
	tokenizedconfig.DumpSafe(ctx, cfg)

	// ---------------------------------------------------------------------------------------------
	// Setup

	server, err := bootstrap.Setup(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "main : Setup : %v", err)
	}

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// Start the service listening for requests.
	go func() {
		logger.Info(ctx, "main : HTTP server Listening %s", server.API.Addr)
		serverErrors <- server.API.ListenAndServe()
	}()

	// ---------------------------------------------------------------------------------------------
	// Shutdown

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "main : Error starting server : %v", err)
		}

	case <-osSignals:
		logger.Info(ctx, "main : Start shutdown...")

		if err := server.Shutdown(ctx); err != nil {
			logger.Fatal(ctx, "main : Could not stop server : %v", err)
		}
	}
}
