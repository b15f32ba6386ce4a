package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alxayo/go-rts/internal/avs"
	"github.com/alxayo/go-rts/internal/logger"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	// Initialize global logger and set level based on flag
	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	agent, err := avs.New(avs.Config{
		APIURL:       cfg.apiURL,
		DatabasePath: cfg.databaseURL,
		DataPath:     cfg.dataPath,
		Description:  cfg.description,
		Address:      cfg.address,
	})
	if err != nil {
		log.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	log.Info("endpoint agent started",
		"uid", agent.Device().UID,
		"api_url", cfg.apiURL,
		"version", version)

	// Run until a shutdown signal lands; the agent owns the redial loop.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		if err := agent.Close(); err != nil {
			log.Error("agent close error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("agent stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
