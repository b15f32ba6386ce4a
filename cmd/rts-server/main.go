package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alxayo/go-rts/internal/auth"
	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/handler"
	"github.com/alxayo/go-rts/internal/rts/registry"
	srv "github.com/alxayo/go-rts/internal/rts/server"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/sfu"
	"github.com/alxayo/go-rts/internal/store"
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

	repo, err := store.Open(cfg.databaseURL)
	if err != nil {
		log.Error("failed to open database", "path", cfg.databaseURL, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	turn := wire.Turn{URL: cfg.turnURL, Username: cfg.turnUsername, Password: cfg.turnPassword}
	engine, err := sfu.New(turn)
	if err != nil {
		log.Error("failed to build webrtc engine", "error", err)
		os.Exit(1)
	}

	d := handler.New(handler.Deps{
		Store:    repo,
		Registry: registry.New(),
		Engine:   engine,
		Verifier: auth.NewVerifier(cfg.jwtSecret, repo),
		Turn:     turn,
		Origin:   handler.Origin(cfg.baseURL),
	})

	server := srv.New(srv.Config{
		StreamAddr: fmt.Sprintf(":%d", cfg.streamPort),
		APIAddr:    fmt.Sprintf(":%d", cfg.apiPort),
		AssetsDir:  cfg.assetsDir,
	}, d)

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started",
		"stream_addr", server.StreamAddr().String(),
		"api_addr", server.APIAddr().String(),
		"base_url", cfg.baseURL,
		"web_url", cfg.webURL,
		"version", version)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
