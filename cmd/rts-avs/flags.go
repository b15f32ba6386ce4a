package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into the
// agent config so main.go can validate and map.
type cliConfig struct {
	apiURL      string
	databaseURL string
	dataPath    string
	description string
	address     string
	logLevel    string
	showVersion bool
}

// envOr seeds a flag default from the environment. Flags win: they are
// parsed after the defaults are resolved.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("rts-avs", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}

	fs.StringVar(&cfg.apiURL, "api-url", envOr("API_URL", "ws://localhost:1452/ws"),
		"Coordinator websocket URL")
	fs.StringVar(&cfg.databaseURL, "database-url", envOr("DATABASE_URL", "devdata/db/rts-avs.db"),
		"Local database file path")
	fs.StringVar(&cfg.dataPath, "data-path", envOr("DATA_PATH", "devdata/assets"),
		"Record cache directory")
	fs.StringVar(&cfg.description, "description", envOr("DEVICE_DESCRIPTION", ""),
		"Device description registered at first run")
	fs.StringVar(&cfg.address, "address", envOr("DEVICE_ADDRESS", ""),
		"Device placement registered at first run")
	fs.StringVar(&cfg.logLevel, "log-level", envOr("LOG_LEVEL", "info"),
		"Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	if !strings.HasPrefix(cfg.apiURL, "ws://") && !strings.HasPrefix(cfg.apiURL, "wss://") {
		return nil, fmt.Errorf("api-url must be a ws:// or wss:// URL, got %q", cfg.apiURL)
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if cfg.databaseURL == "" {
		return nil, errors.New("database-url must not be empty")
	}
	if cfg.dataPath == "" {
		return nil, errors.New("data-path must not be empty")
	}

	return cfg, nil
}
