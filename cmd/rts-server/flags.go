package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into the
// runtime configs so main.go can validate and map.
type cliConfig struct {
	databaseURL  string
	jwtSecret    string
	assetsDir    string
	baseURL      string
	webURL       string
	apiPort      uint
	streamPort   uint
	logLevel     string
	turnURL      string
	turnUsername string
	turnPassword string
	showVersion  bool
}

// envOr seeds a flag default from the environment. Flags win: they are
// parsed after the defaults are resolved.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrUint(key string, fallback uint) uint {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			return uint(n)
		}
	}
	return fallback
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("rts-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}

	fs.StringVar(&cfg.databaseURL, "database-url", envOr("DATABASE_URL", "devdata/db/rts.db"),
		"Database file path (\":memory:\" runs ephemeral)")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", envOr("JWT_SECRET", ""),
		"HS256 secret operator tokens are signed with")
	fs.StringVar(&cfg.assetsDir, "assets", envOr("API_ASSETS", "devdata/assets"),
		"Directory served under /assets/ on the API port")
	fs.StringVar(&cfg.baseURL, "base-url", envOr("BASE_URL", ""),
		"Public origin endpoints resolve relative record paths against (e.g. http://pa.example:1451)")
	fs.StringVar(&cfg.webURL, "web-url", envOr("WEB_URL", ""),
		"Operator console origin (informational)")
	fs.UintVar(&cfg.apiPort, "api-port", envOrUint("API_PORT", 1451),
		"HTTP port for assets, health and metrics")
	fs.UintVar(&cfg.streamPort, "stream-port", envOrUint("STREAM_PORT", 1452),
		"HTTP port upgrading /ws to message channels")
	fs.StringVar(&cfg.logLevel, "log-level", envOr("LOG_LEVEL", "info"),
		"Log level: debug|info|warn|error")
	fs.StringVar(&cfg.turnURL, "turn-url", envOr("TURN_URL", ""),
		"TURN relay URL handed to WebRTC peers (unset serves STUN-only)")
	fs.StringVar(&cfg.turnUsername, "turn-username", envOr("TURN_USERNAME", ""),
		"TURN relay username")
	fs.StringVar(&cfg.turnPassword, "turn-password", envOr("TURN_PASSWORD", ""),
		"TURN relay password")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	if cfg.apiPort == 0 || cfg.apiPort > 65535 {
		return nil, errors.New("api-port must be between 1 and 65535")
	}
	if cfg.streamPort == 0 || cfg.streamPort > 65535 {
		return nil, errors.New("stream-port must be between 1 and 65535")
	}
	if cfg.apiPort == cfg.streamPort {
		return nil, errors.New("api-port and stream-port must differ")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if cfg.jwtSecret == "" {
		return nil, errors.New("jwt-secret (or JWT_SECRET) is required")
	}
	if cfg.turnURL != "" && (cfg.turnUsername == "" || cfg.turnPassword == "") {
		return nil, errors.New("turn-url requires turn-username and turn-password")
	}

	return cfg, nil
}
