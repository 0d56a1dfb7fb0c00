// Package config loads server configuration from environment variables.
//
// Source selection:
//   - FLAG_SOURCE: "http", "postgres" or "file" (required).
//   - FLAG_SOURCE_URL, FLAG_SOURCE_TOKEN: document endpoint and optional
//     bearer token (http).
//   - DATABASE_URL, RUN_MIGRATIONS (default true), FLAG_NOTIFY_CHANNEL
//     (default "flag_changes") (postgres). The bundled migration's trigger
//     notifies "flag_changes", so another channel needs RUN_MIGRATIONS=false
//     and a trigger of your own.
//   - FLAG_FILE: YAML or JSON flag file (file).
//
// Refresh:
//   - REFRESH_INTERVAL (default "30s") or REFRESH_INTERVAL_SECONDS.
//   - FETCH_TIMEOUT (default "10s") or FETCH_TIMEOUT_SECONDS.
//   - REFRESH_JITTER: fraction of the interval in [0, 1] (default 0.1).
//   - FETCH_MAX_BYTES: HTTP response cap (default 4 MiB).
//
// Serving:
//   - HTTP_ADDR (default ":8080"), GRPC_ADDR (default ":9090").
//   - LOG_LEVEL (default "info"), LOG_FORMAT ("json" or "text").
//   - UNKNOWN_FLAG_POLICY: "treatAsDisabled" (default) or "propagateError".
//   - REFRESH_TOKEN_HASH: bcrypt hash enabling POST /v1/refresh.
//   - REFRESH_RATE_LIMIT: failed refresh attempts per minute per IP (default 10).
//   - GATED_GRPC_METHODS: "/pkg.Svc/Method=Flag,..." pairs.
//   - DEMO_FLAG: flag behind the demo feature endpoints (default "NewFeature").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flaggate/internal/evaluation"
)

const (
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
	SourceFile     = "file"

	defaultHTTPAddr               = ":8080"
	defaultGRPCAddr               = ":9090"
	defaultRefreshInterval        = 30 * time.Second
	defaultFetchTimeout           = 10 * time.Second
	defaultRefreshJitter          = 0.1
	defaultRefreshRateLimit       = 10
	defaultFetchMaxBytes    int64 = 4 << 20
	defaultNotifyChannel          = "flag_changes"
	defaultDemoFlag               = "NewFeature"
)

// ErrSourceNotConfigured is returned when the selected flag source lacks its
// connection settings.
var ErrSourceNotConfigured = errors.New("flag source is not configured properly")

// ErrNotifyChannelMismatch is returned when FLAG_NOTIFY_CHANNEL differs from
// the channel the bundled migration notifies while RUN_MIGRATIONS is on.
var ErrNotifyChannelMismatch = errors.New("FLAG_NOTIFY_CHANNEL does not match the migrated trigger")

// Config holds the runtime configuration for the flaggate server.
type Config struct {
	Source        string
	SourceURL     string
	SourceToken   string
	DatabaseURL   string
	RunMigrations bool
	NotifyChannel string
	FlagFile      string

	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	RefreshJitter   float64
	FetchMaxBytes   int64

	HTTPAddr          string
	GRPCAddr          string
	LogLevel          string
	LogFormat         string
	UnknownFlagPolicy evaluation.UnknownFlagPolicy
	RefreshTokenHash  string
	RefreshRateLimit  int
	GatedGRPCMethods  map[string]string
	DemoFlag          string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		Source:           strings.ToLower(strings.TrimSpace(os.Getenv("FLAG_SOURCE"))),
		SourceURL:        strings.TrimSpace(os.Getenv("FLAG_SOURCE_URL")),
		SourceToken:      strings.TrimSpace(os.Getenv("FLAG_SOURCE_TOKEN")),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		NotifyChannel:    envOrDefault("FLAG_NOTIFY_CHANNEL", defaultNotifyChannel),
		FlagFile:         strings.TrimSpace(os.Getenv("FLAG_FILE")),
		HTTPAddr:         envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:         envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		RefreshTokenHash: strings.TrimSpace(os.Getenv("REFRESH_TOKEN_HASH")),
		DemoFlag:         envOrDefault("DEMO_FLAG", defaultDemoFlag),
	}

	if err := cfg.validateSource(); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.RunMigrations, err = boolFromEnv("RUN_MIGRATIONS", true); err != nil {
		return Config{}, err
	}
	if cfg.Source == SourcePostgres && cfg.RunMigrations && cfg.NotifyChannel != defaultNotifyChannel {
		return Config{}, fmt.Errorf("%w: trigger notifies %q, got %q; set RUN_MIGRATIONS=false and install a trigger for that channel",
			ErrNotifyChannelMismatch, defaultNotifyChannel, cfg.NotifyChannel)
	}
	if cfg.RefreshInterval, err = durationFromEnv("REFRESH_INTERVAL", defaultRefreshInterval); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = durationFromEnv("FETCH_TIMEOUT", defaultFetchTimeout); err != nil {
		return Config{}, err
	}

	cfg.RefreshJitter = defaultRefreshJitter
	if v := strings.TrimSpace(os.Getenv("REFRESH_JITTER")); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return Config{}, errors.New("REFRESH_JITTER must be a number between 0 and 1")
		}
		cfg.RefreshJitter = parsed
	}

	cfg.FetchMaxBytes = defaultFetchMaxBytes
	if v := strings.TrimSpace(os.Getenv("FETCH_MAX_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("FETCH_MAX_BYTES must be a positive integer (bytes)")
		}
		cfg.FetchMaxBytes = n
	}

	cfg.RefreshRateLimit = defaultRefreshRateLimit
	if v := strings.TrimSpace(os.Getenv("REFRESH_RATE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse REFRESH_RATE_LIMIT: %w", err)
		}
		if n <= 0 {
			return Config{}, errors.New("REFRESH_RATE_LIMIT must be > 0")
		}
		cfg.RefreshRateLimit = n
	}

	if cfg.UnknownFlagPolicy, err = evaluation.ParsePolicy(os.Getenv("UNKNOWN_FLAG_POLICY")); err != nil {
		return Config{}, fmt.Errorf("parse UNKNOWN_FLAG_POLICY: %w", err)
	}

	if cfg.GatedGRPCMethods, err = ParseMethodFlags(os.Getenv("GATED_GRPC_METHODS")); err != nil {
		return Config{}, fmt.Errorf("parse GATED_GRPC_METHODS: %w", err)
	}

	return cfg, nil
}

func (c Config) validateSource() error {
	switch c.Source {
	case SourceHTTP:
		if c.SourceURL == "" {
			return fmt.Errorf("%w: FLAG_SOURCE_URL is required for FLAG_SOURCE=http", ErrSourceNotConfigured)
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for FLAG_SOURCE=postgres", ErrSourceNotConfigured)
		}
	case SourceFile:
		if c.FlagFile == "" {
			return fmt.Errorf("%w: FLAG_FILE is required for FLAG_SOURCE=file", ErrSourceNotConfigured)
		}
	case "":
		return fmt.Errorf("%w: FLAG_SOURCE is required", ErrSourceNotConfigured)
	default:
		return fmt.Errorf("%w: unknown FLAG_SOURCE %q", ErrSourceNotConfigured, c.Source)
	}
	return nil
}

// ParseMethodFlags parses "/pkg.Svc/Method=Flag" pairs separated by commas.
func ParseMethodFlags(value string) (map[string]string, error) {
	methods := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		method, flag, ok := strings.Cut(pair, "=")
		method, flag = strings.TrimSpace(method), strings.TrimSpace(flag)
		if !ok || flag == "" || !strings.HasPrefix(method, "/") || strings.Count(method, "/") != 2 {
			return nil, fmt.Errorf("invalid method mapping %q, want /pkg.Service/Method=Flag", pair)
		}
		methods[method] = flag
	}
	return methods, nil
}

// durationFromEnv reads key as a Go duration, falling back to key+"_SECONDS"
// as whole seconds.
func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("%s must be > 0", key)
		}
		return parsed, nil
	}

	secondsKey := key + "_SECONDS"
	if v := strings.TrimSpace(os.Getenv(secondsKey)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%s must be a positive integer", secondsKey)
		}
		return time.Duration(n) * time.Second, nil
	}

	return fallback, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
