package config

import (
	"errors"
	"testing"
	"time"

	"github.com/matt-riley/flaggate/internal/evaluation"
)

var allKeys = []string{
	"FLAG_SOURCE", "FLAG_SOURCE_URL", "FLAG_SOURCE_TOKEN", "DATABASE_URL",
	"RUN_MIGRATIONS", "FLAG_NOTIFY_CHANNEL", "FLAG_FILE",
	"REFRESH_INTERVAL", "REFRESH_INTERVAL_SECONDS", "FETCH_TIMEOUT",
	"FETCH_TIMEOUT_SECONDS", "REFRESH_JITTER", "FETCH_MAX_BYTES",
	"HTTP_ADDR", "GRPC_ADDR", "LOG_LEVEL", "LOG_FORMAT", "UNKNOWN_FLAG_POLICY",
	"REFRESH_TOKEN_HASH", "REFRESH_RATE_LIMIT", "GATED_GRPC_METHODS", "DEMO_FLAG",
}

func setFileSource(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
	t.Setenv("FLAG_SOURCE", "file")
	t.Setenv("FLAG_FILE", "flags.yaml")
}

func TestLoad_Defaults(t *testing.T) {
	setFileSource(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source != SourceFile || cfg.FlagFile != "flags.yaml" {
		t.Errorf("source = %q file = %q", cfg.Source, cfg.FlagFile)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Errorf("RefreshInterval = %v, want 30s", cfg.RefreshInterval)
	}
	if cfg.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want 10s", cfg.FetchTimeout)
	}
	if cfg.RefreshJitter != 0.1 {
		t.Errorf("RefreshJitter = %v, want 0.1", cfg.RefreshJitter)
	}
	if cfg.FetchMaxBytes != 4<<20 {
		t.Errorf("FetchMaxBytes = %d, want 4MiB", cfg.FetchMaxBytes)
	}
	if cfg.UnknownFlagPolicy != evaluation.PolicyTreatAsDisabled {
		t.Errorf("UnknownFlagPolicy = %v, want treatAsDisabled", cfg.UnknownFlagPolicy)
	}
	if cfg.RefreshRateLimit != 10 {
		t.Errorf("RefreshRateLimit = %d, want 10", cfg.RefreshRateLimit)
	}
	if !cfg.RunMigrations {
		t.Error("RunMigrations = false, want true")
	}
	if cfg.NotifyChannel != "flag_changes" {
		t.Errorf("NotifyChannel = %q, want flag_changes", cfg.NotifyChannel)
	}
	if cfg.DemoFlag != "NewFeature" {
		t.Errorf("DemoFlag = %q, want NewFeature", cfg.DemoFlag)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("log = %q/%q, want info/json", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.GatedGRPCMethods) != 0 {
		t.Errorf("GatedGRPCMethods = %v, want empty", cfg.GatedGRPCMethods)
	}
}

func TestLoad_SourceValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "missing source", env: map[string]string{"FLAG_SOURCE": "", "FLAG_FILE": ""}, wantErr: true},
		{name: "unknown source", env: map[string]string{"FLAG_SOURCE": "redis"}, wantErr: true},
		{name: "http without url", env: map[string]string{"FLAG_SOURCE": "http"}, wantErr: true},
		{name: "http with url", env: map[string]string{"FLAG_SOURCE": "HTTP", "FLAG_SOURCE_URL": "https://flags.example/doc"}},
		{name: "postgres without dsn", env: map[string]string{"FLAG_SOURCE": "postgres"}, wantErr: true},
		{name: "postgres with dsn", env: map[string]string{"FLAG_SOURCE": "postgres", "DATABASE_URL": "postgres://localhost/flags"}},
		{name: "file without path", env: map[string]string{"FLAG_SOURCE": "file", "FLAG_FILE": " "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFileSource(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			_, err := Load()
			if tt.wantErr {
				if !errors.Is(err, ErrSourceNotConfigured) {
					t.Fatalf("Load() error = %v, want ErrSourceNotConfigured", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
		})
	}
}

func TestLoad_NotifyChannel(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{name: "default with migrations", env: map[string]string{}, want: "flag_changes"},
		{name: "custom with migrations", env: map[string]string{"FLAG_NOTIFY_CHANNEL": "tenant_flags"}, wantErr: true},
		{name: "custom without migrations", env: map[string]string{"FLAG_NOTIFY_CHANNEL": "tenant_flags", "RUN_MIGRATIONS": "false"}, want: "tenant_flags"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFileSource(t)
			t.Setenv("FLAG_SOURCE", "postgres")
			t.Setenv("DATABASE_URL", "postgres://localhost/flags")
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if tt.wantErr {
				if !errors.Is(err, ErrNotifyChannelMismatch) {
					t.Fatalf("Load() error = %v, want ErrNotifyChannelMismatch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.NotifyChannel != tt.want {
				t.Fatalf("NotifyChannel = %q, want %q", cfg.NotifyChannel, tt.want)
			}
		})
	}
}

func TestLoad_Durations(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		wantRefresh time.Duration
		wantTimeout time.Duration
		wantErr     bool
	}{
		{
			name:        "go durations",
			env:         map[string]string{"REFRESH_INTERVAL": "45s", "FETCH_TIMEOUT": "2s"},
			wantRefresh: 45 * time.Second,
			wantTimeout: 2 * time.Second,
		},
		{
			name:        "seconds fallbacks",
			env:         map[string]string{"REFRESH_INTERVAL_SECONDS": "60", "FETCH_TIMEOUT_SECONDS": "5"},
			wantRefresh: time.Minute,
			wantTimeout: 5 * time.Second,
		},
		{
			name:        "duration wins over seconds",
			env:         map[string]string{"REFRESH_INTERVAL": "1m30s", "REFRESH_INTERVAL_SECONDS": "5"},
			wantRefresh: 90 * time.Second,
			wantTimeout: 10 * time.Second,
		},
		{name: "invalid duration", env: map[string]string{"REFRESH_INTERVAL": "soon"}, wantErr: true},
		{name: "zero duration", env: map[string]string{"FETCH_TIMEOUT": "0s"}, wantErr: true},
		{name: "negative seconds", env: map[string]string{"FETCH_TIMEOUT_SECONDS": "-3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFileSource(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %t", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.RefreshInterval != tt.wantRefresh || cfg.FetchTimeout != tt.wantTimeout {
				t.Fatalf("durations = %v/%v, want %v/%v", cfg.RefreshInterval, cfg.FetchTimeout, tt.wantRefresh, tt.wantTimeout)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"REFRESH_JITTER":      "1.5",
		"FETCH_MAX_BYTES":     "0",
		"REFRESH_RATE_LIMIT":  "-1",
		"UNKNOWN_FLAG_POLICY": "explode",
		"GATED_GRPC_METHODS":  "NoSlash=Flag",
		"RUN_MIGRATIONS":      "maybe",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			setFileSource(t)
			t.Setenv(key, value)

			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil for %s=%q", key, value)
			}
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setFileSource(t)
	t.Setenv("UNKNOWN_FLAG_POLICY", "propagateError")
	t.Setenv("REFRESH_JITTER", "0")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("GATED_GRPC_METHODS", "/demo.v1.Demo/New=NewFeature, /demo.v1.Demo/Beta=Beta")
	t.Setenv("DEMO_FLAG", "Beta")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UnknownFlagPolicy != evaluation.PolicyPropagateError {
		t.Errorf("UnknownFlagPolicy = %v, want propagateError", cfg.UnknownFlagPolicy)
	}
	if cfg.RefreshJitter != 0 {
		t.Errorf("RefreshJitter = %v, want 0", cfg.RefreshJitter)
	}
	if cfg.RunMigrations {
		t.Error("RunMigrations = true, want false")
	}
	if cfg.GatedGRPCMethods["/demo.v1.Demo/Beta"] != "Beta" || len(cfg.GatedGRPCMethods) != 2 {
		t.Errorf("GatedGRPCMethods = %v", cfg.GatedGRPCMethods)
	}
	if cfg.DemoFlag != "Beta" || cfg.LogFormat != "text" {
		t.Errorf("DemoFlag = %q LogFormat = %q", cfg.DemoFlag, cfg.LogFormat)
	}
}

func TestParseMethodFlags(t *testing.T) {
	tests := []struct {
		input   string
		want    map[string]string
		wantErr bool
	}{
		{input: "", want: map[string]string{}},
		{input: " , ", want: map[string]string{}},
		{input: "/a.B/C=Flag", want: map[string]string{"/a.B/C": "Flag"}},
		{input: "/a.B/C=", wantErr: true},
		{input: "/a.B/C", wantErr: true},
		{input: "/a.B/C/D=Flag", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMethodFlags(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMethodFlags(%q) error = %v, wantErr %t", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseMethodFlags(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for method, flag := range tt.want {
				if got[method] != flag {
					t.Fatalf("ParseMethodFlags(%q)[%q] = %q, want %q", tt.input, method, got[method], flag)
				}
			}
		})
	}
}
