package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CREDENTIAL_URL", "http://localhost:3000/api/session-token")
	t.Setenv("TOOL_URL", "http://localhost:3000/api/tools/execute")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %q", cfg.Port)
	}
	if cfg.Volume.Interval != 100*time.Millisecond {
		t.Errorf("Expected volume interval 100ms, got %v", cfg.Volume.Interval)
	}
	if cfg.Volume.SpeakingThreshold != 0.02 {
		t.Errorf("Expected speaking threshold 0.02, got %v", cfg.Volume.SpeakingThreshold)
	}
	if cfg.Retention != 7*24*time.Hour {
		t.Errorf("Expected retention 168h, got %v", cfg.Retention)
	}
	if cfg.RateLimit.Requests != 10 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("Unexpected rate limit: %+v", cfg.RateLimit)
	}
	if len(cfg.Tools.Gated) != 0 {
		t.Errorf("Expected no gated override, got %v", cfg.Tools.Gated)
	}
	if !cfg.IsDevelopment() {
		t.Error("Expected development mode without FRONTEND_URL")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9000")
	t.Setenv("FRONTEND_URL", "https://wallet.example")
	t.Setenv("ENDPOINT_TIMEOUT", "5s")
	t.Setenv("GATED_TOOLS", "transfer_evm, bridge_asset,")
	t.Setenv("SPEAKING_THRESHOLD", "0.1")
	t.Setenv("CONVERSATION_LOG_ENABLED", "false")
	t.Setenv("REALTIME_SILENCE_DURATION_MS", "800")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Expected port 9000, got %q", cfg.Port)
	}
	if cfg.Endpoints.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", cfg.Endpoints.Timeout)
	}
	if strings.Join(cfg.Tools.Gated, ",") != "transfer_evm,bridge_asset" {
		t.Errorf("Unexpected gated tools: %v", cfg.Tools.Gated)
	}
	if cfg.Volume.SpeakingThreshold != 0.1 {
		t.Errorf("Expected threshold 0.1, got %v", cfg.Volume.SpeakingThreshold)
	}
	if cfg.ConversationLog.Enabled {
		t.Error("Expected conversation log disabled")
	}
	if cfg.Realtime.SilenceDurationMS != 800 {
		t.Errorf("Expected silence 800ms, got %d", cfg.Realtime.SilenceDurationMS)
	}
	if cfg.IsDevelopment() {
		t.Error("Expected production mode")
	}
	if got := cfg.AllowedOrigins(); len(got) != 1 || got[0] != "https://wallet.example" {
		t.Errorf("Unexpected origins: %v", got)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
port: "7000"
realtime:
  voice: verse
  model: custom-model
tools:
  gated:
    - transfer_evm
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REALTIME_MODEL", "env-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("Expected port from file, got %q", cfg.Port)
	}
	if cfg.Realtime.Voice != "verse" {
		t.Errorf("Expected voice from file, got %q", cfg.Realtime.Voice)
	}
	if cfg.Realtime.Model != "env-model" {
		t.Errorf("Expected env to override file, got %q", cfg.Realtime.Model)
	}
	if len(cfg.Tools.Gated) != 1 || cfg.Tools.Gated[0] != "transfer_evm" {
		t.Errorf("Unexpected gated tools: %v", cfg.Tools.Gated)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestLoad_RequiresEndpoints(t *testing.T) {
	setRequired(t)
	t.Setenv("TOOL_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "TOOL_URL") {
		t.Errorf("Expected TOOL_URL in error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:   "8080",
			DBPath: "./data/test.db",
			Realtime: RealtimeConfig{
				URL: "wss://example/realtime",
			},
			Endpoints: EndpointsConfig{
				CredentialURL: "http://c",
				ToolURL:       "http://t",
				Timeout:       time.Second,
			},
			Volume:          VolumeConfig{Interval: 50 * time.Millisecond, SpeakingThreshold: 0.02},
			ConversationLog: ConversationLogConfig{Enabled: true, Dir: "./logs", QueueSize: 10},
			RateLimit:       RateLimitConfig{Requests: 1, Window: time.Minute},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"empty port", func(c *Config) { c.Port = "" }, false},
		{"empty db", func(c *Config) { c.DBPath = "" }, false},
		{"threshold above one", func(c *Config) { c.Volume.SpeakingThreshold = 1.5 }, false},
		{"zero interval", func(c *Config) { c.Volume.Interval = 0 }, false},
		{"log dir required when enabled", func(c *Config) { c.ConversationLog.Dir = "" }, false},
		{"log dir optional when disabled", func(c *Config) { c.ConversationLog.Enabled = false; c.ConversationLog.Dir = "" }, true},
		{"zero rate limit", func(c *Config) { c.RateLimit.Requests = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
