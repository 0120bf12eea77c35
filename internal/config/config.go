// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	Port            string                `koanf:"port"`
	FrontendURL     string                `koanf:"frontend_url"`
	DBPath          string                `koanf:"db_path"`
	GRPCHealthAddr  string                `koanf:"grpc_health_addr"`
	Retention       time.Duration         `koanf:"retention"`
	Realtime        RealtimeConfig        `koanf:"realtime"`
	Endpoints       EndpointsConfig       `koanf:"endpoints"`
	Tools           ToolsConfig           `koanf:"tools"`
	Volume          VolumeConfig          `koanf:"volume"`
	ConversationLog ConversationLogConfig `koanf:"conversation_log"`
	RateLimit       RateLimitConfig       `koanf:"rate_limit"`
	Telemetry       TelemetryConfig       `koanf:"telemetry"`
}

// RealtimeConfig configures the conversational model connection.
type RealtimeConfig struct {
	URL                string  `koanf:"url"`
	Model              string  `koanf:"model"`
	Voice              string  `koanf:"voice"`
	Instructions       string  `koanf:"instructions"`
	TranscriptionModel string  `koanf:"transcription_model"`
	VADThreshold       float64 `koanf:"vad_threshold"`
	PrefixPaddingMS    int     `koanf:"prefix_padding_ms"`
	SilenceDurationMS  int     `koanf:"silence_duration_ms"`
}

// EndpointsConfig locates the credential and tool-execution services.
type EndpointsConfig struct {
	CredentialURL string        `koanf:"credential_url"`
	ToolURL       string        `koanf:"tool_url"`
	Timeout       time.Duration `koanf:"timeout"`
}

// ToolsConfig lists the tools that require signing. Empty means the built-in list.
type ToolsConfig struct {
	Gated []string `koanf:"gated"`
}

// VolumeConfig tunes the output volume sampler.
type VolumeConfig struct {
	Interval          time.Duration `koanf:"interval"`
	SpeakingThreshold float64       `koanf:"speaking_threshold"`
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Dir           string `koanf:"dir"`
	GlobalEnabled bool   `koanf:"global_enabled"`
	GlobalPath    string `koanf:"global_path"`
	QueueSize     int    `koanf:"queue_size"`
}

// RateLimitConfig bounds session starts per wallet.
type RateLimitConfig struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// envKeys maps flat environment variable names to config keys.
var envKeys = map[string]string{
	"PORT":                            "port",
	"FRONTEND_URL":                    "frontend_url",
	"DB_PATH":                         "db_path",
	"GRPC_HEALTH_ADDR":                "grpc_health_addr",
	"HISTORY_RETENTION":               "retention",
	"REALTIME_URL":                    "realtime.url",
	"REALTIME_MODEL":                  "realtime.model",
	"REALTIME_VOICE":                  "realtime.voice",
	"REALTIME_INSTRUCTIONS":           "realtime.instructions",
	"REALTIME_TRANSCRIPTION_MODEL":    "realtime.transcription_model",
	"REALTIME_VAD_THRESHOLD":          "realtime.vad_threshold",
	"REALTIME_PREFIX_PADDING_MS":      "realtime.prefix_padding_ms",
	"REALTIME_SILENCE_DURATION_MS":    "realtime.silence_duration_ms",
	"CREDENTIAL_URL":                  "endpoints.credential_url",
	"TOOL_URL":                        "endpoints.tool_url",
	"ENDPOINT_TIMEOUT":                "endpoints.timeout",
	"GATED_TOOLS":                     "tools.gated",
	"VOLUME_INTERVAL":                 "volume.interval",
	"SPEAKING_THRESHOLD":              "volume.speaking_threshold",
	"CONVERSATION_LOG_ENABLED":        "conversation_log.enabled",
	"CONVERSATION_LOG_DIR":            "conversation_log.dir",
	"CONVERSATION_LOG_GLOBAL_ENABLED": "conversation_log.global_enabled",
	"CONVERSATION_LOG_GLOBAL_PATH":    "conversation_log.global_path",
	"CONVERSATION_LOG_QUEUE_SIZE":     "conversation_log.queue_size",
	"RATE_LIMIT_REQUESTS":             "rate_limit.requests",
	"RATE_LIMIT_WINDOW":               "rate_limit.window",
	"TELEMETRY_ENABLED":               "telemetry.enabled",
	"OTEL_SERVICE_NAME":               "telemetry.service_name",
}

var defaults = map[string]interface{}{
	"port":                            "8080",
	"frontend_url":                    "",
	"db_path":                         "./data/voxwallet.db",
	"grpc_health_addr":                ":9090",
	"retention":                       7 * 24 * time.Hour,
	"realtime.url":                    "wss://api.openai.com/v1/realtime",
	"realtime.model":                  "gpt-4o-realtime-preview",
	"realtime.voice":                  "alloy",
	"realtime.transcription_model":    "whisper-1",
	"realtime.vad_threshold":          0.5,
	"realtime.prefix_padding_ms":      300,
	"realtime.silence_duration_ms":    500,
	"endpoints.timeout":               30 * time.Second,
	"volume.interval":                 100 * time.Millisecond,
	"volume.speaking_threshold":       0.02,
	"conversation_log.enabled":        true,
	"conversation_log.dir":            "./data/logs/conversations",
	"conversation_log.global_enabled": false,
	"conversation_log.global_path":    "./data/logs/conversations/all.ndjson",
	"conversation_log.queue_size":     1000,
	"rate_limit.requests":             10,
	"rate_limit.window":               time.Minute,
	"telemetry.enabled":               false,
	"telemetry.service_name":          "voxwallet",
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and
// environment variables. Environment variables override the file.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", mapEnv), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// mapEnv keeps only known variables. Returning an empty key drops the variable.
func mapEnv(name, value string) (string, interface{}) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if key == "tools.gated" {
		var names []string
		for _, n := range strings.Split(value, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		return key, names
	}
	return key, strings.TrimSpace(value)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Realtime.URL == "" {
		return errors.New("REALTIME_URL cannot be empty")
	}
	if c.Endpoints.CredentialURL == "" {
		return errors.New("CREDENTIAL_URL cannot be empty")
	}
	if c.Endpoints.ToolURL == "" {
		return errors.New("TOOL_URL cannot be empty")
	}
	if c.Endpoints.Timeout <= 0 {
		return errors.New("ENDPOINT_TIMEOUT must be > 0")
	}
	if c.Volume.Interval <= 0 {
		return errors.New("VOLUME_INTERVAL must be > 0")
	}
	if c.Volume.SpeakingThreshold < 0 || c.Volume.SpeakingThreshold > 1 {
		return errors.New("SPEAKING_THRESHOLD must be within [0, 1]")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}
