// Package config provides the configuration schema and loader for the
// Voxline server.
package config

import "github.com/voxline/voxline/internal/agent"

// LogLevel controls log verbosity for the Voxline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxline. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader], then layered
// with environment overrides via [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Carriers  CarriersConfig  `yaml:"carriers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Agents    []agent.Config  `yaml:"agents"`
}

// ServerConfig holds network and logging settings for the Voxline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL carriers use to
	// open media streams (e.g., "https://voxline.example.com"). Required:
	// TwiML stream URLs are derived from it.
	PublicBaseURL string `yaml:"public_base_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ModelConfig selects and authenticates the speech-to-speech model provider.
type ModelConfig struct {
	// Provider names the model backend. Currently only "gemini".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. Usually supplied via the
	// GEMINI_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key"`

	// Name overrides the default model (e.g., "gemini-2.0-flash-live-001").
	Name string `yaml:"name"`

	// BaseURL overrides the provider's default endpoint. Leave empty for
	// production use.
	BaseURL string `yaml:"base_url"`
}

// CarriersConfig holds per-carrier credentials. A carrier with empty
// credentials is disabled.
type CarriersConfig struct {
	Twilio TwilioConfig `yaml:"twilio"`
	Exotel ExotelConfig `yaml:"exotel"`
}

// TwilioConfig authenticates outbound dials through Twilio.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// CallerID is the E.164 number outbound calls are placed from.
	CallerID string `yaml:"caller_id"`
}

// ExotelConfig authenticates outbound dials through Exotel.
type ExotelConfig struct {
	SID       string `yaml:"sid"`
	APIKey    string `yaml:"api_key"`
	APIToken  string `yaml:"api_token"`
	Subdomain string `yaml:"subdomain"`
	CallerID  string `yaml:"caller_id"`
}

// RateLimitConfig bounds outbound call admission per user.
type RateLimitConfig struct {
	// CallsPerMinute is the sliding-window capacity. Zero means the
	// default of 10.
	CallsPerMinute int `yaml:"calls_per_minute"`

	// WindowMs is the sliding-window width in milliseconds. Zero means the
	// default of 60000.
	WindowMs int `yaml:"window_ms"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// DSN is a PostgreSQL connection string. When empty, Voxline runs with
	// the in-memory store (transcripts do not survive restarts).
	DSN string `yaml:"dsn"`
}

// Enabled reports whether the carrier has usable credentials.
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

// Enabled reports whether the carrier has usable credentials.
func (e ExotelConfig) Enabled() bool {
	return e.SID != "" && e.APIKey != "" && e.APIToken != ""
}
