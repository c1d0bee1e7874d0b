package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [WithDefaults] for zero-valued fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultLogLevel       = LogInfo
	DefaultModelProvider  = "gemini"
	DefaultCallsPerMinute = 10
	DefaultWindowMs       = 60000
)

// Load reads the YAML configuration file at path, layers environment
// overrides on top, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Environment values win
// over file values so secrets never need to live on disk.
func ApplyEnv(cfg *Config) {
	setenv(&cfg.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	setenv(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setenv(&cfg.Database.DSN, "DATABASE_URL")

	setenv(&cfg.Model.APIKey, "GEMINI_API_KEY")

	setenv(&cfg.Carriers.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setenv(&cfg.Carriers.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setenv(&cfg.Carriers.Twilio.CallerID, "TWILIO_CALLER_ID")

	setenv(&cfg.Carriers.Exotel.SID, "EXOTEL_SID")
	setenv(&cfg.Carriers.Exotel.APIKey, "EXOTEL_API_KEY")
	setenv(&cfg.Carriers.Exotel.APIToken, "EXOTEL_API_TOKEN")
	setenv(&cfg.Carriers.Exotel.Subdomain, "EXOTEL_SUBDOMAIN")
	setenv(&cfg.Carriers.Exotel.CallerID, "EXOTEL_CALLER_ID")

	setenvInt(&cfg.RateLimit.CallsPerMinute, "RATE_LIMIT_CALLS_PER_MINUTE")
	setenvInt(&cfg.RateLimit.WindowMs, "RATE_LIMIT_WINDOW_MS")
}

// WithDefaults fills zero-valued fields in place.
func (c *Config) WithDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Model.Provider == "" {
		c.Model.Provider = DefaultModelProvider
	}
	if c.RateLimit.CallsPerMinute == 0 {
		c.RateLimit.CallsPerMinute = DefaultCallsPerMinute
	}
	if c.RateLimit.WindowMs == 0 {
		c.RateLimit.WindowMs = DefaultWindowMs
	}
	for i := range c.Agents {
		c.Agents[i] = c.Agents[i].WithDefaults()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.PublicBaseURL == "" {
		errs = append(errs, errors.New("server.public_base_url is required (or set PUBLIC_BASE_URL)"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Model.Provider != "" && cfg.Model.Provider != "gemini" {
		errs = append(errs, fmt.Errorf("model.provider %q is unsupported; valid values: gemini", cfg.Model.Provider))
	}
	if cfg.Model.APIKey == "" {
		errs = append(errs, errors.New("model.api_key is required (or set GEMINI_API_KEY)"))
	}

	if cfg.RateLimit.CallsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.calls_per_minute %d must be positive", cfg.RateLimit.CallsPerMinute))
	}
	if cfg.RateLimit.WindowMs < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window_ms %d must be positive", cfg.RateLimit.WindowMs))
	}

	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			seen[a.ID] = i
		}
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

func setenv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setenvInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
