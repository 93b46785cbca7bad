// Package config loads the relay's YAML configuration, applies environment
// overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/cache"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = 8320
	DefaultGeminiBaseURL   = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel     = "gemini-2.0-flash"
	DefaultMaxPromptTokens = 30000

	// EnvAPIKeys holds comma separated Gemini API keys.
	EnvAPIKeys = "GEMINI_API_KEYS"
	// EnvPort overrides the listen port.
	EnvPort = "RELAY_PORT"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Debug enables debug logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`
	// LogLevel is applied when Debug is off.
	LogLevel      string `yaml:"log-level" json:"log-level"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir" json:"log-dir"`

	Gemini      GeminiConfig      `yaml:"gemini" json:"gemini"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Dispatch    DispatchConfig    `yaml:"dispatch" json:"dispatch"`
	Cache       cache.Config      `yaml:"cache" json:"cache"`
	AntiCache   AntiCacheConfig   `yaml:"anti-cache" json:"anti-cache"`
	Store       store.Config      `yaml:"store" json:"store"`

	// PromptsFile optionally overrides built-in prompts (.yaml or .toml).
	PromptsFile string `yaml:"prompts-file" json:"prompts-file"`
}

// GeminiConfig configures the upstream client.
type GeminiConfig struct {
	BaseURL string        `yaml:"base-url" json:"base-url"`
	Model   string        `yaml:"model" json:"model"`
	APIKeys []string      `yaml:"api-keys" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxPromptTokens rejects larger prompts before dispatch. Zero disables the check.
	MaxPromptTokens int `yaml:"max-prompt-tokens" json:"max-prompt-tokens"`
}

// CredentialsConfig configures the credential pool.
type CredentialsConfig struct {
	DisableTimeout time.Duration `yaml:"disable-timeout" json:"disable-timeout"`
}

// RetryConfig configures the backoff policy.
type RetryConfig struct {
	MaxAttempts      int           `yaml:"max-attempts" json:"max-attempts"`
	RateLimitedDelay time.Duration `yaml:"rate-limited-delay" json:"rate-limited-delay"`
	OverloadBase     time.Duration `yaml:"overload-base" json:"overload-base"`
	OverloadMax      time.Duration `yaml:"overload-max" json:"overload-max"`
	Jitter           float64       `yaml:"jitter" json:"jitter"`
	HintMultiplier   float64       `yaml:"hint-multiplier" json:"hint-multiplier"`
}

// DispatchConfig configures both dispatchers.
type DispatchConfig struct {
	RateWindow time.Duration `yaml:"rate-window" json:"rate-window"`
	RateLimit  int           `yaml:"rate-limit" json:"rate-limit"`
	MinSpacing time.Duration `yaml:"min-spacing" json:"min-spacing"`
	// Parallelism of the batch path. Zero means one lane per credential.
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	MaxRequeues int `yaml:"max-requeues" json:"max-requeues"`
}

// AntiCacheConfig configures prompt mutation and test prompt detection.
type AntiCacheConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	MinPromptLength int      `yaml:"min-prompt-length" json:"min-prompt-length"`
	SentinelWords   []string `yaml:"sentinel-words" json:"sentinel-words"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:     DefaultPort,
		LogLevel: "info",
		LogDir:   "logs",
		Gemini: GeminiConfig{
			BaseURL:         DefaultGeminiBaseURL,
			Model:           DefaultGeminiModel,
			Timeout:         120 * time.Second,
			MaxPromptTokens: DefaultMaxPromptTokens,
		},
		Credentials: CredentialsConfig{DisableTimeout: 60 * time.Second},
		Retry: RetryConfig{
			MaxAttempts:      5,
			RateLimitedDelay: 2 * time.Second,
			OverloadBase:     30 * time.Second,
			OverloadMax:      300 * time.Second,
			Jitter:           0.25,
			HintMultiplier:   1.5,
		},
		Dispatch: DispatchConfig{
			RateWindow:  60 * time.Second,
			RateLimit:   12,
			MinSpacing:  5 * time.Second,
			MaxRequeues: 3,
		},
		Cache: cache.DefaultConfig(),
		AntiCache: AntiCacheConfig{
			Enabled:         true,
			MinPromptLength: cache.DefaultMinPromptLength,
			SentinelWords:   append([]string(nil), cache.DefaultSentinelWords...),
		},
		Store: store.Config{Driver: store.DriverMemory},
	}
}

// LoadConfig reads, sanitizes and validates the file at path.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadConfigOptional(path, false)
	if err != nil {
		return nil, err
	}
	if _, err = ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOptional reads the file at path on top of Default. When optional
// is true a missing or unparsable file yields the defaults instead of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			log.Debugf("config file %s not found, using defaults", path)
			return finish(cfg), nil
		}
		if optional {
			log.Warnf("failed to read config file %s: %v", path, err)
			return finish(cfg), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			if optional {
				log.Warnf("failed to parse config file %s, using defaults: %v", path, err)
				return finish(Default()), nil
			}
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return finish(cfg), nil
}

func finish(cfg *Config) *Config {
	applyEnv(cfg)
	cfg.SanitizeGeminiKeys()
	return cfg
}

func applyEnv(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv(EnvAPIKeys)); raw != "" {
		cfg.Gemini.APIKeys = strings.Split(raw, ",")
	}
	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			log.Warnf("ignoring invalid %s=%q", EnvPort, raw)
		} else {
			cfg.Port = port
		}
	}
}

// SanitizeGeminiKeys trims keys and drops blanks and duplicates, keeping order.
func (c *Config) SanitizeGeminiKeys() {
	if c == nil {
		return
	}
	seen := make(map[string]struct{}, len(c.Gemini.APIKeys))
	out := c.Gemini.APIKeys[:0]
	for _, key := range c.Gemini.APIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	c.Gemini.APIKeys = out
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EffectiveLogLevel is "debug" when Debug is set and LogLevel otherwise.
func (c *Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		return "info"
	}
	return c.LogLevel
}

// ValidateConfig checks cfg and returns non-fatal warnings.
func ValidateConfig(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var warnings []string
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}

	durations := map[string]time.Duration{
		"gemini.timeout":              cfg.Gemini.Timeout,
		"credentials.disable-timeout": cfg.Credentials.DisableTimeout,
		"retry.rate-limited-delay":    cfg.Retry.RateLimitedDelay,
		"retry.overload-base":         cfg.Retry.OverloadBase,
		"retry.overload-max":          cfg.Retry.OverloadMax,
		"dispatch.rate-window":        cfg.Dispatch.RateWindow,
		"dispatch.min-spacing":        cfg.Dispatch.MinSpacing,
		"cache.ttl":                   cfg.Cache.TTL,
	}
	for name, d := range durations {
		if d < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if cfg.Dispatch.RateLimit <= 0 {
		return nil, fmt.Errorf("dispatch.rate-limit must be positive, got %d", cfg.Dispatch.RateLimit)
	}
	if cfg.Dispatch.RateWindow == 0 {
		return nil, errors.New("dispatch.rate-window must be positive")
	}
	if cfg.Dispatch.Parallelism < 0 {
		return nil, fmt.Errorf("dispatch.parallelism must not be negative, got %d", cfg.Dispatch.Parallelism)
	}
	if cfg.Dispatch.MaxRequeues < 0 {
		return nil, fmt.Errorf("dispatch.max-requeues must not be negative, got %d", cfg.Dispatch.MaxRequeues)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry.max-attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return nil, fmt.Errorf("retry.jitter must be within [0,1], got %v", cfg.Retry.Jitter)
	}
	if cfg.Retry.OverloadMax > 0 && cfg.Retry.OverloadMax < cfg.Retry.OverloadBase {
		warnings = append(warnings, "retry.overload-max is below retry.overload-base; every overload wait is capped")
	}

	switch strings.ToLower(cfg.Cache.Backend) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Cache.RedisURL) == "" {
			return nil, errors.New("cache.redis-url is required for the redis backend")
		}
	default:
		return nil, fmt.Errorf("unknown cache.backend %q", cfg.Cache.Backend)
	}

	if !store.IsKnownDriver(cfg.Store.Driver) {
		return nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}

	if len(cfg.Gemini.APIKeys) == 0 {
		warnings = append(warnings, "no gemini api keys configured; set gemini.api-keys or "+EnvAPIKeys)
	}
	if cfg.Gemini.Model == "" {
		return nil, errors.New("gemini.model must not be empty")
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	return warnings, nil
}
