package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantPort int
		wantHost string
		wantKeys int
	}{
		{
			name:     "minimal valid config",
			yaml:     "port: 8080\n",
			wantPort: 8080,
		},
		{
			name:     "config with host and port",
			yaml:     "host: 127.0.0.1\nport: 9000\n",
			wantPort: 9000,
			wantHost: "127.0.0.1",
		},
		{
			name: "config with gemini keys",
			yaml: `
gemini:
  api-keys:
    - " key-1 "
    - key-2
    - key-1
    - ""
`,
			wantPort: DefaultPort,
			wantKeys: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvAPIKeys, "")
			t.Setenv(EnvPort, "")
			cfg, err := LoadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if cfg.Port != tt.wantPort {
				t.Errorf("LoadConfig() Port = %v, want %v", cfg.Port, tt.wantPort)
			}
			if cfg.Host != tt.wantHost {
				t.Errorf("LoadConfig() Host = %v, want %v", cfg.Host, tt.wantHost)
			}
			if len(cfg.Gemini.APIKeys) != tt.wantKeys {
				t.Errorf("LoadConfig() keys = %v, want %d", cfg.Gemini.APIKeys, tt.wantKeys)
			}
		})
	}
}

func TestLoadConfig_FullLayout(t *testing.T) {
	t.Setenv(EnvAPIKeys, "")
	t.Setenv(EnvPort, "")
	cfg, err := LoadConfig(writeConfig(t, `
port: 8320
debug: true
gemini:
  model: gemini-2.5-flash
  timeout: 30s
  max-prompt-tokens: 1000
credentials:
  disable-timeout: 90s
retry:
  max-attempts: 3
  overload-base: 10s
  jitter: 0.1
dispatch:
  rate-window: 30s
  rate-limit: 6
  min-spacing: 2s
  parallelism: 4
cache:
  backend: memory
  ttl: 1h
anti-cache:
  sentinel-words: [ping]
store:
  driver: sqlite
  dsn: file:relay.db
`))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.Debug || cfg.Gemini.Model != "gemini-2.5-flash" || cfg.Gemini.Timeout != 30*time.Second {
		t.Errorf("gemini section not applied: %+v", cfg.Gemini)
	}
	if cfg.Credentials.DisableTimeout != 90*time.Second {
		t.Errorf("DisableTimeout = %v", cfg.Credentials.DisableTimeout)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.OverloadBase != 10*time.Second || cfg.Retry.OverloadMax != 300*time.Second {
		t.Errorf("retry section = %+v", cfg.Retry)
	}
	if cfg.Dispatch.RateLimit != 6 || cfg.Dispatch.Parallelism != 4 || cfg.Dispatch.MaxRequeues != 3 {
		t.Errorf("dispatch section = %+v", cfg.Dispatch)
	}
	if cfg.Cache.TTL != time.Hour || !cfg.Cache.Enabled {
		t.Errorf("cache section = %+v", cfg.Cache)
	}
	if len(cfg.AntiCache.SentinelWords) != 1 || !cfg.AntiCache.Enabled {
		t.Errorf("anti-cache section = %+v", cfg.AntiCache)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "file:relay.db" {
		t.Errorf("store section = %+v", cfg.Store)
	}
}

func TestLoadConfigOptional(t *testing.T) {
	tests := []struct {
		name     string
		content  *string
		optional bool
		wantErr  bool
	}{
		{name: "empty file", content: ptr(""), wantErr: false},
		{name: "whitespace only", content: ptr("   \n \n   "), wantErr: false},
		{name: "invalid yaml", content: ptr("port: 8080\n  invalid indentation\n"), wantErr: true},
		{name: "invalid yaml optional", content: ptr("port: [8080\n"), optional: true},
		{name: "missing file", wantErr: true},
		{name: "missing file optional", optional: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvPort, "")
			path := filepath.Join(t.TempDir(), "nonexistent.yaml")
			if tt.content != nil {
				path = writeConfig(t, *tt.content)
			}
			cfg, err := LoadConfigOptional(path, tt.optional)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfigOptional() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg == nil {
				t.Fatal("LoadConfigOptional() returned nil config without error")
			}
			if err == nil && cfg.Port != DefaultPort {
				t.Errorf("Port = %d, want default %d", cfg.Port, DefaultPort)
			}
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKeys, "env-a, env-b,,env-a")
	t.Setenv(EnvPort, "9999")

	cfg, err := LoadConfig(writeConfig(t, "gemini:\n  api-keys: [file-key]\n"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	want := []string{"env-a", "env-b"}
	if len(cfg.Gemini.APIKeys) != len(want) || cfg.Gemini.APIKeys[0] != want[0] || cfg.Gemini.APIKeys[1] != want[1] {
		t.Errorf("APIKeys = %v, want %v", cfg.Gemini.APIKeys, want)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero port", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "port exceeds maximum", mutate: func(c *Config) { c.Port = 65536 }, wantErr: true},
		{name: "zero rate limit", mutate: func(c *Config) { c.Dispatch.RateLimit = 0 }, wantErr: true},
		{name: "negative spacing", mutate: func(c *Config) { c.Dispatch.MinSpacing = -time.Second }, wantErr: true},
		{name: "negative disable timeout", mutate: func(c *Config) { c.Credentials.DisableTimeout = -1 }, wantErr: true},
		{name: "negative parallelism", mutate: func(c *Config) { c.Dispatch.Parallelism = -2 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: true},
		{name: "jitter above one", mutate: func(c *Config) { c.Retry.Jitter = 1.5 }, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantErr: true},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: true},
		{name: "unknown store driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: true},
		{name: "postgres store", mutate: func(c *Config) { c.Store.Driver = "postgres" }},
		{name: "zero spacing allowed", mutate: func(c *Config) { c.Dispatch.MinSpacing = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			_, err := ValidateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig_NilConfig(t *testing.T) {
	if _, err := ValidateConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestValidateConfig_WarnsWithoutKeys(t *testing.T) {
	warnings, err := ValidateConfig(Default())
	if err != nil {
		t.Fatalf("ValidateConfig() error = %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want one about api keys", warnings)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvAPIKeys, "")
	t.Setenv(EnvPort, "")
	path := writeConfig(t, "port: 8080\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changes <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("port: 8081\ndebug: true\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.Port != 8081 || !cfg.Debug {
			t.Errorf("reloaded config = port %d debug %v", cfg.Port, cfg.Debug)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func ptr(s string) *string { return &s }

func TestEffectiveLogLevel(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"debug wins", Config{Debug: true, LogLevel: "warn"}, "debug"},
		{"configured", Config{LogLevel: "warn"}, "warn"},
		{"empty", Config{}, "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EffectiveLogLevel(); got != tt.want {
				t.Errorf("EffectiveLogLevel() = %q, want %q", got, tt.want)
			}
		})
	}
}
