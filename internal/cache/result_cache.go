// Package cache holds finished results keyed by what was asked, so repeated
// inputs do not spend upstream quota twice.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	"github.com/router-for-me/ReceiptRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

// Cache defaults: DefaultMaxSize entries, and prompts shorter than
// DefaultMinPromptLength runes are not cached.
const (
	DefaultMaxSize         = 1000
	DefaultMinPromptLength = 20
)

// DefaultSentinelWords mark calibration prompts that should not be cached.
var DefaultSentinelWords = []string{"test", "teste", "ping", "hello", "olá"}

// Config defines configuration for the result cache.
type Config struct {
	// Enabled controls whether result caching is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" json:"backend"`
	// MaxSize is the maximum number of entries kept by the memory backend.
	MaxSize int `yaml:"max-size" json:"max-size"`
	// TTL expires entries; zero keeps them until cleared.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// RedisURL is used by the redis backend, e.g. "redis://localhost:6379/0".
	RedisURL string `yaml:"redis-url" json:"redis-url"`
}

// DefaultConfig returns an enabled in-memory cache without expiry.
func DefaultConfig() Config {
	return Config{Enabled: true, Backend: "memory", MaxSize: DefaultMaxSize}
}

// Backend stores cache entries.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// TestPromptDetector reports whether a prompt is a throwaway calibration call.
type TestPromptDetector func(prompt string) bool

// NewTestPromptDetector flags prompts shorter than minLength runes or
// containing one of the sentinel words.
func NewTestPromptDetector(minLength int, sentinels []string) TestPromptDetector {
	words := make(map[string]struct{}, len(sentinels))
	for _, w := range sentinels {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words[w] = struct{}{}
		}
	}
	return func(prompt string) bool {
		trimmed := strings.TrimSpace(prompt)
		if len([]rune(trimmed)) < minLength {
			return true
		}
		for _, token := range strings.FieldsFunc(strings.ToLower(trimmed), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if _, ok := words[token]; ok {
				return true
			}
		}
		return false
	}
}

// DefaultTestPromptDetector uses DefaultMinPromptLength and DefaultSentinelWords.
func DefaultTestPromptDetector() TestPromptDetector {
	return NewTestPromptDetector(DefaultMinPromptLength, DefaultSentinelWords)
}

// Key derives the cache key of a (content identity, prompt, kind) tuple.
func Key(identity, prompt, kind string) string {
	return util.SHA256Hex([]byte(identity), []byte{0}, []byte(prompt), []byte{0}, []byte(kind))[:32]
}

// Stats reports result cache activity.
type Stats struct {
	Enabled  bool  `json:"enabled"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Bypasses int64 `json:"bypasses"`
	Entries  int   `json:"entries"`
}

// ResultCache maps (identity, prompt, kind) to a finished result.
type ResultCache struct {
	backend Backend
	isTest  TestPromptDetector
	enabled atomic.Bool

	hits     atomic.Int64
	misses   atomic.Int64
	bypasses atomic.Int64
}

// New wraps backend. A nil detector uses DefaultTestPromptDetector.
func New(backend Backend, detector TestPromptDetector) *ResultCache {
	if backend == nil {
		backend = NewMemoryBackend(DefaultMaxSize, 0)
	}
	if detector == nil {
		detector = DefaultTestPromptDetector()
	}
	c := &ResultCache{backend: backend, isTest: detector}
	c.enabled.Store(true)
	return c
}

// Open builds the backend named in cfg.
func Open(ctx context.Context, cfg Config, detector TestPromptDetector) (*ResultCache, error) {
	var backend Backend
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		backend = NewMemoryBackend(cfg.MaxSize, cfg.TTL)
	case "redis":
		rb, err := DialRedis(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, err
		}
		backend = rb
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	c := New(backend, detector)
	c.SetEnabled(cfg.Enabled)
	return c, nil
}

// Bypass reports whether prompt skips the cache.
func (c *ResultCache) Bypass(prompt string) bool {
	return !c.enabled.Load() || c.isTest(prompt)
}

// Lookup returns the stored value for the tuple. Backend errors count as a miss.
func (c *ResultCache) Lookup(ctx context.Context, identity, prompt, kind string) (string, bool) {
	if c.Bypass(prompt) {
		c.bypasses.Add(1)
		middleware.RecordResultCache("bypass")
		return "", false
	}
	value, ok, err := c.backend.Get(ctx, Key(identity, prompt, kind))
	if err != nil {
		log.Warnf("result cache lookup failed: %v", err)
	}
	if err != nil || !ok {
		c.misses.Add(1)
		middleware.RecordResultCache("miss")
		return "", false
	}
	c.hits.Add(1)
	middleware.RecordResultCache("hit")
	log.WithField("kind", kind).Debug("result cache HIT")
	return value, true
}

// Store records value for the tuple. Test prompts and empty values are skipped.
func (c *ResultCache) Store(ctx context.Context, identity, prompt, kind, value string) {
	if value == "" || c.Bypass(prompt) {
		return
	}
	if err := c.backend.Set(ctx, Key(identity, prompt, kind), value); err != nil {
		log.Warnf("result cache store failed: %v", err)
		return
	}
	if n, err := c.backend.Len(ctx); err == nil {
		middleware.SetResultCacheSize(n)
	}
}

// Clear drops every entry. Called at batch boundaries.
func (c *ResultCache) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear result cache: %w", err)
	}
	middleware.SetResultCacheSize(0)
	log.Info("result cache cleared")
	return nil
}

// SetEnabled enables or disables the cache at runtime.
func (c *ResultCache) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Stats returns counters and the current entry count.
func (c *ResultCache) Stats(ctx context.Context) Stats {
	entries, _ := c.backend.Len(ctx)
	return Stats{
		Enabled:  c.enabled.Load(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Bypasses: c.bypasses.Load(),
		Entries:  entries,
	}
}

// Close releases the backend.
func (c *ResultCache) Close() error { return c.backend.Close() }
