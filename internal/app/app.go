// Package app assembles a relay.Service and its backing stores from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/router-for-me/ReceiptRelay/internal/anticache"
	"github.com/router-for-me/ReceiptRelay/internal/cache"
	"github.com/router-for-me/ReceiptRelay/internal/config"
	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/prompts"
	"github.com/router-for-me/ReceiptRelay/internal/runtime/executor"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	"github.com/router-for-me/ReceiptRelay/sdk/relay"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/dispatch"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	log "github.com/sirupsen/logrus"
)

// App holds everything a front end needs.
type App struct {
	Service *relay.Service
	Store   store.Store
	Cache   *cache.ResultCache
	Pool    *auth.Pool
}

type buildOptions struct {
	client     relay.Client
	httpClient *http.Client
	policy     *retry.Policy
}

// Option customizes Build.
type Option func(*buildOptions)

// WithClient replaces the Gemini executor. Used by tests and tools that talk
// to a different upstream.
func WithClient(c relay.Client) Option {
	return func(o *buildOptions) { o.client = c }
}

// WithHTTPClient sets the HTTP client of the Gemini executor.
func WithHTTPClient(c *http.Client) Option {
	return func(o *buildOptions) { o.httpClient = c }
}

// WithPolicy replaces the retry policy derived from cfg.Retry.
func WithPolicy(p *retry.Policy) Option {
	return func(o *buildOptions) { o.policy = p }
}

// Build opens the cache and store and starts the service. On error anything
// already opened is closed again.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	bo := &buildOptions{}
	for _, opt := range opts {
		opt(bo)
	}

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if errClose := closers[i](); errClose != nil {
				log.Errorf("app: cleanup error: %v", errClose)
			}
		}
	}()

	detector := cache.NewTestPromptDetector(cfg.AntiCache.MinPromptLength, cfg.AntiCache.SentinelWords)

	resultCache, err := cache.Open(ctx, cfg.Cache, detector)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	closers = append(closers, resultCache.Close)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, st.Close)

	registry := prompts.New()
	if cfg.PromptsFile != "" {
		if err = registry.LoadFile(cfg.PromptsFile); err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
	}

	extractor, err := extract.New()
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}

	var mutator *anticache.Mutator
	if cfg.AntiCache.Enabled {
		mutator = anticache.New(detector)
	}

	client := bo.client
	if client == nil {
		var execOpts []executor.GeminiOption
		if bo.httpClient != nil {
			execOpts = append(execOpts, executor.WithHTTPClient(bo.httpClient))
		}
		client = executor.NewGeminiExecutor(cfg.Gemini, execOpts...)
	}

	policy := bo.policy
	if policy == nil {
		policy = PolicyFromConfig(cfg.Retry)
	}

	pool := auth.NewPool(cfg.Gemini.APIKeys, auth.WithDisableTimeout(cfg.Credentials.DisableTimeout))
	if pool.Size() == 0 {
		log.Warn("no Gemini API keys configured, upstream calls will fail")
	}

	svc, err := relay.NewService(relay.Options{
		Client: client,
		Pool:   pool,
		Policy: policy,
		Serial: dispatch.SerialConfig{
			Window:     cfg.Dispatch.RateWindow,
			Limit:      cfg.Dispatch.RateLimit,
			MinSpacing: cfg.Dispatch.MinSpacing,
		},
		Parallel: dispatch.ParallelConfig{
			Parallelism: cfg.Dispatch.Parallelism,
			MaxRequeues: cfg.Dispatch.MaxRequeues,
		},
		Cache:           resultCache,
		Mutator:         mutator,
		Prompts:         registry,
		Extractor:       extractor,
		MaxPromptTokens: cfg.Gemini.MaxPromptTokens,
		EstimateTokens:  executor.EstimateTokens,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"credentials": pool.Size(),
		"cache":       cfg.Cache.Backend,
		"store":       cfg.Store.Driver,
		"anti_cache":  cfg.AntiCache.Enabled,
	}).Info("relay assembled")

	return &App{Service: svc, Store: st, Cache: resultCache, Pool: pool}, nil
}

// PolicyFromConfig maps cfg onto a retry policy. Zero fields keep the defaults.
func PolicyFromConfig(cfg config.RetryConfig) *retry.Policy {
	p := retry.NewPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RateLimitedDelay > 0 {
		p.RateLimitedDelay = cfg.RateLimitedDelay
	}
	if cfg.OverloadBase > 0 {
		p.OverloadBase = cfg.OverloadBase
	}
	if cfg.OverloadMax > 0 {
		p.OverloadMax = cfg.OverloadMax
	}
	if cfg.Jitter > 0 {
		p.Jitter = cfg.Jitter
	}
	if cfg.HintMultiplier > 0 {
		p.HintMultiplier = cfg.HintMultiplier
	}
	return p
}

// Close stops the service, then releases the cache and store.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Service != nil {
		errs = append(errs, a.Service.Close(ctx))
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
