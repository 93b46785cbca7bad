// Package relay is the request orchestration layer in front of the Gemini API.
//
// A Service owns a serial and a parallel dispatcher bound to one credential
// pool. Interactive calls go through the serial lane; AnalyzeBatch fans out
// across the pool. Results of repeatable calls are kept in a ResultCache and
// every attempt carries a freshly mutated prompt.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/anticache"
	"github.com/router-for-me/ReceiptRelay/internal/cache"
	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/prompts"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/dispatch"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	log "github.com/sirupsen/logrus"
)

const kindText = "text"

// Options wires a Service. Client and Pool are required; the rest default
// to built-in values, and a nil Cache or Mutator disables that stage.
type Options struct {
	Client Client
	Pool   *auth.Pool
	Policy *retry.Policy

	Serial   dispatch.SerialConfig
	Parallel dispatch.ParallelConfig

	Cache     *cache.ResultCache
	Mutator   *anticache.Mutator
	Prompts   *prompts.Registry
	Extractor *extract.Extractor

	// MaxPromptTokens rejects larger prompts before dispatch. Zero disables
	// the check, as does a nil EstimateTokens.
	MaxPromptTokens int
	EstimateTokens  func(text string) (int, error)
}

// GenerateOptions tunes a GenerateText call.
type GenerateOptions struct {
	// Temperature overrides the mutated sampling temperature.
	Temperature *float64
}

// Service is safe for concurrent use.
type Service struct {
	client    Client
	pool      *auth.Pool
	serial    *dispatch.Serial
	parallel  *dispatch.Parallel
	cache     *cache.ResultCache
	mutator   *anticache.Mutator
	prompts   *prompts.Registry
	extractor *extract.Extractor

	maxPromptTokens int
	estimateTokens  func(string) (int, error)
}

// NewService starts the dispatchers. Call Close to stop them.
func NewService(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("relay: client is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("relay: credential pool is required")
	}
	if opts.Policy == nil {
		opts.Policy = retry.NewPolicy()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.New()
	}
	if opts.Extractor == nil {
		ex, err := extract.New()
		if err != nil {
			return nil, fmt.Errorf("relay: init extractor: %w", err)
		}
		opts.Extractor = ex
	}

	s := &Service{
		client:          opts.Client,
		pool:            opts.Pool,
		serial:          dispatch.NewSerial(opts.Pool, opts.Policy, opts.Serial),
		parallel:        dispatch.NewParallel(opts.Pool, opts.Parallel),
		cache:           opts.Cache,
		mutator:         opts.Mutator,
		prompts:         opts.Prompts,
		extractor:       opts.Extractor,
		maxPromptTokens: opts.MaxPromptTokens,
		estimateTokens:  opts.EstimateTokens,
	}
	log.WithFields(log.Fields{
		"credentials": opts.Pool.Size(),
		"parallelism": s.parallel.Parallelism(),
		"cache":       opts.Cache != nil,
		"anti_cache":  opts.Mutator != nil,
	}).Info("relay service started")
	return s, nil
}

// Close stops both dispatchers after their queues drain or ctx ends.
func (s *Service) Close(ctx context.Context) error {
	errSerial := s.serial.Close(ctx)
	errParallel := s.parallel.Close(ctx)
	return errors.Join(errSerial, errParallel)
}

// Prompts exposes the prompt registry.
func (s *Service) Prompts() *prompts.Registry { return s.prompts }

// GenerateText sends a text-only prompt through the serial lane.
func (s *Service) GenerateText(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", wrap(opGenerateText, ErrMissingPrompt)
	}
	if err := s.checkPromptSize(prompt); err != nil {
		return "", wrap(opGenerateText, err)
	}
	if value, ok := s.lookup(ctx, "", prompt, kindText); ok {
		return value, nil
	}

	value, err := s.runSerial(ctx, func(ctx context.Context, attempt dispatch.Attempt) (string, error) {
		mutation := s.mutate(prompt, "", 0, attempt.Number)
		if opts.Temperature != nil {
			mutation.Params.Temperature = *opts.Temperature
		}
		return s.client.GenerateContent(ctx, attempt.Credential, Request{Prompt: mutation.Prompt, Params: mutation.Params})
	})
	if err != nil {
		return "", wrap(opGenerateText, err)
	}
	s.store(ctx, "", prompt, kindText, value)
	return value, nil
}

// AnalyzeImage sends prompt with inline media through the serial lane. The
// raw model reply is returned.
func (s *Service) AnalyzeImage(ctx context.Context, prompt string, media []byte, mimeType string) (string, error) {
	if len(media) == 0 {
		return "", wrap(opAnalyzeImage, ErrEmptyMedia)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", wrap(opAnalyzeImage, ErrMissingPrompt)
	}
	if err := s.checkPromptSize(prompt); err != nil {
		return "", wrap(opAnalyzeImage, err)
	}
	identity := mediaIdentity(media, "")
	if value, ok := s.lookup(ctx, identity, prompt, "image"); ok {
		return value, nil
	}

	value, err := s.runSerial(ctx, func(ctx context.Context, attempt dispatch.Attempt) (string, error) {
		mutation := s.mutate(prompt, "", 0, attempt.Number)
		return s.client.GenerateContent(ctx, attempt.Credential, Request{
			Prompt:   mutation.Prompt,
			Media:    media,
			MimeType: mimeType,
			Params:   mutation.Params,
		})
	})
	if err != nil {
		return "", wrap(opAnalyzeImage, err)
	}
	s.store(ctx, identity, prompt, "image", value)
	return value, nil
}

// CountTokens asks the upstream for the token count of text.
func (s *Service) CountTokens(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, wrap(opCountTokens, ErrMissingPrompt)
	}
	value, err := s.runSerial(ctx, func(ctx context.Context, attempt dispatch.Attempt) (string, error) {
		n, err := s.client.CountTokens(ctx, attempt.Credential, text)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	})
	if err != nil {
		return 0, wrap(opCountTokens, err)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, wrap(opCountTokens, err)
	}
	return n, nil
}

// KeyStats returns the credential pool counters.
func (s *Service) KeyStats() auth.Stats { return s.pool.Stats() }

// DispatchStats is a snapshot of both dispatchers.
type DispatchStats struct {
	Serial   dispatch.SerialStats   `json:"serial"`
	Parallel dispatch.ParallelStats `json:"parallel"`
}

// DispatchStats returns the dispatcher counters.
func (s *Service) DispatchStats() DispatchStats {
	return DispatchStats{Serial: s.serial.Stats(), Parallel: s.parallel.Stats()}
}

// CacheStats returns the result cache counters. ok is false without a cache.
func (s *Service) CacheStats(ctx context.Context) (stats cache.Stats, ok bool) {
	if s.cache == nil {
		return cache.Stats{}, false
	}
	return s.cache.Stats(ctx), true
}

// SetCacheEnabled switches the result cache at runtime.
func (s *Service) SetCacheEnabled(enabled bool) {
	if s.cache != nil {
		s.cache.SetEnabled(enabled)
	}
}

// ClearCache drops every cached result.
func (s *Service) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx)
}

func (s *Service) runSerial(ctx context.Context, fn dispatch.Func) (string, error) {
	handle, err := s.serial.Enqueue(fn)
	if err != nil {
		return "", err
	}
	return handle.Wait(ctx)
}

func (s *Service) mutate(prompt, fileName string, fileIndex, attempt int) anticache.Mutation {
	if s.mutator == nil {
		return anticache.Mutation{Prompt: prompt, Params: anticache.DefaultParams()}
	}
	return s.mutator.Mutate(prompt, fileName, fileIndex, attempt)
}

func (s *Service) lookup(ctx context.Context, identity, prompt, kind string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	return s.cache.Lookup(ctx, identity, prompt, kind)
}

func (s *Service) store(ctx context.Context, identity, prompt, kind, value string) {
	if s.cache == nil || value == extract.FailureMarker {
		return
	}
	s.cache.Store(ctx, identity, prompt, kind, value)
}

func (s *Service) checkPromptSize(prompt string) error {
	if s.maxPromptTokens <= 0 || s.estimateTokens == nil {
		return nil
	}
	n, err := s.estimateTokens(prompt)
	if err != nil {
		log.Warnf("token estimate unavailable, skipping size check: %v", err)
		return nil
	}
	if n > s.maxPromptTokens {
		return fmt.Errorf("%w: %d tokens, limit %d", ErrPromptTooLarge, n, s.maxPromptTokens)
	}
	return nil
}

func durationSince(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
