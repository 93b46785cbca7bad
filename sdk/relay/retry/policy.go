package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	log "github.com/sirupsen/logrus"
)

// Policy defaults. Overload backoff doubles from DefaultOverloadBase, gains up
// to DefaultJitter of extra delay and is capped at DefaultOverloadMax. A server
// retry hint grows by DefaultHintMultiplier per attempt.
const (
	DefaultMaxAttempts      = 5
	DefaultRateLimitedDelay = 2 * time.Second
	DefaultOverloadBase     = 30 * time.Second
	DefaultOverloadMax      = 300 * time.Second
	DefaultJitter           = 0.25
	DefaultHintMultiplier   = 1.5
)

var (
	rateLimitedPattern = regexp.MustCompile(`(?i)\b429\b|quota|too many requests|resource_exhausted|rate[ _-]?limit`)
	overloadedPattern  = regexp.MustCompile(`(?i)\b503\b|service unavailable|overloaded|\bunavailable\b`)

	retryDelayFieldPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)
	retryAfterPhrase       = regexp.MustCompile(`(?i)retry (?:after|in)\s+(\d+(?:\.\d+)?)\s*(?:s|secs?|seconds?)\b`)
	bareSecondsPattern     = regexp.MustCompile(`\b(\d+(?:\.\d+)?)s\b`)
)

// Policy decides whether and when a failed upstream call is retried.
// The zero value is not usable; construct with NewPolicy.
type Policy struct {
	MaxAttempts      int
	RateLimitedDelay time.Duration
	OverloadBase     time.Duration
	OverloadMax      time.Duration
	Jitter           float64
	HintMultiplier   float64

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a policy with the default constants.
func NewPolicy() *Policy {
	return &Policy{
		MaxAttempts:      DefaultMaxAttempts,
		RateLimitedDelay: DefaultRateLimitedDelay,
		OverloadBase:     DefaultOverloadBase,
		OverloadMax:      DefaultOverloadMax,
		Jitter:           DefaultJitter,
		HintMultiplier:   DefaultHintMultiplier,
		rand:             rand.Float64,
		sleep:            Sleep,
	}
}

// WithRand replaces the jitter source. Used by tests.
func (p *Policy) WithRand(fn func() float64) *Policy {
	if fn != nil {
		p.rand = fn
	}
	return p
}

// WithSleep replaces the backoff sleeper. Used by tests.
func (p *Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Policy {
	if fn != nil {
		p.sleep = fn
	}
	return p
}

// Classify returns the failure class of err.
func (p *Policy) Classify(err error) Kind {
	return classify(err)
}

func classify(err error) Kind {
	if err == nil {
		return Other
	}
	var typed *Error
	if errors.As(err, &typed) && typed != nil {
		return typed.Kind
	}
	msg := err.Error()
	switch {
	case rateLimitedPattern.MatchString(msg):
		return RateLimited
	case overloadedPattern.MatchString(msg):
		return Overloaded
	default:
		return Other
	}
}

// DelayFor returns how long to wait before retrying after err failed the
// given zero-based attempt. ok is false when the error must not be retried.
func (p *Policy) DelayFor(err error, attempt int) (time.Duration, bool) {
	if attempt < 0 {
		attempt = 0
	}
	switch classify(err) {
	case RateLimited:
		return p.RateLimitedDelay, true
	case Overloaded:
		if hint, found := ServerHint(err); found {
			return time.Duration(float64(hint) * math.Pow(p.HintMultiplier, float64(attempt))), true
		}
		return p.exponential(attempt), true
	default:
		return 0, false
	}
}

func (p *Policy) exponential(attempt int) time.Duration {
	backoff := float64(p.OverloadBase) * math.Pow(2, float64(attempt))
	if p.Jitter > 0 && p.rand != nil {
		backoff += backoff * p.Jitter * p.rand()
	}
	if p.OverloadMax > 0 && backoff > float64(p.OverloadMax) {
		return p.OverloadMax
	}
	return time.Duration(backoff)
}

// ServerHint extracts a server suggested delay from err. A typed hint wins,
// then the structured retryDelay field, then a "retry after Ns" phrase,
// then any bare "Ns" token.
func ServerHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	type retryAfterProvider interface {
		RetryAfter() *time.Duration
	}
	var rap retryAfterProvider
	if errors.As(err, &rap) && rap != nil {
		if d := rap.RetryAfter(); d != nil && *d > 0 {
			return *d, true
		}
	}
	msg := err.Error()
	for _, re := range []*regexp.Regexp{retryDelayFieldPattern, retryAfterPhrase, bareSecondsPattern} {
		m := re.FindStringSubmatch(msg)
		if len(m) < 2 {
			continue
		}
		secs, errParse := strconv.ParseFloat(m[1], 64)
		if errParse != nil || secs <= 0 {
			continue
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

// Do runs fn until it succeeds, returns a non-retryable error or the attempt
// budget is spent. The attempt number passed to fn starts at zero.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		delay, retryable := p.DelayFor(lastErr, attempt)
		if !retryable {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"kind":    classify(lastErr).String(),
			"delay":   delay,
		}).Warnf("upstream call failed, retrying: %v", lastErr)
		middleware.ObserveBackoff(delay)
		if errSleep := p.sleep(ctx, delay); errSleep != nil {
			return errSleep
		}
	}
	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
