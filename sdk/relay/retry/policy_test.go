package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestClassify(t *testing.T) {
	hint := 3 * time.Second
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Other},
		{"typed rate limited", &Error{Kind: RateLimited, HTTPStatus: 429}, RateLimited},
		{"typed overloaded wrapped", fmt.Errorf("wrap: %w", &Error{Kind: Overloaded, Retry: &hint}), Overloaded},
		{"typed other wins over text", &Error{Kind: Other, Message: "quota mentioned in body"}, Other},
		{"status 429 text", errors.New("gemini: 429 Too Many Requests"), RateLimited},
		{"quota text", errors.New("You exceeded your current quota"), RateLimited},
		{"too many requests", errors.New("Too Many Requests"), RateLimited},
		{"status 503 text", errors.New("got 503 from upstream"), Overloaded},
		{"service unavailable", errors.New("Service Unavailable"), Overloaded},
		{"overloaded", errors.New("The model is overloaded. Please try again later."), Overloaded},
		{"plain", errors.New("invalid argument"), Other},
		{"port number is not a status", errors.New("dial tcp 10.0.0.1:4290: refused"), Other},
	}
	p := NewPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayFor_RateLimitedIsFixed(t *testing.T) {
	p := NewPolicy()
	for attempt := 0; attempt < 4; attempt++ {
		d, ok := p.DelayFor(errors.New("429 quota"), attempt)
		require.True(t, ok)
		assert.Equal(t, DefaultRateLimitedDelay, d)
	}
}

func TestDelayFor_OtherDoesNotRetry(t *testing.T) {
	d, ok := NewPolicy().DelayFor(errors.New("bad request"), 0)
	assert.False(t, ok)
	assert.Zero(t, d)
}

func TestDelayFor_OverloadedRetryDelayField(t *testing.T) {
	p := NewPolicy()
	err := errors.New(`503 Service Unavailable {"error":{"details":[{"retryDelay":"12s"}]}}`)

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d, ok := p.DelayFor(err, attempt)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 12*time.Second)
		assert.Greater(t, d, prev, "delay must grow with the attempt")
		prev = d
	}
	d, _ := p.DelayFor(err, 2)
	assert.Equal(t, time.Duration(float64(12*time.Second)*1.5*1.5), d)
}

func TestServerHint(t *testing.T) {
	typed := 7 * time.Second
	tests := []struct {
		name  string
		err   error
		want  time.Duration
		found bool
	}{
		{"typed hint", &Error{Kind: Overloaded, Retry: &typed, Message: `"retryDelay":"12s"`}, 7 * time.Second, true},
		{"structured field first", errors.New(`retry after 5s "retryDelay":"12s"`), 12 * time.Second, true},
		{"phrase", errors.New("overloaded, retry after 9 seconds"), 9 * time.Second, true},
		{"bare token", errors.New("overloaded; wait 4s"), 4 * time.Second, true},
		{"fractional", errors.New(`"retryDelay":"1.5s"`), 1500 * time.Millisecond, true},
		{"none", errors.New("overloaded"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ServerHint(tt.err)
			if found != tt.found || got != tt.want {
				t.Errorf("ServerHint() = (%v, %v), want (%v, %v)", got, found, tt.want, tt.found)
			}
		})
	}
}

func TestDelayFor_OverloadedExponential(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{"first attempt no jitter", 0, 0, 30 * time.Second},
		{"doubles", 1, 0, 60 * time.Second},
		{"full jitter adds a quarter", 1, 1, 75 * time.Second},
		{"capped", 5, 0, 300 * time.Second},
		{"capped after jitter", 3, 1, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jitter := tt.jitter
			p := NewPolicy().WithRand(func() float64 { return jitter })
			got, ok := p.DelayFor(errors.New("503 Service Unavailable"), tt.attempt)
			require.True(t, ok)
			if got != tt.want {
				t.Errorf("DelayFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := NewPolicy().WithSleep(noSleep)
	p.MaxAttempts = 3

	calls := 0
	upstream := &Error{Kind: RateLimited, HTTPStatus: 429, Message: "gemini: 429 Too Many Requests"}
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		return upstream
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, AttemptsOf(err))
	assert.ErrorIs(t, err, upstream)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, RateLimited, KindOf(err))
}

func TestDo_OtherStopsImmediately(t *testing.T) {
	p := NewPolicy().WithSleep(noSleep)
	calls := 0
	want := errors.New("permission denied")
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return want
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, want, err)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	var slept []time.Duration
	p := NewPolicy().WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}).WithRand(func() float64 { return 0 })

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("503 overloaded")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, slept)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPolicy()
	err := p.Do(ctx, func(context.Context, int) error { return errors.New("503") })
	assert.ErrorIs(t, err, context.Canceled)
}
