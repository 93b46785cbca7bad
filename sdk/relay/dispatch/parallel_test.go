package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeParallel(t *testing.T, p *Parallel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

var rateLimited = &retry.Error{Kind: retry.RateLimited, HTTPStatus: 429, Message: "gemini: 429 Too Many Requests"}

func TestParallel_BoundedByPoolSize(t *testing.T) {
	p := NewParallel(testPool(3), ParallelConfig{})
	defer closeParallel(t, p)
	require.Equal(t, 3, p.Parallelism())

	var (
		running    atomic.Int32
		maxSeen    atomic.Int32
		mu         sync.Mutex
		credInUse  = make(map[int]bool)
		violations int
	)
	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		h, err := p.Submit(func(_ context.Context, a Attempt) (string, error) {
			mu.Lock()
			if credInUse[a.Credential.Index] {
				violations++
			}
			credInUse[a.Credential.Index] = true
			mu.Unlock()

			n := running.Add(1)
			for {
				old := maxSeen.Load()
				if n <= old || maxSeen.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			running.Add(-1)

			mu.Lock()
			credInUse[a.Credential.Index] = false
			mu.Unlock()
			return "ok", nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	_, errs := waitAll(t, handles)
	for _, err := range errs {
		assert.NoError(t, err)
	}

	stats := p.Stats()
	assert.LessOrEqual(t, int(maxSeen.Load()), 3)
	assert.LessOrEqual(t, stats.MaxRunning, 3)
	assert.Equal(t, 10, stats.Completed+stats.Failed)
	assert.Zero(t, violations, "a credential served two concurrent calls")
	assert.Zero(t, stats.Running)
	assert.Zero(t, stats.Pending)
}

func TestParallel_ExplicitParallelism(t *testing.T) {
	p := NewParallel(testPool(4), ParallelConfig{Parallelism: 2})
	defer closeParallel(t, p)
	assert.Equal(t, 2, p.Parallelism())

	handles := make([]*Handle, 0, 6)
	for i := 0; i < 6; i++ {
		h, err := p.Submit(func(context.Context, Attempt) (string, error) {
			time.Sleep(5 * time.Millisecond)
			return "ok", nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	waitAll(t, handles)
	assert.LessOrEqual(t, p.Stats().MaxRunning, 2)
}

func TestParallel_ParallelismClampedToPool(t *testing.T) {
	p := NewParallel(testPool(2), ParallelConfig{Parallelism: 8})
	defer closeParallel(t, p)
	assert.Equal(t, 2, p.Parallelism())
}

func TestParallel_RateLimitedIsRequeuedOnAnotherCredential(t *testing.T) {
	pool := testPool(2)
	p := NewParallel(pool, ParallelConfig{})
	defer closeParallel(t, p)

	var mu sync.Mutex
	var used []int
	h, err := p.Submit(func(_ context.Context, a Attempt) (string, error) {
		mu.Lock()
		used = append(used, a.Credential.Index)
		mu.Unlock()
		if a.Number == 0 {
			return "", rateLimited
		}
		return "recovered", nil
	})
	require.NoError(t, err)

	value, errWait := h.Wait(context.Background())
	require.NoError(t, errWait)
	assert.Equal(t, "recovered", value)
	require.Len(t, used, 2)
	assert.NotEqual(t, used[0], used[1])

	stats := p.Stats()
	assert.Equal(t, 1, stats.Requeued)
	assert.Equal(t, 1, pool.Stats().Disabled, "quota failure pulls the credential pool-wide")
}

func TestParallel_RequeueBound(t *testing.T) {
	p := NewParallel(testPool(2), ParallelConfig{MaxRequeues: 3})
	defer closeParallel(t, p)

	var attempts atomic.Int32
	h, err := p.Submit(func(context.Context, Attempt) (string, error) {
		attempts.Add(1)
		return "", rateLimited
	})
	require.NoError(t, err)

	_, errWait := h.Wait(context.Background())
	require.Error(t, errWait)
	assert.Equal(t, int32(4), attempts.Load(), "one call plus three requeues")
	assert.Equal(t, retry.RateLimited, retry.KindOf(errWait))
	assert.Equal(t, 4, retry.AttemptsOf(errWait))
	assert.Equal(t, 1, p.Stats().Failed)
}

func TestParallel_OtherErrorFailsImmediately(t *testing.T) {
	p := NewParallel(testPool(2), ParallelConfig{})
	defer closeParallel(t, p)

	var attempts atomic.Int32
	want := errors.New("503 Service Unavailable")
	h, err := p.Submit(func(context.Context, Attempt) (string, error) {
		attempts.Add(1)
		return "", want
	})
	require.NoError(t, err)

	_, errWait := h.Wait(context.Background())
	assert.Same(t, want, errWait)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Zero(t, p.Stats().Requeued)
}

func TestParallel_MixedOutcomesAllResolve(t *testing.T) {
	p := NewParallel(testPool(3), ParallelConfig{})
	defer closeParallel(t, p)

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		h, err := p.Submit(func(_ context.Context, a Attempt) (string, error) {
			switch {
			case i%4 == 0 && a.Number == 0:
				return "", rateLimited
			case i%5 == 0:
				return "", errors.New("invalid image")
			}
			return "ok", nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	waitAll(t, handles)

	stats := p.Stats()
	assert.Equal(t, 10, stats.Completed+stats.Failed)
	assert.Equal(t, 2, stats.Failed)
	assert.LessOrEqual(t, stats.MaxRunning, 3)
}

func TestParallel_SubmitWithoutCredentials(t *testing.T) {
	p := NewParallel(auth.NewPool(nil), ParallelConfig{})
	defer closeParallel(t, p)
	_, err := p.Submit(func(context.Context, Attempt) (string, error) { return "", nil })
	assert.ErrorIs(t, err, auth.ErrNoCredentials)
}

func TestParallel_SubmitAfterClose(t *testing.T) {
	p := NewParallel(testPool(1), ParallelConfig{})
	closeParallel(t, p)
	_, err := p.Submit(func(context.Context, Attempt) (string, error) { return "", nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatchers_ShareCredentialLeases(t *testing.T) {
	pool := testPool(2)
	par := NewParallel(pool, ParallelConfig{})
	defer closeParallel(t, par)
	ser := NewSerial(pool, testPolicy(3), SerialConfig{Window: time.Minute, Limit: 100})
	defer closeSerial(t, ser)

	var (
		mu      sync.Mutex
		inUse   = make(map[int]int)
		maxUse  int
		started = make(chan struct{}, 2)
		unblock = make(chan struct{})
	)
	track := func(idx, delta int) {
		mu.Lock()
		defer mu.Unlock()
		inUse[idx] += delta
		if inUse[idx] > maxUse {
			maxUse = inUse[idx]
		}
	}

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 2; i++ {
		h, err := par.Submit(func(_ context.Context, a Attempt) (string, error) {
			track(a.Credential.Index, 1)
			defer track(a.Credential.Index, -1)
			started <- struct{}{}
			<-unblock
			return "parallel", nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	<-started
	<-started

	var serialRan atomic.Bool
	h, err := ser.Enqueue(func(_ context.Context, a Attempt) (string, error) {
		track(a.Credential.Index, 1)
		defer track(a.Credential.Index, -1)
		serialRan.Store(true)
		return "serial", nil
	})
	require.NoError(t, err)
	handles = append(handles, h)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, serialRan.Load(), "serial job waits for a free credential")

	close(unblock)
	values, errs := waitAll(t, handles)
	for i := range handles {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, "serial", values[2])
	assert.Equal(t, 1, maxUse, "one in-flight call per credential")
}

func TestParallel_WakesWhenSerialReleases(t *testing.T) {
	pool := testPool(1)
	ser := NewSerial(pool, testPolicy(1), SerialConfig{Window: time.Minute, Limit: 100})
	defer closeSerial(t, ser)
	par := NewParallel(pool, ParallelConfig{})
	defer closeParallel(t, par)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	hs, err := ser.Enqueue(func(context.Context, Attempt) (string, error) {
		close(entered)
		<-unblock
		return "serial", nil
	})
	require.NoError(t, err)
	<-entered

	hp, err := par.Submit(func(context.Context, Attempt) (string, error) { return "parallel", nil })
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, par.Stats().Pending)

	close(unblock)
	values, errs := waitAll(t, []*Handle{hs, hp})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"serial", "parallel"}, values)
}
