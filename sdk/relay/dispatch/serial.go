package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Serial dispatcher defaults: at most DefaultRateLimit calls per
// DefaultRateWindow, at least DefaultMinSpacing apart.
const (
	DefaultRateWindow = 60 * time.Second
	DefaultRateLimit  = 12
	DefaultMinSpacing = 5 * time.Second
)

// SerialConfig tunes the serial dispatcher.
type SerialConfig struct {
	// Window is the width of the rolling rate window.
	Window time.Duration
	// Limit is the number of dispatches allowed inside Window.
	Limit int
	// MinSpacing is the minimum gap between two dispatches. Zero disables it.
	MinSpacing time.Duration
}

// DefaultSerialConfig returns 12 calls per minute, 5s apart.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{Window: DefaultRateWindow, Limit: DefaultRateLimit, MinSpacing: DefaultMinSpacing}
}

// SerialStats is a snapshot of the serial dispatcher.
type SerialStats struct {
	Pending   int `json:"pending"`
	InWindow  int `json:"in_window"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Serial is a single-lane FIFO dispatcher. A persistent worker goroutine
// runs one job at a time; every attempt of a job, retries included, waits
// for the rate window and the minimum spacing and is recorded in the window.
type Serial struct {
	pool    *auth.Pool
	policy  *retry.Policy
	window  *RateWindow
	spacing *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	queue     []*Job
	closed    bool
	completed int
	failed    int

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSerial starts a serial dispatcher bound to pool and policy.
func NewSerial(pool *auth.Pool, policy *retry.Policy, cfg SerialConfig) *Serial {
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultRateLimit
	}
	if policy == nil {
		policy = retry.NewPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serial{
		pool:   pool,
		policy: policy,
		window: NewRateWindow(cfg.Window, cfg.Limit, nil),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MinSpacing > 0 {
		s.spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}
	go s.run()
	return s
}

// Enqueue appends fn to the queue and returns its handle.
func (s *Serial) Enqueue(fn Func) (*Handle, error) {
	job := newJob(fn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.queue = append(s.queue, job)
	depth := len(s.queue)
	s.mu.Unlock()

	middleware.SetQueueDepth("serial", depth)
	signal(s.wake)
	return job.handle, nil
}

// Window exposes the rate window, mainly for inspection.
func (s *Serial) Window() *RateWindow { return s.window }

// Stats returns a snapshot of the queue.
func (s *Serial) Stats() SerialStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SerialStats{
		Pending:   len(s.queue),
		InWindow:  s.window.Len(),
		Completed: s.completed,
		Failed:    s.failed,
	}
}

// Close stops accepting work and waits until queued jobs are drained. If ctx
// ends first, waiting jobs are aborted and ctx.Err() is returned.
func (s *Serial) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	signal(s.wake)

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		job, ok := s.pop()
		if !ok {
			return
		}
		value, err := s.execute(job)

		s.mu.Lock()
		if err != nil {
			s.failed++
		} else {
			s.completed++
		}
		s.mu.Unlock()
		job.handle.resolve(value, err)
	}
}

// pop blocks until a job is queued. It returns false once the dispatcher is
// closed and the queue is empty.
func (s *Serial) pop() (*Job, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			job := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			depth := len(s.queue)
			s.mu.Unlock()
			middleware.SetQueueDepth("serial", depth)
			return job, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *Serial) execute(job *Job) (string, error) {
	var value string
	err := s.policy.Do(s.ctx, func(ctx context.Context, attempt int) error {
		if errGate := s.gate(ctx); errGate != nil {
			return errGate
		}
		cred, errCred := s.pool.AcquireWait(ctx)
		if errCred != nil {
			return errCred
		}
		s.window.Record(s.now())

		out, errCall := job.fn(ctx, Attempt{Number: attempt, Credential: cred})
		if errCall != nil {
			kind := retry.KindOf(errCall)
			s.pool.ReportFailure(cred, errCall)
			s.pool.Release(cred)
			middleware.RecordDispatchAttempt("serial", kind.String())
			log.WithFields(log.Fields{
				"job":        job.ID,
				"attempt":    attempt + 1,
				"credential": cred.Masked(),
				"kind":       kind.String(),
			}).Debugf("serial dispatch failed: %v", errCall)
			return errCall
		}
		s.pool.Release(cred)
		middleware.RecordDispatchAttempt("serial", "success")
		value = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// gate waits for room in the rate window, then for the minimum spacing.
func (s *Serial) gate(ctx context.Context) error {
	for {
		wait := s.window.Delay()
		if wait <= 0 {
			break
		}
		log.WithField("wait", wait).Debug("rate window full, waiting")
		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
	if s.spacing != nil {
		return s.spacing.Wait(ctx)
	}
	return nil
}
