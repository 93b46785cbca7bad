package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxRequeues bounds how often a rate limited job is put back in line.
const DefaultMaxRequeues = 3

// ParallelConfig tunes the parallel dispatcher.
type ParallelConfig struct {
	// Parallelism is the number of concurrent jobs. Zero means the pool size;
	// larger values are clamped to it.
	Parallelism int
	// MaxRequeues is how many times a rate limited job is retried.
	MaxRequeues int
}

// ParallelStats is a snapshot of the parallel dispatcher.
type ParallelStats struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	MaxRunning int `json:"max_running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Requeued   int `json:"requeued"`
}

// Parallel runs up to Parallelism jobs at once, each on its own leased
// credential. A rate limited job goes back to the front of the queue and
// its credential is disabled pool-wide; any other failure is final.
type Parallel struct {
	pool        *auth.Pool
	parallelism int
	maxRequeues int

	mu      sync.Mutex
	pending []*Job
	running map[string]*Job
	closed  bool
	stats   ParallelStats

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewParallel starts a parallel dispatcher bound to pool.
func NewParallel(pool *auth.Pool, cfg ParallelConfig) *Parallel {
	size := pool.Size()
	parallelism := cfg.Parallelism
	if parallelism <= 0 || parallelism > size {
		parallelism = size
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	maxRequeues := cfg.MaxRequeues
	if maxRequeues <= 0 {
		maxRequeues = DefaultMaxRequeues
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Parallel{
		pool:        pool,
		parallelism: parallelism,
		maxRequeues: maxRequeues,
		running:     make(map[string]*Job),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	go p.run()
	return p
}

// Parallelism returns the effective concurrency degree.
func (p *Parallel) Parallelism() int { return p.parallelism }

// Submit queues fn and returns its handle.
func (p *Parallel) Submit(fn Func) (*Handle, error) {
	if p.pool.Size() == 0 {
		return nil, auth.ErrNoCredentials
	}
	job := newJob(fn)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending = append(p.pending, job)
	p.mu.Unlock()

	signal(p.wake)
	return job.handle, nil
}

// Stats returns a snapshot of the dispatcher.
func (p *Parallel) Stats() ParallelStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = len(p.pending)
	s.Running = len(p.running)
	return s
}

// Close stops accepting work and waits until pending and running jobs finish.
// If ctx ends first, remaining jobs are aborted and ctx.Err() is returned.
func (p *Parallel) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	signal(p.wake)

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

// run is the control loop. It is woken by Submit, by job completion and by
// leases released elsewhere in the pool.
func (p *Parallel) run() {
	defer close(p.done)
	for {
		released := p.pool.Changed()
		p.schedule()

		p.mu.Lock()
		finished := p.closed && len(p.pending) == 0 && len(p.running) == 0
		p.mu.Unlock()
		if finished {
			return
		}
		select {
		case <-p.wake:
		case <-released:
		}
	}
}

func (p *Parallel) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) > 0 && len(p.running) < p.parallelism {
		cred, ok := p.pool.Acquire()
		if !ok {
			break
		}
		job := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]

		runID := uuid.NewString()
		p.running[runID] = job
		if len(p.running) > p.stats.MaxRunning {
			p.stats.MaxRunning = len(p.running)
		}
		go p.execute(runID, job, cred)
	}
	middleware.SetQueueDepth("parallel", len(p.pending))
	middleware.SetParallelRunning(len(p.running))
}

func (p *Parallel) execute(runID string, job *Job, cred auth.Credential) {
	value, err := job.fn(p.ctx, Attempt{Number: job.Retries, Credential: cred})

	kind := retry.KindOf(err)
	if err != nil {
		// Disable before releasing so the lease cannot be handed out again in between.
		p.pool.ReportFailure(cred, err)
		middleware.RecordDispatchAttempt("parallel", kind.String())
	} else {
		middleware.RecordDispatchAttempt("parallel", "success")
	}
	p.pool.Release(cred)

	fields := log.Fields{"run_id": runID, "job": job.ID, "credential": cred.Masked()}

	p.mu.Lock()
	delete(p.running, runID)
	var resolve bool
	switch {
	case err == nil:
		p.stats.Completed++
		resolve = true
	case kind == retry.RateLimited && job.Retries < p.maxRequeues && p.ctx.Err() == nil:
		job.Retries++
		p.stats.Requeued++
		p.pending = append([]*Job{job}, p.pending...)
		log.WithFields(fields).WithField("retry", job.Retries).Warn("parallel job rate limited, requeued")
	default:
		p.stats.Failed++
		resolve = true
		if kind == retry.RateLimited {
			err = &retry.ExhaustedError{Attempts: job.Retries + 1, Err: err}
		}
		log.WithFields(fields).Debugf("parallel job failed: %v", err)
	}
	p.mu.Unlock()

	if resolve {
		job.handle.resolve(value, err)
	}
	signal(p.wake)
}
