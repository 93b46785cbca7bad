// Package dispatch schedules upstream calls.
//
// Serial runs one job at a time under a rolling rate window and a minimum
// spacing between calls. Parallel fans jobs out across the credential pool,
// one in-flight call per credential.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
)

// ErrClosed is returned when work is submitted to a stopped dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Attempt describes one physical call of a job.
type Attempt struct {
	// Number counts previous attempts of the same job, starting at zero.
	Number     int
	Credential auth.Credential
}

// Func performs a single upstream call with the given credential.
type Func func(ctx context.Context, attempt Attempt) (string, error)

// Job is a unit of work owned by exactly one dispatcher queue.
type Job struct {
	ID         string
	EnqueuedAt time.Time
	Retries    int

	fn     Func
	handle *Handle
}

func newJob(fn Func) *Job {
	id := uuid.NewString()
	return &Job{
		ID:         id,
		EnqueuedAt: time.Now(),
		fn:         fn,
		handle:     &Handle{ID: id, done: make(chan struct{})},
	}
}

// Handle is the caller side of a submitted job.
type Handle struct {
	ID string

	done  chan struct{}
	value string
	err   error
}

func (h *Handle) resolve(value string, err error) {
	h.value, h.err = value, err
	close(h.done)
}

// Done is closed once the job reached a terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends. Giving up on the wait does
// not stop the job.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
