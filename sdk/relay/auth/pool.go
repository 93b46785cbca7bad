// Package auth rotates API credentials for upstream calls.
//
// The Pool hands out credentials in round-robin order, suspends a credential
// after a quota failure and reinstates it once its cooldown has elapsed.
// Credentials are never removed from the pool.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	"github.com/router-for-me/ReceiptRelay/internal/util"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	log "github.com/sirupsen/logrus"
)

// DefaultDisableTimeout is how long a rate limited credential stays out of rotation.
const DefaultDisableTimeout = 60 * time.Second

// ErrNoCredentials is returned by an empty pool.
var ErrNoCredentials = errors.New("no API credentials configured")

// Credential identifies one pooled API key. It is a handle: counters and
// cooldown state stay inside the pool and are addressed by Index.
type Credential struct {
	Index  int
	Secret string
}

// Masked returns the key in a form safe for logs.
func (c Credential) Masked() string { return util.MaskKey(c.Secret) }

type entry struct {
	secret        string
	usage         int64
	errors        int64
	disabledAt    time.Time
	disabledUntil time.Time
	leased        bool
	timer         *time.Timer
}

func (e *entry) disabled() bool { return !e.disabledUntil.IsZero() }

// Option configures a Pool.
type Option func(*Pool)

// WithDisableTimeout overrides DefaultDisableTimeout.
func WithDisableTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.disableTimeout = d
		}
	}
}

// WithClock injects the time source used for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool is a round-robin credential pool safe for concurrent use.
type Pool struct {
	mu             sync.Mutex
	entries        []*entry
	cursor         int
	changed        chan struct{}
	disableTimeout time.Duration
	now            func() time.Time
}

// NewPool builds a pool from the given secrets. Blank secrets are skipped.
func NewPool(secrets []string, opts ...Option) *Pool {
	p := &Pool{
		disableTimeout: DefaultDisableTimeout,
		now:            time.Now,
		changed:        make(chan struct{}),
	}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		p.entries = append(p.entries, &entry{secret: s})
	}
	for _, opt := range opts {
		opt(p)
	}
	middleware.SetCredentialCounts(len(p.entries), 0)
	return p
}

// Size returns the number of pooled credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Next returns the next usable credential in round-robin order without taking
// a lease. Idle credentials are preferred over ones serving an in-flight
// lease. When every credential is disabled the one disabled longest ago is
// reactivated. Dispatchers use Acquire or AcquireWait instead.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return Credential{}, ErrNoCredentials
	}
	p.reinstateExpiredLocked()

	idx := p.pickLocked(func(e *entry) bool { return !e.disabled() && !e.leased })
	if idx < 0 {
		idx = p.pickLocked(func(e *entry) bool { return !e.disabled() })
	}
	if idx < 0 {
		idx = p.reactivateOldestLocked(func(*entry) bool { return true })
	}
	return p.handOutLocked(idx), nil
}

// Acquire leases an idle, enabled credential for exclusive use until Release.
// If every credential is disabled, the idle one disabled longest ago is
// reactivated. ok is false when all usable credentials are already leased.
func (p *Pool) Acquire() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return Credential{}, false
	}
	p.reinstateExpiredLocked()

	return p.acquireLocked()
}

// AcquireWait is Acquire that blocks until a lease frees up or ctx ends.
func (p *Pool) AcquireWait(ctx context.Context) (Credential, error) {
	for {
		p.mu.Lock()
		if len(p.entries) == 0 {
			p.mu.Unlock()
			return Credential{}, ErrNoCredentials
		}
		p.reinstateExpiredLocked()
		cred, ok := p.acquireLocked()
		changed := p.changed
		p.mu.Unlock()
		if ok {
			return cred, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
}

func (p *Pool) acquireLocked() (Credential, bool) {
	idx := p.pickLocked(func(e *entry) bool { return !e.disabled() && !e.leased })
	if idx < 0 && p.activeCountLocked() == 0 {
		idx = p.reactivateOldestLocked(func(e *entry) bool { return !e.leased })
	}
	if idx < 0 {
		return Credential{}, false
	}
	p.entries[idx].leased = true
	return p.handOutLocked(idx), true
}

// Release ends the lease taken by Acquire.
func (p *Pool) Release(cred Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryLocked(cred); e != nil && e.leased {
		e.leased = false
		p.notifyLocked()
	}
}

// Changed returns a channel that is closed the next time a lease is released
// or a credential is reinstated. Take it before a failed Acquire to avoid
// missing the wake-up.
func (p *Pool) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// ReportFailure counts a failed call on cred and disables it when the error
// is a quota failure.
func (p *Pool) ReportFailure(cred Credential, err error) {
	if err == nil {
		return
	}
	kind := retry.KindOf(err)
	middleware.RecordCredentialFailure(kind.String())

	p.mu.Lock()
	e := p.entryLocked(cred)
	if e == nil {
		p.mu.Unlock()
		return
	}
	e.errors++
	p.mu.Unlock()

	if kind == retry.RateLimited {
		p.Disable(cred, p.disableTimeout)
	}
}

// Disable takes cred out of rotation for timeout. A non-positive timeout
// uses the pool default.
func (p *Pool) Disable(cred Credential, timeout time.Duration) {
	if timeout <= 0 {
		timeout = p.disableTimeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entryLocked(cred)
	if e == nil {
		return
	}
	now := p.now()
	e.disabledAt = now
	e.disabledUntil = now.Add(timeout)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(timeout, p.onCooldownTimer)
	p.publishCountsLocked()

	log.WithFields(log.Fields{
		"credential": util.MaskKey(e.secret),
		"until":      e.disabledUntil.Format(time.RFC3339),
	}).Warn("credential disabled after quota failure")
}

func (p *Pool) onCooldownTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reinstateExpiredLocked()
}

// reinstateExpiredLocked clears every cooldown that has elapsed on the pool clock.
func (p *Pool) reinstateExpiredLocked() {
	now := p.now()
	changed := false
	for _, e := range p.entries {
		if e.disabled() && !now.Before(e.disabledUntil) {
			p.reinstateLocked(e)
			changed = true
		}
	}
	if changed {
		p.publishCountsLocked()
	}
}

func (p *Pool) reinstateLocked(e *entry) {
	e.disabledAt = time.Time{}
	e.disabledUntil = time.Time{}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	p.notifyLocked()
	log.WithField("credential", util.MaskKey(e.secret)).Info("credential reinstated")
}

// reactivateOldestLocked reinstates the disabled entry with the earliest
// disable time among those accepted by filter. Returns -1 if none qualifies.
func (p *Pool) reactivateOldestLocked(filter func(*entry) bool) int {
	oldest := -1
	for i, e := range p.entries {
		if !e.disabled() || !filter(e) {
			continue
		}
		if oldest < 0 || e.disabledAt.Before(p.entries[oldest].disabledAt) {
			oldest = i
		}
	}
	if oldest >= 0 {
		p.reinstateLocked(p.entries[oldest])
		p.publishCountsLocked()
	}
	return oldest
}

func (p *Pool) pickLocked(usable func(*entry) bool) int {
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if usable(p.entries[idx]) {
			return idx
		}
	}
	return -1
}

func (p *Pool) handOutLocked(idx int) Credential {
	e := p.entries[idx]
	e.usage++
	p.cursor = (idx + 1) % len(p.entries)
	return Credential{Index: idx, Secret: e.secret}
}

func (p *Pool) entryLocked(cred Credential) *entry {
	if cred.Index < 0 || cred.Index >= len(p.entries) {
		return nil
	}
	e := p.entries[cred.Index]
	if e.secret != cred.Secret {
		return nil
	}
	return e
}

func (p *Pool) activeCountLocked() int {
	active := 0
	for _, e := range p.entries {
		if !e.disabled() {
			active++
		}
	}
	return active
}

func (p *Pool) publishCountsLocked() {
	active := p.activeCountLocked()
	middleware.SetCredentialCounts(active, len(p.entries)-active)
}
