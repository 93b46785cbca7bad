package dispatch

import (
	"sync"
	"time"
)

// RateWindow keeps the timestamps of recent dispatches inside a sliding window.
// Timestamps are kept in insertion order and pruned on every access.
type RateWindow struct {
	mu     sync.Mutex
	width  time.Duration
	limit  int
	stamps []time.Time
	now    func() time.Time
}

// NewRateWindow allows at most limit dispatches per width.
func NewRateWindow(width time.Duration, limit int, now func() time.Time) *RateWindow {
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = 1
	}
	return &RateWindow{width: width, limit: limit, now: now}
}

func (w *RateWindow) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(w.stamps) && now.Sub(w.stamps[cut]) >= w.width {
		cut++
	}
	if cut > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[cut:]...)
	}
}

// Delay returns how long a caller must wait before the window has room.
func (w *RateWindow) Delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	if len(w.stamps) < w.limit {
		return 0
	}
	return w.stamps[0].Add(w.width).Sub(now)
}

// Record appends a dispatch timestamp.
func (w *RateWindow) Record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	w.stamps = append(w.stamps, t)
}

// Len returns the number of dispatches currently inside the window.
func (w *RateWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.stamps)
}

// Snapshot returns a copy of the timestamps inside the window.
func (w *RateWindow) Snapshot() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return append([]time.Time(nil), w.stamps...)
}
