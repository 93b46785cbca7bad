package auth

import (
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/util"
)

// CredentialStats describes one pooled credential. Key is masked.
type CredentialStats struct {
	Index         int        `json:"index"`
	Key           string     `json:"key"`
	Usage         int64      `json:"usage"`
	Errors        int64      `json:"errors"`
	Disabled      bool       `json:"disabled"`
	DisabledUntil *time.Time `json:"disabled_until,omitempty"`
	InFlight      bool       `json:"in_flight"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total       int               `json:"total"`
	Active      int               `json:"active"`
	Disabled    int               `json:"disabled"`
	Usage       int64             `json:"usage"`
	Errors      int64             `json:"errors"`
	Credentials []CredentialStats `json:"credentials"`
}

// Stats returns aggregate and per-credential counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reinstateExpiredLocked()

	out := Stats{
		Total:       len(p.entries),
		Credentials: make([]CredentialStats, 0, len(p.entries)),
	}
	for i, e := range p.entries {
		cs := CredentialStats{
			Index:    i,
			Key:      util.MaskKey(e.secret),
			Usage:    e.usage,
			Errors:   e.errors,
			Disabled: e.disabled(),
			InFlight: e.leased,
		}
		if cs.Disabled {
			until := e.disabledUntil
			cs.DisabledUntil = &until
			out.Disabled++
		} else {
			out.Active++
		}
		out.Usage += e.usage
		out.Errors += e.errors
		out.Credentials = append(out.Credentials, cs)
	}
	return out
}
