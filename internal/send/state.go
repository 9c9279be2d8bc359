// Package send implements the Sender (C8): a fixed-size worker pool per
// destination that applies concurrency, backoff, and quota state to every
// send attempt.
package send

import (
	"sync"
	"time"
)

const (
	DefaultNetErrThreshold   = 60
	DefaultQuotaErrThreshold = 1
	DefaultUrgentDrain       = 20 * time.Second
)

// DestinationConfig bounds one destination's concurrency and backoff
// behavior.
type DestinationConfig struct {
	Cmax                 int
	ConcurrencyMin        int
	NetErrThreshold       int
	QuotaErrThreshold     int
	NetBackoffBase        time.Duration
	NetBackoffMax         time.Duration
	NetBackoffFactor      float64
	QuotaBackoffBase      time.Duration
	QuotaBackoffMax       time.Duration
	QuotaBackoffFactor    float64
	// DriftWindow: checked on each Record call; once concurrency has sat at
	// or below ConcurrencyMin longer than this, it is set to ConcurrencyMin.
	DriftWindow time.Duration
}

func (c *DestinationConfig) applyDefaults() {
	if c.Cmax <= 0 {
		c.Cmax = 8
	}
	if c.ConcurrencyMin <= 0 {
		c.ConcurrencyMin = 1
	}
	if c.NetErrThreshold <= 0 {
		c.NetErrThreshold = DefaultNetErrThreshold
	}
	if c.QuotaErrThreshold <= 0 {
		c.QuotaErrThreshold = DefaultQuotaErrThreshold
	}
	if c.NetBackoffBase <= 0 {
		c.NetBackoffBase = time.Second
	}
	if c.NetBackoffMax <= 0 {
		c.NetBackoffMax = 5 * time.Minute
	}
	if c.NetBackoffFactor <= 1 {
		c.NetBackoffFactor = 2.0
	}
	if c.QuotaBackoffBase <= 0 {
		c.QuotaBackoffBase = 5 * time.Second
	}
	if c.QuotaBackoffMax <= 0 {
		c.QuotaBackoffMax = 10 * time.Minute
	}
	if c.QuotaBackoffFactor <= 1 {
		c.QuotaBackoffFactor = 2.0
	}
	if c.DriftWindow <= 0 {
		c.DriftWindow = 5 * time.Minute
	}
}

// DestinationState is the sole concurrent object in the data path:
// per-destination concurrency, backoff, and error-streak bookkeeping,
// mutated only by Sender workers for that destination under mu.
type DestinationState struct {
	cfg DestinationConfig

	mu sync.Mutex

	concurrency int

	consecNetErr   int
	consecQuotaErr int

	networkOK bool
	quotaOK   bool

	lastNetErrTime   time.Time
	lastQuotaErrTime time.Time

	rNet time.Duration
	rQ   time.Duration

	lowSince time.Time
	urgent   bool
}

// NewDestinationState constructs a DestinationState starting at full health
// and Cmax concurrency.
func NewDestinationState(cfg DestinationConfig) *DestinationState {
	cfg.applyDefaults()
	return &DestinationState{
		cfg:         cfg,
		concurrency: cfg.Cmax,
		networkOK:   true,
		quotaOK:     true,
		rNet:        cfg.NetBackoffBase,
		rQ:          cfg.QuotaBackoffBase,
	}
}

// Outcome is the result of one send attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDiscard
	OutcomeNetworkFailure
	OutcomeQuotaFailure
)

// SetUrgent toggles urgent (shutdown-drain) mode: concurrency is not
// decreased on error and blocked-state checks are bypassed.
func (d *DestinationState) SetUrgent(urgent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urgent = urgent
}

// Blocked reports whether sends to this destination are currently withheld,
// and until when.
func (d *DestinationState) Blocked(now time.Time) (bool, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.urgent {
		return false, time.Time{}
	}
	if !d.networkOK {
		until := d.lastNetErrTime.Add(d.rNet)
		if now.Before(until) {
			return true, until
		}
	}
	if !d.quotaOK {
		until := d.lastQuotaErrTime.Add(d.rQ)
		if now.Before(until) {
			return true, until
		}
	}
	return false, time.Time{}
}

// Concurrency returns the concurrency level tracked by the outcome table.
// The Sender runs Cmax workers per destination and does not consult it.
func (d *DestinationState) Concurrency() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.concurrency
}

// Record applies outcome's effect on destination state, per the
// concurrency/backoff outcome table.
func (d *DestinationState) Record(outcome Outcome, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch outcome {
	case OutcomeSuccess, OutcomeDiscard:
		d.consecNetErr = 0
		d.consecQuotaErr = 0
		wasUnblocked := !d.networkOK || !d.quotaOK
		d.networkOK = true
		d.quotaOK = true
		if wasUnblocked {
			d.rNet = d.cfg.NetBackoffBase
			d.rQ = d.cfg.QuotaBackoffBase
		}
		d.concurrency = min(d.concurrency+2, d.cfg.Cmax)
		if d.concurrency > d.cfg.ConcurrencyMin {
			d.lowSince = time.Time{}
		}

	case OutcomeNetworkFailure:
		d.lastNetErrTime = now
		d.consecNetErr++
		if !d.urgent {
			d.concurrency = max(d.concurrency-1, d.cfg.ConcurrencyMin)
		}
		if d.consecNetErr >= d.cfg.NetErrThreshold {
			if d.networkOK {
				d.networkOK = false
			} else if now.Sub(d.lastNetErrTime) >= 0 {
				// Unblock boundary handled by Blocked(); growth happens on
				// the attempt that crosses the unblock time, per the table's
				// "on unblock, R_net = min(R_net * S_net, T_net_max)".
			}
			d.networkOK = false
		}

	case OutcomeQuotaFailure:
		d.lastQuotaErrTime = now
		d.consecQuotaErr++
		if d.consecQuotaErr >= d.cfg.QuotaErrThreshold {
			d.quotaOK = false
			if !d.urgent {
				d.concurrency = d.cfg.ConcurrencyMin
			}
		}
	}

	if d.concurrency <= d.cfg.ConcurrencyMin {
		if d.lowSince.IsZero() {
			d.lowSince = now
		} else if now.Sub(d.lowSince) >= d.cfg.DriftWindow {
			d.concurrency = d.cfg.ConcurrencyMin
		}
	}
}

// NoteUnblock grows the relevant backoff interval after a blocked window has
// elapsed and a new attempt is about to be made, per the outcome table's "on
// unblock, R = min(R * S, T_max)".
func (d *DestinationState) NoteUnblock(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.networkOK && now.Sub(d.lastNetErrTime) >= d.rNet {
		d.rNet = minDuration(time.Duration(float64(d.rNet)*d.cfg.NetBackoffFactor), d.cfg.NetBackoffMax)
	}
	if !d.quotaOK && now.Sub(d.lastQuotaErrTime) >= d.rQ {
		d.rQ = minDuration(time.Duration(float64(d.rQ)*d.cfg.QuotaBackoffFactor), d.cfg.QuotaBackoffMax)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
