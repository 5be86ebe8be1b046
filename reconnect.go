package pbui

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect defaults.
const (
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 10 * time.Second
)

type reconnectState int

const (
	reconnectIdle reconnectState = iota
	reconnectScheduled
	reconnectAttempting
)

func (s reconnectState) String() string {
	switch s {
	case reconnectScheduled:
		return "scheduled"
	case reconnectAttempting:
		return "attempting"
	default:
		return "idle"
	}
}

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// reconnector tracks the reconnect budget and the pending timer.
// It is guarded by the owning Client's mutex.
type reconnector struct {
	maxAttempts int
	backoff     *backoff.ExponentialBackOff

	attempts int
	state    reconnectState
	timer    stopper
}

func newReconnector(maxAttempts int, base, max time.Duration) *reconnector {
	if max < base {
		base = max
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	return &reconnector{
		maxAttempts: maxAttempts,
		backoff:     b,
	}
}

// next claims the next attempt. ok is false once the budget is spent.
func (r *reconnector) next() (attempt int, delay time.Duration, ok bool) {
	if r.attempts >= r.maxAttempts {
		return r.attempts, 0, false
	}
	r.attempts++
	return r.attempts, r.backoff.NextBackOff(), true
}

func (r *reconnector) arm(t stopper) {
	r.timer = t
	r.state = reconnectScheduled
}

// fire marks the scheduled attempt as running.
func (r *reconnector) fire() {
	r.timer = nil
	r.state = reconnectAttempting
}

func (r *reconnector) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = reconnectIdle
}

// reset restores the full budget after a successful connect.
func (r *reconnector) reset() {
	r.cancel()
	r.attempts = 0
	r.backoff.Reset()
}
