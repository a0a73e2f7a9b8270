package resilience

import (
	"math"
	"time"
)

// FailureKind distinguishes how a live connection ended
type FailureKind int

const (
	// FailureError is a transport error (network failure, protocol error)
	FailureError FailureKind = iota
	// FailureClose is a closure initiated by the remote service
	FailureClose
)

func (k FailureKind) String() string {
	switch k {
	case FailureError:
		return "error"
	case FailureClose:
		return "close"
	default:
		return "unknown"
	}
}

// Policy decides how long to wait before reconnect attempt n (1-based)
// following a failure of the given kind. ok=false means give up.
type Policy interface {
	Delay(kind FailureKind, attempt int) (delay time.Duration, ok bool)
}

const (
	// DefaultErrorDelay is the wait after a transport error
	DefaultErrorDelay = 1500 * time.Millisecond
	// DefaultCloseDelay is the wait after a remote close
	DefaultCloseDelay = 800 * time.Millisecond
)

// FixedPolicy waits a constant delay per failure kind. MaxAttempts of zero
// retries forever.
type FixedPolicy struct {
	ErrorDelay  time.Duration
	CloseDelay  time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the fixed 1500ms/800ms policy with no attempt ceiling
func DefaultPolicy() *FixedPolicy {
	return &FixedPolicy{
		ErrorDelay: DefaultErrorDelay,
		CloseDelay: DefaultCloseDelay,
	}
}

// Delay implements Policy
func (p *FixedPolicy) Delay(kind FailureKind, attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if kind == FailureClose {
		return p.CloseDelay, true
	}
	return p.ErrorDelay, true
}

// ExponentialPolicy grows the per-kind base delay by Multiplier on every
// consecutive attempt, capped at MaxBackoff.
type ExponentialPolicy struct {
	ErrorBackoff time.Duration
	CloseBackoff time.Duration
	Multiplier   float64
	MaxBackoff   time.Duration
	MaxAttempts  int
}

// Delay implements Policy
func (p *ExponentialPolicy) Delay(kind FailureKind, attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	base := p.ErrorBackoff
	if kind == FailureClose {
		base = p.CloseBackoff
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	return CalculateBackoff(attempt-1, base, p.MaxBackoff, multiplier), true
}

// MaxUncappedBackoff bounds the backoff when no cap is configured
const MaxUncappedBackoff = 10 * time.Minute

// CalculateBackoff calculates the backoff duration for a given attempt.
// A zero maxBackoff falls back to MaxUncappedBackoff.
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	limit := maxBackoff
	if limit <= 0 {
		limit = MaxUncappedBackoff
	}

	// Compare in float64 so large attempts cannot overflow time.Duration
	backoff := float64(initialBackoff) * math.Pow(multiplier, float64(attempt))
	if math.IsNaN(backoff) || backoff >= float64(limit) {
		return limit
	}
	return time.Duration(backoff)
}
