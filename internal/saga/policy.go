package saga

import "time"

// RetryPolicy computes backoff delays and give-up decisions per step. The
// policy is pure: attempt counts are read from the ledger's history, never
// kept here.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts before giving up.
	// Default: 3
	MaxAttempts int `koanf:"max_attempts"`

	// InitialDelay is the backoff after the first failure.
	// Default: 1 second
	InitialDelay time.Duration `koanf:"initial_delay"`

	// Factor is the exponential backoff multiplier.
	// Default: 2
	Factor float64 `koanf:"factor"`

	// MaxDelay caps the computed backoff.
	// Default: 1 minute
	MaxDelay time.Duration `koanf:"max_delay"`
}

// DefaultRetryPolicy returns the default backoff schedule: 1s, 2s, 4s, ...
// capped at 1m, giving up after 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     time.Minute,
	}
}

// ApplyDefaults sets default values for unset fields.
func (p *RetryPolicy) ApplyDefaults() {
	defaults := DefaultRetryPolicy()

	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.Factor == 0 {
		p.Factor = defaults.Factor
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaults.MaxDelay
	}
}

// NextDelay returns the backoff before the next attempt given how many
// attempts have already failed. The second return is false once the budget
// is exhausted: delay = min(InitialDelay * Factor^(attempts-1), MaxDelay).
func (p RetryPolicy) NextDelay(attempts int) (time.Duration, bool) {
	if attempts >= p.MaxAttempts {
		return 0, false
	}
	delay := p.InitialDelay
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
		if delay >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}
