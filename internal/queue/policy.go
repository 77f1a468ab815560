package queue

import (
	"fmt"
	"time"
)

const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
)

// RetryPolicy decides how often and how late a failed job runs again.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	Strategy    string
	MaxBackoff  time.Duration // 0 disables the cap
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		Strategy:    BackoffExponential,
		MaxBackoff:  5 * time.Minute,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BackoffBase < 0 {
		return fmt.Errorf("backoff base must not be negative")
	}
	switch p.Strategy {
	case BackoffExponential, BackoffLinear, BackoffFixed, "":
		return nil
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
}

// Delay returns the wait before the retry that follows failed attempt n
// (1-based). Exponential is base*2^(n-1), linear is base*n, fixed is base.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = p.BackoffBase * time.Duration(attempt)
	case BackoffFixed:
		d = p.BackoffBase
	default:
		d = p.BackoffBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				break
			}
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
