// Package retry runs store operations under a bounded exponential backoff.
//
// Compare-and-set losers (reservation races, score version conflicts) and
// transient audit write failures all go through a Policy so that retries
// are counted per operation.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

var retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sendguard",
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Retried attempts by operation.",
}, []string{"op"})

func init() {
	prometheus.MustRegister(retriesTotal)
}

// Permanent wraps err so that a Policy will not retry it. Do returns the
// unwrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy describes how one operation is retried.
type Policy struct {
	// Op labels the retry counter.
	Op string
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Base is the first delay; it doubles each retry with +-25% jitter.
	Base time.Duration
	// Max caps a single delay. Zero means no cap.
	Max time.Duration
	// Retryable filters errors. Nil retries every error.
	Retryable func(error) bool
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithAttempts(n int, base time.Duration) Policy {
	p.Attempts = n
	p.Base = base
	return p
}

// Do calls fn until it succeeds, returns a non-retryable or Permanent
// error, the attempt budget runs out, or ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	op := func() error {
		err := fn()
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(error, time.Duration) {
		retriesTotal.WithLabelValues(p.label()).Inc()
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}

func (p Policy) label() string {
	if p.Op == "" {
		return "unknown"
	}
	return p.Op
}
