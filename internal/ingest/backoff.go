package ingest

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy computes the wait before a transient failure is retried.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy doubles from 2s up to 5m.
var DefaultRetryPolicy = RetryPolicy{
	Initial:    2 * time.Second,
	Max:        5 * time.Minute,
	Multiplier: 2,
}

// Delay returns the wait after the attempt-th consecutive failure
// (1-based). The schedule is deterministic: no jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
