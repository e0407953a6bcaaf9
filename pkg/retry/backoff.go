package retry

import (
	"time"

	"github.com/cenkalti/backoff"
)

// policyBackOff walks a Policy one attempt at a time so cenkalti/backoff
// retry loops share the same delay curve as the request client.
type policyBackOff struct {
	policy  Policy
	attempt int
}

// NewBackOff returns a stateful backoff.BackOff driven by p. Combine with
// backoff.WithMaxRetries to bound it.
func (p Policy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
