package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		exp := p.Base << attempt
		if exp > p.Cap || exp <= 0 {
			exp = p.Cap
		}
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < exp || d >= exp+p.Jitter {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, exp, exp+p.Jitter)
			}
		}
	}
}

func TestPolicyDelayMonotonicWithoutJitter(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Cap: 8 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 8*time.Second, prev)
	assert.Equal(t, 500*time.Millisecond, p.Delay(-3))
}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, Policy: Policy{Base: time.Millisecond, Cap: time.Millisecond}}
}

func TestDo_RetriesRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult_Exhausted(t *testing.T) {
	calls := 0
	busy := errors.New("busy")
	_, err := DoWithResult(context.Background(), fastConfig(4), func() (int, error) {
		calls++
		return 0, Retryable(busy)
	})
	assert.ErrorIs(t, err, busy)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, Policy: Policy{Base: time.Hour, Cap: time.Hour}}
	err := Do(ctx, cfg, func() error { return Retryable(errors.New("busy")) })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBackOff_FollowsPolicy(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond}
	b := p.NewBackOff()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())

	bounded := backoff.WithMaxRetries(p.NewBackOff(), 2)
	assert.NotEqual(t, backoff.Stop, bounded.NextBackOff())
	assert.NotEqual(t, backoff.Stop, bounded.NextBackOff())
	assert.Equal(t, backoff.Stop, bounded.NextBackOff())
}
