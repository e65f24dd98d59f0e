package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func failNTimes(n int, calls *int) Attempt {
	return func(context.Context, int) error {
		*calls++
		if *calls <= n {
			return errors.New("transient")
		}
		return nil
	}
}

func TestDoSucceedsIffFailuresBelowMaxAttempts(t *testing.T) {
	const maxAttempts = 4
	policy := Policy{MaxAttempts: maxAttempts, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: 0.2}

	for failures := 0; failures <= maxAttempts+1; failures++ {
		clock := &fakeClock{}
		calls := 0
		err := Do(context.Background(), policy, failNTimes(failures, &calls), WithClock(clock), WithRand(func() float64 { return 0.5 }))

		if failures < maxAttempts {
			require.NoError(t, err, "failures=%d", failures)
			assert.Equal(t, failures+1, calls)
		} else {
			var exhausted *ExhaustedError
			require.ErrorAs(t, err, &exhausted, "failures=%d", failures)
			assert.Equal(t, maxAttempts, exhausted.Attempts)
			assert.Equal(t, maxAttempts, calls)
		}

		for i := 1; i < len(clock.sleeps); i++ {
			assert.GreaterOrEqual(t, clock.sleeps[i], clock.sleeps[i-1], "waits must be non-decreasing")
		}
	}
}

func TestDoWaitsFollowExponentialSchedule(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	clock := &fakeClock{}
	calls := 0

	err := Do(context.Background(), policy, failNTimes(10, &calls), WithClock(clock))
	require.Error(t, err)

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, clock.sleeps)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	sentinel := errors.New("not found")

	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	}, WithClock(clock))

	require.ErrorIs(t, err, sentinel)
	assert.False(t, IsPermanent(err), "permanent marker should be stripped")
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.sleeps)
}

func TestDoHonorsRetryableClassifier(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	fatal := errors.New("schema mismatch")

	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		return fatal
	}, WithClock(clock), WithRetryable(func(err error) bool { return !errors.Is(err, fatal) }))

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoObserverSeesEachRetry(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	var observed []int

	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, failNTimes(2, &calls),
		WithClock(clock),
		WithObserver(func(attempt int, _ time.Duration, _ error) { observed = append(observed, attempt) }))

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, observed)
}

func TestDoAbortsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := Do(ctx, Policy{MaxAttempts: 3}, failNTimes(0, &calls), WithClock(&fakeClock{}))

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoffJitterStaysWithinCap(t *testing.T) {
	b := NewBackoff(Policy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second, Jitter: 1}, func() float64 { return 0.99 })
	var prev time.Duration
	for b.Begin() {
		if !b.Remaining() {
			break
		}
		d := b.NextDelay()
		assert.LessOrEqual(t, d, 5*time.Second)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 10, b.Attempt())
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{MaxDelay: time.Millisecond, BaseDelay: time.Second, Jitter: 4}.Normalized()
	assert.Equal(t, defaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, defaultMultiplier, p.Multiplier)
	assert.Equal(t, time.Second, p.MaxDelay)
	assert.Equal(t, 1.0, p.Jitter)
	assert.Zero(t, p.BaseDelayFor(1))
}

func TestBaseDelayForFirstRetryWaitsBaseDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	assert.Zero(t, p.BaseDelayFor(1))
	assert.Equal(t, 2*time.Second, p.BaseDelayFor(2))
	assert.Equal(t, 4*time.Second, p.BaseDelayFor(3))
	assert.Equal(t, 8*time.Second, p.BaseDelayFor(4))
	assert.Equal(t, 10*time.Second, p.BaseDelayFor(5), "capped at MaxDelay")
}
