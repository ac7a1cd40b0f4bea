package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memstream/pkg/utils/retry"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		Attempts:       attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := retry.Do(context.Background(), fastPolicy(3), "test", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("unavailable")
		}
		return 42, nil
	})
	gt.NoError(t, err)
	gt.Equal(t, got, 42)
	gt.Equal(t, calls, 3)
}

func TestDoStopsAtAttemptLimit(t *testing.T) {
	errUnavailable := errors.New("unavailable")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(2), "test", func(ctx context.Context) (string, error) {
		calls++
		return "", errUnavailable
	})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, errUnavailable))
	gt.Equal(t, calls, 2)
}

func TestDoPermanent(t *testing.T) {
	errBadInput := errors.New("bad input")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(5), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, retry.Permanent(errBadInput)
	})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, errBadInput))
	gt.Equal(t, calls, 1)
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry.Do(ctx, fastPolicy(5), "test", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, ctx.Err()
	})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.Canceled))
	gt.Equal(t, calls, 1)
}

func TestDoPerAttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.Timeout = 10 * time.Millisecond

	calls := 0
	_, err := retry.Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.DeadlineExceeded))
	gt.Equal(t, calls, 2)
}

func TestPolicyValidate(t *testing.T) {
	gt.NoError(t, retry.DefaultPolicy().Validate())

	p := retry.DefaultPolicy()
	p.Attempts = 0
	gt.Error(t, p.Validate())

	p = retry.DefaultPolicy()
	p.Timeout = -time.Second
	gt.Error(t, p.Validate())

	_, err := retry.Do(context.Background(), retry.Policy{}, "test", func(ctx context.Context) (int, error) {
		t.Fatal("must not be called")
		return 0, nil
	})
	gt.Error(t, err)
}
