package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
)

// Policy bounds the calls made to an external service. Attempts counts the
// first call, so 1 disables retrying.
type Policy struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DefaultPolicy returns 3 attempts, 500ms backoff doubling up to 5s and a 30s
// timeout per attempt.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// Validate checks that the policy can be executed
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return goerr.New("retry attempts must be at least 1", goerr.V("attempts", p.Attempts))
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 || p.Timeout < 0 {
		return goerr.New("retry durations must not be negative",
			goerr.V("initial_backoff", p.InitialBackoff),
			goerr.V("max_backoff", p.MaxBackoff),
			goerr.V("timeout", p.Timeout))
	}
	return nil
}

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. Each attempt gets its own timeout when the policy
// sets one. The last error is returned on failure.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	if err := p.Validate(); err != nil {
		var zero T
		return zero, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.Reset()

	attempt := 0
	logger := logging.From(ctx)

	return backoff.Retry(ctx, func() (T, error) {
		attempt++

		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		result, err := op(attemptCtx)
		if err != nil && ctx.Err() != nil {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retrying external call",
				"name", name,
				"attempt", attempt,
				"max_attempts", p.Attempts,
				"next", next,
				"error", err)
		}),
	)
}
