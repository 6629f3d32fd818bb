package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/example/appointment-scheduler/internal/internaltypes"
)

// Result is the outcome of one step run under a Policy.
type Result struct {
	OK          bool
	Err         error
	RetriesUsed int
}

// Policy retries an operation with a constant backoff while Retryable says
// the error is worth another attempt, up to MaxAttempts attempts in total.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Retryable   func(error) bool
}

// Transient retries remote-unavailable errors only.
func Transient(maxAttempts int, backoff time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Backoff: backoff, Retryable: internaltypes.Transient}
}

func (p Policy) Do(ctx context.Context, fn func(context.Context) error) Result {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}

	calls := 0
	b := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewConstant(backoff))
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		calls++
		err := fn(ctx)
		if err != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})

	r := Result{OK: err == nil, Err: err}
	if calls > 0 {
		r.RetriesUsed = calls - 1
	}
	return r
}
