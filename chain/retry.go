package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds every registry call. Transport failures and per-call
// timeouts are retried; rejections are final.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		CallTimeout: 15 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	return p
}

type callFunc func(ctx context.Context) (TxResult, error)

// do runs call until it returns an answer, the attempts run out, or ctx ends.
// It reports how many attempts were made.
func (p RetryPolicy) do(ctx context.Context, call callFunc) (TxResult, int, error) {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return TxResult{}, attempt - 1, err
		}

		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		res, err := call(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if !res.Success {
				return res, attempt, fmt.Errorf("%w: %s", ErrRejected, res.Error)
			}
			return res, attempt, nil
		}
		if ctx.Err() != nil {
			return TxResult{}, attempt, ctx.Err()
		}
		if timedOut {
			lastErr = fmt.Errorf("%w after %s: %w", ErrTimeout, p.CallTimeout, err)
		} else {
			lastErr = err
		}

		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return TxResult{}, attempt, ctx.Err()
		case <-time.After(p.Backoff * time.Duration(attempt)):
		}
	}
	return TxResult{}, p.MaxAttempts, lastErr
}
