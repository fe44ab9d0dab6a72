package ledger

import (
	"context"
	"fmt"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
)

// Policy 描述一次有上限的重试过程。
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Retryable 判断错误是否值得重试，为空时使用错误码的可重试属性。
	Retryable func(error) bool
	// Sleep 在两次尝试之间等待，测试中可替换。
	Sleep func(ctx context.Context, d time.Duration) error
}

// FixedPolicy 返回固定间隔的重试策略，资金注入与出块使用 5 次 / 1 秒。
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Multiplier: 1}
}

// ExponentialPolicy 返回指数退避策略。
func ExponentialPolicy(attempts int, delay, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Multiplier: 2, MaxDelay: maxDelay}
}

// DefaultPolicy 是账本写操作默认使用的策略。
func DefaultPolicy() Policy {
	return FixedPolicy(5, time.Second)
}

// Do 执行 op，遇到可重试错误时按策略等待后再次尝试。
//
// 超过上限后返回 RETRIES_EXHAUSTED 并包裹最后一次的错误；不可重试错误立即返回。
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = xerrors.RetryableError
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	delay := p.Delay
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}
		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return last
		}
		delay = p.next(delay)
	}
	return xerrors.Wrap(xerrors.CodeRetriesExhausted, last, fmt.Sprintf("在 %d 次尝试后仍失败", attempts))
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
