package payment

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy 用指数退避 + 抖动包装单次支付尝试。
// Ceiling 限制所有尝试的累计耗时：每次重试前先检查剩余预算，而不是只靠单次超时。
type RetryPolicy struct {
	Attempts  int           // 总尝试次数（含首次）
	BaseDelay time.Duration // 退避基数
	MaxDelay  time.Duration // 单次退避上限
	Jitter    float64       // 抖动比例（0~1）
	Ceiling   time.Duration // 累计耗时上限

	sleep func(ctx context.Context, d time.Duration) error // 测试注入
}

func NewRetryPolicy(attempts int, base, max, ceiling time.Duration) RetryPolicy {
	return RetryPolicy{
		Attempts:  attempts,
		BaseDelay: base,
		MaxDelay:  max,
		Jitter:    0.1,
		Ceiling:   ceiling,
	}
}

// Execute 执行 fn，瞬时失败按退避计划重试；永久失败立即终止不耗预算。
// 返回 nil 表示某次尝试成功；否则返回最后一次错误。
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(p.Ceiling)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts {
			return lastErr
		}

		delay := p.delay(attempt)
		// 剩余预算不足以等完退避就直接认输，避免越过整体期限
		if time.Until(deadline) < delay {
			return lastErr
		}
		if err := p.doSleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// delay 计算第 attempt 次尝试后的退避：base * 2^(attempt-1) ± jitter，封顶 MaxDelay。
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		amp := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * amp)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p RetryPolicy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
