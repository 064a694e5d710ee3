// Package retry 提供步骤级重试策略与退避计算
//
// Policy.Wait 是纯函数，用于解释/审计某次尝试之后的等待时长；
// Policy.Backoff 基于 go-retry 构建同一序列，供 Do 驱动真实的重试循环。
package retry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts     int           // 最大尝试次数（包括首次）
	InitialInterval time.Duration // 首次失败后的等待时长
	MaxInterval     time.Duration // 等待上限，<=0 表示不设上限
}

// DefaultPolicy 返回默认策略
//
// 默认值：
//   - MaxAttempts: 3
//   - InitialInterval: 100ms
//   - MaxInterval: 30s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Validate 校验策略参数
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("initial_interval must be > 0, got %s", p.InitialInterval)
	}
	return nil
}

// ShouldRetry 第 attempt 次尝试失败后是否还有剩余次数
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Wait 第 attempt 次尝试（从 1 开始）失败后的等待时长
//
// wait(attempt) = initial * 2^(attempt-1)，受 MaxInterval 限制，溢出时饱和。
func (p Policy) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			break
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Backoff 构建与 Wait 等价的 go-retry 退避序列，最多产生 MaxAttempts-1 次等待
func (p Policy) Backoff() goretry.Backoff {
	b := goretry.NewExponential(p.InitialInterval)
	if p.MaxInterval > 0 {
		b = goretry.WithCappedDuration(p.MaxInterval, b)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return goretry.WithMaxRetries(uint64(retries), b)
}

// OperationWithInfo 可重试操作，attempt 从 1 开始
type OperationWithInfo func(ctx context.Context, attempt int) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误不可重试，Do 会立即返回原始错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do 按策略执行操作
//
// 返回：
//   - nil：任意一次尝试成功
//   - 最后一次尝试的错误：次数耗尽或遇到 Permanent 错误
//   - ctx.Err()：在退避等待期间上下文被取消
func Do(ctx context.Context, p Policy, op OperationWithInfo) error {
	attempt := 0
	err := goretry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if stdErrors.As(err, &perm) {
			return perm.err
		}
		return goretry.RetryableError(err)
	})
	return err
}
