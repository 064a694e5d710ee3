package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPolicy_BackoffMatchesWait 验证 go-retry 生成的序列与纯函数 Wait 一致
// Property: Backoff().Next() 第 k 次 == Wait(k)，且恰好产生 MaxAttempts-1 次等待
func TestPolicy_BackoffMatchesWait(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff sequence equals Wait(attempt)", prop.ForAll(
		func(maxAttempts int, initialMs int64, capMs int64) bool {
			p := Policy{
				MaxAttempts:     maxAttempts,
				InitialInterval: time.Duration(initialMs) * time.Millisecond,
				MaxInterval:     time.Duration(capMs) * time.Millisecond,
			}
			b := p.Backoff()
			for attempt := 1; attempt < maxAttempts; attempt++ {
				next, stop := b.Next()
				if stop || next != p.Wait(attempt) {
					return false
				}
			}
			_, stop := b.Next()
			return stop
		},
		gen.IntRange(1, 16),
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 60000),
	))

	properties.Property("wait is non-decreasing and bounded by cap", prop.ForAll(
		func(initialMs int64, capMs int64, attempt int) bool {
			p := Policy{
				MaxAttempts:     attempt + 1,
				InitialInterval: time.Duration(initialMs) * time.Millisecond,
				MaxInterval:     time.Duration(capMs) * time.Millisecond,
			}
			cur := p.Wait(attempt)
			next := p.Wait(attempt + 1)
			return cur <= next && next <= maxDuration(p.MaxInterval, p.InitialInterval)
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 60000),
		gen.IntRange(1, 80),
	))

	properties.TestingRun(t)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
