// Package validation 汇总字段校验问题，统一生成 VALIDATION_ERROR
package validation

import (
	"fmt"
	"strings"
	"time"

	"k1s0/errors"
)

// Collector 收集校验问题；零值可用
//
// 使用示例：
//
//	var v validation.Collector
//	v.Required("name", def.Name)
//	v.AtLeast("retry.max_attempts", step.Retry.MaxAttempts, 1)
//	return v.Err("invalid workflow definition")
type Collector struct {
	problems []string
}

// Addf 追加一条自定义问题
func (c *Collector) Addf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

// Required 验证必填字段（忽略首尾空白）
func (c *Collector) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		c.Addf("%s is required", field)
		return false
	}
	return true
}

// AtLeast 验证整数下限
func (c *Collector) AtLeast(field string, value, min int) bool {
	if value < min {
		c.Addf("%s must be >= %d", field, min)
		return false
	}
	return true
}

// IntRange 验证整数范围（闭区间）
func (c *Collector) IntRange(field string, value, min, max int) bool {
	if value < min || value > max {
		c.Addf("%s out of range: %d", field, value)
		return false
	}
	return true
}

// PositiveDuration 验证时长为正
func (c *Collector) PositiveDuration(field string, value time.Duration) bool {
	if value <= 0 {
		c.Addf("%s must be > 0", field)
		return false
	}
	return true
}

// OneOf 验证枚举值
func (c *Collector) OneOf(field, value string, valid ...string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	c.Addf("unknown %s %q", field, value)
	return false
}

// Problems 返回已收集的问题
func (c *Collector) Problems() []string {
	return c.problems
}

// Err 没有问题时返回 nil，否则返回 "prefix: p1; p2" 形式的 VALIDATION_ERROR
func (c *Collector) Err(prefix string) error {
	if len(c.problems) == 0 {
		return nil
	}
	return errors.NewValidationError(prefix + ": " + strings.Join(c.problems, "; "))
}
