// Package workflow 定义线性 Saga 工作流及其注册表
package workflow

import (
	"fmt"
	"time"

	"k1s0/retry"
	"k1s0/validation"
)

// RetryConfig 步骤级重试配置
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
}

// Step 工作流步骤
//
// Service/Method 标识下游操作；Compensate 为同一服务上的补偿方法名，为空表示不可补偿。
type Step struct {
	Name       string        `json:"name" yaml:"name"`
	Service    string        `json:"service" yaml:"service"`
	Method     string        `json:"method" yaml:"method"`
	Compensate string        `json:"compensate,omitempty" yaml:"compensate,omitempty"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Retry      RetryConfig   `json:"retry" yaml:"retry"`
}

// HasCompensation 是否定义了补偿方法
func (s Step) HasCompensation() bool {
	return s.Compensate != ""
}

// RetryPolicy 转换为 retry.Policy，maxInterval 为全局退避上限
func (s Step) RetryPolicy(maxInterval time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts:     s.Retry.MaxAttempts,
		InitialInterval: s.Retry.InitialInterval,
		MaxInterval:     maxInterval,
	}
}

// Definition 工作流定义
//
// 注册后不可变；Saga 启动时对定义做快照，执行过程中不会重新解析。
type Definition struct {
	ID        string    `json:"id" yaml:"-"`
	Name      string    `json:"name" yaml:"name"`
	Version   int       `json:"version" yaml:"-"`
	Steps     []Step    `json:"steps" yaml:"steps"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// StepCount 步骤数量
func (d *Definition) StepCount() int {
	return len(d.Steps)
}

// Validate 校验定义
//
// 规则：
//   - name 非空，steps 非空
//   - 步骤名非空且在工作流内唯一
//   - service/method 非空，timeout > 0
//   - retry.max_attempts >= 1，retry.initial_interval > 0
//   - 除最后一步外，每一步都必须定义 compensate（最后一步成功即完成，永远不会被补偿）
//
// 返回：
//   - error: VALIDATION_ERROR，消息汇总全部问题
func (d *Definition) Validate() error {
	var v validation.Collector

	v.Required("name", d.Name)
	if len(d.Steps) == 0 {
		v.Addf("at least one step is required")
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		label := fmt.Sprintf("steps[%d]", i)
		if v.Required(label+": name", step.Name) {
			label = fmt.Sprintf("steps[%d](%s)", i, step.Name)
			if _, dup := seen[step.Name]; dup {
				v.Addf("%s: duplicate step name", label)
			}
			seen[step.Name] = struct{}{}
		}
		v.Required(label+": service", step.Service)
		v.Required(label+": method", step.Method)
		v.PositiveDuration(label+": timeout", step.Timeout)
		v.AtLeast(label+": retry.max_attempts", step.Retry.MaxAttempts, 1)
		v.PositiveDuration(label+": retry.initial_interval", step.Retry.InitialInterval)
		if i < len(d.Steps)-1 && !step.HasCompensation() {
			v.Addf("%s: compensate is required for every step except the last", label)
		}
	}

	return v.Err("invalid workflow definition")
}

// Clone 深拷贝定义
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Steps = make([]Step, len(d.Steps))
	copy(clone.Steps, d.Steps)
	return &clone
}
