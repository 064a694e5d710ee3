// Package saga 实现线性工作流的 Saga 编排：正向执行、逆序补偿、取消与审计日志
package saga

import (
	"fmt"
	"strings"
	"time"
)

// Status Saga 状态
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus 解析状态字符串（不区分大小写）
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusStarted, StatusCompensating, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown saga status %q", s)
	}
}

// Payload 在步骤之间传递的结构化数据
type Payload map[string]any

// Clone 浅拷贝顶层键
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge 返回将 resp 顶层键覆盖到 p 上的新 Payload
func (p Payload) Merge(resp Payload) Payload {
	out := p.Clone()
	for k, v := range resp {
		out[k] = v
	}
	return out
}

// SagaState 一次工作流执行的持久化聚合
//
// 只有驱动该 Saga 的编排任务会写入；终态 Saga 保留用于审计。
type SagaState struct {
	SagaID           string    `json:"saga_id"`
	WorkflowName     string    `json:"workflow_name"`
	WorkflowID       string    `json:"workflow_id"`
	Payload          Payload   `json:"payload"`
	Status           Status    `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	InitiatedBy      string    `json:"initiated_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone 复制状态，Payload 做顶层拷贝
func (s *SagaState) Clone() *SagaState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Payload = s.Payload.Clone()
	return &clone
}

// Action 步骤日志动作
type Action string

const (
	ActionExecute    Action = "EXECUTE"
	ActionCompensate Action = "COMPENSATE"
)

// StepLogStatus 步骤日志状态
type StepLogStatus string

const (
	StepLogPending StepLogStatus = "PENDING"
	StepLogSuccess StepLogStatus = "SUCCESS"
	StepLogFailed  StepLogStatus = "FAILED"
)

// StepLog 单次尝试（执行或补偿）的审计记录
//
// 尝试开始时以 PENDING 写入，结束时关闭为 SUCCESS 或 FAILED，之后不再修改。
// Sequence 在同一 Saga 内单调递增，给出日志的全序。
type StepLog struct {
	ID              string        `json:"id"`
	SagaID          string        `json:"saga_id"`
	Sequence        int           `json:"sequence"`
	StepIndex       int           `json:"step_index"`
	StepName        string        `json:"step_name"`
	Action          Action        `json:"action"`
	Attempt         int           `json:"attempt"`
	Status          StepLogStatus `json:"status"`
	RequestPayload  Payload       `json:"request_payload,omitempty"`
	ResponsePayload Payload       `json:"response_payload,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// IsClosed 日志是否已关闭
func (l *StepLog) IsClosed() bool {
	return l.Status != StepLogPending
}

// Clone 复制日志
func (l *StepLog) Clone() *StepLog {
	if l == nil {
		return nil
	}
	clone := *l
	if l.RequestPayload != nil {
		clone.RequestPayload = l.RequestPayload.Clone()
	}
	if l.ResponsePayload != nil {
		clone.ResponsePayload = l.ResponsePayload.Clone()
	}
	if l.CompletedAt != nil {
		t := *l.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// close 关闭日志
func (l *StepLog) close(status StepLogStatus, resp Payload, errMsg string, at time.Time) {
	l.Status = status
	l.ResponsePayload = resp
	l.ErrorMessage = errMsg
	l.CompletedAt = &at
}

// Filter Saga 列表过滤条件，字段为空表示不过滤
type Filter struct {
	Statuses     []Status
	WorkflowName string
}

// Matches 判断状态是否满足过滤条件
func (f Filter) Matches(s *SagaState) bool {
	if f.WorkflowName != "" && s.WorkflowName != f.WorkflowName {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}
