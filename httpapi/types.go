// Package httpapi 将编排器暴露为 REST 接口
package httpapi

import (
	"fmt"
	"time"

	"k1s0/errors"
	"k1s0/saga"
	"k1s0/workflow"
)

// ErrorPayload 通用错误响应
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ListPayload 分页列表响应
type ListPayload[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// retryDTO 时长字段使用 Go duration 语法
type retryDTO struct {
	MaxAttempts     int    `json:"max_attempts"`
	InitialInterval string `json:"initial_interval"`
}

type stepDTO struct {
	Name       string   `json:"name"`
	Service    string   `json:"service"`
	Method     string   `json:"method"`
	Compensate string   `json:"compensate,omitempty"`
	Timeout    string   `json:"timeout"`
	Retry      retryDTO `json:"retry"`
}

// registerWorkflowRequest POST /api/v1/workflows 请求体
type registerWorkflowRequest struct {
	Name  string    `json:"name"`
	Steps []stepDTO `json:"steps"`
}

func (r *registerWorkflowRequest) toDefinition() (*workflow.Definition, error) {
	def := &workflow.Definition{Name: r.Name, Steps: make([]workflow.Step, 0, len(r.Steps))}
	for i, s := range r.Steps {
		timeout, err := parseDuration(s.Timeout, fmt.Sprintf("steps[%d].timeout", i))
		if err != nil {
			return nil, err
		}
		interval, err := parseDuration(s.Retry.InitialInterval, fmt.Sprintf("steps[%d].retry.initial_interval", i))
		if err != nil {
			return nil, err
		}
		def.Steps = append(def.Steps, workflow.Step{
			Name:       s.Name,
			Service:    s.Service,
			Method:     s.Method,
			Compensate: s.Compensate,
			Timeout:    timeout,
			Retry: workflow.RetryConfig{
				MaxAttempts:     s.Retry.MaxAttempts,
				InitialInterval: interval,
			},
		})
	}
	return def, nil
}

// parseDuration 空值返回 0，交给定义校验报告
func parseDuration(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.NewValidationError(fmt.Sprintf("%s: invalid duration %q", field, value))
	}
	return d, nil
}

type registerWorkflowResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StepCount int    `json:"step_count"`
}

type workflowView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	StepCount int       `json:"step_count"`
	Steps     []stepDTO `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

func newWorkflowView(def *workflow.Definition) workflowView {
	steps := make([]stepDTO, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, stepDTO{
			Name:       s.Name,
			Service:    s.Service,
			Method:     s.Method,
			Compensate: s.Compensate,
			Timeout:    s.Timeout.String(),
			Retry: retryDTO{
				MaxAttempts:     s.Retry.MaxAttempts,
				InitialInterval: s.Retry.InitialInterval.String(),
			},
		})
	}
	return workflowView{
		ID:        def.ID,
		Name:      def.Name,
		Version:   def.Version,
		StepCount: def.StepCount(),
		Steps:     steps,
		CreatedAt: def.CreatedAt,
	}
}

// startSagaRequest POST /api/v1/sagas 请求体
type startSagaRequest struct {
	WorkflowName  string       `json:"workflow_name"`
	Payload       saga.Payload `json:"payload"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	InitiatedBy   string       `json:"initiated_by,omitempty"`
}

type startSagaResponse struct {
	SagaID string      `json:"saga_id"`
	Status saga.Status `json:"status"`
}

type cancelSagaRequest struct {
	Reason string `json:"reason,omitempty"`
}

type cancelSagaResponse struct {
	SagaID  string `json:"saga_id"`
	Message string `json:"message"`
}

// sagaView 在持久化状态上补充 current_step_id（当前步骤名）
type sagaView struct {
	*saga.SagaState
	CurrentStepID string `json:"current_step_id,omitempty"`
}

type sagaDetailResponse struct {
	Saga     sagaView        `json:"saga"`
	StepLogs []*saga.StepLog `json:"step_logs"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
