package saga

import (
	"fmt"
	"strings"

	"k1s0/errors"
)

// ErrorCode Saga 错误码
type ErrorCode string

// 预定义错误码常量（不可变）
const (
	ErrCodeSagaStepFailed         ErrorCode = "SAGA_STEP_FAILED"
	ErrCodeSagaCompensationFailed ErrorCode = "SAGA_COMPENSATION_FAILED"
	ErrCodeSagaStoreFailed        ErrorCode = "SAGA_STORE_FAILED"
	ErrCodeSagaAborted            ErrorCode = "SAGA_ABORTED"
)

// SagaError 步骤/补偿执行错误，Error() 文本会写入 error_message
type SagaError struct {
	Code     ErrorCode
	Message  string
	SagaID   string
	StepName string
	Cause    error
}

func (e *SagaError) Error() string {
	var ctx []string
	if e.SagaID != "" {
		ctx = append(ctx, "saga="+e.SagaID)
	}
	if e.StepName != "" {
		ctx = append(ctx, "step="+e.StepName)
	}
	base := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(ctx) > 0 {
		base = fmt.Sprintf("%s (%s)", base, strings.Join(ctx, ", "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *SagaError) Unwrap() error { return e.Cause }

// Is 实现 errors.Is 接口，基于错误码匹配
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 哨兵错误（仅用于 errors.Is 比较，不应直接返回）
var (
	errSagaStepFailed         = &SagaError{Code: ErrCodeSagaStepFailed}
	errSagaCompensationFailed = &SagaError{Code: ErrCodeSagaCompensationFailed}
	errSagaStoreFailed        = &SagaError{Code: ErrCodeSagaStoreFailed}
	errSagaAborted            = &SagaError{Code: ErrCodeSagaAborted}
)

// ErrSagaStepFailed 返回步骤失败错误（用于 errors.Is 比较）
func ErrSagaStepFailed() *SagaError { return errSagaStepFailed }

// ErrSagaCompensationFailed 返回补偿失败错误（用于 errors.Is 比较）
func ErrSagaCompensationFailed() *SagaError { return errSagaCompensationFailed }

// ErrSagaStoreFailed 返回存储失败错误（用于 errors.Is 比较）
func ErrSagaStoreFailed() *SagaError { return errSagaStoreFailed }

// ErrSagaAborted 返回驱动被中止错误（用于 errors.Is 比较）
func ErrSagaAborted() *SagaError { return errSagaAborted }

// NewSagaStepFailedError 创建步骤失败错误（重试次数耗尽）
func NewSagaStepFailedError(stepName string, cause error) *SagaError {
	return &SagaError{
		Code:     ErrCodeSagaStepFailed,
		Message:  "step execution failed",
		StepName: stepName,
		Cause:    cause,
	}
}

// NewSagaCompensationFailedError 创建补偿失败错误（不可恢复，需要人工介入）
func NewSagaCompensationFailedError(stepName string, cause error) *SagaError {
	return &SagaError{
		Code:     ErrCodeSagaCompensationFailed,
		Message:  "compensation failed, manual intervention required",
		StepName: stepName,
		Cause:    cause,
	}
}

// NewSagaStoreFailedError 创建存储失败错误
func NewSagaStoreFailedError(sagaID string, cause error) *SagaError {
	return &SagaError{
		Code:    ErrCodeSagaStoreFailed,
		Message: "saga store operation failed",
		SagaID:  sagaID,
		Cause:   cause,
	}
}

func newSagaAbortedError(sagaID string, cause error) *SagaError {
	return &SagaError{
		Code:    ErrCodeSagaAborted,
		Message: "saga driver aborted",
		SagaID:  sagaID,
		Cause:   cause,
	}
}

// NewSagaNotFoundError 创建 Saga 未找到错误（NOT_FOUND）
func NewSagaNotFoundError(sagaID string) error {
	return errors.NewNotFoundError(fmt.Sprintf("saga not found: %s", sagaID))
}

// NewSagaConflictError 创建 Saga 状态冲突错误（CONFLICT）
func NewSagaConflictError(sagaID string, status Status, reason string) error {
	return errors.NewError(errors.ErrCodeConflict, fmt.Sprintf("saga %s is %s: %s", sagaID, status, reason)).
		WithContext("saga_id", sagaID).
		WithContext("status", string(status))
}
