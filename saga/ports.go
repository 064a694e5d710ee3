package saga

import (
	"context"
	"time"

	"k1s0/paging"
	"k1s0/workflow"
)

// Repository Saga 存储端口
type Repository interface {
	// CreateSaga 保存新建的 Saga
	CreateSaga(ctx context.Context, state *SagaState) error

	// UpdateSagaWithStepLog 原子地写入状态与（可选的）步骤日志
	//
	// log 按 ID upsert：新 ID 追加，已存在且仍为 PENDING 的日志被关闭；
	// 修改已关闭的日志返回 CONFLICT。log 为 nil 时只写状态。
	UpdateSagaWithStepLog(ctx context.Context, state *SagaState, log *StepLog) error

	// FindSagaByID 不存在时返回 NOT_FOUND
	FindSagaByID(ctx context.Context, sagaID string) (*SagaState, error)

	// FindStepLogs 按 Sequence 升序返回全部日志
	FindStepLogs(ctx context.Context, sagaID string) ([]*StepLog, error)

	// ListSagas 按创建时间倒序分页
	ListSagas(ctx context.Context, filter Filter, page paging.Request) ([]*SagaState, int, error)
}

// StepExecutor 调用下游服务的端口
//
// 单次尝试的超时通过 ctx 的 deadline 传递；编排器自身也会在超时后放弃等待。
type StepExecutor interface {
	Invoke(ctx context.Context, service, method string, payload Payload) (Payload, error)
}

// StepExecutorFunc 函数适配器
type StepExecutorFunc func(ctx context.Context, service, method string, payload Payload) (Payload, error)

func (f StepExecutorFunc) Invoke(ctx context.Context, service, method string, payload Payload) (Payload, error) {
	return f(ctx, service, method, payload)
}

// WorkflowSource 按名称解析工作流定义（*workflow.Registry 实现该接口）
type WorkflowSource interface {
	Get(ctx context.Context, name string) (*workflow.Definition, error)
}

// Metrics 编排器埋点
type Metrics interface {
	SagaStarted(workflowName string)
	SagaFinished(workflowName, status string, elapsed time.Duration)
	StepAttempt(workflowName, action, result string, elapsed time.Duration)
	InFlight(delta int)
}

type nopMetrics struct{}

func (nopMetrics) SagaStarted(string)                                {}
func (nopMetrics) SagaFinished(string, string, time.Duration)        {}
func (nopMetrics) StepAttempt(string, string, string, time.Duration) {}
func (nopMetrics) InFlight(int)                                      {}
