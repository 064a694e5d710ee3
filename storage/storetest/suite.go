// Package storetest 提供 saga.Repository / workflow.Repository 的通用一致性测试
//
// 各存储实现在自己的 _test.go 中调用 Run，保证行为一致。
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k1s0/errors"
	"k1s0/paging"
	"k1s0/saga"
	"k1s0/workflow"
)

// Store 被测存储需同时实现两个端口
type Store interface {
	saga.Repository
	workflow.Repository
}

// Factory 为每个子测试创建一个空存储
type Factory func(t *testing.T) Store

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// Run 执行全部一致性用例
func Run(t *testing.T, factory Factory) {
	t.Run("workflow create and find", func(t *testing.T) { testWorkflowCreateFind(t, factory(t)) })
	t.Run("workflow duplicate name", func(t *testing.T) { testWorkflowDuplicate(t, factory(t)) })
	t.Run("workflow list paging", func(t *testing.T) { testWorkflowList(t, factory(t)) })
	t.Run("saga create and find", func(t *testing.T) { testSagaCreateFind(t, factory(t)) })
	t.Run("saga update with step log", func(t *testing.T) { testSagaUpdateWithLog(t, factory(t)) })
	t.Run("closed log is immutable", func(t *testing.T) { testClosedLogImmutable(t, factory(t)) })
	t.Run("update unknown saga", func(t *testing.T) { testUpdateUnknown(t, factory(t)) })
	t.Run("saga list filter and paging", func(t *testing.T) { testSagaList(t, factory(t)) })
}

func newDefinition(name string, created time.Time) *workflow.Definition {
	return &workflow.Definition{
		ID:        "wf-" + name,
		Name:      name,
		Version:   1,
		CreatedAt: created,
		Steps: []workflow.Step{
			{
				Name: "reserve", Service: "inventory", Method: "reserve", Compensate: "release",
				Timeout: 5 * time.Second,
				Retry:   workflow.RetryConfig{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond},
			},
			{
				Name: "charge", Service: "payment", Method: "charge",
				Timeout: 2 * time.Second,
				Retry:   workflow.RetryConfig{MaxAttempts: 1, InitialInterval: time.Second},
			},
		},
	}
}

func newSaga(id, wf string, status saga.Status, created time.Time) *saga.SagaState {
	return &saga.SagaState{
		SagaID:        id,
		WorkflowName:  wf,
		WorkflowID:    "wf-" + wf,
		Payload:       saga.Payload{"order_id": "o-1", "amount": 42.5},
		Status:        status,
		CorrelationID: "corr-" + id,
		InitiatedBy:   "tester",
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func testWorkflowCreateFind(t *testing.T, s Store) {
	ctx := context.Background()
	def := newDefinition("order", base)
	require.NoError(t, s.CreateWorkflow(ctx, def))

	got, err := s.FindWorkflowByName(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, 1, got.Version)
	assert.True(t, def.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Steps, 2)
	assert.Equal(t, def.Steps[0], got.Steps[0])
	assert.Equal(t, def.Steps[1], got.Steps[1])

	_, err = s.FindWorkflowByName(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func testWorkflowDuplicate(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newDefinition("order", base)))

	dup := newDefinition("order", base.Add(time.Minute))
	dup.ID = "wf-other"
	err := s.CreateWorkflow(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyExists(err))

	got, err := s.FindWorkflowByName(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, "wf-order", got.ID)
}

func testWorkflowList(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateWorkflow(ctx, newDefinition(fmt.Sprintf("wf-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	page, total, err := s.ListWorkflows(ctx, paging.NewRequest(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "wf-2", page[0].Name)
	assert.Equal(t, "wf-3", page[1].Name)

	page, total, err = s.ListWorkflows(ctx, paging.NewRequest(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func testSagaCreateFind(t *testing.T, s Store) {
	ctx := context.Background()
	st := newSaga("s-1", "order", saga.StatusStarted, base)
	require.NoError(t, s.CreateSaga(ctx, st))

	// 调用方修改不影响存储
	st.Status = saga.StatusFailed
	st.Payload["order_id"] = "mutated"

	got, err := s.FindSagaByID(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusStarted, got.Status)
	assert.Equal(t, "o-1", got.Payload["order_id"])
	assert.Equal(t, 42.5, got.Payload["amount"])
	assert.Equal(t, "corr-s-1", got.CorrelationID)
	assert.Equal(t, "tester", got.InitiatedBy)
	assert.Equal(t, "wf-order", got.WorkflowID)
	assert.True(t, base.Equal(got.CreatedAt))

	_, err = s.FindSagaByID(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))

	err = s.CreateSaga(ctx, newSaga("s-1", "order", saga.StatusStarted, base))
	assert.Error(t, err)
}

func testSagaUpdateWithLog(t *testing.T, s Store) {
	ctx := context.Background()
	st := newSaga("s-1", "order", saga.StatusStarted, base)
	require.NoError(t, s.CreateSaga(ctx, st))

	log := &saga.StepLog{
		ID: "l-1", SagaID: "s-1", Sequence: 1, StepIndex: 0, StepName: "reserve",
		Action: saga.ActionExecute, Attempt: 1, Status: saga.StepLogPending,
		RequestPayload: saga.Payload{"order_id": "o-1"},
		StartedAt:      base.Add(time.Second),
	}
	require.NoError(t, s.UpdateSagaWithStepLog(ctx, st, log))

	logs, err := s.FindStepLogs(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, saga.StepLogPending, logs[0].Status)
	assert.Nil(t, logs[0].CompletedAt)

	// 关闭日志并推进状态
	done := base.Add(2 * time.Second)
	closed := *log
	closed.Status = saga.StepLogSuccess
	closed.ResponsePayload = saga.Payload{"reservation_id": "r-9"}
	closed.CompletedAt = &done
	next := st.Clone()
	next.CurrentStepIndex = 1
	next.Payload = next.Payload.Merge(closed.ResponsePayload)
	next.UpdatedAt = done
	require.NoError(t, s.UpdateSagaWithStepLog(ctx, next, &closed))

	second := &saga.StepLog{
		ID: "l-2", SagaID: "s-1", Sequence: 2, StepIndex: 1, StepName: "charge",
		Action: saga.ActionExecute, Attempt: 1, Status: saga.StepLogPending,
		StartedAt: done,
	}
	require.NoError(t, s.UpdateSagaWithStepLog(ctx, next, second))

	logs, err = s.FindStepLogs(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].Sequence)
	assert.Equal(t, 2, logs[1].Sequence)
	assert.Equal(t, saga.StepLogSuccess, logs[0].Status)
	assert.Equal(t, "r-9", logs[0].ResponsePayload["reservation_id"])
	require.NotNil(t, logs[0].CompletedAt)
	assert.True(t, done.Equal(*logs[0].CompletedAt))

	got, err := s.FindSagaByID(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.Equal(t, "r-9", got.Payload["reservation_id"])

	// 只写状态
	final := got.Clone()
	final.Status = saga.StatusCompleted
	require.NoError(t, s.UpdateSagaWithStepLog(ctx, final, nil))
	got, err = s.FindSagaByID(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, got.Status)

	empty, err := s.FindStepLogs(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testClosedLogImmutable(t *testing.T, s Store) {
	ctx := context.Background()
	st := newSaga("s-1", "order", saga.StatusStarted, base)
	require.NoError(t, s.CreateSaga(ctx, st))

	done := base.Add(time.Second)
	log := &saga.StepLog{
		ID: "l-1", SagaID: "s-1", Sequence: 1, StepName: "reserve",
		Action: saga.ActionExecute, Attempt: 1, Status: saga.StepLogFailed,
		ErrorMessage: "boom", StartedAt: base, CompletedAt: &done,
	}
	require.NoError(t, s.UpdateSagaWithStepLog(ctx, st, log))

	rewritten := *log
	rewritten.Status = saga.StepLogSuccess
	next := st.Clone()
	next.Status = saga.StatusCompleted
	err := s.UpdateSagaWithStepLog(ctx, next, &rewritten)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// 整个写入被拒绝，状态未变
	got, err := s.FindSagaByID(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusStarted, got.Status)

	logs, err := s.FindStepLogs(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, saga.StepLogFailed, logs[0].Status)
	assert.Equal(t, "boom", logs[0].ErrorMessage)
}

func testUpdateUnknown(t *testing.T, s Store) {
	err := s.UpdateSagaWithStepLog(context.Background(), newSaga("ghost", "order", saga.StatusStarted, base), nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func testSagaList(t *testing.T, s Store) {
	ctx := context.Background()
	statuses := []saga.Status{
		saga.StatusStarted, saga.StatusCompleted, saga.StatusStarted,
		saga.StatusCompensating, saga.StatusFailed, saga.StatusStarted,
	}
	for i, st := range statuses {
		wf := "order"
		if i%2 == 1 {
			wf = "refund"
		}
		require.NoError(t, s.CreateSaga(ctx, newSaga(fmt.Sprintf("s-%d", i), wf, st, base.Add(time.Duration(i)*time.Minute))))
	}

	all, total, err := s.ListSagas(ctx, saga.Filter{}, paging.NewRequest(1, 10))
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, all, 6)
	assert.Equal(t, "s-5", all[0].SagaID, "newest first")
	assert.Equal(t, "s-0", all[5].SagaID)

	active, total, err := s.ListSagas(ctx,
		saga.Filter{Statuses: []saga.Status{saga.StatusStarted, saga.StatusCompensating}},
		paging.NewRequest(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, active, 2)
	assert.Equal(t, "s-5", active[0].SagaID)
	assert.Equal(t, "s-3", active[1].SagaID)

	refunds, total, err := s.ListSagas(ctx, saga.Filter{WorkflowName: "refund"}, paging.NewRequest(1, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, r := range refunds {
		assert.Equal(t, "refund", r.WorkflowName)
	}

	startedOrders, total, err := s.ListSagas(ctx,
		saga.Filter{Statuses: []saga.Status{saga.StatusStarted}, WorkflowName: "order"},
		paging.NewRequest(1, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, startedOrders, 2)
}
