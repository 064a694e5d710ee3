package saga_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k1s0/errors"
	"k1s0/paging"
	"k1s0/saga"
	"k1s0/workflow"
)

func TestOrchestrator_OrderWorkflowCompensatesAfterPaymentFailure(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "order-workflow",
		step("reserve-inventory", "inventory", "reserve", "release", 1),
		step("charge-payment", "payment", "charge", "refund", 2),
	)
	h.exec.on("inventory.reserve", respond(saga.Payload{"reservation_id": "r-1"}))
	h.exec.on("payment.charge", fail("card declined"))

	id := h.start(t, "order-workflow", saga.Payload{"order_id": "o-1"})
	state := h.await(t, id)

	assert.Equal(t, saga.StatusFailed, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)
	assert.Contains(t, state.ErrorMessage, "SAGA_STEP_FAILED")
	assert.Contains(t, state.ErrorMessage, "charge-payment")
	assert.Contains(t, state.ErrorMessage, "card declined")

	logs := h.logs(t, id)
	require.Len(t, logs, 4)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Sequence)
		assert.True(t, l.IsClosed())
		assert.NotNil(t, l.CompletedAt)
	}

	reserveExec := filterLogs(logs, "reserve-inventory", saga.ActionExecute)
	require.Len(t, reserveExec, 1)
	assert.Equal(t, saga.StepLogSuccess, reserveExec[0].Status)
	assert.Equal(t, "r-1", reserveExec[0].ResponsePayload["reservation_id"])

	chargeExec := filterLogs(logs, "charge-payment", saga.ActionExecute)
	require.Len(t, chargeExec, 2)
	for i, l := range chargeExec {
		assert.Equal(t, saga.StepLogFailed, l.Status)
		assert.Equal(t, i+1, l.Attempt)
		assert.Equal(t, "card declined", l.ErrorMessage)
	}

	reserveComp := filterLogs(logs, "reserve-inventory", saga.ActionCompensate)
	require.Len(t, reserveComp, 1)
	assert.Equal(t, saga.StepLogSuccess, reserveComp[0].Status)
	assert.Empty(t, filterLogs(logs, "charge-payment", saga.ActionCompensate))

	assert.Equal(t, []string{"inventory.reserve", "payment.charge", "payment.charge", "inventory.release"}, h.exec.Calls())

	// 补偿收到的是合并后的负载
	released := h.exec.PayloadsFor("inventory.release")
	require.Len(t, released, 1)
	assert.Equal(t, "o-1", released[0]["order_id"])
	assert.Equal(t, "r-1", released[0]["reservation_id"])
}

func TestOrchestrator_StartUnknownWorkflow(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	_, err := h.orch.StartSaga(context.Background(), saga.StartRequest{WorkflowName: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow not found")
	assert.True(t, errors.IsNotFound(err))

	_, total, err := h.store.ListSagas(context.Background(), saga.Filter{}, paging.NewRequest(1, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, h.exec.Calls())
}

func TestOrchestrator_StartRequiresWorkflowName(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	_, err := h.orch.StartSaga(context.Background(), saga.StartRequest{WorkflowName: "  "})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestOrchestrator_CompletedSagaInvariants(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "three-steps",
		step("a", "svc-a", "do", "undo", 1),
		step("b", "svc-b", "do", "undo", 1),
		step("c", "svc-c", "do", "", 1),
	)
	h.exec.on("svc-a.do", respond(saga.Payload{"a": 1}))
	h.exec.on("svc-b.do", respond(saga.Payload{"b": 2, "order_id": "overwritten"}))

	id := h.start(t, "three-steps", saga.Payload{"order_id": "o-1"})
	state := h.await(t, id)

	assert.Equal(t, saga.StatusCompleted, state.Status)
	assert.Equal(t, 2, state.CurrentStepIndex)
	assert.Empty(t, state.ErrorMessage)
	assert.Equal(t, 1, state.Payload["a"])
	assert.Equal(t, 2, state.Payload["b"])
	assert.Equal(t, "overwritten", state.Payload["order_id"])

	logs := h.logs(t, id)
	require.Len(t, logs, 3)
	for i, name := range []string{"a", "b", "c"} {
		execs := filterLogs(logs, name, saga.ActionExecute)
		require.Len(t, execs, 1, name)
		assert.Equal(t, saga.StepLogSuccess, execs[0].Status)
		assert.Equal(t, i, execs[0].StepIndex)
	}

	// 每一步的请求负载包含前序步骤的响应
	assert.Equal(t, 1, logs[1].RequestPayload["a"])
	assert.Equal(t, "overwritten", logs[2].RequestPayload["order_id"])
}

func TestOrchestrator_SingleStepWorkflow(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "single", step("only", "svc", "do", "", 1))

	id := h.start(t, "single", nil)
	state := h.await(t, id)

	assert.Equal(t, saga.StatusCompleted, state.Status)
	assert.Equal(t, 0, state.CurrentStepIndex)
	logs := h.logs(t, id)
	require.Len(t, logs, 1)
	assert.Equal(t, saga.ActionExecute, logs[0].Action)
	assert.Equal(t, saga.StepLogSuccess, logs[0].Status)
}

func TestOrchestrator_RetryBudgetProducesExactlyNAttempts(t *testing.T) {
	for _, attempts := range []int{1, 2, 3, 5} {
		h := newHarness(t, saga.Options{})
		name := "retry-" + string(rune('0'+attempts))
		h.register(t, name,
			step("first", "svc-a", "do", "undo", 1),
			step("flaky", "svc-b", "do", "undo", attempts),
		)
		h.exec.on("svc-b.do", fail("unavailable"))

		id := h.start(t, name, nil)
		state := h.await(t, id)
		h.shutdown(t)

		assert.Equal(t, saga.StatusFailed, state.Status)
		execs := filterLogs(h.logs(t, id), "flaky", saga.ActionExecute)
		require.Len(t, execs, attempts)
		for i, l := range execs {
			assert.Equal(t, i+1, l.Attempt)
			assert.Equal(t, saga.StepLogFailed, l.Status)
		}
		assert.Equal(t, attempts, h.exec.Count("svc-b.do"))
	}
}

func TestOrchestrator_TransientFailureRecoversWithinBudget(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "transient", step("flaky", "svc", "do", "", 3))
	var calls atomic.Int32
	h.exec.on("svc.do", func(context.Context, saga.Payload) (saga.Payload, error) {
		if calls.Add(1) < 3 {
			return nil, assert.AnError
		}
		return saga.Payload{"ok": true}, nil
	})

	id := h.start(t, "transient", nil)
	state := h.await(t, id)

	assert.Equal(t, saga.StatusCompleted, state.Status)
	logs := h.logs(t, id)
	require.Len(t, logs, 3)
	assert.Equal(t, saga.StepLogFailed, logs[0].Status)
	assert.Equal(t, saga.StepLogFailed, logs[1].Status)
	assert.Equal(t, saga.StepLogSuccess, logs[2].Status)
	assert.Equal(t, 3, logs[2].Attempt)
}

func TestOrchestrator_FailedSagaCompensatesExactlyTheSucceededSteps(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "four-steps",
		step("s0", "svc", "s0", "u0", 1),
		step("s1", "svc", "s1", "u1", 1),
		step("s2", "svc", "s2", "u2", 1),
		step("s3", "svc", "s3", "", 1),
	)
	h.exec.on("svc.s3", fail("boom"))

	id := h.start(t, "four-steps", nil)
	state := h.await(t, id)
	require.Equal(t, saga.StatusFailed, state.Status)
	assert.Equal(t, 3, state.CurrentStepIndex)

	logs := h.logs(t, id)
	executed := map[int]bool{}
	compensated := map[int]time.Time{}
	for _, l := range logs {
		if l.Status != saga.StepLogSuccess {
			continue
		}
		switch l.Action {
		case saga.ActionExecute:
			executed[l.StepIndex] = true
		case saga.ActionCompensate:
			compensated[l.StepIndex] = l.StartedAt
		}
	}
	require.Len(t, compensated, len(executed))
	for idx := range executed {
		assert.Contains(t, compensated, idx)
	}
	assert.True(t, compensated[2].Before(compensated[1]))
	assert.True(t, compensated[1].Before(compensated[0]))
	assert.Equal(t, []string{"svc.s0", "svc.s1", "svc.s2", "svc.s3", "svc.u2", "svc.u1", "svc.u0"}, h.exec.Calls())
}

func TestOrchestrator_CompensationFailureNeedsOperator(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "stuck",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "undo-b", 2),
		step("c", "svc", "c", "", 1),
	)
	h.exec.on("svc.c", fail("downstream rejected"))
	h.exec.on("svc.undo-b", fail("refund service down"))

	id := h.start(t, "stuck", nil)
	state := h.await(t, id)

	assert.Equal(t, saga.StatusFailed, state.Status)
	assert.Contains(t, state.ErrorMessage, "SAGA_COMPENSATION_FAILED")
	assert.Contains(t, state.ErrorMessage, "step=b")
	assert.Contains(t, state.ErrorMessage, "refund service down")
	assert.Contains(t, state.ErrorMessage, "triggered by: SAGA_STEP_FAILED")

	logs := h.logs(t, id)
	undoB := filterLogs(logs, "b", saga.ActionCompensate)
	require.Len(t, undoB, 2)
	for _, l := range undoB {
		assert.Equal(t, saga.StepLogFailed, l.Status)
	}
	// 补偿失败后不再继续
	assert.Empty(t, filterLogs(logs, "a", saga.ActionCompensate))
	assert.Zero(t, h.exec.Count("svc.undo-a"))
}

func TestOrchestrator_StepTimeout(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	slow := step("slow", "svc", "slow", "", 2)
	slow.Timeout = 20 * time.Millisecond
	h.register(t, "timeouts", slow)

	// 一次尊重 ctx，一次完全忽略 ctx
	var calls atomic.Int32
	h.exec.on("svc.slow", func(ctx context.Context, _ saga.Payload) (saga.Payload, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		time.Sleep(200 * time.Millisecond)
		return saga.Payload{"late": true}, nil
	})

	id := h.start(t, "timeouts", nil)
	state := h.await(t, id)

	assert.Equal(t, saga.StatusFailed, state.Status)
	assert.NotContains(t, state.Payload, "late")
	logs := h.logs(t, id)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, saga.StepLogFailed, l.Status)
		assert.Equal(t, "[TIMEOUT] svc.slow timed out after 20ms: context deadline exceeded", l.ErrorMessage)
	}
}

func TestOrchestrator_GetAndListSagas(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "simple", step("only", "svc", "do", "", 1))
	first := h.start(t, "simple", nil)
	second := h.start(t, "simple", nil)
	h.await(t, first)
	h.await(t, second)

	state, logs, err := h.orch.GetSaga(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, first, state.SagaID)
	assert.Equal(t, "corr-1", state.CorrelationID)
	assert.Equal(t, "tester", state.InitiatedBy)
	assert.Len(t, logs, 1)

	_, _, err = h.orch.GetSaga(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))

	states, total, err := h.orch.ListSagas(context.Background(),
		saga.Filter{Statuses: []saga.Status{saga.StatusCompleted}}, paging.Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, second, states[0].SagaID, "newest first")
}

func TestOrchestrator_EventsAndMetrics(t *testing.T) {
	h := newHarness(t, saga.Options{})

	h.register(t, "observed",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "", 1),
	)
	id := h.start(t, "observed", nil)
	require.Equal(t, saga.StatusCompleted, h.await(t, id).Status)
	h.shutdown(t)

	assert.ElementsMatch(t, []string{
		saga.EventSagaStarted,
		saga.EventStepSucceeded,
		saga.EventStepSucceeded,
		saga.EventSagaCompleted,
	}, h.publisher.Types())

	for _, msg := range h.publisher.msgs {
		assert.Equal(t, id, msg.GetMetadata()["saga_id"])
		assert.Equal(t, "corr-1", msg.GetMetadata()["correlation_id"])
	}

	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	assert.Equal(t, 1, h.metrics.started["observed"])
	assert.Equal(t, 1, h.metrics.finished["observed/COMPLETED"])
	assert.Equal(t, 2, h.metrics.attempts["EXECUTE/success"])
	assert.Equal(t, 0, h.metrics.inFlight)
}

func TestOrchestrator_PublishFailureDoesNotAffectSaga(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)
	h.publisher.err = assert.AnError

	h.register(t, "unobserved", step("only", "svc", "do", "", 1))
	id := h.start(t, "unobserved", nil)
	assert.Equal(t, saga.StatusCompleted, h.await(t, id).Status)
}

func TestOrchestrator_ShutdownRejectsNewSagas(t *testing.T) {
	h := newHarness(t, saga.Options{})
	h.register(t, "simple", step("only", "svc", "do", "", 1))
	h.shutdown(t)

	_, err := h.orch.StartSaga(context.Background(), saga.StartRequest{WorkflowName: "simple"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetErrorCode(err))
}

func TestOrchestrator_ShutdownDeadlineLeavesStateForRecovery(t *testing.T) {
	h := newHarness(t, saga.Options{})
	g := newGate()
	h.register(t, "hanging",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "", 1),
	)
	h.exec.on("svc.b", g.handler(nil, nil))

	id := h.start(t, "hanging", nil)
	g.waitEntered(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.orch.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.orch.InFlight())

	state, err := h.store.FindSagaByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusStarted, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)

	logs := h.logs(t, id)
	require.Len(t, logs, 2)
	assert.Equal(t, saga.StepLogPending, logs[1].Status)
}

func TestOrchestrator_RegisteredDefinitionIsSnapshotted(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	def := &workflow.Definition{Name: "snap", Steps: []workflow.Step{step("only", "svc", "do", "", 1)}}
	_, err := h.registry.Register(context.Background(), def)
	require.NoError(t, err)
	def.Steps[0].Method = "mutated"

	id := h.start(t, "snap", nil)
	h.await(t, id)
	assert.Equal(t, []string{"svc.do"}, h.exec.Calls())
}
