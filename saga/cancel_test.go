package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k1s0/errors"
	"k1s0/saga"
)

func TestCancel_CompletedSagaConflicts(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	h.register(t, "simple", step("only", "svc", "do", "", 1))
	id := h.start(t, "simple", nil)
	before := h.await(t, id)
	require.Equal(t, saga.StatusCompleted, before.Status)

	err := h.orch.CancelSaga(context.Background(), id, "too late")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	after, err := h.store.FindSagaByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.logs(t, id), 1)
}

func TestCancel_BeforeAnyStepCompletes(t *testing.T) {
	h := newHarness(t, saga.Options{MaxConcurrentSagas: 1})
	defer h.shutdown(t)

	g := newGate()
	h.register(t, "blocking", step("hold", "svc", "hold", "", 1))
	h.register(t, "queued",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "", 1),
	)
	h.exec.on("svc.hold", g.handler(saga.Payload{}, nil))

	blocker := h.start(t, "blocking", nil)
	g.waitEntered(t)

	id := h.start(t, "queued", nil)
	require.NoError(t, h.orch.CancelSaga(context.Background(), id, "no longer needed"))

	state := h.await(t, id)
	assert.Equal(t, saga.StatusCancelled, state.Status)
	assert.Equal(t, "cancelled: no longer needed", state.ErrorMessage)
	assert.Equal(t, 0, state.CurrentStepIndex)
	assert.Empty(t, h.logs(t, id))
	assert.Zero(t, h.exec.Count("svc.a"))

	g.open()
	assert.Equal(t, saga.StatusCompleted, h.await(t, blocker).Status)
	assert.Contains(t, h.publisher.Types(), saga.EventSagaCancelled)
}

func TestCancel_AfterStepsCompensatesIntoCancelled(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	g := newGate()
	h.register(t, "cancellable",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "undo-b", 1),
		step("c", "svc", "c", "", 1),
	)
	h.exec.on("svc.a", g.handler(saga.Payload{"a": "done"}, nil))

	id := h.start(t, "cancellable", nil)
	g.waitEntered(t)
	require.NoError(t, h.orch.CancelSaga(context.Background(), id, "customer changed mind"))
	g.open()

	state := h.await(t, id)
	assert.Equal(t, saga.StatusCancelled, state.Status)
	assert.Equal(t, "cancelled: customer changed mind", state.ErrorMessage)
	assert.Equal(t, 1, state.CurrentStepIndex)

	logs := h.logs(t, id)
	require.Len(t, logs, 2)
	assert.Equal(t, saga.ActionExecute, logs[0].Action)
	assert.Equal(t, saga.ActionCompensate, logs[1].Action)
	assert.Equal(t, "a", logs[1].StepName)
	assert.Equal(t, saga.StepLogSuccess, logs[1].Status)
	assert.Equal(t, []string{"svc.a", "svc.undo-a"}, h.exec.Calls())
}

func TestCancel_DuringFinalStepIsNoop(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	g := newGate()
	h.register(t, "almost-done",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "", 1),
	)
	h.exec.on("svc.b", g.handler(saga.Payload{}, nil))

	id := h.start(t, "almost-done", nil)
	g.waitEntered(t)
	require.NoError(t, h.orch.CancelSaga(context.Background(), id, "late"))
	g.open()

	state := h.await(t, id)
	assert.Equal(t, saga.StatusCompleted, state.Status)
	assert.Empty(t, state.ErrorMessage)
	assert.Zero(t, h.exec.Count("svc.undo-a"))
}

func TestCancel_WhileCompensatingConflicts(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	g := newGate()
	h.register(t, "rolling-back",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "", 1),
	)
	h.exec.on("svc.b", fail("rejected"))
	h.exec.on("svc.undo-a", g.handler(saga.Payload{}, nil))

	id := h.start(t, "rolling-back", nil)
	g.waitEntered(t)

	err := h.orch.CancelSaga(context.Background(), id, "stop")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Contains(t, err.Error(), "COMPENSATING")

	g.open()
	state := h.await(t, id)
	assert.Equal(t, saga.StatusFailed, state.Status)
	assert.Contains(t, state.ErrorMessage, "SAGA_STEP_FAILED")
}

func TestCancel_AcceptedThenStepFailureSettlesFailed(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	g := newGate()
	h.register(t, "racing",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "undo-b", 1),
		step("c", "svc", "c", "", 1),
	)
	h.exec.on("svc.b", g.handler(nil, assert.AnError))

	id := h.start(t, "racing", nil)
	g.waitEntered(t)
	require.NoError(t, h.orch.CancelSaga(context.Background(), id, "abort"))
	g.open()

	state := h.await(t, id)
	assert.Equal(t, saga.StatusFailed, state.Status)
	assert.Contains(t, state.ErrorMessage, "SAGA_STEP_FAILED")
	assert.NotContains(t, state.ErrorMessage, "cancelled:")
	assert.Equal(t, 1, h.exec.Count("svc.undo-a"))
	assert.Zero(t, h.exec.Count("svc.undo-b"))
	assert.Zero(t, h.exec.Count("svc.c"))
	assert.NotContains(t, h.publisher.Types(), saga.EventSagaCancelled)
}

func TestCancel_DuringFinalStepThenFailureSettlesFailed(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	g := newGate()
	h.register(t, "last-step-fails",
		step("a", "svc", "a", "undo-a", 1),
		step("b", "svc", "b", "", 1),
	)
	h.exec.on("svc.b", g.handler(nil, assert.AnError))

	id := h.start(t, "last-step-fails", nil)
	g.waitEntered(t)
	require.NoError(t, h.orch.CancelSaga(context.Background(), id, "late"))
	g.open()

	state := h.await(t, id)
	assert.Equal(t, saga.StatusFailed, state.Status)
	assert.Contains(t, state.ErrorMessage, "SAGA_STEP_FAILED")
	assert.Equal(t, []string{"svc.a", "svc.b", "svc.undo-a"}, h.exec.Calls())
}

func TestCancel_UnknownSaga(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	err := h.orch.CancelSaga(context.Background(), "missing", "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestCancel_SagaNotDrivenHereConflicts(t *testing.T) {
	h := newHarness(t, saga.Options{})
	defer h.shutdown(t)

	now := time.Now().UTC()
	require.NoError(t, h.store.CreateSaga(context.Background(), &saga.SagaState{
		SagaID: "orphan", WorkflowName: "elsewhere", Payload: saga.Payload{},
		Status: saga.StatusStarted, CreatedAt: now, UpdatedAt: now,
	}))

	err := h.orch.CancelSaga(context.Background(), "orphan", "")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}
