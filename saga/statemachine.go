package saga

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"k1s0/errors"
)

type trigger string

const (
	triggerComplete   trigger = "complete"
	triggerCompensate trigger = "compensate"
	triggerFail       trigger = "fail"
	triggerCancel     trigger = "cancel"
)

// newStatusMachine 构建以 state.Status 为外部存储的状态机
//
// 允许的迁移：
//
//	STARTED      --complete-->   COMPLETED
//	STARTED      --compensate--> COMPENSATING
//	STARTED      --cancel-->     CANCELLED
//	COMPENSATING --fail-->       FAILED
//	COMPENSATING --cancel-->     CANCELLED（仅由取消触发的补偿使用）
//
// 终态不配置任何迁移。
func newStatusMachine(state *SagaState) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return state.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			state.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusStarted).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerCancel, StatusCancelled)

	sm.Configure(StatusCompensating).
		Permit(triggerFail, StatusFailed).
		Permit(triggerCancel, StatusCancelled)

	sm.Configure(StatusCompleted)
	sm.Configure(StatusFailed)
	sm.Configure(StatusCancelled)

	return sm
}

// transition 在 state 上触发一次状态迁移；非法迁移返回 CONFLICT
func transition(ctx context.Context, state *SagaState, t trigger) error {
	from := state.Status
	if err := newStatusMachine(state).FireCtx(ctx, t); err != nil {
		return errors.NewErrorWithCause(errors.ErrCodeConflict,
			fmt.Sprintf("illegal saga transition %q from %s", t, from), err)
	}
	return nil
}
