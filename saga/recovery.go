package saga

import (
	"context"

	"k1s0/logging"
	"k1s0/paging"
)

const interruptedMessage = "interrupted: orchestrator stopped before the attempt resolved"

// Recover 接管存储中所有非终态 Saga
//
// 对每个 STARTED/COMPENSATING 的 Saga：
//  1. 将悬挂的 PENDING 日志关闭为 FAILED（interrupted），该次尝试计入重试次数
//  2. 从最后一次持久化的状态继续：STARTED 继续正向执行，COMPENSATING 继续逆序补偿，
//     已有 SUCCESS 补偿日志的步骤不会再次补偿
//
// 工作流定义 ID 与 Saga 固定的 workflow_id 不一致时跳过并记录错误。
//
// 返回：
//   - int: 恢复的 Saga 数量
//   - error: 列表或日志查询失败
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	filter := Filter{Statuses: []Status{StatusStarted, StatusCompensating}}

	// 先收集再启动：驱动推进会改变分页结果
	var pending []*SagaState
	for page := 1; ; page++ {
		req := paging.NewRequest(page, paging.MaxPageSize)
		states, total, err := o.repo.ListSagas(ctx, filter, req)
		if err != nil {
			return 0, err
		}
		pending = append(pending, states...)
		if len(states) == 0 || req.Offset()+len(states) >= total {
			break
		}
	}

	recovered := 0
	for _, state := range pending {
		o.mu.Lock()
		_, running := o.runs[state.SagaID]
		o.mu.Unlock()
		if running {
			continue
		}

		d, err := o.rebuildDriver(ctx, state)
		if err != nil {
			o.logger.Error(ctx, "saga recovery skipped", logging.Error(err),
				logging.String("saga_id", state.SagaID),
				logging.String("workflow_name", state.WorkflowName))
			continue
		}
		if !o.spawn(d) {
			break
		}
		recovered++
		o.logger.Info(ctx, "saga recovered",
			logging.String("saga_id", state.SagaID),
			logging.String("status", string(state.Status)),
			logging.Int("current_step_index", state.CurrentStepIndex))
	}
	return recovered, nil
}

// rebuildDriver 从状态与日志重建驱动上下文
func (o *Orchestrator) rebuildDriver(ctx context.Context, state *SagaState) (*driver, error) {
	def, err := o.workflows.Get(ctx, state.WorkflowName)
	if err != nil {
		return nil, err
	}
	if state.WorkflowID != "" && def.ID != state.WorkflowID {
		return nil, NewSagaConflictError(state.SagaID, state.Status, "workflow definition changed since the saga started")
	}

	logs, err := o.repo.FindStepLogs(ctx, state.SagaID)
	if err != nil {
		return nil, err
	}

	d := &driver{
		def:           def.Clone(),
		state:         state.Clone(),
		nextSeq:       1,
		priorAttempts: make(map[attemptKey]int),
		compensated:   make(map[int]bool),
	}

	for _, l := range logs {
		if l.Sequence >= d.nextSeq {
			d.nextSeq = l.Sequence + 1
		}
		key := attemptKey{stepIndex: l.StepIndex, action: l.Action}
		if l.Attempt > d.priorAttempts[key] {
			d.priorAttempts[key] = l.Attempt
		}
		if l.Action == ActionCompensate && l.Status == StepLogSuccess {
			d.compensated[l.StepIndex] = true
		}
		if l.Status == StepLogPending {
			closed := l.Clone()
			closed.close(StepLogFailed, nil, interruptedMessage, o.now())
			if err := o.persist(ctx, d, d.state.Clone(), closed); err != nil {
				return nil, err
			}
		}
	}

	return d, nil
}
