package saga

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/retry"
	"k1s0/workflow"
)

// driver 单个 Saga 的执行上下文，只被其驱动 goroutine 访问
type driver struct {
	def   *workflow.Definition
	state *SagaState
	run   *run

	nextSeq int

	// 以下字段仅在恢复时填充
	priorAttempts map[attemptKey]int
	compensated   map[int]bool
}

type attemptKey struct {
	stepIndex int
	action    Action
}

// drive 驱动 Saga 直到终态、存储失败或被中止
func (o *Orchestrator) drive(d *driver) {
	defer o.finish(d)
	ctx := o.baseCtx
	started := o.now()

	acquired, err := o.acquireSlot(ctx, d)
	if acquired {
		err = o.advance(ctx, d)
		if o.slots != nil {
			<-o.slots
		}
	}
	d.run.markFinished()

	logger := o.sagaLogger(d)
	switch {
	case err == nil:
		if d.state.Status.IsTerminal() {
			o.metrics.SagaFinished(d.state.WorkflowName, string(d.state.Status), o.now().Sub(started))
		}
	case stdErrors.Is(err, ErrSagaAborted()):
		logger.Warn(ctx, "saga driver aborted, state left for recovery",
			logging.String("status", string(d.state.Status)),
			logging.Int("current_step_index", d.state.CurrentStepIndex))
	default:
		// 视同崩溃：存储中保留最后一次持久化的状态，重启后由 Recover 接管
		logger.Error(ctx, "saga driver stopped", logging.Error(err))
	}
}

// advance 根据持久化状态选择正向执行或补偿
func (o *Orchestrator) advance(ctx context.Context, d *driver) error {
	switch d.state.Status {
	case StatusStarted:
		return o.runForward(ctx, d)
	case StatusCompensating:
		return o.runCompensation(ctx, d, strings.HasPrefix(d.state.ErrorMessage, cancelPrefix))
	default:
		return nil
	}
}

// acquireSlot 等待并发槽位
//
// 等待期间收到取消且尚无步骤成功时，Saga 直接进入 CANCELLED 且不占用槽位。
func (o *Orchestrator) acquireSlot(ctx context.Context, d *driver) (bool, error) {
	if o.slots == nil {
		return true, nil
	}
	cancelled := d.run.cancelled
	for {
		select {
		case o.slots <- struct{}{}:
			return true, nil
		case <-cancelled:
			if d.state.Status == StatusStarted && d.state.CurrentStepIndex == 0 {
				_, reason := d.run.boundary(false)
				return false, o.settleCancelled(ctx, d, reason)
			}
			// 已有步骤成功，需要占用槽位完成补偿
			cancelled = nil
		case <-ctx.Done():
			return false, newSagaAbortedError(d.state.SagaID, ctx.Err())
		}
	}
}

// runForward 从 current_step_index 开始正向执行
func (o *Orchestrator) runForward(ctx context.Context, d *driver) error {
	steps := d.def.Steps
	logger := o.sagaLogger(d)

	for i := d.state.CurrentStepIndex; i < len(steps); i++ {
		step := steps[i]

		if cancel, reason := d.run.boundary(i == len(steps)-1); cancel {
			if i == 0 {
				return o.settleCancelled(ctx, d, reason)
			}
			return o.cancelIntoCompensation(ctx, d, reason)
		}

		logger.Debug(ctx, "executing step",
			logging.Int("step_index", i),
			logging.String("step_name", step.Name))

		log, resp, err := o.runStep(ctx, d, i, ActionExecute, step, step.Method)
		if isDriverFatal(err) {
			return err
		}

		next := d.state.Clone()
		if err == nil {
			log.close(StepLogSuccess, resp, "", o.now())
			next.Payload = next.Payload.Merge(resp)
			if i == len(steps)-1 {
				if terr := transition(ctx, next, triggerComplete); terr != nil {
					return terr
				}
			} else {
				next.CurrentStepIndex = i + 1
			}
			if perr := o.persist(ctx, d, next, log); perr != nil {
				return perr
			}
			o.publish(d.state, EventStepSucceeded, step.Name, "")
			if d.state.Status == StatusCompleted {
				logger.Info(ctx, "saga completed", logging.Int("steps", len(steps)))
				o.publish(d.state, EventSagaCompleted, "", "")
			}
			continue
		}

		// 重试次数耗尽：关闭最后一次尝试的日志并与 COMPENSATING 迁移一起写入
		cause := NewSagaStepFailedError(step.Name, err)
		log.close(StepLogFailed, nil, err.Error(), o.now())
		next.ErrorMessage = cause.Error()
		if terr := transition(ctx, next, triggerCompensate); terr != nil {
			return terr
		}
		// 步骤失败优先于已接受的取消：结果为 FAILED，只有边界处写入的 cancelled: 前缀会导向 CANCELLED
		superseded, reason := d.run.enterCompensation()
		if perr := o.persist(ctx, d, next, log); perr != nil {
			return perr
		}

		logger.Warn(ctx, "step failed, compensating",
			logging.Int("step_index", i),
			logging.String("step_name", step.Name),
			logging.Error(err))
		if superseded {
			logger.Info(ctx, "pending cancel request superseded by step failure",
				logging.String("cancel_reason", reason))
		}
		o.publish(d.state, EventStepFailed, step.Name, err.Error())
		o.publish(d.state, EventSagaCompensating, "", next.ErrorMessage)

		return o.runCompensation(ctx, d, false)
	}
	return nil
}

// cancelIntoCompensation 在步骤边界处理取消：已有步骤成功，经补偿后进入 CANCELLED
func (o *Orchestrator) cancelIntoCompensation(ctx context.Context, d *driver, reason string) error {
	d.run.enterCompensation()
	next := d.state.Clone()
	next.ErrorMessage = cancelPrefix + reason
	if err := transition(ctx, next, triggerCompensate); err != nil {
		return err
	}
	if err := o.persist(ctx, d, next, nil); err != nil {
		return err
	}
	o.sagaLogger(d).Info(ctx, "saga cancelled, compensating executed steps",
		logging.Int("current_step_index", next.CurrentStepIndex))
	o.publish(d.state, EventSagaCompensating, "", next.ErrorMessage)
	return o.runCompensation(ctx, d, true)
}

// settleCancelled 尚无步骤成功时直接进入 CANCELLED
func (o *Orchestrator) settleCancelled(ctx context.Context, d *driver, reason string) error {
	next := d.state.Clone()
	next.ErrorMessage = cancelPrefix + reason
	if err := transition(ctx, next, triggerCancel); err != nil {
		return err
	}
	if err := o.persist(ctx, d, next, nil); err != nil {
		return err
	}
	o.sagaLogger(d).Info(ctx, "saga cancelled before any step completed")
	o.publish(d.state, EventSagaCancelled, "", next.ErrorMessage)
	return nil
}

// runCompensation 从 current_step_index-1 逆序补偿到 0
//
// 全部补偿成功：取消触发时进入 CANCELLED，否则进入 FAILED 并保留原始错误；
// 任一补偿耗尽重试：进入 FAILED，error_message 指明无法撤销的步骤。
func (o *Orchestrator) runCompensation(ctx context.Context, d *driver, cancelled bool) error {
	logger := o.sagaLogger(d)
	trigger := d.state.ErrorMessage

	for j := d.state.CurrentStepIndex - 1; j >= 0; j-- {
		if d.compensated[j] {
			continue
		}
		step := d.def.Steps[j]

		var (
			log  *StepLog
			resp Payload
			err  error
		)
		if step.HasCompensation() {
			log, resp, err = o.runStep(ctx, d, j, ActionCompensate, step, step.Compensate)
			if isDriverFatal(err) {
				return err
			}
		} else {
			err = fmt.Errorf("step %q has no compensate method", step.Name)
		}

		if err == nil {
			log.close(StepLogSuccess, resp, "", o.now())
			if perr := o.persist(ctx, d, d.state.Clone(), log); perr != nil {
				return perr
			}
			logger.Info(ctx, "step compensated",
				logging.Int("step_index", j),
				logging.String("step_name", step.Name))
			continue
		}

		cause := NewSagaCompensationFailedError(step.Name, err)
		next := d.state.Clone()
		next.ErrorMessage = fmt.Sprintf("%s; triggered by: %s", cause.Error(), trigger)
		if log != nil {
			log.close(StepLogFailed, nil, err.Error(), o.now())
		}
		if terr := transition(ctx, next, triggerFail); terr != nil {
			return terr
		}
		if perr := o.persist(ctx, d, next, log); perr != nil {
			return perr
		}
		logger.Error(ctx, "compensation failed, manual intervention required",
			logging.Int("step_index", j),
			logging.String("step_name", step.Name),
			logging.Error(err))
		o.publish(d.state, EventSagaFailed, step.Name, next.ErrorMessage)
		return nil
	}

	next := d.state.Clone()
	event := EventSagaFailed
	t := triggerFail
	if cancelled {
		t = triggerCancel
		event = EventSagaCancelled
	}
	if err := transition(ctx, next, t); err != nil {
		return err
	}
	if err := o.persist(ctx, d, next, nil); err != nil {
		return err
	}
	logger.Info(ctx, "saga compensation finished", logging.String("status", string(next.Status)))
	o.publish(d.state, event, "", next.ErrorMessage)
	return nil
}

// runStep 按步骤的重试策略执行一次动作
//
// 每次尝试先写入 PENDING 日志；中间失败的尝试在退避前关闭为 FAILED。
// 最后一次尝试的日志保持打开并返回给调用方，由调用方与状态迁移一起关闭写入。
func (o *Orchestrator) runStep(ctx context.Context, d *driver, stepIndex int, action Action, step workflow.Step, method string) (*StepLog, Payload, error) {
	policy := step.RetryPolicy(o.opts.MaxBackoff)
	key := attemptKey{stepIndex: stepIndex, action: action}
	prior := d.priorAttempts[key]
	if prior > 0 {
		// 恢复：沿用剩余的尝试次数，至少再尝试一次
		policy.MaxAttempts -= prior
		if policy.MaxAttempts < 1 {
			policy.MaxAttempts = 1
		}
	}

	var (
		last *StepLog
		resp Payload
	)
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		log := &StepLog{
			ID:             uuid.NewString(),
			SagaID:         d.state.SagaID,
			Sequence:       d.nextSeq,
			StepIndex:      stepIndex,
			StepName:       step.Name,
			Action:         action,
			Attempt:        prior + attempt,
			Status:         StepLogPending,
			RequestPayload: d.state.Payload.Clone(),
			StartedAt:      o.now(),
		}
		d.nextSeq++
		if err := o.persist(ctx, d, d.state.Clone(), log); err != nil {
			return retry.Permanent(err)
		}
		last = log

		begin := time.Now()
		out, err := o.invoke(ctx, step.Service, method, step.Timeout, log.RequestPayload.Clone())
		elapsed := time.Since(begin)
		if err == nil {
			o.metrics.StepAttempt(d.state.WorkflowName, string(action), "success", elapsed)
			resp = out
			return nil
		}
		o.metrics.StepAttempt(d.state.WorkflowName, string(action), "failure", elapsed)

		if ctx.Err() != nil {
			return retry.Permanent(newSagaAbortedError(d.state.SagaID, ctx.Err()))
		}
		if !policy.ShouldRetry(attempt) {
			return err
		}

		o.sagaLogger(d).Debug(ctx, "step attempt failed, retrying",
			logging.Int("step_index", stepIndex),
			logging.String("action", string(action)),
			logging.Int("attempt", log.Attempt),
			logging.Duration("backoff", policy.Wait(attempt)),
			logging.Error(err))

		log.close(StepLogFailed, nil, err.Error(), o.now())
		if perr := o.persist(ctx, d, d.state.Clone(), log); perr != nil {
			return retry.Permanent(perr)
		}
		return err
	})

	if err != nil && ctx.Err() != nil && !stdErrors.Is(err, ErrSagaStoreFailed()) {
		// 退避等待期间被中止
		return nil, nil, newSagaAbortedError(d.state.SagaID, ctx.Err())
	}
	return last, resp, err
}

// invoke 以 timeout 为界调用下游
//
// 执行器不遵守 ctx 时，超时后放弃等待并丢弃其结果。
func (o *Orchestrator) invoke(ctx context.Context, service, method string, timeout time.Duration, payload Payload) (Payload, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp Payload
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := o.executor.Invoke(callCtx, service, method, payload)
		ch <- result{resp: resp, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && stdErrors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(service, method, timeout)
		}
		return res.resp, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(service, method, timeout)
	}
}

func timeoutError(service, method string, timeout time.Duration) error {
	return errors.NewErrorWithCause(errors.ErrCodeTimeout,
		fmt.Sprintf("%s.%s timed out after %s", service, method, timeout), context.DeadlineExceeded)
}

// persist 原子写入状态与日志；成功后更新驱动持有的状态
func (o *Orchestrator) persist(ctx context.Context, d *driver, next *SagaState, log *StepLog) error {
	next.UpdatedAt = o.now()
	var snapshot *StepLog
	if log != nil {
		snapshot = log.Clone()
	}
	if err := o.repo.UpdateSagaWithStepLog(ctx, next, snapshot); err != nil {
		if ctx.Err() != nil {
			return newSagaAbortedError(next.SagaID, ctx.Err())
		}
		return NewSagaStoreFailedError(next.SagaID, err)
	}
	d.state = next
	return nil
}

// isDriverFatal 存储失败或中止：驱动必须立即停止，不能当作步骤失败处理
func isDriverFatal(err error) bool {
	return err != nil && (stdErrors.Is(err, ErrSagaAborted()) || stdErrors.Is(err, ErrSagaStoreFailed()))
}
