package saga

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/messaging"
	"k1s0/paging"
)

// cancelPrefix 取消触发补偿时 error_message 的前缀，恢复时据此判断终态
const cancelPrefix = "cancelled: "

// Options 编排器可选配置
type Options struct {
	Logger    logging.Logger
	Publisher messaging.IPublisher
	Metrics   Metrics

	// MaxConcurrentSagas 同时被驱动的 Saga 上限，<=0 表示不限制
	MaxConcurrentSagas int

	// MaxBackoff 重试等待上限，<=0 表示不设上限
	MaxBackoff time.Duration

	// PublishTimeout 单条事件发布超时，默认 2s
	PublishTimeout time.Duration

	// Now 时间源，测试可替换
	Now func() time.Time
}

// StartRequest 启动 Saga 的请求
type StartRequest struct {
	WorkflowName  string
	Payload       Payload
	CorrelationID string
	InitiatedBy   string
}

// Orchestrator Saga 编排器
//
// 每个 Saga 由一个独立的驱动 goroutine 推进，该 goroutine 是其状态与步骤日志的唯一写入者。
// 取消请求通过 run 上的标志位带外传递，驱动在步骤边界检查。
//
// 注意：
//   - 驱动使用编排器自身的基础上下文，而不是发起请求的上下文
//   - Shutdown 超时后取消基础上下文，驱动在下一个挂起点退出且不写终态，重启后由 Recover 继续
type Orchestrator struct {
	workflows WorkflowSource
	repo      Repository
	executor  StepExecutor
	publisher messaging.IPublisher
	metrics   Metrics
	logger    logging.Logger
	opts      Options

	baseCtx    context.Context
	cancelBase context.CancelFunc
	slots      chan struct{}

	mu      sync.Mutex
	runs    map[string]*run
	closing bool
	wg      sync.WaitGroup
}

// NewOrchestrator 创建编排器
//
// 参数：
//   - workflows: 工作流来源（通常为 *workflow.Registry）
//   - repo: Saga 存储
//   - executor: 下游调用端口
//   - opts: 可选配置
func NewOrchestrator(workflows WorkflowSource, repo Repository, executor StepExecutor, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.ComponentLogger("saga.orchestrator")
	}
	if opts.Publisher == nil {
		opts.Publisher = messaging.NopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		workflows:  workflows,
		repo:       repo,
		executor:   executor,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		opts:       opts,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		runs:       make(map[string]*run),
	}
	if opts.MaxConcurrentSagas > 0 {
		o.slots = make(chan struct{}, opts.MaxConcurrentSagas)
	}
	return o
}

// StartSaga 创建 Saga 并在后台开始驱动，立即返回 saga_id
//
// 返回：
//   - string: 新 Saga ID
//   - error: VALIDATION_ERROR；NOT_FOUND（消息包含 "workflow not found"，不会持久化任何状态）；
//     SERVICE_UNAVAILABLE（编排器正在关闭）
func (o *Orchestrator) StartSaga(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.WorkflowName) == "" {
		return "", errors.NewValidationError("workflow_name is required")
	}

	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return "", errors.NewError(errors.ErrCodeUnavailable, "orchestrator is shutting down")
	}

	def, err := o.workflows.Get(ctx, req.WorkflowName)
	if err != nil {
		return "", err
	}

	now := o.now()
	state := &SagaState{
		SagaID:           uuid.NewString(),
		WorkflowName:     def.Name,
		WorkflowID:       def.ID,
		Payload:          req.Payload.Clone(),
		Status:           StatusStarted,
		CurrentStepIndex: 0,
		CorrelationID:    req.CorrelationID,
		InitiatedBy:      req.InitiatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.repo.CreateSaga(ctx, state); err != nil {
		return "", err
	}

	d := &driver{def: def.Clone(), state: state.Clone(), nextSeq: 1}
	if !o.spawn(d) {
		// 与 Shutdown 竞争失败：状态已持久化，下次启动时由 Recover 接管
		return "", errors.NewError(errors.ErrCodeUnavailable, "orchestrator is shutting down")
	}

	o.metrics.SagaStarted(def.Name)
	o.logger.Info(ctx, "saga started",
		logging.String("saga_id", state.SagaID),
		logging.String("workflow_name", def.Name),
		logging.String("correlation_id", req.CorrelationID))
	o.publish(state, EventSagaStarted, "", "")

	return state.SagaID, nil
}

// CancelSaga 请求取消 Saga
//
// 只有由本编排器驱动且仍处于正向执行阶段（STARTED）的 Saga 可以取消，取消在下一个步骤边界生效：
//   - 尚未有步骤成功：直接进入 CANCELLED，不产生补偿
//   - 已有步骤成功：经 COMPENSATING 逆序补偿后进入 CANCELLED（补偿失败则为 FAILED）
//   - 最后一步已在执行：没有剩余边界，Saga 正常完成，本次请求不产生效果
//
// 返回：
//   - NOT_FOUND：Saga 不存在
//   - CONFLICT：Saga 已是终态、正在补偿，或不由本编排器驱动
func (o *Orchestrator) CancelSaga(ctx context.Context, sagaID, reason string) error {
	if reason == "" {
		reason = "cancel requested"
	}

	o.mu.Lock()
	r := o.runs[sagaID]
	o.mu.Unlock()

	if r != nil {
		accepted, phase := r.requestCancel(reason)
		if accepted {
			o.logger.Info(ctx, "saga cancel requested",
				logging.String("saga_id", sagaID),
				logging.String("reason", reason))
			return nil
		}
		if phase == phaseCompensating {
			return NewSagaConflictError(sagaID, StatusCompensating, "saga is already compensating")
		}
		// phaseFinished：终态已写入，按存储中的状态回答
	}

	state, err := o.repo.FindSagaByID(ctx, sagaID)
	if err != nil {
		if errors.IsNotFound(err) {
			return NewSagaNotFoundError(sagaID)
		}
		return err
	}
	if state.Status.IsTerminal() {
		return NewSagaConflictError(sagaID, state.Status, "saga is already terminal")
	}
	if state.Status == StatusCompensating {
		return NewSagaConflictError(sagaID, state.Status, "saga is already compensating")
	}
	return NewSagaConflictError(sagaID, state.Status, "saga is not driven by this orchestrator")
}

// GetSaga 返回 Saga 状态与按 Sequence 排序的步骤日志
func (o *Orchestrator) GetSaga(ctx context.Context, sagaID string) (*SagaState, []*StepLog, error) {
	state, err := o.repo.FindSagaByID(ctx, sagaID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, NewSagaNotFoundError(sagaID)
		}
		return nil, nil, err
	}
	logs, err := o.repo.FindStepLogs(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	return state, logs, nil
}

// ListSagas 分页列出 Saga
func (o *Orchestrator) ListSagas(ctx context.Context, filter Filter, page paging.Request) ([]*SagaState, int, error) {
	return o.repo.ListSagas(ctx, filter, page.Normalize())
}

// AwaitSaga 等待本编排器驱动的 Saga 结束，然后返回其最新状态
//
// Saga 不由本编排器驱动时直接返回存储中的状态。
func (o *Orchestrator) AwaitSaga(ctx context.Context, sagaID string) (*SagaState, error) {
	o.mu.Lock()
	r := o.runs[sagaID]
	o.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	state, err := o.repo.FindSagaByID(ctx, sagaID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, NewSagaNotFoundError(sagaID)
		}
		return nil, err
	}
	return state, nil
}

// InFlight 当前被驱动的 Saga 数量
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Shutdown 停止接收新 Saga 并等待所有驱动结束
//
// ctx 到期后取消基础上下文：驱动在下一个挂起点退出，不写终态，返回 ctx.Err()。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	inflight := len(o.runs)
	o.mu.Unlock()

	o.logger.Info(ctx, "orchestrator shutting down", logging.Int("in_flight", inflight))

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelBase()
		return nil
	case <-ctx.Done():
		o.cancelBase()
		<-done
		o.logger.Warn(context.Background(), "orchestrator shutdown deadline exceeded, in-flight sagas aborted",
			logging.Int("in_flight", inflight))
		return ctx.Err()
	}
}

// spawn 注册 run 并启动驱动；编排器关闭时返回 false
func (o *Orchestrator) spawn(d *driver) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	if _, exists := o.runs[d.state.SagaID]; exists {
		return true
	}
	d.run = newRun(d.state.Status)
	o.runs[d.state.SagaID] = d.run
	o.wg.Add(1)
	o.metrics.InFlight(1)
	go o.drive(d)
	return true
}

func (o *Orchestrator) finish(d *driver) {
	o.mu.Lock()
	delete(o.runs, d.state.SagaID)
	o.mu.Unlock()
	o.metrics.InFlight(-1)
	close(d.run.done)
	o.wg.Done()
}

func (o *Orchestrator) now() time.Time {
	return o.opts.Now().UTC()
}

func (o *Orchestrator) sagaLogger(d *driver) logging.Logger {
	return o.logger.WithFields(
		logging.String("saga_id", d.state.SagaID),
		logging.String("workflow_name", d.state.WorkflowName),
	)
}

// runPhase 驱动所处阶段
type runPhase int

const (
	phaseForward runPhase = iota
	phaseFinalStep
	phaseCompensating
	phaseFinished
)

// run 单个 Saga 的取消信号与阶段，由驱动与 CancelSaga 共享
type run struct {
	done      chan struct{}
	cancelled chan struct{}

	mu              sync.Mutex
	phase           runPhase
	cancelRequested bool
	reason          string
}

func newRun(status Status) *run {
	r := &run{
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	if status == StatusCompensating {
		r.phase = phaseCompensating
	}
	return r
}

// requestCancel 记录取消请求；补偿或已结束阶段拒绝并返回当前阶段
func (r *run) requestCancel(reason string) (bool, runPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == phaseCompensating || r.phase == phaseFinished {
		return false, r.phase
	}
	if !r.cancelRequested {
		r.cancelRequested = true
		r.reason = reason
		close(r.cancelled)
	}
	return true, r.phase
}

// boundary 在开始一个正向步骤前调用，返回是否需要取消
func (r *run) boundary(final bool) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested {
		return true, r.reason
	}
	if final {
		r.phase = phaseFinalStep
	}
	return false, ""
}

// enterCompensation 切换到补偿阶段，返回此前是否已接受取消请求
func (r *run) enterCompensation() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phaseCompensating
	return r.cancelRequested, r.reason
}

func (r *run) markFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phaseFinished
}
