package saga_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"k1s0/messaging"
	"k1s0/saga"
	"k1s0/storage/memory"
	"k1s0/workflow"
)

// clock 每次读取前进 1ms，保证时间戳严格递增
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type handler func(ctx context.Context, payload saga.Payload) (saga.Payload, error)

// fakeExecutor 按 "service.method" 分发；未注册的操作直接成功并返回空负载
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []string
	payloads map[string][]saga.Payload
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		handlers: make(map[string]handler),
		payloads: make(map[string][]saga.Payload),
	}
}

func (f *fakeExecutor) on(op string, h handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = h
}

func (f *fakeExecutor) Invoke(ctx context.Context, service, method string, payload saga.Payload) (saga.Payload, error) {
	op := service + "." + method
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.payloads[op] = append(f.payloads[op], payload.Clone())
	h := f.handlers[op]
	f.mu.Unlock()

	if h == nil {
		return saga.Payload{}, nil
	}
	return h(ctx, payload)
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExecutor) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) PayloadsFor(op string) []saga.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saga.Payload(nil), f.payloads[op]...)
}

func fail(msg string) handler {
	return func(context.Context, saga.Payload) (saga.Payload, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

func respond(resp saga.Payload) handler {
	return func(context.Context, saga.Payload) (saga.Payload, error) {
		return resp, nil
	}
}

// gate 阻塞调用直到 release；entered 在每次进入时收到信号
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) handler(resp saga.Payload, err error) handler {
	return func(ctx context.Context, _ saga.Payload) (saga.Payload, error) {
		g.entered <- struct{}{}
		select {
		case <-g.release:
			return resp, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked step was never invoked")
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

// recordingPublisher 记录发布的事件类型
type recordingPublisher struct {
	mu    sync.Mutex
	types []string
	msgs  []messaging.IMessage
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, msg messaging.IMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, msg.GetType())
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

// recordingMetrics 记录埋点调用
type recordingMetrics struct {
	mu       sync.Mutex
	started  map[string]int
	finished map[string]int
	attempts map[string]int
	inFlight int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		started:  make(map[string]int),
		finished: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (m *recordingMetrics) SagaStarted(wf string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[wf]++
}

func (m *recordingMetrics) SagaFinished(wf, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[wf+"/"+status]++
}

func (m *recordingMetrics) StepAttempt(_, action, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[action+"/"+result]++
}

func (m *recordingMetrics) InFlight(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight += delta
}

type harness struct {
	store     *memory.Store
	registry  *workflow.Registry
	exec      *fakeExecutor
	publisher *recordingPublisher
	metrics   *recordingMetrics
	clock     *clock
	orch      *saga.Orchestrator
}

func newHarness(t *testing.T, opts saga.Options) *harness {
	t.Helper()
	store, err := memory.NewStore()
	require.NoError(t, err)

	h := &harness{
		store:     store,
		registry:  workflow.NewRegistry(store),
		exec:      newFakeExecutor(),
		publisher: &recordingPublisher{},
		metrics:   newRecordingMetrics(),
		clock:     newClock(),
	}
	h.orch = h.newOrchestrator(opts)
	return h
}

// newOrchestrator 在同一存储上创建编排器（模拟进程重启）
func (h *harness) newOrchestrator(opts saga.Options) *saga.Orchestrator {
	if opts.Publisher == nil {
		opts.Publisher = h.publisher
	}
	if opts.Metrics == nil {
		opts.Metrics = h.metrics
	}
	if opts.Now == nil {
		opts.Now = h.clock.Now
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 5 * time.Millisecond
	}
	return saga.NewOrchestrator(h.registry, h.store, h.exec, opts)
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
}

func (h *harness) register(t *testing.T, name string, steps ...workflow.Step) *workflow.Definition {
	t.Helper()
	ctx := context.Background()
	_, err := h.registry.Register(ctx, &workflow.Definition{Name: name, Steps: steps})
	require.NoError(t, err)
	def, err := h.registry.Get(ctx, name)
	require.NoError(t, err)
	return def
}

func (h *harness) start(t *testing.T, wf string, payload saga.Payload) string {
	t.Helper()
	id, err := h.orch.StartSaga(context.Background(), saga.StartRequest{
		WorkflowName:  wf,
		Payload:       payload,
		CorrelationID: "corr-1",
		InitiatedBy:   "tester",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) await(t *testing.T, id string) *saga.SagaState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := h.orch.AwaitSaga(ctx, id)
	require.NoError(t, err)
	return state
}

func (h *harness) logs(t *testing.T, id string) []*saga.StepLog {
	t.Helper()
	logs, err := h.store.FindStepLogs(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func step(name, service, method, compensate string, attempts int) workflow.Step {
	return workflow.Step{
		Name:       name,
		Service:    service,
		Method:     method,
		Compensate: compensate,
		Timeout:    5 * time.Second,
		Retry:      workflow.RetryConfig{MaxAttempts: attempts, InitialInterval: time.Millisecond},
	}
}

func filterLogs(logs []*saga.StepLog, stepName string, action saga.Action) []*saga.StepLog {
	var out []*saga.StepLog
	for _, l := range logs {
		if l.StepName == stepName && l.Action == action {
			out = append(out, l)
		}
	}
	return out
}
