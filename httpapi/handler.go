package httpapi

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/paging"
	"k1s0/saga"
	"k1s0/workflow"
)

// WorkflowService 工作流注册表端口（*workflow.Registry 实现该接口）
type WorkflowService interface {
	Register(ctx context.Context, def *workflow.Definition) (string, error)
	Get(ctx context.Context, name string) (*workflow.Definition, error)
	List(ctx context.Context, page, pageSize int) ([]*workflow.Definition, int, error)
}

// SagaService 编排器端口（*saga.Orchestrator 实现该接口）
type SagaService interface {
	StartSaga(ctx context.Context, req saga.StartRequest) (string, error)
	CancelSaga(ctx context.Context, sagaID, reason string) error
	GetSaga(ctx context.Context, sagaID string) (*saga.SagaState, []*saga.StepLog, error)
	ListSagas(ctx context.Context, filter saga.Filter, page paging.Request) ([]*saga.SagaState, int, error)
}

// HealthCheck 就绪检查，返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// Handler REST 处理器
type Handler struct {
	workflows WorkflowService
	sagas     SagaService
	health    HealthCheck
	metrics   http.Handler
	logger    logging.Logger
}

// Option Handler 可选项
type Option func(*Handler)

// WithHealthCheck 设置 /healthz 使用的检查
func WithHealthCheck(check HealthCheck) Option {
	return func(h *Handler) { h.health = check }
}

// WithMetricsHandler 挂载 /metrics
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger 替换默认的组件日志
func WithLogger(logger logging.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler 创建处理器
func NewHandler(workflows WorkflowService, sagas SagaService, opts ...Option) *Handler {
	h := &Handler{
		workflows: workflows,
		sagas:     sagas,
		logger:    logging.ComponentLogger("httpapi"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes 返回装配好中间件的路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", h.registerWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", h.listWorkflows)
	mux.HandleFunc("POST /api/v1/sagas", h.startSaga)
	mux.HandleFunc("GET /api/v1/sagas", h.listSagas)
	mux.HandleFunc("GET /api/v1/sagas/{id}", h.getSaga)
	mux.HandleFunc("POST /api/v1/sagas/{id}/cancel", h.cancelSaga)
	mux.HandleFunc("GET /healthz", h.healthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return chain(mux, correlation, accessLog(h.logger))
}

// registerWorkflow 支持 JSON 与 YAML（Content-Type 含 yaml）两种请求体
func (h *Handler) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var (
		def *workflow.Definition
		err error
	)
	if isYAML(r.Header.Get("Content-Type")) {
		def, err = decodeYAMLWorkflow(r.Body)
	} else {
		var req registerWorkflowRequest
		if err = decodeJSON(r, &req); err == nil {
			def, err = req.toDefinition()
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.workflows.Register(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerWorkflowResponse{ID: id, Name: def.Name, StepCount: def.StepCount()})
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.Contains(mt, "yaml")
}

func decodeYAMLWorkflow(body io.Reader) (*workflow.Definition, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	defs, err := workflow.ParseYAML(data)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid workflow yaml")
	}
	if len(defs) != 1 {
		return nil, errors.NewValidationError(fmt.Sprintf("expected exactly one workflow document, got %d", len(defs)))
	}
	return defs[0], nil
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	defs, total, err := h.workflows.List(r.Context(), page.Page, page.PageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]workflowView, 0, len(defs))
	for _, def := range defs {
		items = append(items, newWorkflowView(def))
	}
	writeJSON(w, http.StatusOK, ListPayload[workflowView]{Items: items, Total: total, Page: page.Page, PageSize: page.PageSize})
}

// startSaga 未注册的 workflow_name 返回 500，消息包含 "workflow not found"
func (h *Handler) startSaga(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req startSagaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = GetCorrelationID(r.Context())
	}

	id, err := h.sagas.StartSaga(r.Context(), saga.StartRequest{
		WorkflowName:  req.WorkflowName,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		InitiatedBy:   req.InitiatedBy,
	})
	if err != nil {
		if errors.IsNotFound(err) {
			writeErrorStatus(w, http.StatusInternalServerError, err)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startSagaResponse{SagaID: id, Status: saga.StatusStarted})
}

// listSagas 支持 status（逗号分隔）与 workflow_name 过滤
func (h *Handler) listSagas(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := saga.Filter{WorkflowName: q.Get("workflow_name")}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := saga.ParseStatus(part)
			if err != nil {
				writeError(w, errors.NewValidationError(err.Error()))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	states, total, err := h.sagas.ListSagas(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	if states == nil {
		states = []*saga.SagaState{}
	}
	writeJSON(w, http.StatusOK, ListPayload[*saga.SagaState]{Items: states, Total: total, Page: page.Page, PageSize: page.PageSize})
}

func (h *Handler) getSaga(w http.ResponseWriter, r *http.Request) {
	state, logs, err := h.sagas.GetSaga(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*saga.StepLog{}
	}
	writeJSON(w, http.StatusOK, sagaDetailResponse{
		Saga:     sagaView{SagaState: state, CurrentStepID: h.currentStepName(r.Context(), state)},
		StepLogs: logs,
	})
}

// currentStepName 解析 current_step_index 对应的步骤名；定义已变更或索引越界时返回空
func (h *Handler) currentStepName(ctx context.Context, state *saga.SagaState) string {
	def, err := h.workflows.Get(ctx, state.WorkflowName)
	if err != nil {
		h.logger.Debug(ctx, "workflow lookup failed", logging.Error(err),
			logging.String("workflow_name", state.WorkflowName))
		return ""
	}
	if state.WorkflowID != "" && def.ID != state.WorkflowID {
		return ""
	}
	if state.CurrentStepIndex < 0 || state.CurrentStepIndex >= len(def.Steps) {
		return ""
	}
	return def.Steps[state.CurrentStepIndex].Name
}

// cancelSaga 请求体可省略；终态或补偿中返回 409
func (h *Handler) cancelSaga(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req cancelSagaRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !stdErrors.Is(err, io.EOF) {
			writeError(w, err)
			return
		}
	}

	id := r.PathValue("id")
	if err := h.sagas.CancelSaga(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelSagaResponse{SagaID: id, Message: "cancel requested"})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
