package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/saga"
)

// HTTPConfig HTTP 执行器配置
type HTTPConfig struct {
	// BaseURL 下游地址，请求发送到 {BaseURL}/{service}/{method}
	BaseURL string

	// Headers 每个请求附带的固定请求头
	Headers map[string]string

	// Client 为空时使用带 Timeout 的默认客户端
	Client  *http.Client
	Timeout time.Duration
}

// HTTPExecutor 以 JSON over HTTP 调用下游
//
// 请求体为负载 JSON 对象；2xx 响应体解析为响应负载（空响应体视为空负载），其余状态码视为失败。
type HTTPExecutor struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  logging.Logger
}

var _ saga.StepExecutor = (*HTTPExecutor)(nil)

// maxErrorBody 失败响应体写入错误信息的最大长度
const maxErrorBody = 512

// NewHTTPExecutor 创建 HTTP 执行器
func NewHTTPExecutor(cfg HTTPConfig) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.NewValidationError("http executor base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "invalid http executor base url")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		client:  client,
		logger:  logging.ComponentLogger("executor.http"),
	}, nil
}

func (e *HTTPExecutor) Invoke(ctx context.Context, service, method string, payload saga.Payload) (saga.Payload, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request payload: %w", err)
	}

	target := fmt.Sprintf("%s/%s/%s", e.baseURL, url.PathEscape(service), url.PathEscape(method))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, fmt.Sprintf("call %s.%s", service, method))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, fmt.Sprintf("read %s.%s response", service, method))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		e.logger.Debug(ctx, "downstream call rejected",
			logging.String("operation", opKey(service, method)),
			logging.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%s.%s returned HTTP %d: %s", service, method, resp.StatusCode, snippet)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return saga.Payload{}, nil
	}
	var out saga.Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s.%s response: %w", service, method, err)
	}
	if out == nil {
		out = saga.Payload{}
	}
	return out, nil
}
