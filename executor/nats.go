package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/saga"
)

// requester 抽象 nats.Conn 的请求-应答能力，便于测试
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSConfig NATS 执行器配置
type NATSConfig struct {
	URL string

	// SubjectPrefix 请求主题前缀，主题为 {SubjectPrefix}{service}.{method}
	SubjectPrefix string

	// Conn 复用已有连接；为空时按 URL 建立连接并在 Close 时关闭
	Conn *nats.Conn
}

// reply 下游应答格式：error 非空表示业务失败
type reply struct {
	Payload saga.Payload `json:"payload"`
	Error   string       `json:"error,omitempty"`
}

// NATSExecutor 通过 NATS request/reply 调用下游
type NATSExecutor struct {
	conn    *nats.Conn
	req     requester
	prefix  string
	ownConn bool
	logger  logging.Logger
}

var _ saga.StepExecutor = (*NATSExecutor)(nil)

// NewNATSExecutor 创建 NATS 执行器
func NewNATSExecutor(cfg NATSConfig) (*NATSExecutor, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "k1s0.step."
	}
	e := &NATSExecutor{
		prefix: cfg.SubjectPrefix,
		logger: logging.ComponentLogger("executor.nats"),
	}
	if cfg.Conn != nil {
		e.conn = cfg.Conn
		e.req = cfg.Conn
		return e, nil
	}
	if cfg.URL == "" {
		return nil, errors.NewValidationError("nats executor url is required")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("k1s0-saga-executor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "connect nats executor")
	}
	e.conn = nc
	e.req = nc
	e.ownConn = true
	return e, nil
}

func (e *NATSExecutor) subject(service, method string) string {
	return e.prefix + service + "." + method
}

func (e *NATSExecutor) Invoke(ctx context.Context, service, method string, payload saga.Payload) (saga.Payload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request payload: %w", err)
	}

	subj := e.subject(service, method)
	msg, err := e.req.RequestWithContext(ctx, subj, data)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeQueue, fmt.Sprintf("request %s", subj))
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", subj, err)
	}
	if r.Error != "" {
		e.logger.Debug(ctx, "downstream replied with error",
			logging.String("subject", subj),
			logging.String("error", r.Error))
		return nil, fmt.Errorf("%s.%s: %s", service, method, r.Error)
	}
	if r.Payload == nil {
		r.Payload = saga.Payload{}
	}
	return r.Payload, nil
}

// Close 关闭自行建立的连接
func (e *NATSExecutor) Close() error {
	if e.ownConn && e.conn != nil {
		e.conn.Close()
	}
	return nil
}
