package httpapi

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"k1s0/logging"
)

// WebConfig HTTP 服务基础配置
type WebConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// TLS
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CertFile   string `json:"cert_file" yaml:"cert_file"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
}

// Addr 监听地址
func (c WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server 基于 net/http 的 HTTP 服务，实现 server.Component
type Server struct {
	config  WebConfig
	handler http.Handler
	logger  logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ready    chan struct{}
}

// NewServer 创建 HTTP 服务
func NewServer(config WebConfig, handler http.Handler) *Server {
	return &Server{
		config:  config,
		handler: handler,
		logger:  logging.ComponentLogger("httpapi.server"),
		ready:   make(chan struct{}),
	}
}

func (s *Server) Name() string { return "http" }

// Run 监听并阻塞直到 Stop；Stop 引起的关闭返回 nil
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr(), err)
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info(ctx, "http server listening", logging.String("addr", ln.Addr().String()))

	if s.config.TLSEnabled {
		err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if stdErrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop 优雅关闭，等待进行中的请求直到 ctx 到期
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr 返回实际监听地址；在 Run 开始监听前阻塞，ctx 到期返回空字符串
func (s *Server) Addr(ctx context.Context) string {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr().String()
}
