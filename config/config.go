// Package config 加载 sagad 的配置：YAML 文件 + K1S0_SAGA_* 环境变量覆盖
package config

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"k1s0/validation"
)

// Config 服务配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Events       EventsConfig       `yaml:"events"`
	Logging      LoggingConfig      `yaml:"logging"`
	Workflows    WorkflowsConfig    `yaml:"workflows"`
}

// ServerConfig HTTP 监听与进程关闭
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	TLSEnabled bool   `yaml:"tls_enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

// 存储驱动
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig 存储后端
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// 连接池配置
	MaxOpenConns    int `yaml:"max_open_conns"`
	MaxIdleConns    int `yaml:"max_idle_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime"`  // 秒
	ConnMaxIdleTime int `yaml:"conn_max_idle_time"` // 秒
}

// OrchestratorConfig 编排器参数
type OrchestratorConfig struct {
	MaxConcurrentSagas int           `yaml:"max_concurrent_sagas"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`

	// RecoverOnStart 启动时接管存储中未结束的 Saga
	RecoverOnStart bool `yaml:"recover_on_start"`
}

// 下游调用方式
const (
	ExecutorHTTP = "http"
	ExecutorNATS = "nats"
)

// RouteConfig 一类下游调用的传输配置
type RouteConfig struct {
	Kind          string            `yaml:"kind"`
	BaseURL       string            `yaml:"base_url"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
	SubjectPrefix string            `yaml:"subject_prefix"`
}

// ExecutorConfig 下游调用配置
//
// Services 按服务名指定路由，未列出的服务走 Default；Default.Kind 为空表示未路由的服务一律失败。
type ExecutorConfig struct {
	Default  RouteConfig            `yaml:"default"`
	Services map[string]RouteConfig `yaml:"services"`
	NATSURL  string                 `yaml:"nats_url"`
	Tracing  bool                   `yaml:"tracing"`
}

// 事件后端
const (
	EventsNone  = "none"
	EventsRedis = "redis"
	EventsNATS  = "nats"
)

// EventsConfig 生命周期事件发布
type EventsConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	NATS    NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamPrefix string `yaml:"stream_prefix"`
	MaxLen       int64  `yaml:"max_len"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WorkflowsConfig 启动时预加载的工作流目录，为空表示不预加载
type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "k1s0-saga",
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
		},
		Orchestrator: OrchestratorConfig{
			MaxBackoff:     30 * time.Second,
			PublishTimeout: 2 * time.Second,
			RecoverOnStart: true,
		},
		Executor: ExecutorConfig{
			Default: RouteConfig{Timeout: 30 * time.Second},
		},
		Events: EventsConfig{
			Backend: EventsNone,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load 读取配置
//
// 参数：
//   - path: YAML 文件路径，为空时只使用默认值与环境变量
//
// 返回：
//   - *Config: 已应用环境变量并通过校验的配置
//   - error: 文件读取/解析失败，或 VALIDATION_ERROR
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !stdErrors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnv 用 K1S0_SAGA_* 环境变量覆盖已加载的值
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("K1S0_SAGA_HTTP_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("K1S0_SAGA_HTTP_PORT", c.Server.Port)
	c.Server.ShutdownTimeout = getEnvDuration("K1S0_SAGA_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Storage.Driver = getEnv("K1S0_SAGA_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("K1S0_SAGA_STORAGE_DSN", c.Storage.DSN)

	c.Orchestrator.MaxConcurrentSagas = getEnvInt("K1S0_SAGA_MAX_CONCURRENT_SAGAS", c.Orchestrator.MaxConcurrentSagas)
	c.Orchestrator.MaxBackoff = getEnvDuration("K1S0_SAGA_MAX_BACKOFF", c.Orchestrator.MaxBackoff)
	c.Orchestrator.RecoverOnStart = getEnvBool("K1S0_SAGA_RECOVER_ON_START", c.Orchestrator.RecoverOnStart)

	c.Executor.Default.Kind = getEnv("K1S0_SAGA_EXECUTOR_KIND", c.Executor.Default.Kind)
	c.Executor.Default.BaseURL = getEnv("K1S0_SAGA_EXECUTOR_BASE_URL", c.Executor.Default.BaseURL)
	c.Executor.NATSURL = getEnv("K1S0_SAGA_EXECUTOR_NATS_URL", c.Executor.NATSURL)
	c.Executor.Tracing = getEnvBool("K1S0_SAGA_EXECUTOR_TRACING", c.Executor.Tracing)

	c.Events.Backend = getEnv("K1S0_SAGA_EVENTS_BACKEND", c.Events.Backend)
	c.Events.Redis.Addr = getEnv("K1S0_SAGA_REDIS_ADDR", c.Events.Redis.Addr)
	c.Events.Redis.Password = getEnv("K1S0_SAGA_REDIS_PASSWORD", c.Events.Redis.Password)
	c.Events.NATS.URL = getEnv("K1S0_SAGA_EVENTS_NATS_URL", c.Events.NATS.URL)

	c.Logging.Level = getEnv("K1S0_SAGA_LOG_LEVEL", c.Logging.Level)
	c.Workflows.Dir = getEnv("K1S0_SAGA_WORKFLOW_DIR", c.Workflows.Dir)
}

// Validate 校验配置
//
// 返回：
//   - error: VALIDATION_ERROR，消息汇总全部问题
func (c *Config) Validate() error {
	var v validation.Collector

	v.IntRange("server.port", c.Server.Port, 0, 65535)
	if c.Server.TLSEnabled && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		v.Addf("server.cert_file and server.key_file are required when tls is enabled")
	}

	if v.OneOf("storage.driver", c.Storage.Driver, StorageMemory, StorageSQLite, StoragePostgres) &&
		c.Storage.Driver != StorageMemory && c.Storage.DSN == "" {
		v.Addf("storage.dsn is required for driver %s", c.Storage.Driver)
	}

	v.AtLeast("orchestrator.max_concurrent_sagas", c.Orchestrator.MaxConcurrentSagas, 0)

	c.validateRoute(&v, "executor.default", c.Executor.Default)
	for name, route := range c.Executor.Services {
		label := "executor.services." + name
		if route.Kind == "" {
			v.Addf("%s: kind is required", label)
			continue
		}
		c.validateRoute(&v, label, route)
	}

	if v.OneOf("events.backend", c.Events.Backend, "", EventsNone, EventsRedis, EventsNATS) {
		switch c.Events.Backend {
		case EventsRedis:
			v.Required("events.redis.addr", c.Events.Redis.Addr)
		case EventsNATS:
			v.Required("events.nats.url", c.Events.NATS.URL)
		}
	}

	return v.Err("invalid config")
}

func (c *Config) validateRoute(v *validation.Collector, label string, r RouteConfig) {
	switch r.Kind {
	case "":
	case ExecutorHTTP:
		v.Required(label+": base_url", r.BaseURL)
	case ExecutorNATS:
		v.Required(label+": executor.nats_url", c.Executor.NATSURL)
	default:
		v.Addf("%s: unknown executor kind %q", label, r.Kind)
	}
}

// UsesNATSExecutor 是否有路由使用 NATS 传输
func (c *Config) UsesNATSExecutor() bool {
	if c.Executor.Default.Kind == ExecutorNATS {
		return true
	}
	for _, r := range c.Executor.Services {
		if r.Kind == ExecutorNATS {
			return true
		}
	}
	return false
}
