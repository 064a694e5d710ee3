package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "modernc.org/sqlite"

	"k1s0/config"
	"k1s0/executor"
	"k1s0/messaging"
	"k1s0/messaging/transport/natsjetstream"
	"k1s0/messaging/transport/redisstreams"
	"k1s0/saga"
	core "k1s0/storage/db"
	"k1s0/storage/db/basic"
	"k1s0/storage/memory"
	"k1s0/storage/sqlstore"
	"k1s0/workflow"
)

// sagaStore 同时承担 Saga 与工作流存储
type sagaStore interface {
	saga.Repository
	workflow.Repository
}

// closer 按注册逆序释放的资源
type closer func() error

// storage 打开配置的存储后端
//
// 返回：
//   - sagaStore: 存储实现
//   - func(ctx) error: 健康检查，内存后端恒为 nil
//   - closer: 释放连接池
func openStorage(ctx context.Context, cfg config.StorageConfig) (sagaStore, func(context.Context) error, closer, error) {
	if cfg.Driver == config.StorageMemory {
		store, err := memory.NewStore()
		if err != nil {
			return nil, nil, nil, err
		}
		return store, func(context.Context) error { return nil }, func() error { return nil }, nil
	}

	database, err := basic.Open(core.DBConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
	}
	store := sqlstore.New(database)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = database.Close()
		return nil, nil, nil, err
	}
	return store, store.Ping, database.Close, nil
}

// buildExecutor 按服务路由组装下游调用
func buildExecutor(cfg config.ExecutorConfig, needNATS bool) (saga.StepExecutor, []closer, error) {
	var (
		closers []closer
		nc      *nats.Conn
	)
	if needNATS {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("k1s0-sagad"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, fmt.Errorf("connect executor nats: %w", err)
		}
		nc = conn
		closers = append(closers, func() error { conn.Close(); return nil })
	}

	route := func(r config.RouteConfig) (saga.StepExecutor, error) {
		switch r.Kind {
		case config.ExecutorHTTP:
			return executor.NewHTTPExecutor(executor.HTTPConfig{
				BaseURL: r.BaseURL,
				Headers: r.Headers,
				Timeout: r.Timeout,
			})
		case config.ExecutorNATS:
			return executor.NewNATSExecutor(executor.NATSConfig{Conn: nc, SubjectPrefix: r.SubjectPrefix})
		default:
			return nil, nil
		}
	}

	d := executor.NewDispatcher()
	for name, r := range cfg.Services {
		exec, err := route(r)
		if err != nil {
			return nil, closers, fmt.Errorf("executor route %s: %w", name, err)
		}
		d.Route(name, exec)
	}
	fallback, err := route(cfg.Default)
	if err != nil {
		return nil, closers, fmt.Errorf("executor default route: %w", err)
	}
	if fallback != nil {
		d.Fallback(fallback)
	}

	if cfg.Tracing {
		return executor.WithTracing(d, nil), closers, nil
	}
	return d, closers, nil
}

// buildPublisher 创建生命周期事件发布器；backend 为 none 时返回 NopPublisher
func buildPublisher(ctx context.Context, cfg config.EventsConfig) (messaging.IPublisher, error) {
	switch cfg.Backend {
	case config.EventsRedis:
		return redisstreams.NewPublisher(redisstreams.Config{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			StreamPrefix: cfg.Redis.StreamPrefix,
			MaxLen:       cfg.Redis.MaxLen,
		})
	case config.EventsNATS:
		p := natsjetstream.NewPublisher(natsjetstream.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err := p.Start(ctx); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return messaging.NopPublisher{}, nil
	}
}

// initTracing 安装全局 TracerProvider 与 W3C 传播器
//
// 未配置导出器：span 只用于日志关联与向下游传播 traceparent。
func initTracing(service string, enabled bool) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", service)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
