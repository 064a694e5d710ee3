// sagad 运行 k1s0 Saga 编排服务
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"k1s0/config"
	"k1s0/httpapi"
	"k1s0/logging"
	"k1s0/metrics"
	"k1s0/saga"
	"k1s0/server"
	"k1s0/workflow"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("K1S0_SAGA_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sagad: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewZerologLogger(logging.ZerologConfig{
		Service: cfg.Server.Name,
		Level:   logging.ParseLevel(cfg.Logging.Level),
	})
	logging.SetLogger(logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(ctx, fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn(ctx, "automaxprocs failed", logging.Error(err))
	}

	shutdownTracing, err := initTracing(cfg.Server.Name, cfg.Executor.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn(context.Background(), "release resource failed", logging.Error(err))
			}
		}
	}()

	store, health, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	exec, execClosers, err := buildExecutor(cfg.Executor, cfg.UsesNATSExecutor())
	closers = append(closers, execClosers...)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("events publisher: %w", err)
	}
	closers = append(closers, publisher.Close)

	m := metrics.New(nil)
	registry := workflow.NewRegistry(store)
	orch := saga.NewOrchestrator(registry, store, exec, saga.Options{
		Logger:             logging.ComponentLogger("saga.orchestrator"),
		Publisher:          publisher,
		Metrics:            m,
		MaxConcurrentSagas: cfg.Orchestrator.MaxConcurrentSagas,
		MaxBackoff:         cfg.Orchestrator.MaxBackoff,
		PublishTimeout:     cfg.Orchestrator.PublishTimeout,
	})

	handler := httpapi.NewHandler(registry, orch,
		httpapi.WithHealthCheck(health),
		httpapi.WithMetricsHandler(m.Handler()))
	httpServer := httpapi.NewServer(httpapi.WebConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TLSEnabled:   cfg.Server.TLSEnabled,
		CertFile:     cfg.Server.CertFile,
		KeyFile:      cfg.Server.KeyFile,
	}, handler.Routes())

	engine := server.NewEngine(
		server.WithName(cfg.Server.Name),
		server.WithVersion(version),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		server.WithBeforeStart(func(ctx context.Context) error {
			return preloadWorkflows(ctx, registry, cfg.Workflows.Dir, logger)
		}),
		server.WithAfterStop(shutdownTracing),
	).Add(
		orchestratorComponent(orch, cfg.Orchestrator.RecoverOnStart, logger),
		httpServer,
	)

	return engine.Run(ctx)
}

func preloadWorkflows(ctx context.Context, registry *workflow.Registry, dir string, logger logging.Logger) error {
	if dir == "" {
		return nil
	}
	defs, err := workflow.LoadDir(dir)
	if err != nil {
		return err
	}
	n, err := registry.Preload(ctx, defs)
	if err != nil {
		return err
	}
	logger.Info(ctx, "workflows preloaded",
		logging.String("dir", dir),
		logging.Int("found", len(defs)),
		logging.Int("registered", n))
	return nil
}

// orchestratorComponent 启动时接管未结束的 Saga；关闭时等待进行中的 Saga 直到期限
func orchestratorComponent(orch *saga.Orchestrator, recoverOnStart bool, logger logging.Logger) server.Component {
	return server.NewComponent("orchestrator",
		func(ctx context.Context) error {
			if recoverOnStart {
				start := time.Now()
				n, err := orch.Recover(ctx)
				if err != nil {
					return fmt.Errorf("recover sagas: %w", err)
				}
				logger.Info(ctx, "saga recovery finished",
					logging.Int("recovered", n),
					logging.Duration("elapsed", time.Since(start)))
			}
			<-ctx.Done()
			return nil
		},
		orch.Shutdown,
	)
}
