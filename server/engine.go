package server

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"k1s0/logging"
)

// Component 由 Engine 托管的长期运行组件
type Component interface {
	// Name 组件名称，用于日志与错误信息
	Name() string

	// Run 阻塞运行，直到 ctx 取消或 Stop 被调用；返回非 nil 错误会触发整体关闭
	Run(ctx context.Context) error

	// Stop 优雅停止，ctx 携带关闭期限
	Stop(ctx context.Context) error
}

type funcComponent struct {
	name string
	run  func(ctx context.Context) error
	stop func(ctx context.Context) error
}

// NewComponent 由函数组装组件；run 为空时阻塞到 ctx 取消，stop 可为空
func NewComponent(name string, run, stop func(ctx context.Context) error) Component {
	return &funcComponent{name: name, run: run, stop: stop}
}

func (c *funcComponent) Name() string { return c.name }

func (c *funcComponent) Run(ctx context.Context) error {
	if c.run == nil {
		<-ctx.Done()
		return nil
	}
	return c.run(ctx)
}

func (c *funcComponent) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

// Engine 按注册顺序启动组件，收到退出信号或任一组件失败后按逆序关闭
//
// 流程：OnBeforeStart -> Run(全部组件) -> OnAfterStart -> 等待 -> Stop(逆序) -> OnAfterStop
type Engine struct {
	options    *Options
	components []Component
	state      atomic.Int32
	logger     logging.Logger
}

// NewEngine 创建引擎
func NewEngine(opts ...Option) *Engine {
	options := DefaultOptions()
	for _, o := range opts {
		o(options)
	}
	return &Engine{
		options: options,
		logger:  logging.ComponentLogger("server").WithFields(logging.String("app", options.Name)),
	}
}

// Add 注册组件；必须在 Run 之前调用
func (e *Engine) Add(components ...Component) *Engine {
	e.components = append(e.components, components...)
	return e
}

// State 获取当前引擎状态
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run 运行所有组件直到 ctx 取消（通常由 signal.NotifyContext 产生）或某个组件失败
//
// 返回：
//   - error: 启动回调失败、组件运行错误与关闭错误的合并；正常退出返回 nil
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateStarting)
	e.logger.Info(ctx, "starting application", logging.String("version", e.options.Version))

	startCtx, startCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	for _, hook := range e.options.OnBeforeStart {
		if err := hook(startCtx); err != nil {
			startCancel()
			e.setState(StateError)
			return fmt.Errorf("OnBeforeStart hook failed: %w", err)
		}
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range e.components {
		c := c
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("component %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	e.setState(StateRunning)

	for _, hook := range e.options.OnAfterStart {
		if err := hook(gctx); err != nil {
			e.logger.Warn(ctx, "OnAfterStart hook failed", logging.Error(err))
		}
	}

	<-gctx.Done()
	e.setState(StateStopping)
	e.logger.Info(context.Background(), "shutting down", logging.Int("components", len(e.components)))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.ShutdownTimeout)
	defer shutdownCancel()

	var stopErrs []error
	for i := len(e.components) - 1; i >= 0; i-- {
		c := e.components[i]
		if err := c.Stop(shutdownCtx); err != nil {
			e.logger.Error(shutdownCtx, "component stop failed", logging.Error(err), logging.String("component", c.Name()))
			stopErrs = append(stopErrs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}

	runErr := g.Wait()

	for _, hook := range e.options.OnAfterStop {
		if err := hook(shutdownCtx); err != nil {
			e.logger.Warn(shutdownCtx, "OnAfterStop hook failed", logging.Error(err))
			stopErrs = append(stopErrs, err)
		}
	}

	if err := stdErrors.Join(append([]error{runErr}, stopErrs...)...); err != nil {
		e.setState(StateError)
		return err
	}
	e.setState(StateStopped)
	e.logger.Info(context.Background(), "shutdown complete")
	return nil
}
