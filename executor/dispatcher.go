// Package executor 提供 saga.StepExecutor 的各种实现
//
// Dispatcher 按 "service.method" 解析下游调用：进程内 Handler 优先，其次是按服务路由的执行器，
// 最后是兜底执行器。HTTPExecutor 与 NATSExecutor 是两种远程传输，WithTracing 为任意执行器加上 span。
package executor

import (
	"context"
	"fmt"
	"sync"

	"k1s0/errors"
	"k1s0/saga"
)

// Handler 进程内步骤处理函数
type Handler func(ctx context.Context, payload saga.Payload) (saga.Payload, error)

// Dispatcher 基于名称的执行器注册表
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	services map[string]saga.StepExecutor
	fallback saga.StepExecutor
}

var _ saga.StepExecutor = (*Dispatcher)(nil)

// NewDispatcher 创建空注册表
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		services: make(map[string]saga.StepExecutor),
	}
}

// Handle 注册单个操作的进程内处理函数，重复注册覆盖旧值
func (d *Dispatcher) Handle(service, method string, h Handler) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[opKey(service, method)] = h
	return d
}

// Route 将某个服务的全部方法交给 exec
func (d *Dispatcher) Route(service string, exec saga.StepExecutor) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[service] = exec
	return d
}

// Fallback 设置未匹配任何注册项时使用的执行器
func (d *Dispatcher) Fallback(exec saga.StepExecutor) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = exec
	return d
}

// Invoke 实现 saga.StepExecutor
//
// 无法解析的操作返回 NOT_FOUND；该错误与其他失败一样计入重试。
func (d *Dispatcher) Invoke(ctx context.Context, service, method string, payload saga.Payload) (saga.Payload, error) {
	d.mu.RLock()
	h := d.handlers[opKey(service, method)]
	exec := d.services[service]
	fallback := d.fallback
	d.mu.RUnlock()

	switch {
	case h != nil:
		return h(ctx, payload)
	case exec != nil:
		return exec.Invoke(ctx, service, method, payload)
	case fallback != nil:
		return fallback.Invoke(ctx, service, method, payload)
	default:
		return nil, errors.NewNotFoundError(fmt.Sprintf("no executor registered for %s", opKey(service, method)))
	}
}

func opKey(service, method string) string {
	return service + "." + method
}
