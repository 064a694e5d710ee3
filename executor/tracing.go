package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"k1s0/saga"
)

const tracerName = "k1s0/executor"

type tracingExecutor struct {
	next   saga.StepExecutor
	tracer trace.Tracer
}

// WithTracing 为每次下游调用创建 client span；tp 为空时使用全局 TracerProvider
func WithTracing(next saga.StepExecutor, tp trace.TracerProvider) saga.StepExecutor {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracingExecutor{next: next, tracer: tp.Tracer(tracerName)}
}

func (t *tracingExecutor) Invoke(ctx context.Context, service, method string, payload saga.Payload) (saga.Payload, error) {
	ctx, span := t.tracer.Start(ctx, "saga.step "+opKey(service, method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		))
	defer span.End()

	out, err := t.next.Invoke(ctx, service, method, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}
