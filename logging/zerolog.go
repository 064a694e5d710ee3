package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.DurationFieldUnit = time.Millisecond
}

// ZerologConfig zerolog 后端配置
type ZerologConfig struct {
	// Service 写入每条日志的 service 字段，为空时省略
	Service string

	// Level 最低输出级别
	Level Level

	// Writer 输出目标，默认 os.Stderr
	Writer io.Writer
}

// ZerologLogger 基于 zerolog 的 Logger 实现
//
// 若 ctx 中携带有效的 OpenTelemetry span，会自动附加 trace_id / span_id。
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger 创建 zerolog 日志实现
func NewZerologLogger(cfg ZerologConfig) *ZerologLogger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	zctx := zerolog.New(w).Level(toZerologLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		zctx = zctx.Str("service", cfg.Service)
	}
	return &ZerologLogger{logger: zctx.Logger()}
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Error(), msg, fields)
}

func (l *ZerologLogger) WithFields(fields ...Field) Logger {
	zctx := l.logger.With()
	for _, f := range fields {
		zctx = appendContextField(zctx, f)
	}
	return &ZerologLogger{logger: zctx.Logger()}
}

func (l *ZerologLogger) write(ctx context.Context, event *zerolog.Event, msg string, fields []Field) {
	// 级别被过滤时 event 为 nil
	if event == nil {
		return
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			event = event.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
	}
	for _, f := range fields {
		event = appendEventField(event, f)
	}
	event.Msg(msg)
}

func appendEventField(event *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return event.Str(f.Key, v)
	case int:
		return event.Int(f.Key, v)
	case int64:
		return event.Int64(f.Key, v)
	case bool:
		return event.Bool(f.Key, v)
	case time.Duration:
		return event.Dur(f.Key, v)
	case error:
		return event.AnErr(f.Key, v)
	case fmt.Stringer:
		return event.Stringer(f.Key, v)
	default:
		return event.Interface(f.Key, v)
	}
}

func appendContextField(zctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return zctx.Str(f.Key, v)
	case int:
		return zctx.Int(f.Key, v)
	case error:
		return zctx.AnErr(f.Key, v)
	default:
		return zctx.Interface(f.Key, v)
	}
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

var _ Logger = (*ZerologLogger)(nil)
