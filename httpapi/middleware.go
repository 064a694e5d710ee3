package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"k1s0/errors"
	"k1s0/logging"
)

// HeaderCorrelationID 请求/响应中携带 correlation id 的头
const HeaderCorrelationID = "X-Correlation-ID"

type contextKey string

const contextKeyCorrelationID contextKey = "correlation_id"

// WithCorrelationID 在 context 中设置 correlation_id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationID, id)
}

// GetCorrelationID 从 context 中获取 correlation_id，不存在时返回空字符串
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// Middleware 标准 net/http 中间件
type Middleware func(http.Handler) http.Handler

// chain 按声明顺序包裹，第一个中间件最先执行
func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// correlation 读取或生成 correlation id，并回写到响应头
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// accessLog 记录每个请求；同时把 panic 转为 500
func accessLog(logger logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					logger.Error(r.Context(), "http handler panicked",
						logging.String("panic", fmt.Sprint(p)),
						logging.String("path", r.URL.Path))
					writeError(rec, errors.NewError(errors.ErrCodeInternal, "internal server error"))
				}
				logger.Debug(r.Context(), "http request",
					logging.String("method", r.Method),
					logging.String("path", r.URL.Path),
					logging.Int("status", rec.status),
					logging.Duration("elapsed", time.Since(start)),
					logging.String("correlation_id", GetCorrelationID(r.Context())))
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
