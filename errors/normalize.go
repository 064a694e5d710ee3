package errors

import (
	"context"
	"database/sql"
	stdErrors "errors"
)

// Normalize 将基础设施层的裸错误规范化为 AppError。
//
// 约定：
//   - 已经是 IError 的错误原样返回；
//   - sql.ErrNoRows 视为 NOT_FOUND；
//   - context.DeadlineExceeded 视为 TIMEOUT，context.Canceled 视为 SERVICE_UNAVAILABLE；
//   - 未识别的错误保持原样，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	var iErr IError
	if stdErrors.As(err, &iErr) {
		return err
	}

	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return WrapError(err, ErrCodeNotFound, "record not found")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "deadline exceeded")
	case stdErrors.Is(err, context.Canceled):
		return WrapError(err, ErrCodeUnavailable, "operation canceled")
	}

	return err
}
