package errors

import (
	"context"
	"fmt"

	"k1s0/logging"
)

// WrapDatabaseError 包装数据库错误
//
// sql.ErrNoRows 等可识别错误先经 Normalize 归一；其余错误记录 Warn 并标记为 DATABASE_ERROR。
func WrapDatabaseError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	normalized := Normalize(err)
	if IsNotFound(normalized) || IsAlreadyExists(normalized) || IsConflict(normalized) {
		return normalized
	}

	logging.GetLogger().Warn(ctx, "database operation failed",
		logging.String("operation", operation),
		logging.String("error_code", string(ErrCodeDatabase)),
		logging.Error(err))

	return WrapError(err, ErrCodeDatabase, fmt.Sprintf("database operation failed: %s", operation))
}

// NewValidationError 创建验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(msg string) error {
	return NewError(ErrCodeNotFound, msg)
}

// NewConflictError 创建冲突错误
func NewConflictError(msg string) error {
	return NewError(ErrCodeConflict, msg)
}

// NewAlreadyExistsError 创建重复创建错误
func NewAlreadyExistsError(msg string) error {
	return NewError(ErrCodeAlreadyExists, msg)
}
